// Command provcore-verify opens the blob store selected by the PROVCORE_*
// environment variables and cross-checks the stored indices and catalog
// against each other. It prints one line per inconsistency and exits
// non-zero when any is found.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"provcore/internal/core"
	"provcore/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	verbose := flag.Bool("v", false, "print every check, not only failures")
	flag.Parse()

	problems, err := run(context.Background(), *verbose, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "provcore-verify: %v\n", err)
		exitFunc(2)
	}
	if problems > 0 {
		fmt.Printf("%d problem(s) found\n", problems)
		exitFunc(1)
	}
	fmt.Println("store is consistent")
}

func run(ctx context.Context, verbose bool, out *os.File) (int, error) {
	gw, err := core.OpenGateway(ctx, false)
	if err != nil {
		return 0, err
	}

	problems := 0
	report := func(format string, args ...any) {
		problems++
		fmt.Fprintf(out, format+"\n", args...)
	}

	activities, err := gw.Activities(ctx)
	if err != nil {
		return 0, err
	}
	if verbose {
		fmt.Fprintf(out, "checking %d activities\n", len(activities))
	}

	catalog, err := gw.Database().Catalog(ctx, core.RootActivityCatalog)
	if err != nil {
		return 0, err
	}

	seenPlans := map[string]bool{}
	for _, activity := range activities {
		oid := activity.OID()
		if !catalog.Known(oid) {
			report("activity %s missing from catalog", oid)
		}
		assoc, err := activity.Association()
		if err != nil {
			report("activity %s: association unreadable: %v", oid, err)
			continue
		}
		if assoc.PlanID() == "" {
			if err := assoc.LoadError(); err != nil {
				report("activity %s: association %s unreadable: %v", oid, assoc.OID(), err)
			} else {
				report("activity %s: association %s has no plan", oid, assoc.OID())
			}
			continue
		}
		seenPlans[assoc.PlanID()] = true

		if err := checkFacts(activity); err != nil {
			report("activity %s: %v", oid, err)
		}
	}

	latest, err := gw.LatestActivityPerPlan(ctx)
	if err != nil {
		return 0, err
	}
	for planID, entry := range latest {
		if !seenPlans[planID] {
			report("latest index references plan %s with no stored activities", planID)
		}
		found := false
		for _, activity := range activities {
			if activity.OID() == entry.OID() {
				found = true
				break
			}
		}
		if !found {
			report("latest activity %s for plan %s is not in the activity index", entry.OID(), planID)
		}
	}
	for planID := range seenPlans {
		if _, ok := latest[planID]; !ok {
			report("plan %s has activities but no latest entry", planID)
		}
	}

	if verbose {
		fmt.Fprintf(out, "checked %d plans\n", len(seenPlans))
	}
	return problems, nil
}

// checkFacts faults in every usage, generation and referenced entity so an
// unreadable or missing blob surfaces as an error.
func checkFacts(activity *domain.Activity) error {
	usages, err := activity.Usages()
	if err != nil {
		return fmt.Errorf("usages unreadable: %w", err)
	}
	for _, u := range usages {
		entity, err := u.Entity()
		if err != nil {
			return fmt.Errorf("usage %s: entity unreadable: %w", u.OID(), err)
		}
		if err := checkEntity(entity); err != nil {
			return fmt.Errorf("usage %s: %w", u.OID(), err)
		}
	}
	generations, err := activity.Generations()
	if err != nil {
		return fmt.Errorf("generations unreadable: %w", err)
	}
	for _, g := range generations {
		entity, err := g.Entity()
		if err != nil {
			return fmt.Errorf("generation %s: entity unreadable: %w", g.OID(), err)
		}
		if err := checkEntity(entity); err != nil {
			return fmt.Errorf("generation %s: %w", g.OID(), err)
		}
	}
	return nil
}

func checkEntity(entity domain.Persistent) error {
	switch e := entity.(type) {
	case *domain.Entity:
		e.Checksum()
		if err := e.LoadError(); err != nil {
			return fmt.Errorf("entity %s unreadable: %w", e.OID(), err)
		}
	case *domain.Collection:
		members, err := e.Members()
		if err != nil {
			return fmt.Errorf("collection %s unreadable: %w", e.OID(), err)
		}
		for _, m := range members {
			if err := checkEntity(m); err != nil {
				return fmt.Errorf("collection %s: %w", e.OID(), err)
			}
		}
	default:
		return fmt.Errorf("entity %s has unexpected type %T", entity.OID(), entity)
	}
	return nil
}
