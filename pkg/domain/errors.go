package domain

import "fmt"

// UsageError reports a programmer or integration mistake. It is surfaced
// immediately and never retried.
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}
