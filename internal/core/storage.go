package core

import (
	"context"

	"provcore/internal/blob"
	"provcore/internal/store"
)

// OpenGateway builds a gateway over the blob backend selected by the
// environment. The blob driver is chosen by PROVCORE_BLOB_DRIVER; see
// blob.Open for the per-driver variables. When initialize is true the
// store roots are reset to empty, discarding any prior contents.
func OpenGateway(ctx context.Context, initialize bool, opts ...GatewayOption) (*ActivityGateway, error) {
	blobs, err := blob.Open(ctx)
	if err != nil {
		return nil, err
	}
	return openGateway(ctx, blobs, initialize, opts...)
}

func openGateway(ctx context.Context, blobs blob.Store, initialize bool, opts ...GatewayOption) (*ActivityGateway, error) {
	db := store.New(blobs, DefaultConfig())
	if initialize {
		if err := db.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	return NewActivityGateway(db, opts...), nil
}
