package ingest

import (
	"context"
	"errors"
)

var (
	// ErrDuplicateKey is wrapped by Collection.Insert when the idempotency
	// key is already taken.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
	ErrNotFound     = errors.New("ingestion record not found")
)

// Collection is the persistence contract the idempotent store is built on.
// Each method is atomic on its own; Insert must report key collisions as
// ErrDuplicateKey rather than overwrite.
type Collection interface {
	Insert(ctx context.Context, rec *Record) error
	GetByKey(ctx context.Context, kind Kind, key Key) (*Record, error)
	// Reattempt applies incoming's payload to the stored record identified by
	// existing and resets its processing fields, returning the updated row.
	Reattempt(ctx context.Context, existing, incoming *Record) (*Record, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*Record, error)
}
