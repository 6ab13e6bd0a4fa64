package callback

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateTransaction is wrapped by EventCollection.Insert when a
	// status event already exists for the transaction id.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")
	ErrNotFound             = errors.New("status event not found")
)

type EventCollection interface {
	Insert(ctx context.Context, evt *StatusEvent) error
	GetByTransactionID(ctx context.Context, transactionID string) (*StatusEvent, error)
	// GetByCorrelationID returns the most recently received event.
	GetByCorrelationID(ctx context.Context, correlationID string) (*StatusEvent, error)
	// ClaimDue moves up to limit due events to InFlight and returns them. A
	// claim holds until leaseUntil, after which an unfinished event is due
	// again.
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*StatusEvent, error)
	RecordDelivery(ctx context.Context, id uuid.UUID, upd DeliveryUpdate) error
}
