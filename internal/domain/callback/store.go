package callback

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store reconciles status events on top of the transaction id uniqueness
// constraint. Conflicting events never overwrite the first one recorded.
type Store struct {
	events EventCollection
}

func NewStore(events EventCollection) *Store {
	return &Store{events: events}
}

func (s *Store) Upsert(ctx context.Context, evt *StatusEvent) (UpsertResult, error) {
	insertErr := s.events.Insert(ctx, evt)
	if insertErr == nil {
		return UpsertResult{Event: evt}, nil
	}
	if !errors.Is(insertErr, ErrDuplicateTransaction) {
		return UpsertResult{}, fmt.Errorf("insert status event: %w", insertErr)
	}

	existing, err := s.events.GetByTransactionID(ctx, evt.TransactionID)
	if errors.Is(err, ErrNotFound) {
		return UpsertResult{Conflict: true}, nil
	}
	if err != nil {
		return UpsertResult{}, fmt.Errorf("load existing status event: %w", err)
	}

	if sameContent(existing, evt) {
		return UpsertResult{Event: existing, Duplicate: true}, nil
	}
	return UpsertResult{Event: existing, Conflict: true}, nil
}

func sameContent(a, b *StatusEvent) bool {
	return strings.EqualFold(a.PayloadHash, b.PayloadHash) &&
		a.Status == b.Status &&
		a.ShipID == b.ShipID
}

func (s *Store) GetByTransactionID(ctx context.Context, transactionID string) (*StatusEvent, error) {
	return s.events.GetByTransactionID(ctx, transactionID)
}

func (s *Store) GetByCorrelationID(ctx context.Context, correlationID string) (*StatusEvent, error) {
	return s.events.GetByCorrelationID(ctx, correlationID)
}
