package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store resolves concurrent and repeated submissions of the same idempotency
// key on top of a Collection's uniqueness constraint.
type Store struct {
	records Collection
}

func NewStore(records Collection) *Store {
	return &Store{records: records}
}

// TryInsert inserts rec, or classifies it against the record already holding
// its key. A collision costs one extra read; there is no read-before-write.
func (s *Store) TryInsert(ctx context.Context, rec *Record) (InsertResult, error) {
	insertErr := s.records.Insert(ctx, rec)
	if insertErr == nil {
		return InsertResult{Outcome: OutcomeInserted, Record: rec}, nil
	}
	if !errors.Is(insertErr, ErrDuplicateKey) {
		return InsertResult{}, fmt.Errorf("insert ingestion record: %w", insertErr)
	}

	existing, err := s.records.GetByKey(ctx, rec.Kind, rec.Key())
	if errors.Is(err, ErrNotFound) {
		// The row that caused the collision is gone; surface the original failure.
		return InsertResult{}, fmt.Errorf("insert ingestion record: %w", insertErr)
	}
	if err != nil {
		return InsertResult{}, fmt.Errorf("load existing ingestion record: %w", err)
	}

	if strings.EqualFold(existing.PayloadHash, rec.PayloadHash) {
		return InsertResult{Outcome: OutcomeIdempotentRepeatSamePayload, Record: existing}, nil
	}

	updated, err := s.records.Reattempt(ctx, existing, rec)
	if err != nil {
		return InsertResult{}, fmt.Errorf("reattempt ingestion record: %w", err)
	}
	return InsertResult{Outcome: OutcomeReattemptChangedPayload, Record: updated}, nil
}

// GetByTransactionID finds the record forwarded under transactionID.
func (s *Store) GetByTransactionID(ctx context.Context, transactionID string) (*Record, error) {
	return s.records.GetByTransactionID(ctx, transactionID)
}
