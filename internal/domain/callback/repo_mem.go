package callback

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCollection keeps status events in process for development and tests.
type MemoryCollection struct {
	mu   sync.Mutex
	byTx map[string]*StatusEvent
}

func NewMemoryCollection() *MemoryCollection {
	return &MemoryCollection{byTx: map[string]*StatusEvent{}}
}

func (m *MemoryCollection) Insert(_ context.Context, evt *StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTx[evt.TransactionID]; ok {
		return ErrDuplicateTransaction
	}
	m.byTx[evt.TransactionID] = evt.clone()
	return nil
}

func (m *MemoryCollection) GetByTransactionID(_ context.Context, transactionID string) (*StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.byTx[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	return evt.clone(), nil
}

func (m *MemoryCollection) GetByCorrelationID(_ context.Context, correlationID string) (*StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *StatusEvent
	for _, evt := range m.byTx {
		if evt.CorrelationID != correlationID || correlationID == "" {
			continue
		}
		if latest == nil || newer(evt, latest) {
			latest = evt
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.clone(), nil
}

// newer matches the SQL ordering: received_at_utc DESC, created_at DESC.
func newer(a, b *StatusEvent) bool {
	if !a.ReceivedAtUTC.Equal(b.ReceivedAtUTC) {
		return a.ReceivedAtUTC.After(b.ReceivedAtUTC)
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (m *MemoryCollection) ClaimDue(_ context.Context, now, leaseUntil time.Time, limit int) ([]*StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*StatusEvent
	for _, evt := range m.byTx {
		if isDue(evt, now) {
			due = append(due, evt)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CallbackNextAttemptAt.Before(*due[j].CallbackNextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*StatusEvent, 0, len(due))
	for _, evt := range due {
		lease := leaseUntil
		evt.CallbackStatus = CallbackInFlight
		evt.CallbackNextAttemptAt = &lease
		out = append(out, evt.clone())
	}
	return out, nil
}

func isDue(evt *StatusEvent, now time.Time) bool {
	if evt.EMRTargetURL == "" || evt.CallbackNextAttemptAt == nil {
		return false
	}
	if evt.CallbackStatus != CallbackPending && evt.CallbackStatus != CallbackInFlight {
		return false
	}
	return !evt.CallbackNextAttemptAt.After(now)
}

func (m *MemoryCollection) RecordDelivery(_ context.Context, id uuid.UUID, upd DeliveryUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, evt := range m.byTx {
		if evt.ID != id {
			continue
		}
		evt.CallbackStatus = upd.Status
		evt.CallbackAttempts = upd.Attempts
		evt.CallbackNextAttemptAt = upd.NextAttemptAt
		evt.CallbackLastError = upd.LastError
		evt.CallbackDeliveredAt = upd.DeliveredAt
		evt.EMRResponseStatusCode = upd.ResponseStatusCode
		evt.EMRResponseBody = upd.ResponseBody
		return nil
	}
	return ErrNotFound
}
