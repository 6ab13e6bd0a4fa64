package ingest

import (
	"context"
	"sync"
	"time"
)

// MemoryCollection keeps records in process. It is used in development mode
// and by tests; uniqueness holds only within one instance.
type MemoryCollection struct {
	mu      sync.Mutex
	records map[Kind]map[Key]*Record
	now     func() time.Time
}

func NewMemoryCollection() *MemoryCollection {
	return &MemoryCollection{
		records: map[Kind]map[Key]*Record{},
		now:     time.Now,
	}
}

func (m *MemoryCollection) Insert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKey := m.records[rec.Kind]
	if byKey == nil {
		byKey = map[Key]*Record{}
		m.records[rec.Kind] = byKey
	}
	if _, ok := byKey[rec.Key()]; ok {
		return ErrDuplicateKey
	}
	byKey[rec.Key()] = rec.clone()
	return nil
}

func (m *MemoryCollection) GetByKey(_ context.Context, kind Kind, key Key) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[kind][key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryCollection) Reattempt(_ context.Context, existing, incoming *Record) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[existing.Kind][existing.Key()]
	if !ok || rec.ID != existing.ID {
		return nil, ErrNotFound
	}
	rec.applyReattempt(incoming, m.now().UTC())
	return rec.clone(), nil
}

func (m *MemoryCollection) GetByTransactionID(_ context.Context, transactionID string) (*Record, error) {
	if transactionID == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, kind := range lookupOrder {
		for _, rec := range m.records[kind] {
			if rec.TransactionID == transactionID {
				return rec.clone(), nil
			}
		}
	}
	return nil, ErrNotFound
}

// AssignTransaction records that rec was forwarded downstream. Downstream
// forwarding itself happens outside the gateway; this exists so the
// callback path can be exercised without a database.
func (m *MemoryCollection) AssignTransaction(kind Kind, key Key, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[kind][key]
	if !ok {
		return ErrNotFound
	}
	rec.TransactionID = transactionID
	return nil
}

// Len reports the number of stored records across kinds.
func (m *MemoryCollection) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, byKey := range m.records {
		n += len(byKey)
	}
	return n
}
