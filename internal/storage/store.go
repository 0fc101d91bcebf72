package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/roadside-assist/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrVersionConflict   = errors.New("request was modified concurrently")
	ErrDuplicateTracking = errors.New("tracking code already in use")
	ErrAlreadyFinalized  = errors.New("transaction already recorded")
)

// RequestStore persists service requests. Update and Finalize only succeed
// when the stored version equals expectedVersion; on success the stored
// version becomes expectedVersion+1.
type RequestStore interface {
	Create(ctx context.Context, r *models.ServiceRequest) error
	Get(ctx context.Context, id string) (*models.ServiceRequest, error)
	Update(ctx context.Context, r *models.ServiceRequest, expectedVersion int) error
	// Finalize commits the completed request and its transaction together.
	Finalize(ctx context.Context, r *models.ServiceRequest, expectedVersion int, tx *models.Transaction) error
	GetTransaction(ctx context.Context, requestID string) (*models.Transaction, error)
	// AttachTransfer records a payout initiated after the transaction was written.
	AttachTransfer(ctx context.Context, requestID, transferID string) error
	// ListSettlementFailures returns confirmed requests with no recorded payout.
	ListSettlementFailures(ctx context.Context) ([]*models.ServiceRequest, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.ServiceRequest
	tracking map[string]string
	txByReq  map[string]*models.Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.ServiceRequest),
		tracking: make(map[string]string),
		txByReq:  make(map[string]*models.Transaction),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracking[r.TrackingCode]; ok {
		return ErrDuplicateTracking
	}
	m.requests[r.ID] = r.Clone()
	m.tracking[r.TrackingCode] = r.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *models.ServiceRequest, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swap(r, expectedVersion)
}

func (m *MemoryStore) Finalize(ctx context.Context, r *models.ServiceRequest, expectedVersion int, tx *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txByReq[r.ID]; ok {
		return ErrAlreadyFinalized
	}
	if err := m.swap(r, expectedVersion); err != nil {
		return err
	}
	t := *tx
	m.txByReq[r.ID] = &t
	return nil
}

func (m *MemoryStore) swap(r *models.ServiceRequest, expectedVersion int) error {
	cur, ok := m.requests[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := r.Clone()
	next.Version = expectedVersion + 1
	m.requests[r.ID] = next
	r.Version = next.Version
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, requestID string) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txByReq[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MemoryStore) AttachTransfer(ctx context.Context, requestID, transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txByReq[requestID]
	if !ok {
		return ErrNotFound
	}
	t.TransferID = transferID
	return nil
}

func (m *MemoryStore) ListSettlementFailures(ctx context.Context) ([]*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ServiceRequest
	for _, r := range m.requests {
		if r.PayoutOutstanding() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}
