package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/installdesk/internal/models"
)

type memoryRecord struct {
	mu  sync.Mutex
	req models.InstallRequest
}

// MemoryStore is an in-process Store for tests and local runs. The map is
// guarded by mu; each record carries its own lock so that writers to
// different ids never wait on each other.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*memoryRecord
	catalog  []models.CatalogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: map[uuid.UUID]*memoryRecord{}}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, requester string, entry models.CatalogEntry) (models.InstallRequest, error) {
	now := time.Now().UTC()
	req := models.InstallRequest{
		ID:           uuid.New(),
		Requester:    requester,
		CatalogEntry: entry,
		Status:       models.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = &memoryRecord{req: req}
	return req, nil
}

func (m *MemoryStore) record(id uuid.UUID) (*memoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id uuid.UUID) (models.InstallRequest, error) {
	rec, err := m.record(id)
	if err != nil {
		return models.InstallRequest{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.req, nil
}

func (m *MemoryStore) ListRequests(ctx context.Context, filter ListRequestsFilter) ([]models.InstallRequest, error) {
	m.mu.RLock()
	records := make([]*memoryRecord, 0, len(m.requests))
	for _, rec := range m.requests {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	wanted := map[models.RequestStatus]bool{}
	for _, st := range filter.Statuses {
		wanted[st] = true
	}
	var out []models.InstallRequest
	for _, rec := range records {
		rec.mu.Lock()
		req := rec.req
		rec.mu.Unlock()
		if len(wanted) > 0 && !wanted[req.Status] {
			continue
		}
		if filter.Requester != "" && req.Requester != filter.Requester {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !req.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		start = len(out)
	}
	end := start + normalizeLimit(filter.Limit)
	if end > len(out) {
		end = len(out)
	}
	result := make([]models.InstallRequest, end-start)
	copy(result, out[start:end])
	return result, nil
}

func (m *MemoryStore) mutate(id uuid.UUID, fn func(req *models.InstallRequest) error) (models.InstallRequest, error) {
	rec, err := m.record(id)
	if err != nil {
		return models.InstallRequest{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	next := rec.req
	if err := fn(&next); err != nil {
		return models.InstallRequest{}, err
	}
	next.UpdatedAt = time.Now().UTC()
	rec.req = next
	return next, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id uuid.UUID, status models.RequestStatus, detail string) (models.InstallRequest, error) {
	return m.mutate(id, func(req *models.InstallRequest) error {
		if !models.CanTransition(req.Status, status) {
			return &models.TransitionError{ID: id, From: req.Status, To: status}
		}
		req.Status = status
		req.StatusDetail = detail
		return nil
	})
}

func (m *MemoryStore) SetDetail(ctx context.Context, id uuid.UUID, detail string) (models.InstallRequest, error) {
	return m.mutate(id, func(req *models.InstallRequest) error {
		req.StatusDetail = detail
		return nil
	})
}

func (m *MemoryStore) AttachTicket(ctx context.Context, id uuid.UUID, ticketID, ticketNumber string) (models.InstallRequest, error) {
	if ticketID == "" {
		return models.InstallRequest{}, fmt.Errorf("attach ticket: empty ticket id")
	}
	return m.mutate(id, func(req *models.InstallRequest) error {
		if req.HasTicket() {
			return fmt.Errorf("ticket %s: %w", req.TicketID, ErrAlreadyAttached)
		}
		req.TicketID = ticketID
		req.TicketNumber = ticketNumber
		return nil
	})
}

func (m *MemoryStore) AttachExecution(ctx context.Context, id uuid.UUID, executionID string) (models.InstallRequest, error) {
	if executionID == "" {
		return models.InstallRequest{}, fmt.Errorf("attach execution: empty execution id")
	}
	return m.mutate(id, func(req *models.InstallRequest) error {
		if req.HasExecution() {
			return fmt.Errorf("execution %s: %w", req.ExecutionID, ErrAlreadyAttached)
		}
		if req.Status.Terminal() {
			return &models.TransitionError{ID: id, From: req.Status, To: models.StatusInProgress}
		}
		req.ExecutionID = executionID
		return nil
	})
}

func (m *MemoryStore) ListCatalog(ctx context.Context) ([]models.CatalogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CatalogEntry, len(m.catalog))
	copy(out, m.catalog)
	return out, nil
}

func (m *MemoryStore) UpsertCatalogEntry(ctx context.Context, entry models.CatalogEntry) (models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.catalog {
		if existing.Name == entry.Name {
			return existing, nil
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.catalog = append(m.catalog, entry)
	return entry, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
