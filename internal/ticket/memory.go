package ticket

import (
	"context"
	"fmt"
	"sync"
)

// MemoryClient is an in-process ticket system. Set the Fail* fields to make
// the next calls fail.
type MemoryClient struct {
	mu      sync.Mutex
	seq     int
	byKey   map[string]Ticket
	tickets map[string]*MemoryTicket

	FailCreate  error
	FailUpdate  error
	FailResolve error
}

type MemoryTicket struct {
	Ticket
	Input      CreateInput
	WorkNotes  []string
	State      string
	Resolution *Resolution
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		byKey:   make(map[string]Ticket),
		tickets: make(map[string]*MemoryTicket),
	}
}

func (m *MemoryClient) CreateTicket(ctx context.Context, in CreateInput) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		return Ticket{}, failure("create", 0, "", m.FailCreate)
	}
	if in.IdempotencyKey != "" {
		if t, ok := m.byKey[in.IdempotencyKey]; ok {
			return t, nil
		}
	}
	m.seq++
	t := Ticket{
		ID:     fmt.Sprintf("mem-%06d", m.seq),
		Number: fmt.Sprintf("INC%07d", m.seq),
	}
	m.tickets[t.ID] = &MemoryTicket{Ticket: t, Input: in, State: "1"}
	if in.IdempotencyKey != "" {
		m.byKey[in.IdempotencyKey] = t
	}
	return t, nil
}

func (m *MemoryClient) UpdateTicket(ctx context.Context, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdate != nil {
		return failure("update", 0, "", m.FailUpdate)
	}
	t, ok := m.tickets[id]
	if !ok {
		return failure("update", 404, "no such ticket "+id, nil)
	}
	if fields.WorkNotes != "" {
		t.WorkNotes = append(t.WorkNotes, fields.WorkNotes)
	}
	if fields.State != "" {
		t.State = fields.State
	}
	if fields.ShortDescription != "" {
		t.Input.Summary = fields.ShortDescription
	}
	return nil
}

func (m *MemoryClient) ResolveTicket(ctx context.Context, id string, res Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailResolve != nil {
		return failure("resolve", 0, "", m.FailResolve)
	}
	t, ok := m.tickets[id]
	if !ok {
		return failure("resolve", 404, "no such ticket "+id, nil)
	}
	r := res
	t.Resolution = &r
	t.State = resolvedState
	return nil
}

// Get returns a copy of the stored ticket.
func (m *MemoryClient) Get(id string) (MemoryTicket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return MemoryTicket{}, false
	}
	cp := *t
	cp.WorkNotes = append([]string(nil), t.WorkNotes...)
	return cp, true
}

func (m *MemoryClient) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

// SetFailCreate changes FailCreate under the client lock.
func (m *MemoryClient) SetFailCreate(err error) {
	m.mu.Lock()
	m.FailCreate = err
	m.mu.Unlock()
}

func (m *MemoryClient) SetFailResolve(err error) {
	m.mu.Lock()
	m.FailResolve = err
	m.mu.Unlock()
}
