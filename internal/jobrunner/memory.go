package jobrunner

import (
	"context"
	"strconv"
	"sync"
)

// PollScript decides the result of the n-th poll (starting at 1) of an
// execution.
type PollScript func(executionID string, n int) (Execution, error)

// SucceedAfter reports running for the first n-1 polls and succeeded after.
func SucceedAfter(n int) PollScript {
	return func(_ string, call int) (Execution, error) {
		if call < n {
			return Execution{State: StateRunning, Detail: "running"}, nil
		}
		return Execution{State: StateSucceeded, Detail: "succeeded"}, nil
	}
}

// AlwaysRunning never finishes.
func AlwaysRunning() PollScript {
	return func(string, int) (Execution, error) {
		return Execution{State: StateRunning, Detail: "running"}, nil
	}
}

// MemoryClient is a scripted job runner for tests and local runs.
type MemoryClient struct {
	mu        sync.Mutex
	seq       int
	script    PollScript
	triggered map[string]string
	polls     map[string]int
	failNext  error
}

func NewMemoryClient(script PollScript) *MemoryClient {
	if script == nil {
		script = SucceedAfter(1)
	}
	return &MemoryClient{
		script:    script,
		triggered: make(map[string]string),
		polls:     make(map[string]int),
	}
}

// FailTrigger makes every following TriggerJob fail with err. nil clears it.
func (m *MemoryClient) FailTrigger(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

func (m *MemoryClient) TriggerJob(ctx context.Context, externalID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		return "", failure("trigger", 0, "", m.failNext)
	}
	if externalID == "" {
		return "", failure("trigger", 0, "external id required", nil)
	}
	m.seq++
	id := strconv.Itoa(1000 + m.seq)
	m.triggered[id] = externalID
	return id, nil
}

func (m *MemoryClient) PollExecution(ctx context.Context, executionID string) (Execution, error) {
	m.mu.Lock()
	if _, ok := m.triggered[executionID]; !ok {
		m.mu.Unlock()
		return Execution{}, failure("poll", 404, "unknown execution "+executionID, nil)
	}
	m.polls[executionID]++
	n := m.polls[executionID]
	script := m.script
	m.mu.Unlock()

	exec, err := script(executionID, n)
	if err != nil {
		return Execution{}, failure("poll", 0, "", err)
	}
	return exec, nil
}

func (m *MemoryClient) Triggered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.triggered)
}

func (m *MemoryClient) Polls(executionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls[executionID]
}

// ExternalID returns what a given execution was triggered with.
func (m *MemoryClient) ExternalID(executionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggered[executionID]
}
