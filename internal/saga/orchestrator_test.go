package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/installdesk/internal/catalog"
	"github.com/ILLUVRSE/installdesk/internal/events"
	"github.com/ILLUVRSE/installdesk/internal/jobrunner"
	"github.com/ILLUVRSE/installdesk/internal/metrics"
	"github.com/ILLUVRSE/installdesk/internal/models"
	"github.com/ILLUVRSE/installdesk/internal/store"
	"github.com/ILLUVRSE/installdesk/internal/ticket"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

type recordingPublisher struct {
	mu  sync.Mutex
	evs []events.StatusEvent
	err error
}

func (p *recordingPublisher) PublishStatus(ctx context.Context, ev events.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses() []models.RequestStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []models.RequestStatus{}
	for _, ev := range p.evs {
		out = append(out, ev.To)
	}
	return out
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []models.InstallRequest
}

func (a *recordingArchiver) ArchiveRequest(ctx context.Context, req models.InstallRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, req)
	return "requests/" + req.ID.String() + ".json", nil
}

type harness struct {
	store    *store.MemoryStore
	tickets  *ticket.MemoryClient
	jobs     *jobrunner.MemoryClient
	events   *recordingPublisher
	archiver *recordingArchiver
	clock    *fakeClock
	orch     *Orchestrator
}

func testConfig() Config {
	return Config{
		PollBaseInterval: 5 * time.Second,
		PollMaxInterval:  time.Minute,
		PollTimeout:      30 * time.Minute,
		MaxPollErrors:    3,
		ResolutionCode:   "Solved (Permanently)",
	}
}

func newHarness(t *testing.T, cfg Config, script jobrunner.PollScript) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		tickets:  ticket.NewMemoryClient(),
		jobs:     jobrunner.NewMemoryClient(script),
		events:   &recordingPublisher{},
		archiver: &recordingArchiver{},
		clock:    newFakeClock(),
	}
	h.orch = New(cfg, Deps{
		Store:    h.store,
		Tickets:  h.tickets,
		Jobs:     h.jobs,
		Events:   h.events,
		Archiver: h.archiver,
		Metrics:  metrics.New(),
		Clock:    h.clock,
	})
	return h
}

func (h *harness) newRequest(t *testing.T, requester, software string) models.InstallRequest {
	t.Helper()
	entry, ok := catalog.Resolve(software, catalog.DefaultEntries())
	require.True(t, ok, software)
	req, err := h.store.CreateRequest(context.Background(), requester, entry)
	require.NoError(t, err)
	return req
}

func assertMonotonic(t *testing.T, statuses []models.RequestStatus) {
	t.Helper()
	prev := models.StatusPending.Rank()
	for _, s := range statuses {
		assert.GreaterOrEqual(t, s.Rank(), prev, "status regressed to %s in %v", s, statuses)
		prev = s.Rank()
	}
}

func TestRunInstallsSoftware(t *testing.T) {
	h := newHarness(t, testConfig(), jobrunner.SucceedAfter(3))
	req := h.newRequest(t, "alice", "Visual Studio Code")

	out := h.orch.Run(context.Background(), req.ID)

	require.NoError(t, out.Err)
	assert.Equal(t, models.StatusInstalled, out.Status)
	assert.NotEmpty(t, out.TicketID)
	assert.NotEmpty(t, out.ExecutionID)
	assert.Contains(t, out.Message, "installation completed")

	stored, err := h.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInstalled, stored.Status)
	assert.Equal(t, out.TicketNumber, stored.TicketNumber)
	assert.Equal(t, "Microsoft.VisualStudioCode", h.jobs.ExternalID(stored.ExecutionID))

	tk, ok := h.tickets.Get(stored.TicketID)
	require.True(t, ok)
	require.NotNil(t, tk.Resolution)
	assert.Equal(t, "Solved (Permanently)", tk.Resolution.Code)
	assert.Equal(t, "alice", tk.Input.Requester)
	assert.Equal(t, req.ID.String(), tk.Input.IdempotencyKey)

	assert.Equal(t, []models.RequestStatus{
		models.StatusTicketCreated, models.StatusInProgress, models.StatusInstalled,
	}, h.events.statuses())
	assertMonotonic(t, h.events.statuses())
	require.Len(t, h.archiver.archived, 1)
	assert.Equal(t, models.StatusInstalled, h.archiver.archived[0].Status)
	assert.Equal(t, 3, h.jobs.Polls(stored.ExecutionID))
}

func TestRunJobTriggerFailure(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.jobs.FailTrigger(errors.New("network timeout"))
	req := h.newRequest(t, "bob", "Slack")

	out := h.orch.Run(context.Background(), req.ID)

	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Contains(t, out.Message, "job trigger failed")
	assert.Contains(t, out.Message, "network timeout")
	assert.ErrorIs(t, out.Err, models.ErrExternalService)

	stored, err := h.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.NotEmpty(t, stored.TicketID)
	assert.Empty(t, stored.ExecutionID)
	assert.Contains(t, stored.StatusDetail, stored.TicketNumber)

	tk, ok := h.tickets.Get(stored.TicketID)
	require.True(t, ok)
	assert.Nil(t, tk.Resolution, "ticket stays open for manual follow-up")
	assertMonotonic(t, h.events.statuses())
}

func TestRunPollCeiling(t *testing.T) {
	h := newHarness(t, testConfig(), jobrunner.AlwaysRunning())
	req := h.newRequest(t, "carol", "Zoom")

	out := h.orch.Run(context.Background(), req.ID)

	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Contains(t, out.Message, "timed out")
	assert.ErrorIs(t, out.Err, models.ErrTimeout)
	assert.NotEmpty(t, out.ExecutionID)
	assert.LessOrEqual(t, h.clock.Slept(), 30*time.Minute)
	assert.Greater(t, h.clock.Slept(), 29*time.Minute)
}

func TestRunTicketCreationFailure(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.tickets.SetFailCreate(errors.New("service unavailable"))
	req := h.newRequest(t, "dave", "Git")

	out := h.orch.Run(context.Background(), req.ID)

	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Contains(t, out.Message, "request logged, ticket creation failed: service unavailable")
	assert.Empty(t, out.TicketID)
	assert.Zero(t, h.jobs.Triggered())
}

func TestRunRemoteJobFailure(t *testing.T) {
	script := func(string, int) (jobrunner.Execution, error) {
		return jobrunner.Execution{State: jobrunner.StateFailed, Detail: "failed: installer exited 1603"}, nil
	}
	h := newHarness(t, testConfig(), script)
	req := h.newRequest(t, "erin", "Postman")

	out := h.orch.Run(context.Background(), req.ID)

	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Contains(t, out.Message, "installer exited 1603")
	assert.Contains(t, out.Message, "execution "+out.ExecutionID)
	tk, _ := h.tickets.Get(out.TicketID)
	assert.Nil(t, tk.Resolution)
}

func TestRunPollErrorsExhausted(t *testing.T) {
	script := func(string, int) (jobrunner.Execution, error) {
		return jobrunner.Execution{}, errors.New("connection reset")
	}
	h := newHarness(t, testConfig(), script)
	req := h.newRequest(t, "frank", "Python")

	out := h.orch.Run(context.Background(), req.ID)

	assert.Equal(t, models.StatusFailed, out.Status)
	assert.Contains(t, out.Message, "installation status polling failed: connection reset")
	assert.Equal(t, 3, h.jobs.Polls(out.ExecutionID))
}

func TestRunRecoversFromTransientPollErrors(t *testing.T) {
	script := func(_ string, n int) (jobrunner.Execution, error) {
		if n <= 2 {
			return jobrunner.Execution{}, errors.New("bad gateway")
		}
		return jobrunner.Execution{State: jobrunner.StateSucceeded, Detail: "succeeded"}, nil
	}
	h := newHarness(t, testConfig(), script)
	req := h.newRequest(t, "gina", "Git")

	out := h.orch.Run(context.Background(), req.ID)
	assert.Equal(t, models.StatusInstalled, out.Status)
}

func TestRunTicketResolutionFailureThenResume(t *testing.T) {
	h := newHarness(t, testConfig(), jobrunner.SucceedAfter(1))
	h.tickets.SetFailResolve(errors.New("record locked"))
	req := h.newRequest(t, "alice", "Mozilla Firefox")

	out := h.orch.Run(context.Background(), req.ID)

	assert.Equal(t, models.StatusInProgress, out.Status)
	assert.Contains(t, out.Message, "installation completed, ticket resolution failed: record locked")
	assert.Error(t, out.Err)
	stored, err := h.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, stored.Status)
	assert.Contains(t, stored.StatusDetail, "ticket resolution failed")

	h.tickets.SetFailResolve(nil)
	out = h.orch.Run(context.Background(), req.ID)
	assert.Equal(t, models.StatusInstalled, out.Status)
	assert.Equal(t, 1, h.jobs.Triggered())
	assert.Equal(t, 1, h.tickets.Count())
}

func TestRunResumeAfterCrashSkipsAttachedCalls(t *testing.T) {
	h := newHarness(t, testConfig(), jobrunner.SucceedAfter(1))
	ctx := context.Background()
	req := h.newRequest(t, "henry", "AWS CLI")

	// crash after the ticket was attached but before the status moved on
	tk, err := h.tickets.CreateTicket(ctx, ticket.CreateInput{Summary: "x", IdempotencyKey: req.ID.String()})
	require.NoError(t, err)
	_, err = h.store.AttachTicket(ctx, req.ID, tk.ID, tk.Number)
	require.NoError(t, err)

	out := h.orch.Run(ctx, req.ID)
	assert.Equal(t, models.StatusInstalled, out.Status)
	assert.Equal(t, tk.Number, out.TicketNumber)
	assert.Equal(t, 1, h.tickets.Count())

	// crash after the execution was attached
	req2 := h.newRequest(t, "henry", "Azure CLI")
	tk2, err := h.tickets.CreateTicket(ctx, ticket.CreateInput{Summary: "y", IdempotencyKey: req2.ID.String()})
	require.NoError(t, err)
	_, err = h.store.AttachTicket(ctx, req2.ID, tk2.ID, tk2.Number)
	require.NoError(t, err)
	_, err = h.store.SetStatus(ctx, req2.ID, models.StatusTicketCreated, "")
	require.NoError(t, err)
	execID, err := h.jobs.TriggerJob(ctx, "Microsoft.AzureCLI")
	require.NoError(t, err)
	_, err = h.store.AttachExecution(ctx, req2.ID, execID)
	require.NoError(t, err)

	out = h.orch.Run(ctx, req2.ID)
	assert.Equal(t, models.StatusInstalled, out.Status)
	assert.Equal(t, execID, out.ExecutionID)
	assert.Equal(t, 2, h.jobs.Triggered())
}

func TestRunTerminalMakesNoCalls(t *testing.T) {
	h := newHarness(t, testConfig(), jobrunner.SucceedAfter(1))
	req := h.newRequest(t, "ivy", "VLC Media Player")

	first := h.orch.Run(context.Background(), req.ID)
	require.Equal(t, models.StatusInstalled, first.Status)
	published := len(h.events.statuses())

	again := h.orch.Run(context.Background(), req.ID)
	assert.Equal(t, first.Message, again.Message)
	assert.Equal(t, models.StatusInstalled, again.Status)
	assert.Equal(t, 1, h.jobs.Triggered())
	assert.Equal(t, published, len(h.events.statuses()))
}

func TestApprovalGate(t *testing.T) {
	cfg := testConfig()
	cfg.ApprovalRequired = true
	h := newHarness(t, cfg, jobrunner.SucceedAfter(2))
	ctx := context.Background()
	req := h.newRequest(t, "alice", "Notepad++")

	out := h.orch.Run(ctx, req.ID)
	assert.Equal(t, models.StatusTicketCreated, out.Status)
	assert.Equal(t, "ticket "+out.TicketNumber+" created, awaiting supervisor approval", out.Message)
	assert.NoError(t, out.Err)
	assert.Zero(t, h.jobs.Triggered())

	approved, err := h.orch.Approve(ctx, req.ID, "bob", "ok for finance laptop")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)

	tk, _ := h.tickets.Get(out.TicketID)
	require.Len(t, tk.WorkNotes, 1)
	assert.Equal(t, "Approved by bob: ok for finance laptop", tk.WorkNotes[0])

	out = h.orch.Run(ctx, req.ID)
	assert.Equal(t, models.StatusInstalled, out.Status)
	assertMonotonic(t, h.events.statuses())

	_, err = h.orch.Approve(ctx, req.ID, "bob", "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestReject(t *testing.T) {
	cfg := testConfig()
	cfg.ApprovalRequired = true
	h := newHarness(t, cfg, nil)
	ctx := context.Background()
	req := h.newRequest(t, "alice", "Google Chrome")

	out := h.orch.Run(ctx, req.ID)
	require.Equal(t, models.StatusTicketCreated, out.Status)

	rejected, err := h.orch.Reject(ctx, req.ID, "bob", "not licensed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)
	assert.Contains(t, rejected.StatusDetail, "Rejected by bob: not licensed")
	require.Len(t, h.archiver.archived, 1)

	out = h.orch.Run(ctx, req.ID)
	assert.Equal(t, models.StatusRejected, out.Status)
	assert.Zero(t, h.jobs.Triggered())

	_, err = h.orch.Reject(ctx, req.ID, "bob", "")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRejectAfterTriggerIsRefused(t *testing.T) {
	h := newHarness(t, testConfig(), jobrunner.AlwaysRunning())
	ctx := context.Background()
	req := h.newRequest(t, "alice", "Git")

	ctxRun, cancel := context.WithCancel(ctx)
	cancel()
	out := h.orch.Run(ctxRun, req.ID)
	// the cancelled context stops the poll loop but leaves the request running
	require.Equal(t, models.StatusInProgress, out.Status)
	assert.ErrorIs(t, out.Err, context.Canceled)

	before, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	_, err = h.orch.Reject(ctx, req.ID, "bob", "too late")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	after, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApproveUnknownRequest(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_, err := h.orch.Approve(context.Background(), uuid.New(), "bob", "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPublishFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, testConfig(), jobrunner.SucceedAfter(1))
	h.events.err = errors.New("broker down")
	req := h.newRequest(t, "jack", "Slack")

	out := h.orch.Run(context.Background(), req.ID)
	assert.Equal(t, models.StatusInstalled, out.Status)
	assert.NoError(t, out.Err)
}

func TestNextInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, nextInterval(5*time.Second, time.Minute))
	assert.Equal(t, time.Minute, nextInterval(40*time.Second, time.Minute))
	assert.Equal(t, time.Minute, nextInterval(time.Minute, time.Minute))
}

// gatedJobs holds TriggerJob until release is closed.
type gatedJobs struct {
	*jobrunner.MemoryClient
	entered chan struct{}
	release chan struct{}
}

func newGatedJobs(inner *jobrunner.MemoryClient) *gatedJobs {
	return &gatedJobs{MemoryClient: inner, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedJobs) TriggerJob(ctx context.Context, externalID string) (string, error) {
	id, err := g.MemoryClient.TriggerJob(ctx, externalID)
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return id, err
}

func TestJobStartedAfterRejectIsNotAttached(t *testing.T) {
	h := newHarness(t, testConfig(), jobrunner.SucceedAfter(1))
	jobs := newGatedJobs(h.jobs)
	h.orch = New(testConfig(), Deps{Store: h.store, Tickets: h.tickets, Jobs: jobs, Clock: h.clock})
	ctx := context.Background()
	req := h.newRequest(t, "alice", "Zoom")

	done := make(chan Outcome, 1)
	go func() { done <- h.orch.Run(ctx, req.ID) }()
	<-jobs.entered

	rejected, err := h.orch.Reject(ctx, req.ID, "bob", "not licensed")
	require.NoError(t, err)
	require.Equal(t, models.StatusRejected, rejected.Status)
	close(jobs.release)

	out := <-done
	assert.Equal(t, models.StatusRejected, out.Status)
	assert.ErrorIs(t, out.Err, models.ErrInvalidTransition)
	assert.Contains(t, out.Message, "job not tracked")

	stored, err := h.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, stored.Status)
	assert.Empty(t, stored.ExecutionID)
	assert.Contains(t, stored.StatusDetail, "Rejected by bob")

	tk, ok := h.tickets.Get(stored.TicketID)
	require.True(t, ok)
	require.NotEmpty(t, tk.WorkNotes)
	assert.Contains(t, tk.WorkNotes[len(tk.WorkNotes)-1], "Installation job 1001 started after the request was rejected")
}

// stuckPublisher never gets an ack and waits for its context.
type stuckPublisher struct {
	mu    sync.Mutex
	calls int
}

func (p *stuckPublisher) PublishStatus(ctx context.Context, ev events.StatusEvent) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (p *stuckPublisher) Close() error { return nil }

func TestStuckPublisherOnlyDelaysByPublishTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PublishTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg, jobrunner.SucceedAfter(1))
	pub := &stuckPublisher{}
	h.orch = New(cfg, Deps{Store: h.store, Tickets: h.tickets, Jobs: h.jobs, Events: pub, Clock: h.clock})
	req := h.newRequest(t, "kim", "VLC")

	start := time.Now()
	out := h.orch.Run(context.Background(), req.ID)
	assert.Equal(t, models.StatusInstalled, out.Status)
	assert.NoError(t, out.Err)
	assert.Less(t, time.Since(start), 2*time.Second)
	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, 3, pub.calls)
}
