// Package saga drives one install request through ticket creation, job
// execution and ticket resolution. Every step is persisted before the next
// one starts, so Run can re-enter at whatever status was last saved.
package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/installdesk/internal/archive"
	"github.com/ILLUVRSE/installdesk/internal/events"
	"github.com/ILLUVRSE/installdesk/internal/jobrunner"
	"github.com/ILLUVRSE/installdesk/internal/logging"
	"github.com/ILLUVRSE/installdesk/internal/metrics"
	"github.com/ILLUVRSE/installdesk/internal/models"
	"github.com/ILLUVRSE/installdesk/internal/store"
	"github.com/ILLUVRSE/installdesk/internal/ticket"
)

const (
	StepCreateTicket  = "create_ticket"
	StepTriggerJob    = "trigger_job"
	StepPollExecution = "poll_execution"
	StepJobExecution  = "job_execution"
	StepResolveTicket = "resolve_ticket"
)

type Config struct {
	PollBaseInterval time.Duration
	PollMaxInterval  time.Duration
	PollTimeout      time.Duration
	MaxPollErrors    int
	ApprovalRequired bool
	ResolutionCode   string
	// PublishTimeout bounds each status event publish, retries included.
	PublishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollBaseInterval <= 0 {
		c.PollBaseInterval = 5 * time.Second
	}
	if c.PollMaxInterval < c.PollBaseInterval {
		c.PollMaxInterval = c.PollBaseInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Minute
	}
	if c.MaxPollErrors <= 0 {
		c.MaxPollErrors = 5
	}
	if c.ResolutionCode == "" {
		c.ResolutionCode = "Solved (Permanently)"
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Store, Tickets and Jobs are
// required; the rest fall back to no-ops.
type Deps struct {
	Store    store.Store
	Tickets  ticket.Client
	Jobs     jobrunner.Client
	Events   events.Publisher
	Archiver archive.Archiver
	Metrics  *metrics.Metrics
	Clock    Clock
	Log      *logrus.Entry
}

type Orchestrator struct {
	cfg      Config
	store    store.Store
	tickets  ticket.Client
	jobs     jobrunner.Client
	events   events.Publisher
	archiver archive.Archiver
	metrics  *metrics.Metrics
	clock    Clock
	log      *logrus.Entry
}

// Outcome is what a saga run ended with. Err carries the typed error that
// stopped the step and is nil when the run finished or is waiting on a
// supervisor.
type Outcome struct {
	RequestID    uuid.UUID
	Status       models.RequestStatus
	Message      string
	TicketID     string
	TicketNumber string
	ExecutionID  string
	Err          error
}

func New(cfg Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		store:    deps.Store,
		tickets:  deps.Tickets,
		jobs:     deps.Jobs,
		events:   deps.Events,
		archiver: deps.Archiver,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		log:      deps.Log,
	}
	if o.events == nil {
		o.events = events.NopPublisher{}
	}
	if o.archiver == nil {
		o.archiver = archive.Nop{}
	}
	if o.clock == nil {
		o.clock = RealClock()
	}
	if o.log == nil {
		o.log = logging.Discard()
	}
	return o
}

func (o *Orchestrator) ApprovalRequired() bool { return o.cfg.ApprovalRequired }

// Run advances request id as far as it can go. It is safe to call again for
// the same request after a crash or a failed step.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) Outcome {
	req, err := o.store.GetRequest(ctx, id)
	if err != nil {
		return Outcome{RequestID: id, Message: "request lookup failed: " + err.Error(), Err: err}
	}

	o.metrics.SagaStarted()
	defer o.metrics.SagaDone()

	for {
		if req.Status.Terminal() {
			return o.outcome(req, req.StatusDetail, nil)
		}

		var stop *Outcome
		switch req.Status {
		case models.StatusPending:
			req, stop = o.createTicket(ctx, req)
		case models.StatusTicketCreated:
			if o.cfg.ApprovalRequired {
				msg := fmt.Sprintf("ticket %s created, awaiting supervisor approval", req.TicketNumber)
				return o.outcome(req, msg, nil)
			}
			req, stop = o.triggerJob(ctx, req)
		case models.StatusApproved:
			req, stop = o.triggerJob(ctx, req)
		case models.StatusInProgress:
			return o.awaitExecution(ctx, req)
		default:
			err := fmt.Errorf("request %s has unknown status %q", req.ID, req.Status)
			return o.outcome(req, err.Error(), err)
		}
		if stop != nil {
			return *stop
		}
	}
}

func (o *Orchestrator) createTicket(ctx context.Context, req models.InstallRequest) (models.InstallRequest, *Outcome) {
	log := o.logFor(req, StepCreateTicket)
	if !req.HasTicket() {
		tk, err := o.tickets.CreateTicket(ctx, ticket.CreateInput{
			Summary:        fmt.Sprintf("Software installation: %s", req.CatalogEntry.Name),
			Description:    describe(req),
			Requester:      req.Requester,
			IdempotencyKey: req.ID.String(),
		})
		if err != nil {
			out := o.fail(ctx, req, StepCreateTicket, "request logged, ticket creation failed: "+models.Detail(err), err)
			return req, &out
		}
		log.WithField("ticket_number", tk.Number).Info("ticket created")

		attached, err := o.store.AttachTicket(ctx, req.ID, tk.ID, tk.Number)
		if err != nil {
			if attached, err = o.reloadAfterAttach(ctx, req, err); err != nil {
				out := o.stalled(req, StepCreateTicket, err)
				return req, &out
			}
		}
		req = attached
	}

	updated, err := o.transition(ctx, req, models.StatusTicketCreated, fmt.Sprintf("ticket %s created", req.TicketNumber))
	if err != nil && (!errors.Is(err, models.ErrInvalidTransition) || updated.Status == req.Status) {
		out := o.stalled(req, StepCreateTicket, err)
		return req, &out
	}
	return updated, nil
}

func (o *Orchestrator) triggerJob(ctx context.Context, req models.InstallRequest) (models.InstallRequest, *Outcome) {
	log := o.logFor(req, StepTriggerJob)
	if !req.HasExecution() {
		execID, err := o.jobs.TriggerJob(ctx, req.CatalogEntry.ExternalID)
		if err != nil {
			out := o.fail(ctx, req, StepTriggerJob, "ticket created, job trigger failed: "+models.Detail(err), err)
			return req, &out
		}
		log.WithField("execution_id", execID).Info("installation job triggered")

		attached, err := o.store.AttachExecution(ctx, req.ID, execID)
		if errors.Is(err, models.ErrInvalidTransition) {
			out := o.orphaned(ctx, req, execID, err)
			return req, &out
		}
		if err != nil {
			if attached, err = o.reloadAfterAttach(ctx, req, err); err != nil {
				out := o.stalled(req, StepTriggerJob, err)
				return req, &out
			}
		}
		req = attached
		o.annotate(ctx, req, fmt.Sprintf("Installation job %s started for %s.", req.ExecutionID, req.CatalogEntry.ExternalID))
	}

	updated, err := o.transition(ctx, req, models.StatusInProgress, fmt.Sprintf("installation started, execution %s", req.ExecutionID))
	if err != nil && (!errors.Is(err, models.ErrInvalidTransition) || updated.Status == req.Status) {
		out := o.stalled(req, StepTriggerJob, err)
		return req, &out
	}
	return updated, nil
}

func (o *Orchestrator) awaitExecution(ctx context.Context, req models.InstallRequest) Outcome {
	log := o.logFor(req, StepPollExecution)
	now := o.clock.Now()
	started := now
	if !req.UpdatedAt.IsZero() && req.UpdatedAt.Before(now) {
		started = req.UpdatedAt
	}
	deadline := started.Add(o.cfg.PollTimeout)
	interval := o.cfg.PollBaseInterval
	consecutiveErrs := 0

	for {
		exec, err := o.jobs.PollExecution(ctx, req.ExecutionID)
		switch {
		case err != nil && ctx.Err() != nil:
			return o.interrupted(req, ctx.Err())
		case err != nil:
			consecutiveErrs++
			log.WithError(err).WithField("attempt", consecutiveErrs).Warn("execution poll failed")
			if consecutiveErrs >= o.cfg.MaxPollErrors {
				return o.fail(ctx, req, StepPollExecution, "installation status polling failed: "+models.Detail(err), err)
			}
		case exec.State == jobrunner.StateSucceeded:
			o.metrics.ObservePoll(o.clock.Now().Sub(started).Seconds())
			return o.complete(ctx, req)
		case exec.State == jobrunner.StateFailed:
			o.metrics.ObservePoll(o.clock.Now().Sub(started).Seconds())
			cause := &models.ExternalServiceError{Service: "jobrunner", Op: "execution", Detail: exec.Detail}
			return o.fail(ctx, req, StepJobExecution, "installation failed: job reported "+exec.Detail, cause)
		default:
			consecutiveErrs = 0
		}

		now = o.clock.Now()
		if !now.Before(deadline) {
			msg := fmt.Sprintf("installation timed out after %s", o.cfg.PollTimeout)
			return o.fail(ctx, req, StepPollExecution, msg, fmt.Errorf("%w: %s", models.ErrTimeout, msg))
		}
		wait := interval
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}
		if err := o.clock.Sleep(ctx, wait); err != nil {
			return o.interrupted(req, err)
		}
		interval = nextInterval(interval, o.cfg.PollMaxInterval)

		// a supervisor or operator may have finished the request meanwhile
		if current, err := o.store.GetRequest(ctx, req.ID); err == nil && current.Status != models.StatusInProgress {
			return o.outcome(current, current.StatusDetail, nil)
		}
	}
}

func (o *Orchestrator) complete(ctx context.Context, req models.InstallRequest) Outcome {
	err := o.tickets.ResolveTicket(ctx, req.TicketID, ticket.Resolution{
		Code:  o.cfg.ResolutionCode,
		Notes: fmt.Sprintf("%s installed for %s by execution %s.", req.CatalogEntry.Name, req.Requester, req.ExecutionID),
	})
	if err != nil {
		o.metrics.StepFailed(StepResolveTicket)
		msg := withRefs("installation completed, ticket resolution failed: "+models.Detail(err), req)
		o.logFor(req, StepResolveTicket).WithError(err).Error(msg)
		updated, serr := o.store.SetDetail(ctx, req.ID, msg)
		if serr != nil {
			o.logFor(req, StepResolveTicket).WithError(serr).Error("could not record resolution failure")
		} else {
			req = updated
		}
		return o.outcome(req, msg, err)
	}

	msg := fmt.Sprintf("installation completed, ticket %s resolved", req.TicketNumber)
	updated, err := o.transition(ctx, req, models.StatusInstalled, msg)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return o.outcome(updated, updated.StatusDetail, nil)
		}
		return o.stalled(req, StepResolveTicket, err)
	}
	return o.outcome(updated, msg, nil)
}

// Approve records a supervisor's approval of a request waiting in
// ticket_created. The caller resumes the saga afterwards.
func (o *Orchestrator) Approve(ctx context.Context, id uuid.UUID, supervisor, notes string) (models.InstallRequest, error) {
	req, err := o.store.GetRequest(ctx, id)
	if err != nil {
		return models.InstallRequest{}, fmt.Errorf("approve: %w", err)
	}
	if req.Status != models.StatusTicketCreated {
		return req, &models.TransitionError{ID: id, From: req.Status, To: models.StatusApproved}
	}
	note := decisionNote("Approved", supervisor, notes)
	if err := o.tickets.UpdateTicket(ctx, req.TicketID, ticket.Fields{WorkNotes: note}); err != nil {
		return req, fmt.Errorf("approve: %w", err)
	}
	updated, err := o.transition(ctx, req, models.StatusApproved, withRefs(note, req))
	if err != nil {
		return updated, fmt.Errorf("approve: %w", err)
	}
	o.logFor(updated, "approve").WithField("supervisor", supervisor).Info("request approved")
	return updated, nil
}

// Reject ends a request that has not started installing yet.
func (o *Orchestrator) Reject(ctx context.Context, id uuid.UUID, supervisor, notes string) (models.InstallRequest, error) {
	req, err := o.store.GetRequest(ctx, id)
	if err != nil {
		return models.InstallRequest{}, fmt.Errorf("reject: %w", err)
	}
	if !models.CanTransition(req.Status, models.StatusRejected) || req.HasExecution() {
		return req, &models.TransitionError{ID: id, From: req.Status, To: models.StatusRejected}
	}
	note := decisionNote("Rejected", supervisor, notes)
	if req.HasTicket() {
		if err := o.tickets.UpdateTicket(ctx, req.TicketID, ticket.Fields{WorkNotes: note}); err != nil {
			return req, fmt.Errorf("reject: %w", err)
		}
	}
	updated, err := o.transition(ctx, req, models.StatusRejected, withRefs(note, req))
	if err != nil {
		return updated, fmt.Errorf("reject: %w", err)
	}
	o.logFor(updated, "reject").WithField("supervisor", supervisor).Info("request rejected")
	return updated, nil
}

// transition persists a status change and emits its side effects. On an
// invalid transition the current record is reloaded and returned with the
// error so the caller can continue from where the request really is.
func (o *Orchestrator) transition(ctx context.Context, req models.InstallRequest, to models.RequestStatus, detail string) (models.InstallRequest, error) {
	from := req.Status
	updated, err := o.store.SetStatus(ctx, req.ID, to, detail)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			if current, gerr := o.store.GetRequest(ctx, req.ID); gerr == nil {
				o.logFor(current, "transition").WithField("wanted", to).Info("request moved concurrently")
				return current, err
			}
		}
		return req, err
	}
	o.logFor(updated, "transition").WithFields(logrus.Fields{"from": from, "to": to}).Info(detail)
	o.afterTransition(ctx, from, updated)
	return updated, nil
}

func (o *Orchestrator) afterTransition(ctx context.Context, from models.RequestStatus, req models.InstallRequest) {
	log := o.logFor(req, "notify")
	pubCtx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
	err := o.events.PublishStatus(pubCtx, events.NewStatusEvent(req, from, o.clock.Now()))
	cancel()
	if err != nil {
		log.WithError(err).Warn("status event not published")
	}
	if !req.Status.Terminal() {
		return
	}
	o.metrics.Outcome(string(req.Status))
	key, err := o.archiver.ArchiveRequest(ctx, req)
	if err != nil {
		log.WithError(err).Warn("request record not archived")
	} else if key != "" {
		log.WithField("object_key", key).Debug("request record archived")
	}
}

func (o *Orchestrator) fail(ctx context.Context, req models.InstallRequest, step, msg string, cause error) Outcome {
	o.metrics.StepFailed(step)
	msg = withRefs(msg, req)
	o.logFor(req, step).WithError(cause).Error(msg)

	updated, err := o.transition(ctx, req, models.StatusFailed, msg)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return o.outcome(updated, updated.StatusDetail, err)
		}
		return o.outcome(req, msg+"; status not saved: "+err.Error(), err)
	}
	return o.outcome(updated, msg, cause)
}

// stalled reports a store failure mid-step. Nothing is mutated; a later Run
// picks the request up again.
func (o *Orchestrator) stalled(req models.InstallRequest, step string, err error) Outcome {
	o.metrics.StepFailed(step)
	msg := withRefs(fmt.Sprintf("request %s stalled at %s: %s", req.ID, req.Status, err), req)
	o.logFor(req, step).WithError(err).Error("saga stalled")
	return o.outcome(req, msg, err)
}

func (o *Orchestrator) interrupted(req models.InstallRequest, err error) Outcome {
	msg := withRefs("installation in progress, monitoring interrupted", req)
	o.logFor(req, StepPollExecution).WithError(err).Warn(msg)
	return o.outcome(req, msg, err)
}

// reloadAfterAttach treats ErrAlreadyAttached as a concurrent attach and
// continues with the stored record.
func (o *Orchestrator) reloadAfterAttach(ctx context.Context, req models.InstallRequest, err error) (models.InstallRequest, error) {
	if !errors.Is(err, models.ErrAlreadyAttached) {
		return req, err
	}
	current, gerr := o.store.GetRequest(ctx, req.ID)
	if gerr != nil {
		return req, gerr
	}
	return current, nil
}

// orphaned reports a job that started after the request had already been
// finished elsewhere. The execution is not attached to the finished record;
// the ticket gets a note so an operator can follow up on the remote job.
func (o *Orchestrator) orphaned(ctx context.Context, req models.InstallRequest, execID string, err error) Outcome {
	o.metrics.StepFailed(StepTriggerJob)
	current, gerr := o.store.GetRequest(ctx, req.ID)
	if gerr == nil {
		req = current
	}
	msg := fmt.Sprintf("installation job %s started after request was %s; job not tracked", execID, req.Status)
	o.logFor(req, StepTriggerJob).WithError(err).Error(msg)
	o.annotate(ctx, req, fmt.Sprintf("Installation job %s started after the request was %s. Check the job runner.", execID, req.Status))
	return o.outcome(req, withRefs(msg, req), err)
}

// annotate adds a best-effort work note to the ticket.
func (o *Orchestrator) annotate(ctx context.Context, req models.InstallRequest, note string) {
	if !req.HasTicket() {
		return
	}
	if err := o.tickets.UpdateTicket(ctx, req.TicketID, ticket.Fields{WorkNotes: note}); err != nil {
		o.logFor(req, "annotate").WithError(err).Warn("ticket work note not added")
	}
}

func (o *Orchestrator) outcome(req models.InstallRequest, msg string, err error) Outcome {
	if msg == "" {
		msg = string(req.Status)
	}
	return Outcome{
		RequestID:    req.ID,
		Status:       req.Status,
		Message:      msg,
		TicketID:     req.TicketID,
		TicketNumber: req.TicketNumber,
		ExecutionID:  req.ExecutionID,
		Err:          err,
	}
}

func (o *Orchestrator) logFor(req models.InstallRequest, step string) *logrus.Entry {
	fields := logrus.Fields{
		"request_id": req.ID.String(),
		"step":       step,
	}
	if req.TicketNumber != "" {
		fields["ticket_number"] = req.TicketNumber
	}
	if req.ExecutionID != "" {
		fields["execution_id"] = req.ExecutionID
	}
	return o.log.WithFields(fields)
}

func describe(req models.InstallRequest) string {
	return fmt.Sprintf("%s requested installation of %s (package %s, version %s). Request %s.",
		req.Requester, req.CatalogEntry.Name, req.CatalogEntry.ExternalID, req.CatalogEntry.DefaultVersion, req.ID)
}

func decisionNote(verb, supervisor, notes string) string {
	note := fmt.Sprintf("%s by %s", verb, supervisor)
	if n := strings.TrimSpace(notes); n != "" {
		note += ": " + n
	}
	return note
}

// withRefs appends the ticket number and execution id when known.
func withRefs(msg string, req models.InstallRequest) string {
	var refs []string
	if req.TicketNumber != "" {
		refs = append(refs, "ticket "+req.TicketNumber)
	}
	if req.ExecutionID != "" {
		refs = append(refs, "execution "+req.ExecutionID)
	}
	if len(refs) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (%s)", msg, strings.Join(refs, ", "))
}
