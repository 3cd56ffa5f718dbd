package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ILLUVRSE/installdesk/internal/catalog"
	"github.com/ILLUVRSE/installdesk/internal/logging"
	"github.com/ILLUVRSE/installdesk/internal/models"
	"github.com/ILLUVRSE/installdesk/internal/saga"
	"github.com/ILLUVRSE/installdesk/internal/store"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrBusy means a saga for the request is already running in this process.
	ErrBusy = errors.New("request is already being processed")
)

const recoverPageSize = 200

type Options struct {
	// SyncWait bounds how long Fulfill, Resume and Approve wait for the saga
	// before answering with the current status.
	SyncWait time.Duration
	// RecoverMinAge makes Recover skip requests written more recently than
	// this, leaving them to the instance that is still working on them.
	RecoverMinAge time.Duration
	Log           *logrus.Entry
}

// Service is the inbound surface: it resolves catalog names, records
// requests and runs their sagas in the background.
type Service struct {
	store    store.Store
	catalog  *catalog.Loader
	saga     *saga.Orchestrator
	syncWait time.Duration
	minAge   time.Duration
	log      *logrus.Entry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

func New(st store.Store, loader *catalog.Loader, orch *saga.Orchestrator, opts Options) *Service {
	if opts.SyncWait <= 0 {
		opts.SyncWait = 5 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:    st,
		catalog:  loader,
		saga:     orch,
		syncWait: opts.SyncWait,
		minAge:   opts.RecoverMinAge,
		log:      opts.Log,
		baseCtx:  ctx,
		cancel:   cancel,
		running:  make(map[uuid.UUID]struct{}),
	}
}

// Receipt is what a caller is told about a request.
type Receipt struct {
	RequestID    uuid.UUID            `json:"requestId"`
	Status       models.RequestStatus `json:"status"`
	Message      string               `json:"message"`
	TicketNumber string               `json:"ticketNumber,omitempty"`
	ExecutionID  string               `json:"executionId,omitempty"`
}

func NotFoundMessage(software string) string {
	return fmt.Sprintf("Software '%s' not found in the catalog.", software)
}

// Fulfill handles one install request from a chat user.
func (s *Service) Fulfill(ctx context.Context, requester, software string) (Receipt, error) {
	requester = strings.TrimSpace(requester)
	software = strings.TrimSpace(software)
	if requester == "" || software == "" {
		return Receipt{}, fmt.Errorf("requester and software required: %w", ErrInvalidInput)
	}

	entries, err := s.catalog.Snapshot(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("fulfill: %w", err)
	}
	entry, ok := catalog.Resolve(software, entries)
	if !ok {
		msg := NotFoundMessage(software)
		return Receipt{Message: msg}, fmt.Errorf("%s: %w", msg, models.ErrNotFound)
	}

	req, err := s.store.CreateRequest(ctx, requester, entry)
	if err != nil {
		return Receipt{}, fmt.Errorf("fulfill: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"request_id": req.ID.String(),
		"requester":  requester,
		"software":   entry.Name,
		"query":      software,
	}).Info("install request logged")

	done, _ := s.start(req.ID)
	return s.await(ctx, req, done), nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.InstallRequest, error) {
	return s.store.GetRequest(ctx, id)
}

func (s *Service) List(ctx context.Context, filter store.ListRequestsFilter) ([]models.InstallRequest, error) {
	return s.store.ListRequests(ctx, filter)
}

func (s *Service) Catalog(ctx context.Context) ([]models.CatalogEntry, error) {
	return s.catalog.Snapshot(ctx)
}

// Resume re-enters the saga for id from its persisted status.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (Receipt, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return Receipt{}, fmt.Errorf("resume: %w", err)
	}
	if req.Status.Terminal() {
		return receiptFor(req, req.StatusDetail), nil
	}
	done, ok := s.start(id)
	if !ok {
		return receiptFor(req, "already in progress"), fmt.Errorf("resume %s: %w", id, ErrBusy)
	}
	return s.await(ctx, req, done), nil
}

func (s *Service) Approve(ctx context.Context, id uuid.UUID, supervisor, notes string) (Receipt, error) {
	req, err := s.saga.Approve(ctx, id, supervisor, notes)
	if err != nil {
		return receiptFor(req, models.Detail(err)), err
	}
	done, _ := s.start(id)
	return s.await(ctx, req, done), nil
}

// Reject refuses requests whose saga is running here: it may be between
// triggering the job and recording the execution.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, supervisor, notes string) (Receipt, error) {
	if s.isRunning(id) {
		req, err := s.store.GetRequest(ctx, id)
		if err != nil {
			return Receipt{}, fmt.Errorf("reject: %w", err)
		}
		return receiptFor(req, "already in progress"), fmt.Errorf("reject %s: %w", id, ErrBusy)
	}
	req, err := s.saga.Reject(ctx, id, supervisor, notes)
	if err != nil {
		return receiptFor(req, models.Detail(err)), err
	}
	return receiptFor(req, req.StatusDetail), nil
}

// Recover restarts the sagas of every unfinished request that has been idle
// for at least RecoverMinAge. Requests parked for approval are left alone
// when the gate is on.
func (s *Service) Recover(ctx context.Context) (int, error) {
	statuses := []models.RequestStatus{models.StatusPending, models.StatusApproved, models.StatusInProgress}
	if !s.saga.ApprovalRequired() {
		statuses = append(statuses, models.StatusTicketCreated)
	}

	var idleSince time.Time
	if s.minAge > 0 {
		idleSince = time.Now().Add(-s.minAge)
	}

	var pending []uuid.UUID
	for offset := 0; ; offset += recoverPageSize {
		page, err := s.store.ListRequests(ctx, store.ListRequestsFilter{
			Statuses:      statuses,
			UpdatedBefore: idleSince,
			Limit:         recoverPageSize,
			Offset:        offset,
		})
		if err != nil {
			return 0, fmt.Errorf("recover: %w", err)
		}
		for _, req := range page {
			pending = append(pending, req.ID)
		}
		if len(page) < recoverPageSize {
			break
		}
	}

	started := 0
	for _, id := range pending {
		if _, ok := s.start(id); ok {
			started++
		}
	}
	if started > 0 {
		s.log.WithField("count", started).Info("resumed unfinished requests")
	}
	return started, nil
}

// Shutdown interrupts running sagas and waits for them to return. Their
// requests keep their persisted status and are picked up by Recover.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every background saga has returned.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) isRunning(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// start runs the saga for id on its own goroutine unless one is already
// running. The channel receives the outcome once.
func (s *Service) start(id uuid.UUID) (<-chan saga.Outcome, bool) {
	s.mu.Lock()
	if _, busy := s.running[id]; busy {
		s.mu.Unlock()
		return nil, false
	}
	s.running[id] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	done := make(chan saga.Outcome, 1)
	go func() {
		defer s.wg.Done()
		out := s.saga.Run(s.baseCtx, id)
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		s.logOutcome(out)
		done <- out
	}()
	return done, true
}

func (s *Service) await(ctx context.Context, req models.InstallRequest, done <-chan saga.Outcome) Receipt {
	if done != nil {
		timer := time.NewTimer(s.syncWait)
		defer timer.Stop()
		select {
		case out := <-done:
			return Receipt{
				RequestID:    out.RequestID,
				Status:       out.Status,
				Message:      out.Message,
				TicketNumber: out.TicketNumber,
				ExecutionID:  out.ExecutionID,
			}
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	if current, err := s.store.GetRequest(s.baseCtx, req.ID); err == nil {
		req = current
	}
	msg := fmt.Sprintf("Install request for %s logged (request %s): %s", req.CatalogEntry.Name, req.ID, req.Status)
	return receiptFor(req, msg)
}

func (s *Service) logOutcome(out saga.Outcome) {
	entry := s.log.WithFields(logrus.Fields{
		"request_id": out.RequestID.String(),
		"status":     out.Status,
	})
	if out.Err != nil {
		entry.WithError(out.Err).Warn(out.Message)
		return
	}
	entry.Info(out.Message)
}

func receiptFor(req models.InstallRequest, msg string) Receipt {
	return Receipt{
		RequestID:    req.ID,
		Status:       req.Status,
		Message:      msg,
		TicketNumber: req.TicketNumber,
		ExecutionID:  req.ExecutionID,
	}
}
