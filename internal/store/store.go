package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/installdesk/internal/models"
)

var (
	ErrNotFound        = models.ErrNotFound
	ErrAlreadyAttached = models.ErrAlreadyAttached
)

type Store interface {
	CreateRequest(ctx context.Context, requester string, entry models.CatalogEntry) (models.InstallRequest, error)
	GetRequest(ctx context.Context, id uuid.UUID) (models.InstallRequest, error)
	ListRequests(ctx context.Context, filter ListRequestsFilter) ([]models.InstallRequest, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.RequestStatus, detail string) (models.InstallRequest, error)
	SetDetail(ctx context.Context, id uuid.UUID, detail string) (models.InstallRequest, error)
	AttachTicket(ctx context.Context, id uuid.UUID, ticketID, ticketNumber string) (models.InstallRequest, error)
	AttachExecution(ctx context.Context, id uuid.UUID, executionID string) (models.InstallRequest, error)
	ListCatalog(ctx context.Context) ([]models.CatalogEntry, error)
	UpsertCatalogEntry(ctx context.Context, entry models.CatalogEntry) (models.CatalogEntry, error)
	Ping(ctx context.Context) error
}

type ListRequestsFilter struct {
	Statuses  []models.RequestStatus
	Requester string
	// UpdatedBefore, when set, keeps only requests last written before it.
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const requestColumns = `id, requester, catalog_name, external_id, default_version, status,
	ticket_id, ticket_number, execution_id, status_detail, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (models.InstallRequest, error) {
	var (
		req          models.InstallRequest
		status       string
		ticketID     sql.NullString
		ticketNumber sql.NullString
		executionID  sql.NullString
		detail       sql.NullString
	)
	if err := row.Scan(
		&req.ID,
		&req.Requester,
		&req.CatalogEntry.Name,
		&req.CatalogEntry.ExternalID,
		&req.CatalogEntry.DefaultVersion,
		&status,
		&ticketID,
		&ticketNumber,
		&executionID,
		&detail,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		return models.InstallRequest{}, err
	}
	req.Status = models.RequestStatus(status)
	req.TicketID = ticketID.String
	req.TicketNumber = ticketNumber.String
	req.ExecutionID = executionID.String
	req.StatusDetail = detail.String
	return req, nil
}

func (s *PGStore) CreateRequest(ctx context.Context, requester string, entry models.CatalogEntry) (models.InstallRequest, error) {
	query := `
		INSERT INTO requests (id, requester, catalog_name, external_id, default_version, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING ` + requestColumns
	row := s.db.QueryRowContext(ctx, query, uuid.New(), requester, entry.Name, entry.ExternalID, entry.DefaultVersion, string(models.StatusPending))
	req, err := scanRequest(row)
	if err != nil {
		return models.InstallRequest{}, fmt.Errorf("insert request: %w", classify(err))
	}
	return req, nil
}

func (s *PGStore) GetRequest(ctx context.Context, id uuid.UUID) (models.InstallRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id=$1`
	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.InstallRequest{}, ErrNotFound
		}
		return models.InstallRequest{}, fmt.Errorf("get request: %w", classify(err))
	}
	return req, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListRequests(ctx context.Context, filter ListRequestsFilter) ([]models.InstallRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argPos)
		args = append(args, pq.Array(statuses))
		argPos++
	}
	if filter.Requester != "" {
		query += fmt.Sprintf(" AND requester = $%d", argPos)
		args = append(args, filter.Requester)
		argPos++
	}
	if !filter.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(" AND updated_at < $%d", argPos)
		args = append(args, filter.UpdatedBefore)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", classify(err))
	}
	defer rows.Close()

	var out []models.InstallRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", classify(err))
	}
	return out, nil
}

// mutate runs fn against the locked row inside a transaction, so writes to one
// request id are serialized while other ids proceed.
func (s *PGStore) mutate(ctx context.Context, id uuid.UUID, fn func(tx *sql.Tx, current models.InstallRequest) error) (models.InstallRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.InstallRequest{}, fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback()

	lockQuery := `SELECT ` + requestColumns + ` FROM requests WHERE id=$1 FOR UPDATE`
	current, err := scanRequest(tx.QueryRowContext(ctx, lockQuery, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.InstallRequest{}, ErrNotFound
		}
		return models.InstallRequest{}, fmt.Errorf("lock request: %w", classify(err))
	}
	if err := fn(tx, current); err != nil {
		return models.InstallRequest{}, err
	}

	updated, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, id))
	if err != nil {
		return models.InstallRequest{}, fmt.Errorf("reload request: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return models.InstallRequest{}, fmt.Errorf("commit: %w", classify(err))
	}
	return updated, nil
}

func (s *PGStore) SetStatus(ctx context.Context, id uuid.UUID, status models.RequestStatus, detail string) (models.InstallRequest, error) {
	return s.mutate(ctx, id, func(tx *sql.Tx, current models.InstallRequest) error {
		if !models.CanTransition(current.Status, status) {
			return &models.TransitionError{ID: id, From: current.Status, To: status}
		}
		const query = `UPDATE requests SET status=$2, status_detail=$3, updated_at=NOW() WHERE id=$1`
		if _, err := tx.ExecContext(ctx, query, id, string(status), detail); err != nil {
			return fmt.Errorf("update status: %w", classify(err))
		}
		return nil
	})
}

func (s *PGStore) SetDetail(ctx context.Context, id uuid.UUID, detail string) (models.InstallRequest, error) {
	return s.mutate(ctx, id, func(tx *sql.Tx, _ models.InstallRequest) error {
		const query = `UPDATE requests SET status_detail=$2, updated_at=NOW() WHERE id=$1`
		if _, err := tx.ExecContext(ctx, query, id, detail); err != nil {
			return fmt.Errorf("update detail: %w", classify(err))
		}
		return nil
	})
}

func (s *PGStore) AttachTicket(ctx context.Context, id uuid.UUID, ticketID, ticketNumber string) (models.InstallRequest, error) {
	if ticketID == "" {
		return models.InstallRequest{}, fmt.Errorf("attach ticket: empty ticket id")
	}
	return s.mutate(ctx, id, func(tx *sql.Tx, current models.InstallRequest) error {
		if current.HasTicket() {
			return fmt.Errorf("ticket %s: %w", current.TicketID, ErrAlreadyAttached)
		}
		const query = `UPDATE requests SET ticket_id=$2, ticket_number=$3, updated_at=NOW() WHERE id=$1 AND ticket_id IS NULL`
		if _, err := tx.ExecContext(ctx, query, id, ticketID, ticketNumber); err != nil {
			return fmt.Errorf("attach ticket: %w", classify(err))
		}
		return nil
	})
}

func (s *PGStore) AttachExecution(ctx context.Context, id uuid.UUID, executionID string) (models.InstallRequest, error) {
	if executionID == "" {
		return models.InstallRequest{}, fmt.Errorf("attach execution: empty execution id")
	}
	return s.mutate(ctx, id, func(tx *sql.Tx, current models.InstallRequest) error {
		if current.HasExecution() {
			return fmt.Errorf("execution %s: %w", current.ExecutionID, ErrAlreadyAttached)
		}
		if current.Status.Terminal() {
			return &models.TransitionError{ID: id, From: current.Status, To: models.StatusInProgress}
		}
		const query = `UPDATE requests SET execution_id=$2, updated_at=NOW() WHERE id=$1 AND execution_id IS NULL`
		if _, err := tx.ExecContext(ctx, query, id, executionID); err != nil {
			return fmt.Errorf("attach execution: %w", classify(err))
		}
		return nil
	})
}

func (s *PGStore) ListCatalog(ctx context.Context) ([]models.CatalogEntry, error) {
	const query = `SELECT name, external_id, default_version, created_at FROM catalog_entries ORDER BY created_at, name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", classify(err))
	}
	defer rows.Close()

	var entries []models.CatalogEntry
	for rows.Next() {
		var (
			e       models.CatalogEntry
			version sql.NullString
		)
		if err := rows.Scan(&e.Name, &e.ExternalID, &version, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		e.DefaultVersion = version.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", classify(err))
	}
	return entries, nil
}

// UpsertCatalogEntry inserts the entry unless one with the same name exists.
// Existing entries are returned untouched since catalog rows are immutable.
func (s *PGStore) UpsertCatalogEntry(ctx context.Context, entry models.CatalogEntry) (models.CatalogEntry, error) {
	const query = `
		INSERT INTO catalog_entries (name, external_id, default_version)
		VALUES ($1,$2,$3)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING name, external_id, default_version, created_at
	`
	var (
		out     models.CatalogEntry
		version sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, entry.Name, entry.ExternalID, entry.DefaultVersion).
		Scan(&out.Name, &out.ExternalID, &version, &out.CreatedAt)
	if err != nil {
		return models.CatalogEntry{}, fmt.Errorf("upsert catalog entry: %w", classify(err))
	}
	out.DefaultVersion = version.String
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", classify(err))
	}
	return nil
}

// classify tags connectivity failures with models.ErrConnection while keeping
// the driver error in the chain.
func classify(err error) error {
	if err == nil || !isConnectionError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", models.ErrConnection, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}
	return false
}
