package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/installdesk/internal/models"
)

var requestCols = []string{
	"id", "requester", "catalog_name", "external_id", "default_version", "status",
	"ticket_id", "ticket_number", "execution_id", "status_detail", "created_at", "updated_at",
}

func requestRow(id uuid.UUID, status models.RequestStatus, ticketID, executionID interface{}) *sqlmock.Rows {
	now := time.Now().UTC()
	var ticketNumber interface{}
	if ticketID != nil {
		ticketNumber = "INC0010001"
	}
	return sqlmock.NewRows(requestCols).AddRow(
		id.String(), "alice", "Visual Studio Code", "Microsoft.VisualStudioCode", "latest", string(status),
		ticketID, ticketNumber, executionID, nil, now, now,
	)
}

func newMock(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGStoreCreateRequest(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery("INSERT INTO requests").
		WithArgs(sqlmock.AnyArg(), "alice", "Visual Studio Code", "Microsoft.VisualStudioCode", "latest", "pending").
		WillReturnRows(requestRow(id, models.StatusPending, nil, nil))

	req, err := st.CreateRequest(context.Background(), "alice", models.CatalogEntry{
		Name:           "Visual Studio Code",
		ExternalID:     "Microsoft.VisualStudioCode",
		DefaultVersion: "latest",
	})
	require.NoError(t, err)
	assert.Equal(t, id, req.ID)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.False(t, req.HasTicket())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetRequestNotFound(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery("FROM requests WHERE id").WithArgs(id).WillReturnError(sql.ErrNoRows)

	_, err := st.GetRequest(context.Background(), id)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreConnectionFailure(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery("FROM requests WHERE id").WithArgs(id).
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})

	_, err := st.GetRequest(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnection)
}

func TestPGStoreSetStatusAdvances(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(id).
		WillReturnRows(requestRow(id, models.StatusPending, "sys-1", nil))
	mock.ExpectExec("UPDATE requests SET status").
		WithArgs(id, "ticket_created", "ticket INC0010001 created").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM requests WHERE id").WithArgs(id).
		WillReturnRows(requestRow(id, models.StatusTicketCreated, "sys-1", nil))
	mock.ExpectCommit()

	req, err := st.SetStatus(context.Background(), id, models.StatusTicketCreated, "ticket INC0010001 created")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTicketCreated, req.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSetStatusRejectsRegression(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(id).
		WillReturnRows(requestRow(id, models.StatusInstalled, "sys-1", "42"))
	mock.ExpectRollback()

	_, err := st.SetStatus(context.Background(), id, models.StatusPending, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	var terr *models.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, models.StatusInstalled, terr.From)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreAttachTicketTwice(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(id).
		WillReturnRows(requestRow(id, models.StatusPending, nil, nil))
	mock.ExpectExec("UPDATE requests SET ticket_id").
		WithArgs(id, "sys-1", "INC0010001").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM requests WHERE id").WithArgs(id).
		WillReturnRows(requestRow(id, models.StatusPending, "sys-1", nil))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(id).
		WillReturnRows(requestRow(id, models.StatusPending, "sys-1", nil))
	mock.ExpectRollback()

	first, err := st.AttachTicket(context.Background(), id, "sys-1", "INC0010001")
	require.NoError(t, err)
	assert.Equal(t, "sys-1", first.TicketID)

	_, err = st.AttachTicket(context.Background(), id, "sys-2", "INC0010002")
	assert.ErrorIs(t, err, models.ErrAlreadyAttached)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreListRequestsByStatus(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery("status = ANY").
		WithArgs(sqlmock.AnyArg(), 50).
		WillReturnRows(requestRow(id, models.StatusInProgress, "sys-1", "42"))

	reqs, err := st.ListRequests(context.Background(), ListRequestsFilter{
		Statuses: []models.RequestStatus{models.StatusInProgress},
	})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "42", reqs[0].ExecutionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreListCatalog(t *testing.T) {
	st, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM catalog_entries").
		WillReturnRows(sqlmock.NewRows([]string{"name", "external_id", "default_version", "created_at"}).
			AddRow("Google Chrome", "Google.Chrome", "latest", now).
			AddRow("Git", "Git.Git", nil, now))

	entries, err := st.ListCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Google.Chrome", entries[0].ExternalID)
	assert.Equal(t, "", entries[1].DefaultVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreAttachExecutionRefusedWhenFinished(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(id).
		WillReturnRows(requestRow(id, models.StatusRejected, "sys-1", nil))
	mock.ExpectRollback()

	_, err := st.AttachExecution(context.Background(), id, "42")
	var terr *models.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, models.StatusRejected, terr.From)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreListRequestsUpdatedBefore(t *testing.T) {
	st, mock := newMock(t)
	id := uuid.New()
	cutoff := time.Now().Add(-2 * time.Minute)

	mock.ExpectQuery(`status = ANY\(\$1\) AND updated_at < \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs(sqlmock.AnyArg(), cutoff, 200).
		WillReturnRows(requestRow(id, models.StatusTicketCreated, "sys-1", nil))

	reqs, err := st.ListRequests(context.Background(), ListRequestsFilter{
		Statuses:      []models.RequestStatus{models.StatusTicketCreated},
		UpdatedBefore: cutoff,
		Limit:         200,
	})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
