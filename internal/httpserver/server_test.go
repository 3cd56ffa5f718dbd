package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/installdesk/internal/auth"
	"github.com/ILLUVRSE/installdesk/internal/catalog"
	"github.com/ILLUVRSE/installdesk/internal/jobrunner"
	"github.com/ILLUVRSE/installdesk/internal/metrics"
	"github.com/ILLUVRSE/installdesk/internal/models"
	"github.com/ILLUVRSE/installdesk/internal/saga"
	"github.com/ILLUVRSE/installdesk/internal/service"
	"github.com/ILLUVRSE/installdesk/internal/store"
	"github.com/ILLUVRSE/installdesk/internal/ticket"
)

const jwtSecret = "test-secret"

func newHTTPTestServer(t *testing.T, approval bool) (*store.MemoryStore, http.Handler) {
	t.Helper()
	st := store.NewMemoryStore()
	for _, e := range catalog.DefaultEntries() {
		_, err := st.UpsertCatalogEntry(context.Background(), e)
		require.NoError(t, err)
	}
	m := metrics.New()
	orch := saga.New(saga.Config{
		PollBaseInterval: time.Millisecond,
		PollMaxInterval:  time.Millisecond,
		ApprovalRequired: approval,
	}, saga.Deps{
		Store:   st,
		Tickets: ticket.NewMemoryClient(),
		Jobs:    jobrunner.NewMemoryClient(jobrunner.SucceedAfter(1)),
		Metrics: m,
	})
	svc := service.New(st, catalog.NewLoader(st, nil, nil), orch, service.Options{SyncWait: 5 * time.Second})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	verifier, err := auth.NewVerifier(auth.Config{Secret: jwtSecret})
	require.NoError(t, err)
	srv := New(svc, st, Options{Verifier: verifier, Metrics: m.Handler()})
	return st, srv.Router()
}

func supervisorToken(t *testing.T, roles ...string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "bob",
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return tok
}

func doRequest(router http.Handler, method, path string, body []byte, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	_, router := newHTTPTestServer(t, false)
	rec := doRequest(router, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])
}

func TestFulfillEndpoint(t *testing.T) {
	_, router := newHTTPTestServer(t, false)

	rec := doRequest(router, http.MethodPost, "/fulfillment/requests", []byte(`{"requester":"alice","software":"Visual Studio Code"}`), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode(t, rec)
	assert.Equal(t, "installed", resp["status"])
	id, ok := resp["requestId"].(string)
	require.True(t, ok)

	rec = doRequest(router, http.MethodGet, "/fulfillment/requests/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, "alice", got["requester"])
	assert.NotEmpty(t, got["ticketNumber"])

	rec = doRequest(router, http.MethodGet, "/fulfillment/requests?status=installed&requester=alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["requests"].([]interface{})
	assert.Len(t, list, 1)

	rec = doRequest(router, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `installdesk_fulfillment_outcomes_total{status="installed"} 1`)
}

func TestFulfillUnknownSoftware(t *testing.T) {
	_, router := newHTTPTestServer(t, false)
	rec := doRequest(router, http.MethodPost, "/fulfillment/requests", []byte(`{"requester":"alice","software":"xyz123"}`), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Software 'xyz123' not found in the catalog.", decode(t, rec)["message"])
}

func TestFulfillBadInput(t *testing.T) {
	_, router := newHTTPTestServer(t, false)
	rec := doRequest(router, http.MethodPost, "/fulfillment/requests", []byte(`{`), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(router, http.MethodPost, "/fulfillment/requests", []byte(`{"software":"Git"}`), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(router, http.MethodGet, "/fulfillment/requests?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownRequest(t *testing.T) {
	_, router := newHTTPTestServer(t, false)
	rec := doRequest(router, http.MethodGet, "/fulfillment/requests/"+uuid.NewString(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(router, http.MethodGet, "/fulfillment/requests/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalogEndpoint(t *testing.T) {
	_, router := newHTTPTestServer(t, false)
	rec := doRequest(router, http.MethodGet, "/fulfillment/catalog", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["entries"].([]interface{})
	assert.Len(t, entries, len(catalog.DefaultEntries()))
}

func TestApprovalEndpoints(t *testing.T) {
	st, router := newHTTPTestServer(t, true)

	rec := doRequest(router, http.MethodPost, "/fulfillment/requests", []byte(`{"requester":"erin","software":"Postman"}`), "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode(t, rec)
	assert.Equal(t, "ticket_created", resp["status"])
	id := resp["requestId"].(string)
	approvePath := fmt.Sprintf("/fulfillment/requests/%s/approve", id)

	rec = doRequest(router, http.MethodPost, approvePath, []byte(`{"notes":"ok"}`), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(router, http.MethodPost, approvePath, []byte(`{"notes":"ok"}`), supervisorToken(t, "operator"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(router, http.MethodPost, approvePath, []byte(`{"notes":"ok"}`), supervisorToken(t, "supervisor"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "installed", decode(t, rec)["status"])

	rec = doRequest(router, http.MethodPost, fmt.Sprintf("/fulfillment/requests/%s/reject", id), nil, supervisorToken(t, "supervisor"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	stored, err := st.GetRequest(context.Background(), uuid.MustParse(id))
	require.NoError(t, err)
	assert.Equal(t, models.StatusInstalled, stored.Status)
}

func TestResumeEndpoint(t *testing.T) {
	st, router := newHTTPTestServer(t, false)
	entry, _ := catalog.Resolve("Git", catalog.DefaultEntries())
	req, err := st.CreateRequest(context.Background(), "dave", entry)
	require.NoError(t, err)

	rec := doRequest(router, http.MethodPost, "/fulfillment/requests/"+req.ID.String()+"/resume", nil, supervisorToken(t, "supervisor"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "installed", decode(t, rec)["status"])
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.ErrNotFound:                   http.StatusNotFound,
		models.ErrInvalidTransition:          http.StatusConflict,
		models.ErrAlreadyAttached:            http.StatusConflict,
		models.ErrConnection:                 http.StatusServiceUnavailable,
		models.ErrTimeout:                    http.StatusGatewayTimeout,
		service.ErrInvalidInput:              http.StatusBadRequest,
		&models.ExternalServiceError{}:       http.StatusBadGateway,
		fmt.Errorf("x: %w", service.ErrBusy): http.StatusConflict,
		fmt.Errorf("boom"):                   http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
