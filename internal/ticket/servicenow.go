package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// resolvedState is the incident state ServiceNow uses for "Resolved".
const resolvedState = "6"

type ServiceNowConfig struct {
	BaseURL    string
	User       string
	Password   string
	Table      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// ServiceNowClient uses the REST Table API. ServiceNow has no idempotent
// create, so the request id travels in correlation_id and is looked up
// before every insert.
type ServiceNowClient struct {
	baseURL  string
	user     string
	password string
	table    string
	timeout  time.Duration
	client   *http.Client
}

func NewServiceNowClient(cfg ServiceNowConfig) (*ServiceNowClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("servicenow base url required")
	}
	if cfg.User == "" || cfg.Password == "" {
		return nil, fmt.Errorf("servicenow credentials required")
	}
	table := cfg.Table
	if table == "" {
		table = "incident"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout + 5*time.Second}
	}
	return &ServiceNowClient{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		user:     cfg.User,
		password: cfg.Password,
		table:    table,
		timeout:  timeout,
		client:   client,
	}, nil
}

type incidentRecord struct {
	SysID  string `json:"sys_id"`
	Number string `json:"number"`
}

func (c *ServiceNowClient) CreateTicket(ctx context.Context, in CreateInput) (Ticket, error) {
	if in.IdempotencyKey != "" {
		existing, found, err := c.findByCorrelation(ctx, in.IdempotencyKey)
		if err != nil {
			return Ticket{}, err
		}
		if found {
			return existing, nil
		}
	}

	payload := map[string]string{
		"short_description": in.Summary,
		"description":       in.Description,
		"caller_id":         in.Requester,
	}
	if in.IdempotencyKey != "" {
		payload["correlation_id"] = in.IdempotencyKey
	}
	var out struct {
		Result incidentRecord `json:"result"`
	}
	if err := c.do(ctx, "create", http.MethodPost, c.tablePath(""), nil, payload, &out); err != nil {
		return Ticket{}, err
	}
	if out.Result.SysID == "" || out.Result.Number == "" {
		return Ticket{}, failure("create", 0, "response missing sys_id or number", nil)
	}
	return Ticket{ID: out.Result.SysID, Number: out.Result.Number}, nil
}

func (c *ServiceNowClient) findByCorrelation(ctx context.Context, key string) (Ticket, bool, error) {
	query := url.Values{}
	query.Set("sysparm_query", "correlation_id="+key)
	query.Set("sysparm_fields", "sys_id,number")
	query.Set("sysparm_limit", "1")
	var out struct {
		Result []incidentRecord `json:"result"`
	}
	if err := c.do(ctx, "create", http.MethodGet, c.tablePath(""), query, nil, &out); err != nil {
		return Ticket{}, false, err
	}
	if len(out.Result) == 0 || out.Result[0].SysID == "" {
		return Ticket{}, false, nil
	}
	return Ticket{ID: out.Result[0].SysID, Number: out.Result[0].Number}, true, nil
}

func (c *ServiceNowClient) UpdateTicket(ctx context.Context, id string, fields Fields) error {
	if id == "" {
		return failure("update", 0, "ticket id required", nil)
	}
	payload := map[string]string{}
	if fields.ShortDescription != "" {
		payload["short_description"] = fields.ShortDescription
	}
	if fields.WorkNotes != "" {
		payload["work_notes"] = fields.WorkNotes
	}
	if fields.State != "" {
		payload["state"] = fields.State
	}
	if len(payload) == 0 {
		return nil
	}
	return c.do(ctx, "update", http.MethodPatch, c.tablePath(id), nil, payload, nil)
}

func (c *ServiceNowClient) ResolveTicket(ctx context.Context, id string, res Resolution) error {
	if id == "" {
		return failure("resolve", 0, "ticket id required", nil)
	}
	payload := map[string]string{
		"state":       resolvedState,
		"close_code":  res.Code,
		"close_notes": res.Notes,
	}
	return c.do(ctx, "resolve", http.MethodPatch, c.tablePath(id), nil, payload, nil)
}

func (c *ServiceNowClient) tablePath(id string) string {
	p := "/api/now/table/" + c.table
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

func (c *ServiceNowClient) do(ctx context.Context, op, method, path string, query url.Values, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return failure(op, 0, "marshal request", err)
		}
		body = bytes.NewReader(raw)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return failure(op, 0, "build request", err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return failure(op, 0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(op, resp.StatusCode, errorMessage(resp), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return failure(op, resp.StatusCode, "decode response", err)
	}
	return nil
}

// errorMessage pulls error.message/detail out of a ServiceNow error body.
func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		if parsed.Error.Detail != "" {
			return parsed.Error.Message + ": " + parsed.Error.Detail
		}
		return parsed.Error.Message
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return resp.Status
}
