package jobrunner

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

const (
	defaultAPIVersion = 41
	defaultLogLines   = 20
)

type RundeckConfig struct {
	BaseURL    string
	Token      string
	JobID      string
	OptionName string
	APIVersion int
	Timeout    time.Duration
	// LogLines is how many output lines are attached to a failed execution.
	LogLines   int
	HTTPClient *http.Client
}

type RundeckClient struct {
	baseURL    string
	token      string
	jobID      string
	optionName string
	apiVersion int
	timeout    time.Duration
	logLines   int
	client     *http.Client
}

func NewRundeckClient(cfg RundeckConfig) (*RundeckClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rundeck base url required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("rundeck api token required")
	}
	if cfg.JobID == "" {
		return nil, fmt.Errorf("rundeck job id required")
	}
	option := cfg.OptionName
	if option == "" {
		option = "winget_id"
	}
	version := cfg.APIVersion
	if version <= 0 {
		version = defaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	lines := cfg.LogLines
	if lines <= 0 {
		lines = defaultLogLines
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout + 5*time.Second}
	}
	return &RundeckClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		jobID:      cfg.JobID,
		optionName: option,
		apiVersion: version,
		timeout:    timeout,
		logLines:   lines,
		client:     client,
	}, nil
}

// executionRef covers both the run response and the execution info; Rundeck
// sends id as a number.
type executionRef struct {
	ID     json.Number `json:"id"`
	Status string      `json:"status"`
}

func (c *RundeckClient) TriggerJob(ctx context.Context, externalID string) (string, error) {
	if externalID == "" {
		return "", failure("trigger", 0, "external id required", nil)
	}
	payload := map[string]interface{}{
		"options": map[string]string{c.optionName: externalID},
	}
	var out executionRef
	path := fmt.Sprintf("/job/%s/run", url.PathEscape(c.jobID))
	if err := c.do(ctx, "trigger", http.MethodPost, path, payload, &out); err != nil {
		return "", err
	}
	id := out.ID.String()
	if id == "" {
		return "", failure("trigger", 0, "response missing execution id", nil)
	}
	return id, nil
}

func (c *RundeckClient) PollExecution(ctx context.Context, executionID string) (Execution, error) {
	if executionID == "" {
		return Execution{}, failure("poll", 0, "execution id required", nil)
	}
	var out executionRef
	path := "/execution/" + url.PathEscape(executionID)
	if err := c.do(ctx, "poll", http.MethodGet, path, nil, &out); err != nil {
		return Execution{}, err
	}
	state := mapStatus(out.Status)
	exec := Execution{State: state, Detail: out.Status}
	if state == StateFailed {
		if tail := c.logTail(ctx, executionID); tail != "" {
			exec.Detail = fmt.Sprintf("%s: %s", out.Status, tail)
		}
	}
	return exec, nil
}

func mapStatus(remote string) State {
	switch strings.ToLower(remote) {
	case "running", "scheduled", "queued":
		return StateRunning
	case "succeeded":
		return StateSucceeded
	default:
		return StateFailed
	}
}

// logTail is best effort; any error yields an empty tail.
func (c *RundeckClient) logTail(ctx context.Context, executionID string) string {
	var out struct {
		Entries []struct {
			Log string `json:"log"`
		} `json:"entries"`
	}
	path := fmt.Sprintf("/execution/%s/output?lastlines=%d", url.PathEscape(executionID), c.logLines)
	if err := c.do(ctx, "output", http.MethodGet, path, nil, &out); err != nil {
		return ""
	}
	lines := make([]string, 0, len(out.Entries))
	for _, e := range out.Entries {
		if l := strings.TrimSpace(e.Log); l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, " | ")
}

func (c *RundeckClient) do(ctx context.Context, op, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return failure(op, 0, "marshal request", err)
		}
		body = bytes.NewReader(raw)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	target := fmt.Sprintf("%s/api/%d%s", c.baseURL, c.apiVersion, path)
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return failure(op, 0, "build request", err)
	}
	req.Header.Set("X-Rundeck-Auth-Token", c.token)
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
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return failure(op, resp.StatusCode, "decode response", err)
	}
	return nil
}

func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Message != "" {
		return parsed.Message
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return resp.Status
}
