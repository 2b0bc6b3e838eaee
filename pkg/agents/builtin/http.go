package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

// HTTPTaskType is the task type served by the HTTP agent.
const HTTPTaskType = "http_request"

const defaultHTTPTimeout = 30 * time.Second

var (
	// ErrHTTPRequestURLInvalid is returned when the task has no url.
	ErrHTTPRequestURLInvalid = errors.New("invalid HTTP request url")
	// ErrHTTPServerError is returned when the server keeps answering 5xx.
	ErrHTTPServerError = errors.New("server error during HTTP request")
)

// HTTPRequest is the decoded payload of an http_request task.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
	Retry   RetryConfig
}

// RetryConfig defines retry behavior for HTTP requests.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// ParseHTTPRequest reads method, url, headers, body (string or JSON value),
// timeout and retry {attempts, delay} from a task payload.
func ParseHTTPRequest(payload map[string]any) (*HTTPRequest, error) {
	url, _ := payload["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("missing or invalid 'url' in payload: %w", ErrHTTPRequestURLInvalid)
	}

	method, _ := payload["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	headers := make(map[string]string)

	if headersMap, ok := payload["headers"].(map[string]any); ok {
		for k, v := range headersMap {
			if strVal, ok := v.(string); ok {
				headers[k] = strVal
			}
		}
	}

	var body string

	switch b := payload["body"].(type) {
	case nil:
	case string:
		body = b
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}

		body = string(encoded)

		if _, ok := headers["Content-Type"]; !ok {
			headers["Content-Type"] = "application/json"
		}
	}

	timeout, err := models.ParseDuration(payload["timeout"])
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	retry := RetryConfig{Attempts: 1}

	if retryMap, ok := payload["retry"].(map[string]any); ok {
		if attempts, ok := retryMap["attempts"].(float64); ok && attempts >= 1 {
			retry.Attempts = int(attempts)
		}

		delay, err := models.ParseDuration(retryMap["delay"])
		if err != nil {
			return nil, err
		}

		retry.Delay = delay
	}

	return &HTTPRequest{
		Method:  strings.ToUpper(method),
		URL:     url,
		Headers: headers,
		Body:    body,
		Timeout: timeout,
		Retry:   retry,
	}, nil
}

// NewHTTPAgent creates an agent performing outbound HTTP requests.
func NewHTTPAgent(id string, client *http.Client, logger *slog.Logger) *HTTPAgent {
	if client == nil {
		client = &http.Client{}
	}

	agent := &HTTPAgent{client: client}
	agent.base = newBase(id, "http", models.Permissions{
		TaskTypes: []string{HTTPTaskType},
	}, logger)
	agent.run = agent.request

	return agent
}

type HTTPAgent struct {
	*base

	client *http.Client
}

func (a *HTTPAgent) request(ctx context.Context, task *models.AgentTask) (any, error) {
	req, err := ParseHTTPRequest(task.Payload)
	if err != nil {
		return nil, err
	}

	var (
		lastErr error
		resp    *http.Response
	)

	for attempt := 1; attempt <= req.Retry.Attempts; attempt++ {
		if attempt > 1 {
			a.logger.InfoContext(ctx, "HTTP request retry", "attempt", attempt, "attempts", req.Retry.Attempts)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(req.Retry.Delay):
			}
		}

		resp, err = a.do(ctx, req)
		if err != nil {
			lastErr = err

			continue
		}

		if resp.StatusCode >= 500 && attempt < req.Retry.Attempts {
			lastErr = fmt.Errorf("status %d: %w", resp.StatusCode, ErrHTTPServerError)
			_ = resp.Body.Close()
			resp = nil

			continue
		}

		break
	}

	if resp == nil {
		return nil, fmt.Errorf("all retry attempts failed, last error: %w", lastErr)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any = string(bodyBytes)

	var decoded any
	if json.Unmarshal(bodyBytes, &decoded) == nil {
		body = decoded
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	a.logger.InfoContext(ctx, "HTTP request completed", "status", resp.StatusCode, "body_length", len(bodyBytes))

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"headers":     headers,
	}, nil
}

func (a *HTTPAgent) do(ctx context.Context, req *HTTPRequest) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, req.Timeout)

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = bytes.NewBufferString(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		cancel()

		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		cancel()

		return nil, fmt.Errorf("http request failed: %w", err)
	}

	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}

	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser

	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()

	return err
}
