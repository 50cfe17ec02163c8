// Package client is the Go client for the user-facing orchestration
// API. The command line tool is built on it and user tooling can
// import it directly.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/netmark-org/netmark/internal/core"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from the API, carrying the HTTP status
// and the server's message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api answered %d: %s", e.Status, e.Message)
}

// Client talks to one orchestration endpoint as one user. It is safe
// for concurrent use.
type Client struct {
	http     *resty.Client
	username string
}

type options struct {
	timeout time.Duration
}

// Option adjusts optional Client parameters.
type Option func(*options)

// WithTimeout bounds each API call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// New builds a client for the API at endpoint, authenticating every
// call with the username/token pair.
func New(endpoint, username, token string, opts ...Option) *Client {
	o := options{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	http := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(o.timeout).
		SetBasicAuth(username, token).
		SetHeader("User-Agent", "netmark-client")
	return &Client{http: http, username: username}
}

// Username returns the user the client authenticates as.
func (c *Client) Username() string { return c.username }

// Health fetches the platform health report. ok is false when the
// platform reports itself unable to take work; the report lines are
// returned either way.
func (c *Client) Health(ctx context.Context) (report string, ok bool, err error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/health")
	if err != nil {
		return "", false, fmt.Errorf("health: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return resp.String(), true, nil
	case http.StatusServiceUnavailable:
		return resp.String(), false, nil
	default:
		return "", false, responseError(resp)
	}
}

// Nodes fetches the caller's node inventory. A non-empty pattern
// narrows it to nodes whose name matches the glob.
func (c *Client) Nodes(ctx context.Context, pattern string) (core.NodePool, error) {
	req := c.http.R().
		SetContext(ctx).
		SetPathParam("user", c.username)
	if pattern != "" {
		req.SetQueryParam("name", pattern)
	}
	resp, err := req.Get("/api/v1/nodes/{user}")
	if err != nil {
		return nil, fmt.Errorf("nodes: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	pool, err := core.UnmarshalNodePool(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("nodes: %w", err)
	}
	return pool, nil
}

// Experiments lists the caller's experiments keyed by name.
func (c *Client) Experiments(ctx context.Context) (map[string]*core.ExperimentExecutionInformation, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/api/v1/experiment")
	if err != nil {
		return nil, fmt.Errorf("experiments: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	var infos map[string]*core.ExperimentExecutionInformation
	if err := json.Unmarshal(resp.Body(), &infos); err != nil {
		return nil, fmt.Errorf("experiments: %w", err)
	}
	return infos, nil
}

// ExperimentInfo fetches one experiment's status, definition and,
// once finished, its per-node results.
func (c *Client) ExperimentInfo(ctx context.Context, name string) (*core.ExperimentExecutionInformation, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		Get("/api/v1/experiment/{name}")
	if err != nil {
		return nil, fmt.Errorf("experiment %s: %w", name, err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	var info core.ExperimentExecutionInformation
	if err := json.Unmarshal(resp.Body(), &info); err != nil {
		return nil, fmt.Errorf("experiment %s: %w", name, err)
	}
	return &info, nil
}

// PrepareExperiment submits the experiment under name and returns the
// experiment ID. Preparing the same definition under the same name
// again returns the original ID.
func (c *Client) PrepareExperiment(ctx context.Context, name string, experiment *core.Experiment) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetBody(experiment).
		Post("/api/v1/experiment/{name}/prepare")
	if err != nil {
		return "", fmt.Errorf("prepare %s: %w", name, err)
	}
	if resp.IsError() {
		return "", responseError(resp)
	}
	return strings.TrimSpace(resp.String()), nil
}

// StartExecution moves a READY experiment to RUNNING and returns the
// experiment ID.
func (c *Client) StartExecution(ctx context.Context, name string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		Post("/api/v1/experiment/{name}/start")
	if err != nil {
		return "", fmt.Errorf("start %s: %w", name, err)
	}
	if resp.IsError() {
		return "", responseError(resp)
	}
	return strings.TrimSpace(resp.String()), nil
}

// CancelExperiment stops every unfinished executor of the experiment.
func (c *Client) CancelExperiment(ctx context.Context, name string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("name", name).
		Delete("/api/v1/experiment/{name}")
	if err != nil {
		return fmt.Errorf("cancel %s: %w", name, err)
	}
	if resp.IsError() {
		return responseError(resp)
	}
	return nil
}

// CancelExecutors stops the listed executors. IDs the caller does not
// own are silently dropped by the server.
func (c *Client) CancelExecutors(ctx context.Context, executorIDs []string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(executorIDs).
		Delete("/api/v1/executors")
	if err != nil {
		return fmt.Errorf("cancel executors: %w", err)
	}
	if resp.IsError() {
		return responseError(resp)
	}
	return nil
}

// responseError turns an error response into an APIError, pulling the
// message out of the JSON envelope when there is one.
func responseError(resp *resty.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	message := strings.TrimSpace(resp.String())
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		message = body.Message
	}
	return &APIError{Status: resp.StatusCode(), Message: message}
}
