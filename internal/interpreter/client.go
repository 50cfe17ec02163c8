package interpreter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/netmark-org/netmark/internal/core"
)

// errGraphPending is returned while the gateway has no graph staged
// for the executor yet. The lookup loop retries on it like on any
// transport error.
var errGraphPending = errors.New("no execution graph assigned yet")

const clientTimeout = 30 * time.Second

// gatewayClient wraps the three executor-facing gateway calls.
type gatewayClient struct {
	http *resty.Client
}

func newGatewayClient(endpoint string) *gatewayClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(clientTimeout).
		SetHeader("User-Agent", "netmark-agent")
	return &gatewayClient{http: client}
}

// FetchGraph asks the gateway for the executor's staged graph and
// returns it in its encoded form. 204 means nothing is staged yet.
func (c *gatewayClient) FetchGraph(ctx context.Context, executorID string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("executor_id", executorID).
		Get("/api/v1/executor/graph")
	if err != nil {
		return "", fmt.Errorf("fetch graph: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return strings.TrimSpace(resp.String()), nil
	case http.StatusNoContent:
		return "", errGraphPending
	default:
		return "", fmt.Errorf("fetch graph: gateway answered %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
	}
}

// Heartbeat tells the gateway the executor is alive.
func (c *gatewayClient) Heartbeat(ctx context.Context, executorID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("executor_id", executorID).
		Get("/api/v1/executor/heartbeat/{executor_id}")
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("heartbeat: gateway answered %s", resp.Status())
	}
	return nil
}

type resultUpload struct {
	ExecutorID string             `json:"executor_id"`
	Results    string             `json:"results"`
	State      core.ExecutorState `json:"state"`
}

// PostReport uploads the encoded execution report together with the
// executor state it was produced in.
func (c *gatewayClient) PostReport(ctx context.Context, executorID, encoded string, state core.ExecutorState) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(resultUpload{ExecutorID: executorID, Results: encoded, State: state}).
		Post("/api/v1/executor/result")
	if err != nil {
		return fmt.Errorf("report results: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("report results: gateway answered %s: %s", resp.Status(), strings.TrimSpace(resp.String()))
	}
	return nil
}
