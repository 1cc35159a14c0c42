// Package authority is a thin typed client for the policy authority's
// protocol-instance REST API and server-sent-events state stream.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mcpgateway/control-plane/internal/adapter/outbound/identity"
	"github.com/mcpgateway/control-plane/internal/domain/bundle"
	"github.com/mcpgateway/control-plane/internal/domain/governance"
)

// Protocol kinds and their collection paths at the authority.
const (
	KindGatewayStore      = "store/GatewayStore"
	KindServiceGovernance = "governance/ServiceGovernance"
	KindApprovalPolicy    = "governance/ApprovalPolicy"
)

// maxResponseBodySize bounds unary response bodies from the authority.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// StatusError is a non-2xx response from the authority. 4xx other than 401
// is upstream-permanent; 5xx is transient.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("authority status %d: %s", e.StatusCode, e.Body)
}

// Client calls the authority. Every request carries a fresh bearer token from
// the token source; a 401 invalidates the cached token and the request is
// retried once with a fresh one.
type Client struct {
	baseURL      string
	tokens       *identity.TokenSource
	httpClient   *http.Client // unary: bounded connect and read
	streamClient *http.Client // event stream: bounded connect, unbounded read
	logger       *slog.Logger
}

// NewClient creates a Client for the authority at baseURL.
func NewClient(baseURL string, tokens *identity.TokenSource, logger *slog.Logger) *Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		streamClient: &http.Client{
			// No overall timeout: the stream read blocks indefinitely and is
			// torn down by context cancellation.
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		logger: logger,
	}
}

// instanceItem is one element of a protocol-instance listing.
type instanceItem struct {
	ID          string `json:"@id"`
	ServiceName string `json:"serviceName"`
}

// FindSingleton discovers a protocol-instance singleton by listing the
// kind-scoped collection and returning the first item's identifier.
// ok is false when the collection is empty.
func (c *Client) FindSingleton(ctx context.Context, kind string) (id string, ok bool, err error) {
	var listing struct {
		Items []instanceItem `json:"items"`
	}
	if err := c.call(ctx, http.MethodGet, "/npl/"+kind+"/", nil, &listing); err != nil {
		return "", false, err
	}
	if len(listing.Items) == 0 {
		return "", false, nil
	}
	return listing.Items[0].ID, true, nil
}

// FetchBundleData invokes the gateway store's getBundleData action and
// returns the raw catalog document.
func (c *Client) FetchBundleData(ctx context.Context, storeID string) (bundle.SourceData, error) {
	var data bundle.SourceData
	path := fmt.Sprintf("/npl/%s/%s/getBundleData", KindGatewayStore, storeID)
	if err := c.call(ctx, http.MethodPost, path, struct{}{}, &data); err != nil {
		return bundle.SourceData{}, err
	}
	return data, nil
}

// DiscoverGovernanceInstances lists all governance instances and joins them
// by declared service name. Instances without a service name are skipped.
func (c *Client) DiscoverGovernanceInstances(ctx context.Context) (map[string]string, error) {
	var listing struct {
		Items []instanceItem `json:"items"`
	}
	if err := c.call(ctx, http.MethodGet, "/npl/"+KindServiceGovernance+"/", nil, &listing); err != nil {
		return nil, err
	}
	instances := make(map[string]string, len(listing.Items))
	for _, item := range listing.Items {
		if item.ID != "" && item.ServiceName != "" {
			instances[item.ServiceName] = item.ID
		}
	}
	return instances, nil
}

// GetToolConfigs fetches the tool constraint configs of one governance instance.
func (c *Client) GetToolConfigs(ctx context.Context, instanceID string) ([]governance.ToolConfig, error) {
	var configs []governance.ToolConfig
	path := fmt.Sprintf("/npl/%s/%s/getToolConfigs", KindServiceGovernance, instanceID)
	if err := c.call(ctx, http.MethodPost, path, struct{}{}, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// evaluateBody is the authority's evaluate action body. The service name is
// implied by the instance and not part of the wire contract.
type evaluateBody struct {
	ToolName       string         `json:"toolName"`
	CallerIdentity string         `json:"callerIdentity"`
	CallerClaims   map[string]any `json:"callerClaims"`
	Arguments      string         `json:"arguments"`
	SessionID      string         `json:"sessionId"`
	RequestPayload string         `json:"requestPayload"`
}

// Evaluate forwards an evaluation request to the authority for
// approval-workflow adjudication and returns its decision verbatim.
func (c *Client) Evaluate(ctx context.Context, instanceID string, req governance.EvaluationRequest) (governance.Decision, error) {
	body := evaluateBody{
		ToolName:       req.ToolName,
		CallerIdentity: req.CallerIdentity,
		CallerClaims:   req.CallerClaims,
		Arguments:      orDefault(req.Arguments, "{}"),
		SessionID:      req.SessionID,
		RequestPayload: orDefault(req.RequestPayload, "{}"),
	}
	if body.CallerClaims == nil {
		body.CallerClaims = map[string]any{}
	}

	var decision governance.Decision
	path := fmt.Sprintf("/npl/%s/%s/evaluate", KindServiceGovernance, instanceID)
	if err := c.call(ctx, http.MethodPost, path, body, &decision); err != nil {
		return governance.Decision{}, err
	}
	return decision, nil
}

// QueuedForExecution fetches approvals queued for replay from the approval
// policy singleton.
func (c *Client) QueuedForExecution(ctx context.Context, instanceID string) ([]governance.ApprovalRecord, error) {
	var queued []governance.ApprovalRecord
	path := fmt.Sprintf("/npl/%s/%s/getQueuedForExecution", KindApprovalPolicy, instanceID)
	if err := c.call(ctx, http.MethodPost, path, struct{}{}, &queued); err != nil {
		return nil, err
	}
	return queued, nil
}

// RecordExecution records the outcome of one replayed approval.
func (c *Client) RecordExecution(ctx context.Context, instanceID, approvalID, status, result string) error {
	body := struct {
		ApprovalID string `json:"approvalId"`
		ExecStatus string `json:"execStatus"`
		ExecResult string `json:"execResult"`
	}{approvalID, status, result}
	path := fmt.Sprintf("/npl/%s/%s/recordExecution", KindApprovalPolicy, instanceID)
	return c.call(ctx, http.MethodPost, path, body, nil)
}

// call performs one authenticated unary request with the 401-retry-once
// policy. out, when non-nil, receives the decoded JSON response.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	retried := false
	for {
		status, err := c.doOnce(ctx, method, path, body, out)
		if status == http.StatusUnauthorized && !retried {
			retried = true
			c.tokens.Invalidate()
			c.logger.Debug("authority returned 401, retrying with fresh token", "path", path)
			continue
		}
		return err
	}
}

// doOnce performs a single request attempt. The returned status is zero when
// the request never reached the authority.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire token: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("malformed response from %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
