// Package mcp executes replayed tool calls against backend MCP servers
// over the Streamable HTTP transport.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const (
	// protocolVersion is the MCP protocol version sent in the handshake.
	protocolVersion = "2024-11-05"

	clientName = "control-plane-replay"

	initializeTimeout = 30 * time.Second
	callTimeout       = 60 * time.Second

	// maxResponseBodySize bounds backend response bodies.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB
)

// PayloadError reports a stored request payload that is not a well-formed
// JSON-RPC call. The approval is recorded as failed without touching the
// backend.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string {
	return "invalid request payload: " + e.Reason
}

// ReplayClient replays stored JSON-RPC requests against backend MCP servers.
// Each replay is a fresh initialize handshake followed by the stored payload;
// the backend session (if any) lives only for the pair.
type ReplayClient struct {
	httpClient *http.Client
	version    string
	logger     *slog.Logger
}

// NewReplayClient creates a ReplayClient.
func NewReplayClient(version string, logger *slog.Logger) *ReplayClient {
	return &ReplayClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		version: version,
		logger:  logger,
	}
}

// Execute validates the stored payload, performs the initialize handshake
// with the backend, posts the payload, and returns the backend's response
// body. Any stored JSON-RPC call is accepted, not only tools/call; the
// authority stores whatever the caller originally sent.
func (c *ReplayClient) Execute(ctx context.Context, backendURL string, payload []byte) (string, error) {
	if err := validateCallPayload(payload); err != nil {
		return "", err
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	sessionID, err := c.initialize(initCtx, backendURL)
	if err != nil {
		return "", fmt.Errorf("initialize handshake: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	respBody, err := c.post(callCtx, backendURL, sessionID, payload)
	if err != nil {
		return "", err
	}
	return string(respBody), nil
}

// validateCallPayload checks that the payload decodes as a JSON-RPC call.
// Responses and notifications have nothing to replay.
func validateCallPayload(payload []byte) error {
	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return &PayloadError{Reason: err.Error()}
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		return &PayloadError{Reason: "payload is a response, not a request"}
	}
	if !req.IsCall() {
		return &PayloadError{Reason: "payload is a notification, not a call"}
	}
	return nil
}

// initialize sends the MCP initialize request and returns the backend's
// session id, when the backend issues one.
func (c *ReplayClient) initialize(ctx context.Context, backendURL string) (string, error) {
	init := map[string]any{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    clientName,
				"version": c.version,
			},
		},
	}
	raw, err := json.Marshal(init)
	if err != nil {
		return "", fmt.Errorf("encode initialize: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backendURL, bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("create initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return "", fmt.Errorf("read initialize response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("backend status %d: %s", resp.StatusCode, string(body))
	}

	return resp.Header.Get("Mcp-Session-Id"), nil
}

// post sends the stored payload and returns the backend's response body.
func (c *ReplayClient) post(ctx context.Context, backendURL, sessionID string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, backendURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create replay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read replay response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("backend status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
