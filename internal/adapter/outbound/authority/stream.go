package authority

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// statesPath is the authority's server-sent-events state stream.
const statesPath = "/api/streams/states"

// streamScannerBufSize caps a single event-stream line.
const streamScannerBufSize = 1024 * 1024 // 1MB

// StreamEvent is one server-sent event. Type is "state" for protocol
// mutations and "tick" for heartbeats; unknown types are passed through for
// the consumer to ignore.
type StreamEvent struct {
	Type string
	ID   string
	Data string
}

// StateStream is one open event-stream connection. Events within a
// connection arrive in order; after a disconnect the consumer reopens with
// the last observed event id to resume without gaps.
type StateStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// SubscribeStates opens the state stream, sending Last-Event-ID when
// resuming. A successful return means response headers arrived; reads are
// unbounded and torn down by ctx cancellation.
func (c *Client) SubscribeStates(ctx context.Context, lastEventID string) (*StateStream, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open state stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: "state stream rejected"}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), streamScannerBufSize)
	return &StateStream{body: resp.Body, scanner: scanner}, nil
}

// Next blocks until the next complete event or a connection error.
// A frame is field lines (event:, data:, id:, comments) terminated by a
// blank line.
func (s *StateStream) Next() (StreamEvent, error) {
	ev := StreamEvent{}
	var data []string
	sawField := false

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")

		if line == "" {
			if !sawField {
				continue
			}
			if ev.Type == "" {
				ev.Type = "message"
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
			sawField = true
		case "data":
			data = append(data, value)
			sawField = true
		case "id":
			ev.ID = value
			sawField = true
		}
	}

	if err := s.scanner.Err(); err != nil {
		return StreamEvent{}, err
	}
	return StreamEvent{}, io.EOF
}

// Close tears the connection down.
func (s *StateStream) Close() error {
	return s.body.Close()
}
