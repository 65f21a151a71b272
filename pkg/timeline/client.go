package timeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carewire/handoff/model"
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 15 * time.Second

	// maxFrameBytes bounds one SSE line; step logs can run long.
	maxFrameBytes = 1 << 20
)

// Session is the case-scoped token returned at submission. When the server
// enforces sessions the client must present it to subscribe.
type Session struct {
	CaseID string `json:"case_id"`
	Token  string `json:"token"`
}

// Client consumes one case's stream and folds it through the reducer.
type Client struct {
	baseURL string
	caseID  string
	http    *http.Client
	session *Session

	onUpdate       func(State)
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// ClientOption configures optional client behavior.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used to subscribe. The default carries
// no timeout because the stream stays open for the life of the case.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithSession attaches the case session token to every subscribe request.
func WithSession(s Session) ClientOption {
	return func(c *Client) { c.session = &s }
}

// WithBackoff overrides the reconnect backoff bounds.
func WithBackoff(initial, max time.Duration) ClientOption {
	return func(c *Client) {
		if initial > 0 {
			c.initialBackoff = initial
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithUpdateFunc registers a callback invoked with the new state after every
// applied message. It runs on the consuming goroutine and must not block.
func WithUpdateFunc(fn func(State)) ClientOption {
	return func(c *Client) { c.onUpdate = fn }
}

// NewClient builds a stream client for one case.
func NewClient(baseURL, caseID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		caseID:         caseID,
		http:           &http.Client{},
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run subscribes and consumes the case's stream until the case reaches a
// terminal status, the server rejects the subscription outright, or ctx is
// done. A dropped connection resubscribes with capped exponential backoff;
// the fresh replay de-duplicates through the reducer, so the returned state
// matches an uninterrupted stream.
func (c *Client) Run(ctx context.Context) (State, error) {
	state := NewState(c.caseID)
	delay := c.initialBackoff
	for {
		progressed, err := c.consume(ctx, &state)
		if state.Terminal() {
			return state, nil
		}
		if ctx.Err() != nil {
			return state, ctx.Err()
		}
		if err != nil && permanent(err) {
			return state, err
		}
		if progressed {
			delay = c.initialBackoff
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

// consume opens one stream connection and applies its messages until the
// case terminates or the connection drops. It reports whether any message
// was applied so Run can reset the backoff.
func (c *Client) consume(ctx context.Context, state *State) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.session != nil && c.session.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.session.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return false, subscribeError(resp)
	}

	progressed := false
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	var event string
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event != "" {
				msg, known, err := decodeMessage(event, data)
				if err != nil {
					return progressed, err
				}
				if known {
					*state = Reduce(*state, msg)
					progressed = true
					if c.onUpdate != nil {
						c.onUpdate(*state)
					}
					if state.Terminal() {
						return progressed, nil
					}
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if data == nil {
				data = []byte(chunk)
			} else {
				data = append(append(data, '\n'), chunk...)
			}
		}
		// id fields and heartbeat comments are skipped; seq rides in the
		// event payload.
	}
	if err := sc.Err(); err != nil {
		return progressed, err
	}
	return progressed, nil
}

func (c *Client) streamURL() string {
	return fmt.Sprintf("%s/api/cases/%s/stream", c.baseURL, c.caseID)
}

// decodeMessage parses one frame into a Message. Unknown event types are
// skipped rather than failing the stream.
func decodeMessage(event string, data []byte) (Message, bool, error) {
	switch event {
	case model.MessageConnected, model.MessageComplete, model.MessageError:
		var p struct {
			CaseID string `json:"case_id"`
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return Message{}, false, fmt.Errorf("decoding %s frame: %w", event, err)
		}
		return Message{Type: event, CaseID: p.CaseID, Status: p.Status, Error: p.Error}, true, nil
	case model.MessageTimelineUpdate, model.MessageAgentLog, model.MessageConversationLog:
		var ev model.TimelineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return Message{}, false, fmt.Errorf("decoding %s frame: %w", event, err)
		}
		return Message{Type: event, CaseID: ev.CaseID, Event: &ev}, true, nil
	default:
		return Message{}, false, nil
	}
}

func subscribeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wrapper struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil {
		return wrapper.Error
	}
	return fmt.Errorf("subscribe: unexpected status %s", resp.Status)
}

// permanent reports whether a subscribe error cannot be fixed by retrying,
// such as an unknown case or a rejected session token.
func permanent(err error) bool {
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		return false
	}
	switch env.Code {
	case model.ErrBadRequest, model.ErrUnauthorized, model.ErrForbidden,
		model.ErrNotFound, model.ErrValidationError:
		return true
	}
	return false
}
