// Package forward delivers routed text events to target services over HTTP.
//
// Each target receives POST {base_url}/listen with a JSON event body. Targets
// are expected to answer quickly; slow or dead targets are contained by tight
// timeouts, a single retry, and a per-target circuit breaker so the ASR loop
// never stalls behind a consumer.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/echonet/internal/resilience"
	"github.com/MrWong99/echonet/internal/store"
)

// Event is the payload delivered to a target's /listen endpoint.
type Event struct {
	EventID    string  `json:"event_id"`
	SourceID   string  `json:"source_id"`
	Room       string  `json:"room,omitempty"`
	TS         int64   `json:"ts"` // unix milliseconds
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	SessionID  string  `json:"session_id,omitempty"`
	Target     string  `json:"target"`
	Reason     string  `json:"reason,omitempty"`
}

// SendError wraps a delivery failure with a coarse classification used in
// route-decision reasons and metrics labels.
type SendError struct {
	Kind string // circuit_open, timeout, connect, status_4xx, status_5xx, encode
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("forward: %s: %v", e.Kind, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// Kind extracts the classification from err, or "unknown".
func Kind(err error) string {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return "unknown"
}

// Sender delivers events to targets. Satisfied by [Client]; the router
// depends on this interface so tests can observe deliveries.
type Sender interface {
	Send(ctx context.Context, target store.Target, ev Event) error
}

// Client is the production [Sender]. All exported methods are safe for
// concurrent use.
type Client struct {
	http *http.Client

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
}

// NewClient builds a Client with the delivery timeouts: 5 s to establish a
// connection, 10 s for the whole request.
func NewClient() *Client {
	return &Client{
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
			},
		},
		breakers: make(map[string]*resilience.Breaker),
	}
}

// Send posts ev to target's /listen endpoint. Transient network errors and
// 5xx responses get exactly one retry; 4xx responses do not. A target whose
// breaker is open fails immediately with kind "circuit_open".
func (c *Client) Send(ctx context.Context, target store.Target, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return &SendError{Kind: "encode", Err: err}
	}
	url := strings.TrimRight(target.BaseURL, "/") + "/listen"

	var sendErr error
	err = c.breaker(target.Name).Do(func() error {
		sendErr = c.post(ctx, url, body)
		if sendErr != nil && retryable(sendErr) {
			slog.Debug("retrying event delivery",
				"target", target.Name, "event_id", ev.EventID, "error", sendErr)
			sendErr = c.post(ctx, url, body)
		}
		return sendErr
	})
	if errors.Is(err, resilience.ErrOpen) {
		return &SendError{Kind: "circuit_open", Err: err}
	}
	return err
}

// BreakerState reports the breaker state for a target, for the handshake and
// health surfaces.
func (c *Client) BreakerState(target string) resilience.State {
	return c.breaker(target).State()
}

// DropBreaker forgets the breaker for a deleted target.
func (c *Client) DropBreaker(target string) {
	c.mu.Lock()
	delete(c.breakers, target)
	c.mu.Unlock()
}

func (c *Client) breaker(name string) *resilience.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[name]
	if !ok {
		b = resilience.NewBreaker(resilience.Options{Name: name})
		c.breakers[name] = b
	}
	return b
}

func (c *Client) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &SendError{Kind: "connect", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		kind := "connect"
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			kind = "timeout"
		}
		return &SendError{Kind: kind, Err: err}
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return &SendError{Kind: "status_5xx", Err: fmt.Errorf("forward: %s returned %s", url, resp.Status)}
	default:
		return &SendError{Kind: "status_4xx", Err: fmt.Errorf("forward: %s returned %s", url, resp.Status)}
	}
}

// retryable reports whether a failed attempt should be tried once more.
// Client errors mean the payload itself was rejected; retrying cannot help.
func retryable(err error) bool {
	switch Kind(err) {
	case "connect", "timeout", "status_5xx":
		return true
	}
	return false
}
