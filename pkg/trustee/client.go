package trustee

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// ReceiveTimeout bounds how long a client waits for a reply before it
// declares the trustee unreachable.
const ReceiveTimeout = 2 * time.Second

// Client talks to a trustee server over a dedicated socket connection.
// A send or receive error closes the connection, reconnects lazily and
// surfaces a transient failure so the caller can retry after an inspect.
type Client struct {
	socketPath string
	timeout    time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewClient creates a client for the trustee socket at socketPath. The
// connection is established on first use.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: ReceiveTimeout}
}

// Store inserts secrets; it fails if any key is already present.
func (c *Client) Store(secrets map[string]any) Response {
	return c.request(Request{Action: ActionStore, Secrets: secrets})
}

// Delete removes keys; unknown keys are ignored.
func (c *Client) Delete(keys []string) Response {
	return c.request(Request{Action: ActionDelete, Keys: keys})
}

// Collect fetches all requested keys or fails permanently.
func (c *Client) Collect(keys []string) Response {
	return c.request(Request{Action: ActionCollect, Keys: keys})
}

// Inspect probes trustee liveness.
func (c *Client) Inspect() Response {
	return c.request(Request{Action: ActionInspect})
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *Client) request(req Request) Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
		if err != nil {
			return transientFailure(fmt.Errorf("connect trustee: %w", err))
		}
		c.conn = conn
	}

	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.reset()
		return transientFailure(fmt.Errorf("set trustee deadline: %w", err))
	}

	if err := json.NewEncoder(c.conn).Encode(&req); err != nil {
		c.reset()
		return transientFailure(fmt.Errorf("send trustee request: %w", err))
	}

	var resp Response
	if err := json.NewDecoder(c.conn).Decode(&resp); err != nil {
		c.reset()
		return transientFailure(fmt.Errorf("receive trustee reply: %w", err))
	}
	return resp
}

// reset drops the broken connection; the next request reconnects.
func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// transientFailure is the reply surfaced on IO errors: retryable after an
// inspect confirms the trustee is back.
func transientFailure(err error) Response {
	return Response{
		State:        StateFailed,
		DebugInfo:    err.Error(),
		DisableRetry: false,
		Inspect:      true,
	}
}
