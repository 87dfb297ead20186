package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a connection to the daemon socket. Safe for sequential use;
// calls on one client are serialized by its own mutex.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	dec    *json.Decoder
	nextID atomic.Int64

	// onNotify receives server pushes that arrive interleaved with call
	// responses. Nil pushes are dropped silently.
	onNotify func(method string, params json.RawMessage)
}

// NewClient connects to the daemon socket.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &Client{conn: conn, dec: json.NewDecoder(conn)}, nil
}

// OnNotification sets the handler for server pushes. Must be set before
// the calls the pushes may interleave with.
func (c *Client) OnNotification(fn func(method string, params json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotify = fn
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call performs a JSON-RPC call and returns the raw result. Notifications
// read while waiting for the response are dispatched to the notification
// handler.
func (c *Client) Call(method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID.Add(1)
	request := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      id,
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	for {
		var response struct {
			JSONRPC string          `json:"jsonrpc"`
			Method  string          `json:"method,omitempty"`
			Params  json.RawMessage `json:"params,omitempty"`
			Result  json.RawMessage `json:"result,omitempty"`
			Error   *jsonRPCError   `json:"error,omitempty"`
			ID      json.RawMessage `json:"id,omitempty"`
		}
		if err := c.dec.Decode(&response); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		// Server push: no id, method set
		if len(response.ID) == 0 && response.Method != "" {
			if c.onNotify != nil {
				c.onNotify(response.Method, response.Params)
			}
			continue
		}

		if response.Error != nil {
			return nil, &RPCError{
				Code:    response.Error.Code,
				Message: response.Error.Message,
				Kind:    kindString(response.Error.Data),
			}
		}
		return response.Result, nil
	}
}

// CallInto performs a call and unmarshals the result into out.
func (c *Client) CallInto(method string, params, out any) error {
	result, err := c.Call(method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// Listen blocks, dispatching server pushes until the connection closes or
// ctx is canceled. For connections dedicated to notifications; do not mix
// with concurrent Call use.
func (c *Client) Listen(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-done:
		}
	}()

	for {
		var push struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := c.dec.Decode(&push); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read notification: %w", err)
		}
		if push.Method != "" && c.onNotify != nil {
			c.onNotify(push.Method, push.Params)
		}
	}
}

// RPCError is a typed failure returned by the daemon.
type RPCError struct {
	Code    int
	Message string
	Kind    string
}

func (e *RPCError) Error() string {
	return e.Message
}

func kindString(data any) string {
	if s, ok := data.(string); ok {
		return s
	}
	return ""
}

// WaitForSocket polls until the daemon socket accepts connections.
func WaitForSocket(socketPath string, timeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for daemon socket %s", socketPath)
		case <-ticker.C:
			client, err := NewClient(socketPath)
			if err == nil {
				return client, nil
			}
		}
	}
}
