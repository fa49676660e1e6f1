// Package mcpclient is a typed JSON-RPC client for any internal/transport
// adapter, reusing internal/correlation.Map to pair outgoing requests with
// their eventual responses the same way the server pairs server-initiated
// elicitation requests with client replies — generalized here from a
// reverse-RPC waiter registry to an ordinary forward-RPC one, since both
// are "register an id, block until Resolve, give up on timeout."
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/turbomcp-go/turbomcp/internal/correlation"
	"github.com/turbomcp-go/turbomcp/internal/protocol"
	"github.com/turbomcp-go/turbomcp/internal/transport"
)

// Client drives one transport.Transport as an MCP client: Call sends a
// request and blocks for its response, Notify fires a notification with no
// reply expected. A background goroutine (started by Start) reads incoming
// frames and resolves pending calls.
type Client struct {
	tr      transport.Transport
	pending *correlation.Map
	nextID  int64
	timeout time.Duration

	readErrCh chan error
}

// New wraps tr. Call Start before issuing any Call/Notify.
func New(tr transport.Transport, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		tr:        tr,
		pending:   correlation.New(0, nil),
		timeout:   timeout,
		readErrCh: make(chan error, 1),
	}
}

// Start connects the transport and launches the read loop. Call Close to
// stop it.
func (c *Client) Start(ctx context.Context) error {
	if err := c.tr.Connect(ctx); err != nil {
		return fmt.Errorf("mcpclient: connect: %w", err)
	}
	go c.readLoop(ctx)
	return nil
}

// Close disconnects the underlying transport.
func (c *Client) Close(ctx context.Context) error {
	return c.tr.Disconnect(ctx)
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		msg, err := c.tr.Receive(ctx)
		if err != nil {
			c.readErrCh <- err
			return
		}
		if msg == nil {
			c.readErrCh <- nil
			return
		}
		parsed, parseErr := protocol.Parse(msg.Payload)
		if parseErr != nil || parsed == nil || !parsed.IsResponse() {
			continue
		}
		id := parsed.Response.ID.String()
		_ = c.pending.Resolve(id, msg.Payload)
	}
}

// Call sends method with params and blocks for the matching response,
// unmarshalling its result into out (pass nil to discard it).
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	id := strconv.FormatInt(atomic.AddInt64(&c.nextID, 1), 10)

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal params: %w", err)
	}
	req := &protocol.Request{JSONRPC: protocol.Version, Method: method, Params: raw, ID: protocol.NewStringID(id)}
	payload, err := protocol.Serialize(&protocol.Message{Request: req})
	if err != nil {
		return fmt.Errorf("mcpclient: serialize request: %w", err)
	}

	// Register before Send so the read loop can never resolve the id ahead
	// of us waiting on it.
	waitCh, err := c.pending.Register(id)
	if err != nil {
		return fmt.Errorf("mcpclient: register call: %w", err)
	}
	if err := c.tr.Send(ctx, transport.Message{Payload: payload}); err != nil {
		c.pending.Forget(id)
		return fmt.Errorf("mcpclient: send: %w", err)
	}

	respPayload, err := awaitChannel(ctx, waitCh, c.timeout, func() { c.pending.Forget(id) })
	if err != nil {
		return err
	}

	resp, parseErr := protocol.Parse(respPayload)
	if parseErr != nil {
		return fmt.Errorf("mcpclient: parse response: %w", parseErr.Cause)
	}
	if resp.Response.Error != nil {
		return fmt.Errorf("mcpclient: %s", resp.Response.Error.Error())
	}
	if out != nil && len(resp.Response.Result) > 0 {
		if err := json.Unmarshal(resp.Response.Result, out); err != nil {
			return fmt.Errorf("mcpclient: unmarshal result: %w", err)
		}
	}
	return nil
}

// awaitChannel races a correlation.Map waiter channel against timeout and
// ctx cancellation, mirroring the select correlation.Map.Await uses
// internally; kept separate here because Call must register before Send,
// not inside a combined register+wait call.
func awaitChannel(ctx context.Context, ch <-chan []byte, timeout time.Duration, onGiveUp func()) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-ch:
		if !ok {
			return nil, context.Canceled
		}
		return payload, nil
	case <-timer.C:
		onGiveUp()
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		onGiveUp()
		return nil, ctx.Err()
	}
}

// Notify fires method with params and does not wait for a reply.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("mcpclient: marshal params: %w", err)
	}
	n := &protocol.Notification{JSONRPC: protocol.Version, Method: method, Params: raw}
	payload, err := protocol.Serialize(&protocol.Message{Notification: n})
	if err != nil {
		return fmt.Errorf("mcpclient: serialize notification: %w", err)
	}
	return c.tr.Send(ctx, transport.Message{Payload: payload})
}

// Initialize is a convenience wrapper around the initialize handshake.
func (c *Client) Initialize(ctx context.Context) (map[string]any, error) {
	var result map[string]any
	if err := c.Call(ctx, "initialize", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result, c.Notify(ctx, "notifications/initialized", nil)
}

// CallTool invokes a named tool with arguments and returns its raw result.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error) {
	var result map[string]any
	params := map[string]any{"name": name, "arguments": arguments}
	if err := c.Call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}
