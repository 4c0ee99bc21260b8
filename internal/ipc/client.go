package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ErrNoResponse means the helper closed the connection without replying,
// which is what a rejected token looks like from the client side.
var ErrNoResponse = errors.New("ipc: connection closed without response")

// Client sends one request per connection to the user-session helper.
type Client struct {
	addr        string
	token       string
	dialTimeout time.Duration
}

func NewClient(addr, token string) *Client {
	return &Client{addr: addr, token: token, dialTimeout: 5 * time.Second}
}

// Do sends req and waits for the response. The ctx deadline bounds the
// whole exchange; execute_command callers should allow for the command's
// own timeout.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", c.addr, err)
	}
	conn := NewConn(raw)
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	req.Token = c.token
	if err := conn.WriteFrame(&req); err != nil {
		return nil, err
	}

	var resp Response
	if err := conn.ReadFrame(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoResponse
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ipc: %s: %w", req.Type, ctx.Err())
		}
		return nil, err
	}
	return &resp, nil
}

// Ping checks that a helper is listening and accepts our token.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Do(ctx, PingRequest())
	if err != nil {
		return err
	}
	if resp.Status != StatusPong {
		return fmt.Errorf("ipc: unexpected ping status %q", resp.Status)
	}
	return nil
}
