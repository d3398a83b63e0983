package uds

import (
	"fmt"
	"net"
	"time"
)

// Client issues one-shot requests against the daemon control socket. Every
// call dials, exchanges a single frame pair, and closes the connection;
// nothing is pooled or reused.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a client for the socket at socketPath. The default
// timeout of 30 seconds bounds the dial and the whole exchange.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// SetTimeout overrides the exchange deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendCommand frames a request for command with the given params and
// performs the exchange.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Send performs one framed request/response exchange. A dial failure usually
// means no daemon is listening on this state directory's socket.
func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w (no daemon? start one with \"metronome daemon\")",
			c.socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("set socket deadline: %w", err)
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("write request frame: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response frame: %w", err)
	}
	return &resp, nil
}
