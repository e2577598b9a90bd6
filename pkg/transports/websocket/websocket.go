// Package websocket implements the controller transport over gorilla/websocket.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/servantops/servant-agent/pkg/transports"
)

const closeWriteWait = 2 * time.Second

// Dialer opens websocket connections to the controller.
type Dialer struct {
	// HandshakeTimeout bounds the opening handshake. Zero means 30s.
	HandshakeTimeout time.Duration
	// InsecureSkipVerify disables certificate verification for wss://.
	InsecureSkipVerify bool
	// Header is sent with the handshake request.
	Header http.Header
}

// Dial connects to url.
func (d *Dialer) Dial(ctx context.Context, url string) (transports.Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: d.InsecureSkipVerify,
		},
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	var header http.Header
	if resp != nil {
		header = resp.Header
	}
	return &Conn{ws: ws, header: header}, nil
}

// Conn is a websocket connection carrying one text message per envelope.
type Conn struct {
	ws     *websocket.Conn
	header http.Header

	mu     sync.Mutex
	closed bool
}

// ReadMessage blocks for the next message. A normal closure by the peer is
// returned as *transports.CloseError.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
			return nil, &transports.CloseError{Code: ce.Code, Text: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

// WriteMessage sends data as a text message.
func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return transports.ErrClosed
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	c.mu.Unlock()

	return c.ws.Close()
}

// RemoteAddr returns the controller address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Header returns the handshake response headers.
func (c *Conn) Header() http.Header {
	return c.header
}
