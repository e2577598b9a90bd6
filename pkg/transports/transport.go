// Package transports defines the message-oriented connection the agent
// keeps open to its controller.
package transports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/servantops/servant-agent/pkg/envelope"
)

// ErrClosed is returned when writing to a connection that was closed locally.
var ErrClosed = errors.New("connection closed")

// Conn is one established controller connection. ReadMessage is called
// from a single goroutine; WriteMessage and Close may be called from any.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close sends a normal closure to the peer and releases the connection.
	// It is safe to call more than once.
	Close() error
	RemoteAddr() net.Addr
	// Header returns the headers of the handshake response.
	Header() http.Header
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError is returned by ReadMessage when the peer closed the
// connection cleanly.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed by peer (%d): %s", e.Code, e.Text)
}

// IsClose reports whether err is a clean close by the peer.
func IsClose(err error) bool {
	var ce *CloseError
	return errors.As(err, &ce)
}

// SendEnvelope encodes env and writes it to conn.
func SendEnvelope(conn Conn, env *envelope.Envelope) error {
	if conn == nil {
		return ErrClosed
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", env, err)
	}
	return nil
}

// ClientAddress returns the address of the peer, preferring the X-Real-IP
// header a fronting proxy sets over the socket address.
func ClientAddress(conn Conn) string {
	if conn == nil {
		return ""
	}
	if h := conn.Header(); h != nil {
		if ip := strings.TrimSpace(h.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
