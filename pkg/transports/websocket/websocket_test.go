package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/transports"
)

// newController starts a server that echoes one message, then closes
// normally.
func newController(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := http.Header{}
		header.Set("X-Real-IP", "203.0.113.7")
		ws, err := upgrader.Upgrade(w, r, header)
		if err != nil {
			return
		}
		defer ws.Close()

		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.WriteMessage(mt, data)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_, _, _ = ws.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialSendReceiveClose(t *testing.T) {
	srv := newController(t)

	d := &Dialer{HandshakeTimeout: time.Second}
	conn, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "203.0.113.7", transports.ClientAddress(conn))

	env := envelope.New(envelope.AnyModule, "0.0", "Connected", nil, nil)
	require.NoError(t, transports.SendEnvelope(conn, env))

	data, err := conn.ReadMessage()
	require.NoError(t, err)
	echoed, err := envelope.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, echoed)

	_, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, transports.IsClose(err), "got %v", err)
}

func TestWriteAfterClose(t *testing.T) {
	srv := newController(t)

	conn, err := (&Dialer{}).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.WriteMessage([]byte("{}")), transports.ErrClosed)
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := (&Dialer{}).Dial(context.Background(), wsURL(srv))
	assert.Error(t, err)
}
