package hmr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = hub.Close() })

	srvURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	hub.allowedOrigins = []string{srvURL.Host}
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{srv.URL}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubFullReload(t *testing.T) {
	hub, srv := newHubServer(t)
	conn := dialHub(t, srv)

	// The registration races the broadcast; retry until the client is in.
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, 2*time.Second, 5*time.Millisecond)

	hub.FullReload()
	msg := readMessage(t, conn)
	assert.Equal(t, "full-reload", msg.Type)
	assert.Equal(t, "*", msg.Path)
}

func TestHubInvalidate(t *testing.T) {
	hub, srv := newHubServer(t)
	conn := dialHub(t, srv)
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, 2*time.Second, 5*time.Millisecond)

	hub.Invalidate("/src/main.js", 1234)
	msg := readMessage(t, conn)
	assert.Equal(t, "update", msg.Type)
	assert.Equal(t, "/src/main.js", msg.Path)
	assert.Equal(t, int64(1234), msg.Timestamp)
}

func TestHubRejectsDisallowedOrigin(t *testing.T) {
	hub := NewHub([]string{"app.example.com"}, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A missing origin header is rejected too.
	rec = httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub, srv := newHubServer(t)
	conn := dialHub(t, srv)
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	assert.Error(t, err, "closed hub must disconnect the client")
	assert.NoError(t, hub.Close(), "close is idempotent")
}
