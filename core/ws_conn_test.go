package core

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFailureTearsDownConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	m := NewConnManager(ctx, &wg, logger)
	disconnected := make(chan string, 1)
	m.OnDisconnect(func(id string) { disconnected <- id })

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Connect(w, r)
	}))
	defer server.Close()

	client, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	var conn *Conn
	require.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, c := range m.conns {
			conn = c
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "connection never registered")

	// Kill the transport underneath the server side so the next write
	// fails, then force a write.
	conn.conn.UnderlyingConn().Close()
	m.SendToConns(&Event{Type: "tick"}, conn.id)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not torn down after the write failure")
	}

	m.mu.RLock()
	assert.NotContains(t, m.conns, conn.id)
	m.mu.RUnlock()
}
