package core

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Wrapped keys and ciphertext
	// blobs ride in events, so this is far larger than a chat line.
	maxMessageSize = 256 * 1024
)

// newVirtualAddr generates the cosmetic pseudo-address shown to other room
// members. It is a label, not a security boundary.
func newVirtualAddr() string {
	var b [3]byte
	rand.Read(b[:])
	return fmt.Sprintf("10.%d.%d.%d", b[0], b[1], b[2])
}

type OnConnect func(connID, virtualAddr string)

type OnDisconnect func(connID string)

// ConnManager owns all live websocket connections, keyed by connection id.
// The relay has no transport-level authentication; a connection earns an
// identity only by joining a room.
type ConnManager struct {
	conns   map[string]*Conn
	mu      sync.RWMutex
	connWg  *sync.WaitGroup
	context context.Context
	logger  *slog.Logger

	onConnect    OnConnect
	onDisconnect OnDisconnect

	receivedEvent chan *Event

	upgrader        websocket.Upgrader
	ReadStreamSize  int
	WriteStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func NewConnManager(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		connWg:          wg,
		conns:           make(map[string]*Conn),
		logger:          logger,
		context:         ctx,
		upgrader:        defaultUpgrader,
		ReadStreamSize:  100,
		WriteStreamSize: 100,
		onConnect:       func(string, string) {},
		onDisconnect:    func(string) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvent = make(chan *Event, m.ReadStreamSize)

	return m
}

func (m *ConnManager) Receive() <-chan *Event {
	return m.receivedEvent
}

func (m *ConnManager) OnConnect(f OnConnect) {
	m.onConnect = f
}

func (m *ConnManager) OnDisconnect(f OnDisconnect) {
	m.onDisconnect = f
}

// VirtualAddr returns the pseudo-address assigned to a connection.
func (m *ConnManager) VirtualAddr(connID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	if !ok {
		return "", false
	}
	return conn.virtualAddr, true
}

// Connect upgrades the request and starts the connection pumps. The new
// connection gets a fresh id and virtual address for its lifetime.
func (m *ConnManager) Connect(w http.ResponseWriter, r *http.Request) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	id := uuid.New().String()
	wsConn := &Conn{
		id:          id,
		virtualAddr: newVirtualAddr(),
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *Event, m.WriteStreamSize),
		readStream:  m.receivedEvent,
		ticker:      time.NewTicker(pingPeriod),
		logger:      m.logger.With(slog.String("connection", id)),
		notifyDisconnect: func() {
			m.disconnect(id)
		},
	}

	m.mu.Lock()
	m.conns[id] = wsConn
	m.mu.Unlock()

	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	m.onConnect(id, wsConn.virtualAddr)

	return nil
}

func (m *ConnManager) disconnect(connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if ok {
		conn.close()
		delete(m.conns, connID)
	}
	m.mu.Unlock()
	if ok {
		m.onDisconnect(connID)
	}
}

// Disconnect forcefully closes one connection.
func (m *ConnManager) Disconnect(connID string) {
	m.disconnect(connID)
}

// CloseAll force-disconnects every live connection. Used by the global
// destructive operation.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.disconnect(id)
	}
}

// Send delivers an event to every live connection.
func (m *ConnManager) Send(e *Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.conns {
		m.trySend(conn, e)
	}
}

// SendToConns delivers an event to the listed connections. Connections that
// are gone by delivery time are skipped: relay is best-effort.
func (m *ConnManager) SendToConns(e *Event, connIDs ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range connIDs {
		conn, ok := m.conns[id]
		if !ok {
			continue
		}
		m.trySend(conn, e)
	}
}

// trySend never blocks the coordinator on a slow client; a full write buffer
// drops the event.
func (m *ConnManager) trySend(conn *Conn, e *Event) {
	select {
	case conn.writeStream <- e:
	default:
		m.logger.Warn("write buffer full, dropping event",
			slog.String("connection", conn.id), slog.String("type", e.Type))
	}
}
