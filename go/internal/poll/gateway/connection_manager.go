package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/chat"
	"github.com/mcdev12/pollsync/go/internal/poll/engine"
	"github.com/rs/zerolog/log"
)

// Message types pushed to and accepted from clients.
const (
	MessageCoordinatorView = "coordinator_view"
	MessageParticipantView = "participant_view"
	MessageChat            = "chat"
	MessageRefresh         = "refresh"
)

// Envelope is the frame every websocket message travels in.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// errUpgradeFailed marks errors after which the upgrader has already responded.
var errUpgradeFailed = errors.New("failed to upgrade connection")

// SessionFactory builds the engine session a connection drives.
type SessionFactory func(role models.ParticipantRole, sessionID string) (*engine.Session, error)

// ConnectionManager manages live websocket connections, one engine session each
type ConnectionManager struct {
	// Connection pools organized by role
	connections map[models.ParticipantRole]map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	sessions SessionFactory

	// Chat frames are pushed only when both are set.
	feed    poll.Feed
	chatApp *chat.App
}

// Connection represents a websocket connection to a client
type Connection struct {
	ID        string
	SessionID string
	Role      models.ParticipantRole
	Conn      *websocket.Conn
	Send      chan []byte
	Manager   *ConnectionManager
	Session   *engine.Session

	ConnectedAt time.Time

	chatSub poll.Subscription
	done    chan struct{}

	mu       sync.Mutex
	closed   bool
	lastPing time.Time
}

// ConnectionConfig holds configuration for websocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default websocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  64,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new websocket connection manager. With a feed and
// chat app, every connection also receives the recent chat whenever it changes.
func NewConnectionManager(config ConnectionConfig, sessions SessionFactory, feed poll.Feed, chatApp *chat.App) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = DefaultConnectionConfig().SendBufferSize
	}
	return &ConnectionManager{
		connections: make(map[models.ParticipantRole]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:   config,
		sessions: sessions,
		feed:     feed,
		chatApp:  chatApp,
	}
}

// UpgradeConnection builds the client's engine session and upgrades the request to a
// websocket. The session is opened before the first view is pushed.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, role models.ParticipantRole, sessionID string) error {
	session, err := cm.sessions(role, sessionID)
	if err != nil {
		return err
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return fmt.Errorf("%w: %w", errUpgradeFailed, err)
	}

	now := time.Now()
	connection := &Connection{
		ID:          uuid.New().String(),
		SessionID:   session.SessionID(),
		Role:        role,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		Session:     session,
		ConnectedAt: now,
		done:        make(chan struct{}),
		lastPing:    now,
	}

	session.OnChange(func(poll.Snapshot) { connection.pushView() })
	if err := session.Open(r.Context()); err != nil {
		log.Error().
			Err(err).
			Str("session_id", connection.SessionID).
			Msg("failed to open session for websocket connection")
		if err := session.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", connection.SessionID).Msg("failed to close session")
		}
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, now.Add(cm.config.WriteTimeout))
		conn.Close()
		return nil
	}

	if cm.feed != nil && cm.chatApp != nil {
		sub, err := cm.feed.Subscribe(r.Context(), models.ClassChat)
		if err != nil {
			log.Warn().
				Err(err).
				Str("session_id", connection.SessionID).
				Msg("chat updates unavailable for connection")
		} else {
			connection.chatSub = sub
		}
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()
	if connection.chatSub != nil {
		go connection.chatPump()
	}

	log.Info().
		Str("connection_id", connection.ID).
		Str("session_id", connection.SessionID).
		Str("role", string(role)).
		Msg("websocket connection established")

	return nil
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connections[conn.Role] == nil {
		cm.connections[conn.Role] = make(map[*Connection]bool)
	}
	cm.connections[conn.Role][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("role", string(conn.Role)).
		Int("total_connections", len(cm.connections[conn.Role])).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager and closes its session.
// Both pumps call it; only the first call does anything.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.connections[conn.Role]
	if !exists || !connections[conn] {
		cm.mu.Unlock()
		return
	}
	delete(connections, conn)
	if len(connections) == 0 {
		delete(cm.connections, conn.Role)
	}
	cm.mu.Unlock()

	close(conn.done)
	if conn.chatSub != nil {
		if err := conn.chatSub.Close(); err != nil {
			log.Warn().Err(err).Str("connection_id", conn.ID).Msg("failed to release chat subscription")
		}
	}
	if err := conn.Session.Close(); err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID).Msg("failed to close session")
	}

	conn.mu.Lock()
	conn.closed = true
	close(conn.Send)
	conn.mu.Unlock()

	log.Info().
		Str("connection_id", conn.ID).
		Str("session_id", conn.SessionID).
		Str("role", string(conn.Role)).
		Msg("connection unregistered")
}

// Shutdown closes every connection.
func (cm *ConnectionManager) Shutdown(ctx context.Context) {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.connections {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	deadline := time.Now().Add(cm.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for _, conn := range all {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Conn.WriteControl(websocket.CloseMessage, msg, deadline)
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
	log.Info().Int("connections", len(all)).Msg("connection manager shut down")
}

// ConnectionStats summarises active connections.
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ByRole           map[string]int `json:"by_role"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{ByRole: make(map[string]int)}
	for role, connections := range cm.connections {
		stats.TotalConnections += len(connections)
		stats.ByRole[string(role)] = len(connections)
	}
	return stats
}

// pushView queues the current view for the client. A full buffer drops the frame;
// every frame carries the whole view (or the whole recent chat), so the next one
// supersedes it.
func (c *Connection) pushView() {
	var (
		typ  string
		data []byte
		err  error
	)
	if c.Role == models.RoleCoordinator {
		typ = MessageCoordinatorView
		data, err = json.Marshal(c.Session.CoordinatorView())
	} else {
		typ = MessageParticipantView
		data, err = json.Marshal(c.Session.ParticipantView())
	}
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal view")
		return
	}
	c.enqueue(typ, data)
}

// chatPump pushes the recent chat once on connect and again on every chat change.
func (c *Connection) chatPump() {
	c.pushChat()
	for {
		select {
		case <-c.done:
			return
		case <-c.chatSub.C():
			c.pushChat()
		}
	}
}

func (c *Connection) pushChat() {
	ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.WriteTimeout)
	defer cancel()

	msgs, err := c.Manager.chatApp.Recent(ctx, chat.MaxRecent)
	if err != nil {
		log.Warn().Err(err).Str("connection_id", c.ID).Msg("failed to load chat messages")
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal chat messages")
		return
	}
	c.enqueue(MessageChat, data)
}

// enqueue wraps data in an envelope and queues it without blocking.
func (c *Connection) enqueue(typ string, data []byte) {
	frame, err := json.Marshal(Envelope{Type: typ, Data: data})
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal envelope")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- frame:
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("session_id", c.SessionID).
			Str("type", typ).
			Msg("connection send buffer full, dropping frame")
	}
}

// LastPing returns when the client last answered a ping.
func (c *Connection) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// writePump handles sending messages to the websocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the websocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.touch()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes messages received from the client. A refresh asks
// the session for an authoritative re-fetch, which a reconnecting client sends first.
func (c *Connection) handleClientMessage(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("ignoring malformed client message")
		return
	}

	switch env.Type {
	case MessageRefresh:
		c.Session.Wake()
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", env.Type).
			Msg("ignoring unknown client message")
	}
}
