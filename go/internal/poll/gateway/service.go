// Package gateway exposes poll sessions to browsers: a websocket per client that
// pushes the role's view on every change, and a connect service for the actions.
package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/chat"
	"github.com/mcdev12/pollsync/go/internal/poll/engine"
	"github.com/mcdev12/pollsync/go/internal/poll/history"
	"github.com/rs/zerolog/log"
)

// Service is the gateway: websocket push plus the poll RPCs
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	pollService       *PollService
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	// Engine is the template for every session. Role and SessionID come from the client.
	Engine engine.Config
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a new gateway service. Websocket sessions subscribe to feed,
// and so does each connection's chat push; RPC sessions are stateless and read the
// store on every call.
func NewService(config Config, store poll.Store, feed poll.Feed, historyApp *history.App, chatApp *chat.App, opts ...engine.Option) *Service {
	live := sessionFactory(config.Engine, store, feed, opts)
	stateless := sessionFactory(config.Engine, store, nil, opts)

	connectionManager := NewConnectionManager(config.ConnectionConfig, live, feed, chatApp)

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		pollService:       NewPollService(stateless, historyApp, chatApp),
	}
}

func sessionFactory(tmpl engine.Config, store poll.Store, feed poll.Feed, opts []engine.Option) SessionFactory {
	return func(role models.ParticipantRole, sessionID string) (*engine.Session, error) {
		cfg := tmpl
		cfg.Role = role
		cfg.SessionID = sessionID
		return engine.New(cfg, store, feed, opts...)
	}
}

// RegisterRoutes registers the websocket and RPC routes
func (s *Service) RegisterRoutes(r chi.Router) {
	path, handler := s.pollService.Handler()
	r.Handle(path+"*", handler)
	r.Get("/ws", s.wsHandler.HandleSessionConnection)
	r.Get("/ws/stats", s.wsHandler.HandleConnectionStats)
	log.Info().Str("rpc_path", path).Msg("gateway routes registered")
}

// Stop closes every live connection
func (s *Service) Stop(ctx context.Context) {
	s.connectionManager.Shutdown(ctx)
	log.Info().Msg("gateway service stopped")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}

// Handler is a convenience for serving the gateway on its own router.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	s.RegisterRoutes(r)
	return r
}
