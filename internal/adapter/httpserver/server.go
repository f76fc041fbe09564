// Package httpserver contains HTTP handlers and middleware for
// BroadcastFrontend, the pipeline's lightweight control-plane HTTP server.
package httpserver

import (
	"context"

	"github.com/fairyhunter13/announcement-pipeline/internal/adapter/broadcast"
	"github.com/fairyhunter13/announcement-pipeline/internal/config"
	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

// Server aggregates BroadcastFrontend's handler dependencies.
type Server struct {
	Cfg         config.Config
	Hub         *broadcast.Hub
	Broker      domain.QueueBroker
	StoreCheck  func(ctx context.Context) error
	BrokerCheck func(ctx context.Context) error
}

// NewServer constructs a BroadcastFrontend Server with all checks wired.
func NewServer(cfg config.Config, hub *broadcast.Hub, broker domain.QueueBroker, storeCheck, brokerCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Hub: hub, Broker: broker, StoreCheck: storeCheck, BrokerCheck: brokerCheck}
}
