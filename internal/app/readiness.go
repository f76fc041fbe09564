package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/announcement-pipeline/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerPinger is the minimal interface a QueueBroker readiness check needs.
type BrokerPinger interface {
	Len(ctx context.Context, queue string) (int64, error)
}

// BuildReadinessChecks returns the Store and QueueBroker readiness checks
// BroadcastFrontend's /readyz exposes.
func BuildReadinessChecks(pool Pinger, broker BrokerPinger) (
	storeCheck func(ctx context.Context) error,
	brokerCheck func(ctx context.Context) error,
) {
	storeCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("store not configured")
		}
		return pool.Ping(ctx)
	}
	brokerCheck = func(ctx context.Context) error {
		if broker == nil {
			return fmt.Errorf("broker not configured")
		}
		_, err := broker.Len(ctx, domain.QueueAIProcessing)
		return err
	}
	return storeCheck, brokerCheck
}
