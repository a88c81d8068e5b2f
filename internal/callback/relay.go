package callback

import (
	"context"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events/bus"
)

// Relay forwards session lifecycle events from the bus to the callback
// client, decoupling run progress from callback delivery.
type Relay struct {
	client *Client
	bus    bus.EventBus
	sub    bus.Subscription
	logger *logger.Logger
}

// NewRelay creates a relay over the given bus and client.
func NewRelay(eventBus bus.EventBus, client *Client, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.Default()
	}
	return &Relay{
		client: client,
		bus:    eventBus,
		logger: log.WithComponent("callback-relay"),
	}
}

// Start subscribes to all session subjects.
func (r *Relay) Start() error {
	sub, err := r.bus.Subscribe("session.>", r.handle)
	if err != nil {
		return err
	}
	r.sub = sub
	r.logger.Info("callback relay started")
	return nil
}

// Stop unsubscribes.
func (r *Relay) Stop() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.logger.Warn("relay unsubscribe failed", zap.Error(err))
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev *bus.Event) error {
	sessionID, _ := ev.Data["session_id"].(string)
	taskID, _ := ev.Data["task_id"].(string)

	data := make(map[string]interface{}, len(ev.Data))
	for k, v := range ev.Data {
		if k == "session_id" || k == "task_id" {
			continue
		}
		data[k] = v
	}

	r.client.Notify(ctx, ev.Type, sessionID, taskID, data)
	return nil
}
