package workflow

import (
	"context"
	"os"
	"sync"

	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/sirupsen/logrus"
)

// ChangeHandler reacts to one change notification. Handlers run on the
// publisher's goroutine, in subscription order.
type ChangeHandler func(ctx context.Context, ev models.ChangeEvent)

// Publisher forwards change notifications outside the process.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
}

// ChangeBus fans change notifications out to in-process subscribers and,
// when configured, to an external Publisher.
type ChangeBus struct {
	Logger    *logrus.Logger
	Publisher Publisher

	mu   sync.RWMutex
	subs []ChangeHandler
}

func NewChangeBus(logger *logrus.Logger, publisher Publisher) *ChangeBus {
	return &ChangeBus{Logger: logger, Publisher: publisher}
}

func (b *ChangeBus) Subscribe(h ChangeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, h)
}

// Publish delivers ev to every subscriber. External publication is best-effort:
// a failure is logged, never returned.
func (b *ChangeBus) Publish(ctx context.Context, ev models.ChangeEvent) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := append([]ChangeHandler(nil), b.subs...)
	b.mu.RUnlock()

	for _, h := range subs {
		h(ctx, ev)
	}
	if b.Publisher == nil {
		return
	}
	if err := b.Publisher.Publish(ctx, ev); err != nil {
		config.LogError(b.Logger, "workflow", "ChangeBus.Publish", "external publish failed", map[string]interface{}{
			"kind":         ev.Kind,
			"tenant_id":    ev.TenantId,
			"location_id":  ev.LocationId,
			"menu_item_id": ev.MenuItemId,
		}, err)
	}
}

// PubSubPublisher publishes change notifications to a Cloud Pub/Sub topic.
type PubSubPublisher struct {
	Topic string
}

// NewPubSubPublisher returns nil when Pub/Sub is not configured, which
// leaves the bus in-process only. The topic is created if missing; a failure
// is logged and publishing is still attempted.
func NewPubSubPublisher(ctx context.Context, logger *logrus.Logger) Publisher {
	topic := os.Getenv("COST_CHANGES_TOPIC")
	if topic == "" || !config.PubSubEnabled() {
		return nil
	}
	if err := config.EnsureTopic(ctx, topic); err != nil {
		config.LogError(logger, "workflow", "NewPubSubPublisher", "ensure topic", map[string]interface{}{"topic": topic}, err)
	}
	return &PubSubPublisher{Topic: topic}
}

func (p *PubSubPublisher) Publish(ctx context.Context, ev models.ChangeEvent) error {
	_, err := config.PublishJSON(ctx, p.Topic, ev, map[string]string{
		"kind":        string(ev.Kind),
		"tenant_id":   ev.TenantId,
		"location_id": ev.LocationId,
	})
	return err
}
