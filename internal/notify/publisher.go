package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/model"
)

// Message metadata keys.
const (
	MetadataKind       = "kind"
	MetadataContractID = "contract_id"
)

const defaultRetryBase = 100 * time.Millisecond

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Topic      string
	MaxRetries uint64
	RetryBase  time.Duration
	// Metrics, when set, counts publish outcomes per notification kind.
	Metrics Metrics
}

// Metrics records notification publish outcomes.
type Metrics interface {
	RecordNotification(kind, status string)
}

type nopMetrics struct{}

func (nopMetrics) RecordNotification(string, string) {}

// Publisher encodes notifications as JSON watermill messages.
type Publisher struct {
	pub    message.Publisher
	cfg    PublisherConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher creates a Publisher writing to pub.
func NewPublisher(pub message.Publisher, cfg PublisherConfig, logger *zap.Logger) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = Topic
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Publisher{pub: pub, cfg: cfg, logger: logger, now: time.Now}
}

// Notify implements Notifier. Publish errors are retried with exponential
// backoff up to the configured retry count.
func (p *Publisher) Notify(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = watermill.NewULID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = p.now().UTC()
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	backoff := retry.WithMaxRetries(p.cfg.MaxRetries, retry.NewExponential(p.cfg.RetryBase))
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		msg := message.NewMessage(n.ID, payload)
		msg.Metadata.Set(MetadataKind, n.Kind)
		msg.Metadata.Set(MetadataContractID, n.ContractID)
		msg.SetContext(ctx)

		if err := p.pub.Publish(p.cfg.Topic, msg); err != nil {
			p.logger.Warn("notification publish failed",
				zap.String("notification_id", n.ID),
				zap.String("kind", n.Kind),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.cfg.Metrics.RecordNotification(n.Kind, "failed")
		return fmt.Errorf("publish notification %s: %w", n.Kind, err)
	}
	p.cfg.Metrics.RecordNotification(n.Kind, "published")
	return nil
}

// NewGoChannel creates an in-process pub/sub suitable for a single replica.
// The returned value is both the publisher and the subscriber. Messages
// published while nothing is subscribed are dropped. With awaitDelivery set,
// Publish returns only once every subscriber has acked the message, which
// one-shot processes use to finish delivery before they exit.
func NewGoChannel(buffer int64, awaitDelivery bool, logger *zap.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: awaitDelivery,
		},
		NewWatermillLogger(logger),
	)
}
