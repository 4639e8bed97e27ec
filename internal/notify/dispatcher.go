package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"

	"github.com/pitabwire/covenant/internal/observability"
	"github.com/pitabwire/covenant/model"
)

// Sender delivers a single notification over some transport.
type Sender interface {
	Send(ctx context.Context, n model.Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n model.Notification) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, n model.Notification) error { return f(ctx, n) }

// Dispatcher consumes notification messages and hands them to a Sender.
type Dispatcher struct {
	sub    message.Subscriber
	topic  string
	sender Sender
	logger *zap.Logger

	messages <-chan *message.Message
}

// NewDispatcher creates a Dispatcher. An empty topic selects Topic.
func NewDispatcher(sub message.Subscriber, topic string, sender Sender, logger *zap.Logger) *Dispatcher {
	if topic == "" {
		topic = Topic
	}
	return &Dispatcher{sub: sub, topic: topic, sender: sender, logger: logger}
}

// Subscribe opens the subscription that Run consumes. Call it before any
// engine can publish: the in-process bus drops messages that have no
// subscriber. The subscription ends with ctx.
func (d *Dispatcher) Subscribe(ctx context.Context) error {
	if d.messages != nil {
		return nil
	}
	messages, err := d.sub.Subscribe(ctx, d.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", d.topic, err)
	}
	d.messages = messages
	return nil
}

// Run consumes messages until ctx is cancelled or the subscription closes,
// subscribing first if Subscribe was not called. Malformed messages are
// acked and dropped; send failures are nacked for redelivery. Once Run
// returns the dispatcher may be subscribed and run again.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Subscribe(ctx); err != nil {
		return err
	}
	defer func() { d.messages = nil }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-d.messages:
			if !ok {
				return nil
			}
			d.handle(ctx, msg)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, msg *message.Message) {
	var n model.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		d.logger.Error("dropping malformed notification",
			zap.String("message_uuid", msg.UUID),
			zap.Error(err),
		)
		msg.Ack()
		return
	}

	if err := d.sender.Send(ctx, n); err != nil {
		d.logger.Warn("notification delivery failed",
			zap.String("notification_id", n.ID),
			zap.String("kind", n.Kind),
			zap.Error(err),
		)
		msg.Nack()
		return
	}
	msg.Ack()
}

// LogSender writes notifications to the log. Raw signing tokens are never
// logged.
type LogSender struct {
	Logger *zap.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, n model.Notification) error {
	s.Logger.Info("notification",
		zap.String("notification_id", n.ID),
		zap.String("kind", n.Kind),
		zap.String("recipient", n.Recipient),
		zap.String("role", n.Role),
		zap.String("subject", n.Subject),
		zap.String("contract_id", n.ContractID),
		zap.String("session_id", n.SessionID),
		zap.Bool("has_token", n.Token != ""),
		zap.Any("data", observability.RedactDetails(n.Data)),
	)
	return nil
}
