// Package notify carries notification requests from the engines to whatever
// delivers them. Engines publish after their transaction commits; delivery
// failures are logged by the caller and never undo a state change.
package notify

import (
	"context"
	"sync"

	"github.com/pitabwire/covenant/model"
)

// Topic is the default watermill topic for notifications.
const Topic = "covenant.notifications"

// Notifier accepts notifications for delivery.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, model.Notification) error { return nil }

// Recorder keeps notifications in memory. It is safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	sent []model.Notification
	// Err, when set, is returned from Notify after the notification is
	// recorded.
	Err error
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.Err
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Kind returns the recorded notifications of the given kind.
func (r *Recorder) Kind(kind string) []model.Notification {
	var out []model.Notification
	for _, n := range r.Sent() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Reset forgets every recorded notification.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
