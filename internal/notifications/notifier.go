// Package notifications delivers dispatch outcomes to logs, an on-disk
// journal, webhooks, or in-memory recorders.
package notifications

import (
	"context"
	"errors"
	"sync"

	"github.com/ledgerd/ledgerd/internal/router"
	"github.com/sirupsen/logrus"
)

// LogNotifier writes every notification to a logrus logger.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n router.Notification) error {
	entry := l.logger.WithFields(logrus.Fields{
		"id":      n.ID,
		"route":   n.Route,
		"kind":    n.Kind,
		"outcome": n.Outcome,
		"message": n.Message,
	})
	if n.Failed {
		entry.WithField("error_kind", n.ErrorKind).Warn("Route failed")
		return nil
	}
	entry.Info("Route completed")
	return nil
}

// Recorder keeps notifications in memory in delivery order.
type Recorder struct {
	mu    sync.Mutex
	items []router.Notification
}

func (r *Recorder) Notify(_ context.Context, n router.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	return nil
}

// All returns a copy of everything recorded so far.
func (r *Recorder) All() []router.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]router.Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Last returns the most recent notification.
func (r *Recorder) Last() (router.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return router.Notification{}, false
	}
	return r.items[len(r.items)-1], true
}

// Fanout delivers to every notifier, even when some fail.
type Fanout []router.Notifier

func (f Fanout) Notify(ctx context.Context, n router.Notification) error {
	var errs []error
	for _, target := range f {
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ router.Notifier = (*LogNotifier)(nil)
	_ router.Notifier = (*Recorder)(nil)
	_ router.Notifier = Fanout(nil)
	_ router.Notifier = (*Journal)(nil)
	_ router.Notifier = (*Webhook)(nil)
)
