package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledgerd/ledgerd/internal/ledger"
	"github.com/sirupsen/logrus"
)

// Notification is the single outcome report produced per dispatch.
type Notification struct {
	ID        string    `json:"id"`
	Route     string    `json:"route"`
	Kind      string    `json:"kind,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Failed    bool      `json:"failed"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// Notifier delivers notifications to whoever is listening.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Observer receives one call per dispatch, after the handler finished.
type Observer interface {
	ObserveDispatch(route, kind, outcome, errorKind string, duration time.Duration)
}

// Dispatcher runs routes from a Registry against one table.
type Dispatcher struct {
	registry *Registry
	table    *ledger.Table
	notifier Notifier
	observer Observer
	logger   *logrus.Logger

	// txMu queues transaction dispatches behind the table's single writer.
	txMu sync.Mutex
}

type Option func(*Dispatcher)

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

func WithLogger(l *logrus.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(registry *Registry, table *ledger.Table, notifier Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		table:    table,
		notifier: notifier,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs the route called name with payload and hands exactly one
// Notification to the notifier, whatever happens. Handler failures are
// reported in the notification only; the returned error is non-nil when the
// route does not exist or the notification could not be delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, name, payload string) (Notification, error) {
	start := time.Now()
	n := Notification{ID: uuid.New().String(), Route: name}

	var err error
	route, ok := d.registry.Lookup(name)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrRouteNotFound, name)
		n.Failed = true
		n.ErrorKind = "route_not_found"
		n.Message = fmt.Sprintf("no route named '%s'", name)
	} else {
		n.Kind = route.Kind().String()
		switch route.Kind() {
		case Query:
			d.runQuery(ctx, route, payload, &n)
		case Transaction:
			d.runTransaction(ctx, route, payload, &n)
		}
	}
	n.Time = time.Now().UTC()

	if d.observer != nil {
		d.observer.ObserveDispatch(n.Route, n.Kind, outcomeLabel(n), n.ErrorKind, time.Since(start))
	}

	d.logger.WithFields(logrus.Fields{
		"id":         n.ID,
		"route":      n.Route,
		"kind":       n.Kind,
		"outcome":    n.Outcome,
		"failed":     n.Failed,
		"error_kind": n.ErrorKind,
		"duration":   time.Since(start),
	}).Debug("Route dispatched")

	if nerr := d.notifier.Notify(ctx, n); nerr != nil {
		d.logger.WithError(nerr).WithField("id", n.ID).Error("Failed to deliver notification")
		err = errors.Join(err, fmt.Errorf("failed to deliver notification: %w", nerr))
	}
	return n, err
}

func (d *Dispatcher) runQuery(ctx context.Context, route Route, payload string, n *Notification) {
	msg, err := d.callQuery(ctx, route, payload)
	if err != nil {
		fail(n, err)
		return
	}
	n.Message = msg
}

func (d *Dispatcher) callQuery(ctx context.Context, route Route, payload string) (msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.panicError(route, r)
		}
	}()
	return route.Query(ctx, d.table, payload)
}

func (d *Dispatcher) runTransaction(ctx context.Context, route Route, payload string, n *Notification) {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	var msg string
	state, err := d.table.Update(ctx, func(tx *ledger.Txn) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = d.panicError(route, r)
			}
		}()
		msg, err = route.Transaction(ctx, tx, payload)
		return err
	})
	n.Outcome = state.String()

	switch {
	case err != nil:
		fail(n, err)
	case state == ledger.StateCancelled:
		n.Failed = true
		n.ErrorKind = "cancelled"
		n.Message = msg
	default:
		n.Message = msg
	}
}

func (d *Dispatcher) panicError(route Route, r any) error {
	d.logger.WithFields(logrus.Fields{
		"route": route.Name,
		"panic": r,
	}).Error("Route handler panicked")
	return fmt.Errorf("route '%s' failed: %v", route.Name, r)
}

func fail(n *Notification, err error) {
	n.Failed = true
	n.ErrorKind = ledger.KindName(err)
	n.Message = err.Error()
}

func outcomeLabel(n Notification) string {
	switch {
	case n.Outcome != "":
		return n.Outcome
	case n.Failed:
		return "failed"
	default:
		return "ok"
	}
}
