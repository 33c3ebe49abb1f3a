// Package router maps route names to handlers and dispatches payloads to
// them, reporting every outcome as exactly one Notification.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ledgerd/ledgerd/internal/ledger"
)

// Errors
var (
	ErrAlreadyRegistered = errors.New("route already registered")
	ErrInvalidRoute      = errors.New("invalid route")
	ErrRouteNotFound     = errors.New("route not found")
)

// Kind tells the dispatcher whether a route needs a transaction.
type Kind int

const (
	Query Kind = iota + 1
	Transaction
)

func (k Kind) String() string {
	switch k {
	case Query:
		return "query"
	case Transaction:
		return "transaction"
	default:
		return "invalid"
	}
}

// QueryFunc reads the table and returns the notification message. A
// returned error is notified instead of the message.
type QueryFunc func(ctx context.Context, table *ledger.Table, payload string) (string, error)

// TransactionFunc writes through tx and returns the notification message.
// Returning an error or calling tx.Cancel discards every write.
type TransactionFunc func(ctx context.Context, tx *ledger.Txn, payload string) (string, error)

// Route is a named handler. Exactly one of Query and Transaction is set;
// which one decides the route's Kind.
type Route struct {
	Name        string
	Description string
	Query       QueryFunc
	Transaction TransactionFunc
}

// Kind returns the route's tag, or 0 when the route is malformed.
func (r Route) Kind() Kind {
	switch {
	case r.Query != nil && r.Transaction == nil:
		return Query
	case r.Transaction != nil && r.Query == nil:
		return Transaction
	default:
		return 0
	}
}

func (r Route) check() error {
	if r.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidRoute)
	}
	if r.Kind() == 0 {
		return fmt.Errorf("%w: route %s must have exactly one of Query or Transaction set", ErrInvalidRoute, r.Name)
	}
	return nil
}

// Builder collects routes during startup.
type Builder struct {
	routes map[string]Route
}

func NewBuilder() *Builder {
	return &Builder{routes: make(map[string]Route)}
}

// Register adds a route. Names are unique.
func (b *Builder) Register(r Route) error {
	if err := r.check(); err != nil {
		return err
	}
	if _, ok := b.routes[r.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, r.Name)
	}
	b.routes[r.Name] = r
	return nil
}

// Build freezes the collected routes. Later Register calls do not affect
// the returned Registry.
func (b *Builder) Build() *Registry {
	routes := make(map[string]Route, len(b.routes))
	for name, r := range b.routes {
		routes[name] = r
	}
	return &Registry{routes: routes}
}

// Registry is an immutable set of routes.
type Registry struct {
	routes map[string]Route
}

func (reg *Registry) Lookup(name string) (Route, bool) {
	r, ok := reg.routes[name]
	return r, ok
}

// Routes returns every route sorted by name.
func (reg *Registry) Routes() []Route {
	out := make([]Route, 0, len(reg.routes))
	for _, r := range reg.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (reg *Registry) Len() int { return len(reg.routes) }
