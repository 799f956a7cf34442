// Package security implements the process-wide lockdown switch. Tripping it blocks
// every guarded action, wipes local state and asks the host to return to its entry
// point. It cannot be reset within the process.
package security

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

// Reason values recorded with a lockdown.
const (
	ReasonOwnerDeactivated       = "owner-deactivated"
	ReasonSustainedInconsistency = "sustained-inconsistency"
)

// Purger erases persisted state on lockdown.
type Purger interface {
	Purge(ctx context.Context) error
}

// PurgerFunc adapts a function to Purger.
type PurgerFunc func(ctx context.Context) error

// Purge calls f.
func (f PurgerFunc) Purge(ctx context.Context) error {
	return f(ctx)
}

// RedirectHook is called once after the purge with the lockdown reason.
type RedirectHook func(reason string)

// Latch is the lockdown flag of the shared state container.
type Latch interface {
	MarkLockedDown(reason string) bool
	LockedDown() bool
}

// Config wires the gate dependencies.
type Config struct {
	State     Latch
	Publisher events.Publisher
	Purgers   []Purger
	Redirects []RedirectHook
	Logger    *zap.Logger
}

// Gate is the lockdown switch.
type Gate struct {
	state     Latch
	publisher events.Publisher
	logger    *zap.Logger

	mu        sync.Mutex
	purgers   []Purger
	redirects []RedirectHook
}

// NewGate builds a Gate.
func NewGate(cfg Config) (*Gate, error) {
	if cfg.State == nil {
		return nil, errors.New("security: state latch is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		state:     cfg.State,
		publisher: cfg.Publisher,
		logger:    logger,
		purgers:   append([]Purger(nil), cfg.Purgers...),
		redirects: append([]RedirectHook(nil), cfg.Redirects...),
	}, nil
}

// AddPurger registers another store to wipe on lockdown.
func (g *Gate) AddPurger(purger Purger) {
	if purger == nil {
		return
	}
	g.mu.Lock()
	g.purgers = append(g.purgers, purger)
	g.mu.Unlock()
}

// OnRedirect registers a hook run after the purge.
func (g *Gate) OnRedirect(hook RedirectHook) {
	if hook == nil {
		return
	}
	g.mu.Lock()
	g.redirects = append(g.redirects, hook)
	g.mu.Unlock()
}

// Tripped reports whether the gate is closed.
func (g *Gate) Tripped() bool {
	return g.state.LockedDown()
}

// Trip closes the gate. Only the first call purges; later calls return nil.
func (g *Gate) Trip(ctx context.Context, reason string) error {
	if !g.state.MarkLockedDown(reason) {
		return nil
	}
	g.logger.Warn("security lockdown", zap.String("reason", reason))

	g.mu.Lock()
	purgers := append([]Purger(nil), g.purgers...)
	redirects := append([]RedirectHook(nil), g.redirects...)
	g.mu.Unlock()

	var purgeErrs []error
	for _, purger := range purgers {
		if err := purger.Purge(ctx); err != nil {
			g.logger.Error("lockdown purge failed", zap.String("reason", reason), zap.Error(err))
			purgeErrs = append(purgeErrs, err)
		}
	}

	if g.publisher != nil {
		g.publisher.Publish(events.Event{Type: events.TypeLockdown, Reason: reason})
	}
	for _, hook := range redirects {
		hook(reason)
	}
	if len(purgeErrs) > 0 {
		return errors.Join(append([]error{ledger.ErrLockdown}, purgeErrs...)...)
	}
	return nil
}
