// Package guard serializes user-intent actions. Each action id is idle or in progress;
// an action runs only when the security gate is open, no blocking animation runs (unless
// the action is high priority) and the same action id is idle.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

// DefaultTimeout bounds every action unless overridden.
const DefaultTimeout = 10 * time.Second

// BlockReason explains why an action was refused before it ran.
type BlockReason string

const (
	BlockNone                BlockReason = ""
	BlockSecurityLockdown    BlockReason = "security-lockdown"
	BlockAnimationInProgress BlockReason = "animation-in-progress"
	BlockDuplicateAction     BlockReason = "duplicate-action"
)

// Priority of an action; only high priority actions run during animations.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Result is what Execute returns. Execute never panics and never returns a bare error.
type Result struct {
	Success     bool
	Data        any
	Err         error
	IsBlocked   bool
	BlockReason BlockReason
}

// Action is the unit of work run by the guard.
type Action func(ctx context.Context) (any, error)

// StateView is the subset of the state container the guard reads.
type StateView interface {
	LockedDown() bool
	Animating() bool
}

// Config wires the guard dependencies.
type Config struct {
	State          StateView
	DefaultTimeout time.Duration
	Logger         *zap.Logger
}

// Guard tracks in-progress actions.
type Guard struct {
	state          StateView
	defaultTimeout time.Duration
	logger         *zap.Logger

	mu         sync.Mutex
	inProgress map[string]struct{}
}

// New builds a Guard.
func New(cfg Config) (*Guard, error) {
	if cfg.State == nil {
		return nil, errors.New("guard: state view is required")
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		state:          cfg.State,
		defaultTimeout: timeout,
		logger:         logger,
		inProgress:     make(map[string]struct{}),
	}, nil
}

type options struct {
	priority Priority
	timeout  time.Duration
}

// Option adjusts a single Execute call.
type Option func(*options)

// WithPriority sets the action priority.
func WithPriority(priority Priority) Option {
	return func(opts *options) {
		opts.priority = priority
	}
}

// WithTimeout overrides the action timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(opts *options) {
		if timeout > 0 {
			opts.timeout = timeout
		}
	}
}

// Execute runs action under the guard rules.
func (g *Guard) Execute(ctx context.Context, actionID string, action Action, opts ...Option) Result {
	settings := options{priority: PriorityNormal, timeout: g.defaultTimeout}
	for _, opt := range opts {
		opt(&settings)
	}

	if reason := g.acquire(actionID, settings.priority); reason != BlockNone {
		g.logger.Debug("action blocked",
			zap.String("action_id", actionID),
			zap.String("block_reason", string(reason)),
		)
		return Result{IsBlocked: true, BlockReason: reason, Err: blockError(reason)}
	}
	defer g.release(actionID)

	data, err := g.run(ctx, actionID, action, settings.timeout)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Success: true, Data: data}
}

// InProgress reports whether actionID is currently running.
func (g *Guard) InProgress(actionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, running := g.inProgress[actionID]
	return running
}

func (g *Guard) acquire(actionID string, priority Priority) BlockReason {
	if g.state.LockedDown() {
		return BlockSecurityLockdown
	}
	if g.state.Animating() && priority != PriorityHigh {
		return BlockAnimationInProgress
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, running := g.inProgress[actionID]; running {
		return BlockDuplicateAction
	}
	g.inProgress[actionID] = struct{}{}
	return BlockNone
}

func (g *Guard) release(actionID string) {
	g.mu.Lock()
	delete(g.inProgress, actionID)
	g.mu.Unlock()
}

type outcome struct {
	data any
	err  error
}

func (g *Guard) run(ctx context.Context, actionID string, action Action, timeout time.Duration) (any, error) {
	if action == nil {
		return nil, fmt.Errorf("%w: action %q has no body", ledger.ErrValidation, actionID)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				g.logger.Error("action panicked",
					zap.String("action_id", actionID),
					zap.Any("panic", recovered),
				)
				done <- outcome{err: fmt.Errorf("action %q panicked: %v", actionID, recovered)}
			}
		}()
		data, err := action(runCtx)
		done <- outcome{data: data, err: err}
	}()

	select {
	case result := <-done:
		if result.err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, g.timeoutError(actionID, timeout)
		}
		return result.data, result.err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, g.timeoutError(actionID, timeout)
		}
		return nil, runCtx.Err()
	}
}

func (g *Guard) timeoutError(actionID string, timeout time.Duration) error {
	g.logger.Warn("action timed out",
		zap.String("action_id", actionID),
		zap.Duration("timeout", timeout),
	)
	return fmt.Errorf("%w: action %q after %s", ledger.ErrTimeout, actionID, timeout)
}

func blockError(reason BlockReason) error {
	switch reason {
	case BlockSecurityLockdown:
		return ledger.ErrLockdown
	case BlockAnimationInProgress:
		return ledger.ErrAnimationBusy
	case BlockDuplicateAction:
		return ledger.ErrDuplicateAction
	default:
		return nil
	}
}
