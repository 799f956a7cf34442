// Package syncer drives the offline-first sync engine: it owns the NetworkMode state
// machine, runs push/pull cycles against the remote record API and decides when the
// realtime channel may be connected.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/security"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/state"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/store"
)

const (
	// DefaultInterval is the period of the background sync loop.
	DefaultInterval = 30 * time.Second
	// DefaultPullPageSize bounds a single pull request.
	DefaultPullPageSize = 200
)

var (
	errMissingStore  = errors.New("syncer: local store is required")
	errMissingRemote = errors.New("syncer: remote api is required")
	errMissingState  = errors.New("syncer: state container is required")
	errMissingOwner  = fmt.Errorf("%w: no owner hydrated", ledger.ErrValidation)
)

// RemoteAPI is the server of record.
type RemoteAPI interface {
	Push(ctx context.Context, owner ledger.OwnerID, item ledger.PushItem) (ledger.PushResult, error)
	Pull(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind, since int64, limit int) (ledger.PullPage, error)
	Digest(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (ledger.Digest, error)
}

// LocalStore is the part of the local store adapter the orchestrator uses.
type LocalStore interface {
	Get(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error)
	Scan(ctx context.Context, kind ledger.RecordKind, filter store.Filter) ([]ledger.Record, error)
	MarkSynced(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID, ack store.SyncAck) (ledger.Record, error)
	ApplyRemote(ctx context.Context, owner ledger.OwnerID, remote ledger.RemoteRecord) (ledger.Record, bool, error)
	Rebase(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID, version ledger.VersionMarker, payload []byte) (ledger.Record, error)
	Cursor(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (int64, error)
	SetCursor(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind, lastSeq int64) error
	Purge(ctx context.Context) error
}

var _ LocalStore = (*store.Store)(nil)

// ConflictHandler receives version mismatches.
type ConflictHandler interface {
	Handle(ctx context.Context, input conflicts.Input) (conflicts.Outcome, error)
	IsHeld(ctx context.Context, clientID ledger.ClientID) (bool, error)
}

// Lockdown trips the security gate.
type Lockdown interface {
	Trip(ctx context.Context, reason string) error
}

// Purger erases state on logout.
type Purger interface {
	Purge(ctx context.Context) error
}

// Config wires the orchestrator dependencies.
type Config struct {
	Store        LocalStore
	Remote       RemoteAPI
	Conflicts    ConflictHandler
	Gate         Lockdown
	State        *state.Container
	Bus          *events.Bus
	Purgers      []Purger
	Interval     time.Duration
	PullPageSize int
	Logger       *zap.Logger
}

// Report summarizes one TriggerSync call.
type Report struct {
	Pushed    int
	Pulled    int
	Deferred  int
	Rejected  int
	Conflicts int
	Coalesced bool
}

func (r *Report) add(other Report) {
	r.Pushed += other.Pushed
	r.Pulled += other.Pulled
	r.Deferred += other.Deferred
	r.Rejected += other.Rejected
	r.Conflicts += other.Conflicts
}

// View is the owner's local data handed to the UI after hydration.
type View struct {
	Books   []ledger.Record
	Entries []ledger.Record
}

// Orchestrator coordinates sync cycles for the hydrated owner.
type Orchestrator struct {
	store     LocalStore
	remote    RemoteAPI
	conflicts ConflictHandler
	gate      Lockdown
	state     *state.Container
	bus       *events.Bus
	purgers   []Purger
	interval  time.Duration
	pageSize  int
	logger    *zap.Logger

	ownerMu sync.RWMutex
	owner   ledger.OwnerID

	cycleMu   sync.Mutex
	dirty     atomic.Bool
	reachable atomic.Bool
	wake      chan struct{}

	rt realtimeLink
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.State == nil {
		return nil, errMissingState
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	pageSize := cfg.PullPageSize
	if pageSize <= 0 {
		pageSize = DefaultPullPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		store:     cfg.Store,
		remote:    cfg.Remote,
		conflicts: cfg.Conflicts,
		gate:      cfg.Gate,
		state:     cfg.State,
		bus:       bus,
		purgers:   append([]Purger(nil), cfg.Purgers...),
		interval:  interval,
		pageSize:  pageSize,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
	o.reachable.Store(true)
	o.state.Subscribe(o.onStateChange)
	return o, nil
}

// Subscribe registers an observer for engine events.
func (o *Orchestrator) Subscribe(observer events.Observer) func() {
	return o.bus.Subscribe(observer)
}

// Owner returns the hydrated owner.
func (o *Orchestrator) Owner() ledger.OwnerID {
	o.ownerMu.RLock()
	defer o.ownerMu.RUnlock()
	return o.owner
}

// Hydrate selects owner and returns its local books and entries. A sync is requested
// for the background loop.
func (o *Orchestrator) Hydrate(ctx context.Context, owner ledger.OwnerID) (View, error) {
	validated, err := ledger.NewOwnerID(owner.String())
	if err != nil {
		return View{}, err
	}
	if o.state.LockedDown() {
		return View{}, ledger.ErrLockdown
	}
	o.ownerMu.Lock()
	o.owner = validated
	o.ownerMu.Unlock()

	books, err := o.store.Scan(ctx, ledger.KindBook, store.Filter{OwnerID: validated, ExcludeDeleted: true})
	if err != nil {
		return View{}, err
	}
	entries, err := o.store.Scan(ctx, ledger.KindEntry, store.Filter{OwnerID: validated, ExcludeDeleted: true})
	if err != nil {
		return View{}, err
	}
	o.logger.Info("hydrated",
		zap.String("owner_id", validated.String()),
		zap.Int("books", len(books)),
		zap.Int("entries", len(entries)),
	)
	o.RequestSync()
	return View{Books: books, Entries: entries}, nil
}

// TriggerSync runs a sync cycle for owner (the hydrated owner when empty). A call made
// while a cycle runs returns immediately with Coalesced set; the running cycle then
// re-evaluates once more before it finishes.
func (o *Orchestrator) TriggerSync(ctx context.Context, owner ledger.OwnerID) (Report, error) {
	if o.state.LockedDown() {
		return Report{}, ledger.ErrLockdown
	}
	if owner == "" {
		owner = o.Owner()
	}
	if owner == "" {
		return Report{}, errMissingOwner
	}

	var (
		total Report
		err   error
	)
	o.dirty.Store(true)
	for {
		if !o.cycleMu.TryLock() {
			total.Coalesced = true
			return total, nil
		}
		for err == nil && o.dirty.Swap(false) {
			var report Report
			report, err = o.runCycle(ctx, owner)
			total.add(report)
		}
		o.cycleMu.Unlock()
		if err != nil || !o.dirty.Load() {
			return total, err
		}
	}
}

// RequestSync asks the background loop for a cycle without blocking.
func (o *Orchestrator) RequestSync() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run drives periodic and requested cycles until ctx is done or the gate trips.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-o.wake:
		}
		if o.state.LockedDown() {
			return ledger.ErrLockdown
		}
		if !o.reachable.Load() || o.Owner() == "" {
			continue
		}
		if _, err := o.TriggerSync(ctx, ""); err != nil {
			o.logger.Warn("sync cycle failed", zap.Error(err))
		}
	}
}

// SetReachable reports OS-level connectivity. Losing it forces OFFLINE; regaining it
// starts a cycle.
func (o *Orchestrator) SetReachable(ctx context.Context, reachable bool) (Report, error) {
	o.reachable.Store(reachable)
	if !reachable {
		o.setMode(state.ModeOffline)
		return Report{}, nil
	}
	if o.Owner() == "" {
		return Report{}, nil
	}
	return o.TriggerSync(ctx, "")
}

// Logout pushes what it can, then drops the realtime channel and every local trace of
// the owner.
func (o *Orchestrator) Logout(ctx context.Context) error {
	if owner := o.Owner(); owner != "" && !o.state.LockedDown() && o.reachable.Load() {
		if _, err := o.TriggerSync(ctx, owner); err != nil {
			o.logger.Warn("final sync before logout failed", zap.Error(err))
		}
	}
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	o.setMode(state.ModeOffline)
	o.disconnectRealtime()
	o.rt.forget()

	var errs []error
	if err := o.store.Purge(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, purger := range o.purgers {
		if err := purger.Purge(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	o.ownerMu.Lock()
	o.owner = ""
	o.ownerMu.Unlock()
	o.logger.Info("logged out")
	return errors.Join(errs...)
}

// Remote exposes the remote API to collaborators that compare digests.
func (o *Orchestrator) Remote() RemoteAPI {
	return o.remote
}

var allowedTransitions = map[state.NetworkMode][]state.NetworkMode{
	state.ModeOffline:  {state.ModeSyncing},
	state.ModeSyncing:  {state.ModeOnline, state.ModeDegraded, state.ModeOffline},
	state.ModeOnline:   {state.ModeDegraded, state.ModeSyncing, state.ModeOffline},
	state.ModeDegraded: {state.ModeSyncing, state.ModeOffline},
}

func canTransition(from, to state.NetworkMode) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func (o *Orchestrator) setMode(next state.NetworkMode) bool {
	current := o.state.Mode()
	if current == next {
		return false
	}
	if !canTransition(current, next) {
		o.logger.Debug("ignored mode transition",
			zap.String("from", string(current)),
			zap.String("to", string(next)),
		)
		return false
	}
	return o.state.SetMode(next)
}

func (o *Orchestrator) onStateChange(previous, current state.Snapshot) {
	if previous.Mode != current.Mode {
		o.bus.Publish(events.Event{Type: events.TypeNetworkMode, OwnerID: o.Owner(), Mode: string(current.Mode)})
	}
	o.reconcileRealtime()
}

func (o *Orchestrator) fail(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ledger.ErrOwnerDeactivated):
		o.logger.Warn("owner deactivated by server")
		if o.gate != nil {
			if tripErr := o.gate.Trip(ctx, security.ReasonOwnerDeactivated); tripErr != nil {
				return errors.Join(err, tripErr)
			}
		}
		return err
	case errors.Is(err, ledger.ErrLockdown):
		return err
	default:
		o.logger.Warn("sync degraded", zap.Error(err))
		o.setMode(state.ModeDegraded)
		return err
	}
}
