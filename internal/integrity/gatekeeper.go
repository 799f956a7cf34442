// Package integrity compares cheap per-collection digests between the local store and
// the server of record and repairs drift before it becomes user-visible.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/security"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/store"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncer"
)

const (
	// DefaultInterval is the period of the background integrity loop.
	DefaultInterval = 5 * time.Minute
	// DefaultThreshold is the number of consecutive unrepaired mismatches that trips lockdown.
	DefaultThreshold = 3
)

var (
	errMissingStore  = errors.New("integrity: local store is required")
	errMissingRemote = errors.New("integrity: remote digester is required")
)

// RemoteDigester returns the server digest of one collection.
type RemoteDigester interface {
	Digest(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (ledger.Digest, error)
}

// LocalScanner reads the local store.
type LocalScanner interface {
	Scan(ctx context.Context, kind ledger.RecordKind, filter store.Filter) ([]ledger.Record, error)
}

// Reconciler repairs one collection after a mismatch.
type Reconciler interface {
	ReconcileCollection(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (syncer.Report, error)
}

// Lockdown is the security gate.
type Lockdown interface {
	Trip(ctx context.Context, reason string) error
	Tripped() bool
}

// Config wires the gatekeeper dependencies.
type Config struct {
	Store      LocalScanner
	Remote     RemoteDigester
	Reconciler Reconciler
	Gate       Lockdown
	Publisher  events.Publisher
	Interval   time.Duration
	Threshold  int
	Logger     *zap.Logger
}

// Report describes one digest comparison.
type Report struct {
	OwnerID    ledger.OwnerID
	Kind       ledger.RecordKind
	Local      ledger.Digest
	Remote     ledger.Digest
	Matched    bool
	Reconciled bool
	// Mismatches counts consecutive checks of this collection that ended unmatched.
	Mismatches int
}

// Gatekeeper detects drift between the local store and the server.
type Gatekeeper struct {
	store      LocalScanner
	remote     RemoteDigester
	reconciler Reconciler
	gate       Lockdown
	publisher  events.Publisher
	interval   time.Duration
	threshold  int
	logger     *zap.Logger

	group      singleflight.Group
	mu         sync.Mutex
	mismatches map[string]int
}

// NewGatekeeper validates cfg and returns a Gatekeeper.
func NewGatekeeper(cfg Config) (*Gatekeeper, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gatekeeper{
		store:      cfg.Store,
		remote:     cfg.Remote,
		reconciler: cfg.Reconciler,
		gate:       cfg.Gate,
		publisher:  cfg.Publisher,
		interval:   interval,
		threshold:  threshold,
		logger:     logger,
		mismatches: make(map[string]int),
	}, nil
}

// Check compares one collection and reconciles it on mismatch. Concurrent checks of the
// same owner and collection share a single comparison.
func (g *Gatekeeper) Check(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (Report, error) {
	if g.gate != nil && g.gate.Tripped() {
		return Report{}, ledger.ErrLockdown
	}
	value, err, _ := g.group.Do(checkKey(owner, kind), func() (any, error) {
		return g.check(ctx, owner, kind)
	})
	report, _ := value.(Report)
	return report, err
}

// CheckAll compares every collection of owner, books first, then scans for orphans.
func (g *Gatekeeper) CheckAll(ctx context.Context, owner ledger.OwnerID) ([]Report, error) {
	reports := make([]Report, 0, len(ledger.Kinds))
	for _, kind := range ledger.Kinds {
		report, err := g.Check(ctx, owner, kind)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	if _, err := g.DetectOrphans(ctx, owner); err != nil {
		return reports, err
	}
	return reports, nil
}

// DetectOrphans lists live entries whose book cannot be resolved locally. It only
// reports; nothing is deleted.
func (g *Gatekeeper) DetectOrphans(ctx context.Context, owner ledger.OwnerID) ([]ledger.ClientID, error) {
	books, err := g.store.Scan(ctx, ledger.KindBook, store.Filter{OwnerID: owner, ExcludeDeleted: true})
	if err != nil {
		return nil, err
	}
	byClientID := make(map[ledger.ClientID]struct{}, len(books))
	byServerID := make(map[string]struct{}, len(books))
	for _, book := range books {
		byClientID[book.ClientID] = struct{}{}
		if book.ServerID != "" {
			byServerID[book.ServerID] = struct{}{}
		}
	}
	entries, err := g.store.Scan(ctx, ledger.KindEntry, store.Filter{OwnerID: owner, ExcludeDeleted: true})
	if err != nil {
		return nil, err
	}

	var orphans []ledger.ClientID
	for _, entry := range entries {
		if _, ok := byClientID[entry.ParentClientID]; ok {
			continue
		}
		if _, ok := byServerID[entry.ParentServerID]; ok && entry.ParentServerID != "" {
			continue
		}
		orphans = append(orphans, entry.ClientID)
	}
	if len(orphans) == 0 {
		return nil, nil
	}
	g.logger.Warn("orphaned entries detected",
		zap.String("owner_id", owner.String()),
		zap.Int("count", len(orphans)),
	)
	g.publish(events.Event{Type: events.TypeOrphans, OwnerID: owner, Kind: ledger.KindEntry, ClientIDs: orphans})
	return orphans, nil
}

// Run checks every collection of owner on each tick until ctx is done or lockdown.
func (g *Gatekeeper) Run(ctx context.Context, owner ledger.OwnerID) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := g.CheckAll(ctx, owner); err != nil {
			if errors.Is(err, ledger.ErrLockdown) {
				return err
			}
			g.logger.Warn("integrity check failed", zap.String("owner_id", owner.String()), zap.Error(err))
		}
	}
}

func (g *Gatekeeper) check(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (Report, error) {
	report, err := g.compare(ctx, owner, kind)
	if err != nil {
		return report, g.failed(ctx, err)
	}
	key := checkKey(owner, kind)
	if report.Matched {
		g.resetMismatches(key)
		return report, nil
	}

	g.logger.Warn("digest mismatch",
		zap.String("owner_id", owner.String()),
		zap.String("kind", kind.String()),
		zap.Int64("local_count", report.Local.Count),
		zap.Int64("remote_count", report.Remote.Count),
	)
	local, remote := report.Local, report.Remote
	g.publish(events.Event{Type: events.TypeDigestMismatch, OwnerID: owner, Kind: kind, Local: &local, Remote: &remote})

	if g.reconciler != nil {
		if _, err := g.reconciler.ReconcileCollection(ctx, owner, kind); err != nil {
			return report, g.failed(ctx, err)
		}
		after, err := g.compare(ctx, owner, kind)
		if err != nil {
			return report, g.failed(ctx, err)
		}
		after.Reconciled = true
		report = after
		if report.Matched {
			g.resetMismatches(key)
			return report, nil
		}
	}

	report.Mismatches = g.countMismatch(key)
	if report.Mismatches < g.threshold || g.gate == nil {
		return report, nil
	}
	g.logger.Error("sustained inconsistency",
		zap.String("owner_id", owner.String()),
		zap.String("kind", kind.String()),
		zap.Int("mismatches", report.Mismatches),
	)
	if err := g.gate.Trip(ctx, security.ReasonSustainedInconsistency); err != nil {
		return report, err
	}
	return report, ledger.ErrLockdown
}

// compare builds the local digest from the state the server has acknowledged: records
// without a server id are not on the server yet, and unsynced edits count at their last
// acknowledged version.
func (g *Gatekeeper) compare(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (Report, error) {
	records, err := g.store.Scan(ctx, kind, store.Filter{OwnerID: owner})
	if err != nil {
		return Report{}, fmt.Errorf("integrity: scan %s: %w", kind, err)
	}
	remote, err := g.remote.Digest(ctx, owner, kind)
	if err != nil {
		return Report{}, err
	}
	local := ledger.ComputeDigest(acknowledged(records))
	return Report{
		OwnerID: owner,
		Kind:    kind,
		Local:   local,
		Remote:  remote,
		Matched: local.Equal(remote),
	}, nil
}

func acknowledged(records []ledger.Record) []ledger.DigestEntry {
	entries := make([]ledger.DigestEntry, 0, len(records))
	for _, record := range records {
		if record.ServerID == "" {
			continue
		}
		version := record.Version
		if record.SyncState == ledger.SyncStateUnsynced {
			version = record.ServerVersion
		}
		if record.DeletionState == ledger.DeletionDeleted && record.SyncState == ledger.SyncStateSynced {
			continue
		}
		entries = append(entries, ledger.DigestEntry{ClientID: record.ClientID, ServerID: record.ServerID, Version: version})
	}
	return entries
}

func (g *Gatekeeper) failed(ctx context.Context, err error) error {
	if errors.Is(err, ledger.ErrOwnerDeactivated) && g.gate != nil {
		return errors.Join(err, g.gate.Trip(ctx, security.ReasonOwnerDeactivated))
	}
	return err
}

func (g *Gatekeeper) publish(event events.Event) {
	if g.publisher != nil {
		g.publisher.Publish(event)
	}
}

func (g *Gatekeeper) countMismatch(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mismatches[key]++
	return g.mismatches[key]
}

func (g *Gatekeeper) resetMismatches(key string) {
	g.mu.Lock()
	delete(g.mismatches, key)
	g.mu.Unlock()
}

func checkKey(owner ledger.OwnerID, kind ledger.RecordKind) string {
	return owner.String() + "/" + kind.String()
}
