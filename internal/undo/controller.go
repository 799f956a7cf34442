// Package undo runs the grace period between a delete intent and the terminal deletion.
// A deleted record first becomes pending; cancelling inside the window restores it with
// no network effect, expiry makes the deletion terminal and queues it for push.
package undo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/store"
)

// DefaultWindow is the grace period granted to every delete.
const DefaultWindow = 8 * time.Second

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingStore    = errors.New("record store is required")
)

// PendingDeletion is a running countdown. There is at most one per record.
type PendingDeletion struct {
	RecordClientID  string `gorm:"column:record_client_id;primaryKey;size:190;not null"`
	Kind            string `gorm:"column:kind;size:16;not null"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null;index"`
	ExpiresAtMillis int64  `gorm:"column:expires_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (PendingDeletion) TableName() string {
	return "pending_deletions"
}

// ExpiresAt returns the expiry as a time.
func (p PendingDeletion) ExpiresAt() time.Time {
	return time.UnixMilli(p.ExpiresAtMillis).UTC()
}

// Models lists every table owned by the controller.
func Models() []any {
	return []any{&PendingDeletion{}}
}

// RecordStore is the part of the local store the controller writes through.
type RecordStore interface {
	Get(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error)
	SoftDelete(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error)
	RestoreActive(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error)
	MarkDeleted(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error)
}

var _ RecordStore = (*store.Store)(nil)

// Scheduler runs fn after delay and returns a function that cancels it.
type Scheduler func(delay time.Duration, fn func()) (cancel func())

// ExpiryHook is called after a deletion becomes terminal.
type ExpiryHook func(ctx context.Context, record ledger.Record)

// Config wires the controller dependencies.
type Config struct {
	Database  *gorm.DB
	Store     RecordStore
	Window    time.Duration
	Clock     func() time.Time
	Scheduler Scheduler
	OnExpired ExpiryHook
	Logger    *zap.Logger
}

// Controller owns the pending deletions table and its timers.
type Controller struct {
	db        *gorm.DB
	store     RecordStore
	window    time.Duration
	clock     func() time.Time
	scheduler Scheduler
	logger    *zap.Logger

	mu        sync.Mutex
	timers    map[ledger.ClientID]func()
	onExpired ExpiryHook
}

// NewController validates cfg and returns a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = func(delay time.Duration, fn func()) func() {
			timer := time.AfterFunc(delay, fn)
			return func() { timer.Stop() }
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		db:        cfg.Database,
		store:     cfg.Store,
		window:    window,
		clock:     clock,
		scheduler: scheduler,
		logger:    logger,
		timers:    make(map[ledger.ClientID]func()),
		onExpired: cfg.OnExpired,
	}, nil
}

// OnExpired replaces the hook run after a deletion becomes terminal.
func (c *Controller) OnExpired(hook ExpiryHook) {
	c.mu.Lock()
	c.onExpired = hook
	c.mu.Unlock()
}

// RequestDelete starts the countdown for a record, or restarts it when one is running.
func (c *Controller) RequestDelete(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (PendingDeletion, error) {
	record, err := c.store.SoftDelete(ctx, kind, clientID)
	if err != nil {
		return PendingDeletion{}, fmt.Errorf("undo: request delete %s: %w", clientID, err)
	}
	pending := PendingDeletion{
		RecordClientID:  clientID.String(),
		Kind:            kind.String(),
		OwnerID:         record.OwnerID.String(),
		ExpiresAtMillis: c.clock().Add(c.window).UTC().UnixMilli(),
	}
	if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"expires_at_ms"}),
	}).Create(&pending).Error; err != nil {
		return PendingDeletion{}, fmt.Errorf("undo: store pending deletion %s: %w", clientID, err)
	}
	c.schedule(clientID, c.window)
	c.logger.Debug("deletion pending",
		zap.String("client_id", clientID.String()),
		zap.Time("expires_at", pending.ExpiresAt()),
	)
	return pending, nil
}

// Cancel stops the countdown and restores the record. It reports whether a countdown
// was running.
func (c *Controller) Cancel(ctx context.Context, clientID ledger.ClientID) (bool, error) {
	pending, found, err := c.load(ctx, clientID)
	if err != nil || !found {
		return false, err
	}
	c.stopTimer(clientID)
	if err := c.db.WithContext(ctx).Where("record_client_id = ?", clientID.String()).Delete(&PendingDeletion{}).Error; err != nil {
		return false, fmt.Errorf("undo: cancel %s: %w", clientID, err)
	}
	if _, err := c.store.RestoreActive(ctx, ledger.RecordKind(pending.Kind), clientID); err != nil {
		return false, fmt.Errorf("undo: restore %s: %w", clientID, err)
	}
	c.logger.Debug("deletion cancelled", zap.String("client_id", clientID.String()))
	return true, nil
}

// Remaining returns the countdown left for clientID.
func (c *Controller) Remaining(ctx context.Context, clientID ledger.ClientID) (time.Duration, bool, error) {
	pending, found, err := c.load(ctx, clientID)
	if err != nil || !found {
		return 0, false, err
	}
	remaining := pending.ExpiresAt().Sub(c.clock())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true, nil
}

// Pending lists the running countdowns of owner, soonest first.
func (c *Controller) Pending(ctx context.Context, owner ledger.OwnerID) ([]PendingDeletion, error) {
	var rows []PendingDeletion
	if err := c.db.WithContext(ctx).
		Where("owner_id = ?", owner.String()).
		Order("expires_at_ms ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("undo: list pending: %w", err)
	}
	return rows, nil
}

// ExpireDue finalizes every countdown that has run out and returns how many it finalized.
func (c *Controller) ExpireDue(ctx context.Context) (int, error) {
	var due []PendingDeletion
	if err := c.db.WithContext(ctx).
		Where("expires_at_ms <= ?", c.clock().UTC().UnixMilli()).
		Order("expires_at_ms ASC").
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("undo: list due: %w", err)
	}
	expired := 0
	var errs []error
	for _, pending := range due {
		if err := c.expire(ctx, pending); err != nil {
			c.logger.Error("deletion expiry failed",
				zap.String("client_id", pending.RecordClientID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		expired++
	}
	return expired, errors.Join(errs...)
}

// Resume re-arms timers for countdowns persisted by an earlier process.
func (c *Controller) Resume(ctx context.Context) error {
	var rows []PendingDeletion
	if err := c.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("undo: resume: %w", err)
	}
	now := c.clock()
	for _, pending := range rows {
		delay := pending.ExpiresAt().Sub(now)
		if delay < 0 {
			delay = 0
		}
		c.schedule(ledger.ClientID(pending.RecordClientID), delay)
	}
	return nil
}

// Purge stops every timer and drops all countdowns.
func (c *Controller) Purge(ctx context.Context) error {
	c.mu.Lock()
	for clientID, cancel := range c.timers {
		cancel()
		delete(c.timers, clientID)
	}
	c.mu.Unlock()
	if err := c.db.WithContext(ctx).Where("1 = 1").Delete(&PendingDeletion{}).Error; err != nil {
		return fmt.Errorf("undo: purge: %w", err)
	}
	return nil
}

func (c *Controller) expire(ctx context.Context, pending PendingDeletion) error {
	clientID := ledger.ClientID(pending.RecordClientID)
	kind := ledger.RecordKind(pending.Kind)
	c.stopTimer(clientID)

	record, err := c.store.Get(ctx, kind, clientID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		record = ledger.Record{}
	case err != nil:
		return err
	default:
		// A missing server id does not prove the server never saw the record: its
		// acknowledgement may have been lost. The tombstone is always pushed.
		record, err = c.store.MarkDeleted(ctx, kind, clientID)
		if err != nil {
			return err
		}
	}

	if err := c.db.WithContext(ctx).Where("record_client_id = ?", clientID.String()).Delete(&PendingDeletion{}).Error; err != nil {
		return err
	}
	if record.ClientID == "" {
		return nil
	}
	c.logger.Info("deletion finalized",
		zap.String("client_id", clientID.String()),
		zap.Bool("server_known", record.ServerID != ""),
	)
	c.mu.Lock()
	hook := c.onExpired
	c.mu.Unlock()
	if hook != nil {
		hook(ctx, record)
	}
	return nil
}

func (c *Controller) schedule(clientID ledger.ClientID, delay time.Duration) {
	cancel := c.scheduler(delay, func() {
		if _, err := c.ExpireDue(context.Background()); err != nil {
			c.logger.Warn("scheduled expiry failed", zap.String("client_id", clientID.String()), zap.Error(err))
		}
	})
	c.mu.Lock()
	if previous, ok := c.timers[clientID]; ok {
		previous()
	}
	c.timers[clientID] = cancel
	c.mu.Unlock()
}

func (c *Controller) stopTimer(clientID ledger.ClientID) {
	c.mu.Lock()
	if cancel, ok := c.timers[clientID]; ok {
		cancel()
		delete(c.timers, clientID)
	}
	c.mu.Unlock()
}

func (c *Controller) load(ctx context.Context, clientID ledger.ClientID) (PendingDeletion, bool, error) {
	var pending PendingDeletion
	err := c.db.WithContext(ctx).Where("record_client_id = ?", clientID.String()).Take(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingDeletion{}, false, nil
	}
	if err != nil {
		return PendingDeletion{}, false, fmt.Errorf("undo: load %s: %w", clientID, err)
	}
	return pending, true, nil
}
