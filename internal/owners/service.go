// Package owners keeps the server-side owner registry and its deactivation switch.
package owners

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
)

const defaultCacheTTL = 30 * time.Second

// ErrInvalidOwner indicates the owner identifier was empty.
var ErrInvalidOwner = fmt.Errorf("%w: owners: invalid owner", ledger.ErrValidation)

// DeactivationNotifier is told about owners that were just deactivated.
type DeactivationNotifier func(owner ledger.OwnerID, reason string)

// ServiceConfig describes the dependencies required for the owner registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	CacheTTL time.Duration
	Notifier DeactivationNotifier
	Logger   *zap.Logger
}

// Service registers owners and answers whether they may still sync.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	cacheTTL time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	notifier DeactivationNotifier
	cache    sync.Map
}

type cachedStatus struct {
	status   Status
	loadedAt time.Time
}

// NewService constructs the owner registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("owners: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		cacheTTL: ttl,
		logger:   logger,
		notifier: cfg.Notifier,
	}, nil
}

// SetNotifier replaces the deactivation notifier.
func (s *Service) SetNotifier(notifier DeactivationNotifier) {
	s.mu.Lock()
	s.notifier = notifier
	s.mu.Unlock()
}

// EnsureActive registers owner on first contact and returns ledger.ErrOwnerDeactivated
// once it has been deactivated.
func (s *Service) EnsureActive(ctx context.Context, owner ledger.OwnerID) error {
	ownerID := normalize(owner.String())
	if ownerID == "" {
		return ErrInvalidOwner
	}
	if cached, ok := s.cache.Load(ownerID); ok {
		entry, ok := cached.(cachedStatus)
		if ok && s.now().Sub(entry.loadedAt) < s.cacheTTL {
			return statusError(entry.status)
		}
	}

	now := s.now().UTC()
	record := Owner{OwnerID: ownerID, Status: string(StatusActive), LastSeenAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.Assignments(map[string]any{"last_seen_at": now}),
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("owner registration failed", zap.String("owner_id", ownerID), zap.Error(err))
		return fmt.Errorf("owners: register %s: %w", ownerID, err)
	}

	stored, err := s.Get(ctx, ledger.OwnerID(ownerID))
	if err != nil {
		return err
	}
	status := Status(stored.Status)
	s.cache.Store(ownerID, cachedStatus{status: status, loadedAt: s.now()})
	return statusError(status)
}

// Deactivate marks owner deactivated. Later pushes, pulls and streams are refused.
func (s *Service) Deactivate(ctx context.Context, owner ledger.OwnerID, reason string) error {
	ownerID := normalize(owner.String())
	if ownerID == "" {
		return ErrInvalidOwner
	}
	now := s.now().UTC()
	record := Owner{
		OwnerID:           ownerID,
		Status:            string(StatusDeactivated),
		DeactivatedReason: normalize(reason),
		DeactivatedAt:     &now,
		LastSeenAt:        now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "deactivated_reason", "deactivated_at"}),
	}).Create(&record).Error
	if err != nil {
		s.logger.Error("owner deactivation failed", zap.String("owner_id", ownerID), zap.Error(err))
		return fmt.Errorf("owners: deactivate %s: %w", ownerID, err)
	}
	s.cache.Store(ownerID, cachedStatus{status: StatusDeactivated, loadedAt: s.now()})
	s.logger.Info("owner deactivated", zap.String("owner_id", ownerID), zap.String("reason", record.DeactivatedReason))

	s.mu.RLock()
	notifier := s.notifier
	s.mu.RUnlock()
	if notifier != nil {
		notifier(ledger.OwnerID(ownerID), record.DeactivatedReason)
	}
	return nil
}

// Get loads an owner.
func (s *Service) Get(ctx context.Context, owner ledger.OwnerID) (Owner, error) {
	var stored Owner
	err := s.db.WithContext(ctx).Where("owner_id = ?", normalize(owner.String())).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Owner{}, fmt.Errorf("%w: owner %s", ledger.ErrNotFound, owner)
	}
	if err != nil {
		return Owner{}, fmt.Errorf("owners: load %s: %w", owner, err)
	}
	return stored, nil
}

func statusError(status Status) error {
	if status == StatusDeactivated {
		return ledger.ErrOwnerDeactivated
	}
	return nil
}
