// Package conflicts materializes version mismatches, applies the resolution policy and
// keeps an append-only audit trail of every decision. A pending conflict holds back
// pushes of its record only.
package conflicts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/store"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingStore      = errors.New("record store is required")
	errMissingRemote     = errors.New("remote record is required")
	errConflictNotFound  = errors.New("conflict not found")
	errMissingMergedBody = errors.New("merged payload is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opResolverNew = "conflicts.resolver.new"
	opHandle      = "conflicts.handle"
	opResolve     = "conflicts.resolve"
	opPending     = "conflicts.pending"
	opPurge       = "conflicts.purge"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// RecordStore is the part of the local store the resolver writes through.
type RecordStore interface {
	Get(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error)
	ApplyRemote(ctx context.Context, owner ledger.OwnerID, remote ledger.RemoteRecord) (ledger.Record, bool, error)
	Rebase(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID, version ledger.VersionMarker, payload []byte) (ledger.Record, error)
}

var _ RecordStore = (*store.Store)(nil)

// Config wires the resolver dependencies.
type Config struct {
	Database   *gorm.DB
	Store      RecordStore
	Publisher  events.Publisher
	Policy     Policy
	Clock      func() time.Time
	IDProvider ledger.IDProvider
	Logger     *zap.Logger
}

// Resolver owns the conflict and audit tables.
type Resolver struct {
	db         *gorm.DB
	store      RecordStore
	publisher  events.Publisher
	policy     Policy
	clock      func() time.Time
	idProvider ledger.IDProvider
	logger     *zap.Logger
}

// NewResolver validates cfg and returns a Resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opResolverNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opResolverNew, "missing_store", errMissingStore)
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyAuto
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ledger.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{
		db:         cfg.Database,
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		policy:     policy,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Handle records a mismatch and, under the auto policy, settles it immediately.
func (r *Resolver) Handle(ctx context.Context, input Input) (Outcome, error) {
	if input.Remote == nil {
		return Outcome{}, newServiceError(opHandle, "missing_remote", errMissingRemote)
	}
	remoteJSON, err := json.Marshal(input.Remote)
	if err != nil {
		return Outcome{}, newServiceError(opHandle, "encode_remote_failed", err)
	}
	conflictID, err := r.idProvider.NewID()
	if err != nil {
		return Outcome{}, newServiceError(opHandle, "id_generation_failed", err)
	}
	conflict := Conflict{
		ConflictID:       conflictID,
		OwnerID:          input.OwnerID.String(),
		Kind:             input.Kind.String(),
		RecordClientID:   input.ClientID.String(),
		LocalVersion:     input.LocalVersion.Int64(),
		RemoteVersion:    input.RemoteVersion.Int64(),
		RemoteJSON:       string(remoteJSON),
		DetectedAtMillis: r.clock().UTC().UnixMilli(),
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"local_version", "remote_version", "remote_json", "detected_at_ms"}),
	}).Create(&conflict).Error; err != nil {
		r.logError(opHandle, "conflict_insert_failed", err, zap.String("client_id", input.ClientID.String()))
		return Outcome{}, newServiceError(opHandle, "conflict_insert_failed", err)
	}
	stored, err := r.loadByClientID(ctx, input.ClientID)
	if err != nil {
		return Outcome{}, newServiceError(opHandle, "conflict_reload_failed", err)
	}

	r.logger.Info("conflict detected",
		zap.String("conflict_id", stored.ConflictID),
		zap.String("client_id", input.ClientID.String()),
		zap.Int64("local_version", input.LocalVersion.Int64()),
		zap.Int64("remote_version", input.RemoteVersion.Int64()),
	)

	if r.policy == PolicyAuto {
		return r.resolve(ctx, stored, Choice{Decision: DecisionAutoResolve})
	}
	if r.publisher != nil {
		r.publisher.Publish(events.Event{
			Type:       events.TypeConflict,
			OwnerID:    input.OwnerID,
			Kind:       input.Kind,
			ClientIDs:  []ledger.ClientID{input.ClientID},
			ConflictID: stored.ConflictID,
		})
	}
	return Outcome{ConflictID: stored.ConflictID}, nil
}

// Resolve applies an explicit choice to a pending conflict.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, choice Choice) (Outcome, error) {
	var conflict Conflict
	err := r.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Take(&conflict).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Outcome{}, newServiceError(opResolve, "not_found", fmt.Errorf("%w: %s", ledger.ErrNotFound, errConflictNotFound))
	}
	if err != nil {
		r.logError(opResolve, "select_failed", err, zap.String("conflict_id", conflictID))
		return Outcome{}, newServiceError(opResolve, "select_failed", err)
	}
	return r.resolve(ctx, conflict, choice)
}

// IsHeld reports whether clientID has an unresolved conflict.
func (r *Resolver) IsHeld(ctx context.Context, clientID ledger.ClientID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Conflict{}).
		Where("record_client_id = ?", clientID.String()).
		Count(&count).Error; err != nil {
		return false, newServiceError(opPending, "count_failed", err)
	}
	return count > 0, nil
}

// Pending lists unresolved conflicts of owner, oldest first.
func (r *Resolver) Pending(ctx context.Context, owner ledger.OwnerID) ([]Conflict, error) {
	var conflicts []Conflict
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", owner.String()).
		Order("detected_at_ms ASC").
		Find(&conflicts).Error; err != nil {
		r.logError(opPending, "query_failed", err, zap.String("owner_id", owner.String()))
		return nil, newServiceError(opPending, "query_failed", err)
	}
	return conflicts, nil
}

// Audit returns the audit trail of owner, oldest first.
func (r *Resolver) Audit(ctx context.Context, owner ledger.OwnerID) ([]AuditEntry, error) {
	var entries []AuditEntry
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", owner.String()).
		Order("resolved_at_ms ASC").
		Find(&entries).Error; err != nil {
		return nil, newServiceError(opPending, "audit_query_failed", err)
	}
	return entries, nil
}

// Purge removes pending conflicts and the audit trail.
func (r *Resolver) Purge(ctx context.Context) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range Models() {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.logError(opPurge, "delete_failed", err)
		return newServiceError(opPurge, "delete_failed", err)
	}
	return nil
}

func (r *Resolver) resolve(ctx context.Context, conflict Conflict, choice Choice) (Outcome, error) {
	var remote ledger.RemoteRecord
	if err := json.Unmarshal([]byte(conflict.RemoteJSON), &remote); err != nil {
		return Outcome{}, newServiceError(opResolve, "decode_remote_failed", err)
	}
	owner := ledger.OwnerID(conflict.OwnerID)
	kind := ledger.RecordKind(conflict.Kind)
	clientID := ledger.ClientID(conflict.RecordClientID)
	localVersion := ledger.VersionMarker(conflict.LocalVersion)
	remoteVersion := ledger.VersionMarker(conflict.RemoteVersion)

	winner, err := pickWinner(choice, localVersion, remoteVersion)
	if err != nil {
		return Outcome{}, newServiceError(opResolve, "invalid_choice", err)
	}

	local, err := r.store.Get(ctx, kind, clientID)
	localMissing := errors.Is(err, ledger.ErrNotFound)
	if err != nil && !localMissing {
		return Outcome{}, newServiceError(opResolve, "local_select_failed", err)
	}
	// Deletion is terminal on both sides.
	switch {
	case localMissing, remote.Deleted:
		winner = WinnerServer
	case local.DeletionState == ledger.DeletionDeleted:
		winner = WinnerLocal
	}

	var record ledger.Record
	switch winner {
	case WinnerServer:
		record, _, err = r.store.ApplyRemote(ctx, owner, remote)
	case WinnerLocal:
		next := ledger.BumpVersion(ledger.MaxVersion(local.Version, remoteVersion))
		record, err = r.store.Rebase(ctx, kind, clientID, next, nil)
	case WinnerMerged:
		next := ledger.BumpVersion(ledger.MaxVersion(local.Version, remoteVersion))
		record, err = r.store.Rebase(ctx, kind, clientID, next, choice.Merged)
	}
	if err != nil {
		r.logError(opResolve, "apply_failed", err, zap.String("conflict_id", conflict.ConflictID))
		return Outcome{}, newServiceError(opResolve, "apply_failed", err)
	}

	auditID, err := r.idProvider.NewID()
	if err != nil {
		return Outcome{}, newServiceError(opResolve, "id_generation_failed", err)
	}
	entry := AuditEntry{
		AuditID:          auditID,
		ConflictID:       conflict.ConflictID,
		OwnerID:          conflict.OwnerID,
		Kind:             conflict.Kind,
		RecordClientID:   conflict.RecordClientID,
		LocalVersion:     conflict.LocalVersion,
		RemoteVersion:    conflict.RemoteVersion,
		ResolvedVersion:  record.Version.Int64(),
		Decision:         string(choice.Decision),
		Winner:           string(winner),
		ResolvedAtMillis: r.clock().UTC().UnixMilli(),
	}
	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		return tx.Where("conflict_id = ?", conflict.ConflictID).Delete(&Conflict{}).Error
	})
	if txErr != nil {
		r.logError(opResolve, "audit_insert_failed", txErr, zap.String("conflict_id", conflict.ConflictID))
		return Outcome{}, newServiceError(opResolve, "audit_insert_failed", txErr)
	}

	r.logger.Info("conflict resolved",
		zap.String("conflict_id", conflict.ConflictID),
		zap.String("decision", string(choice.Decision)),
		zap.String("winner", string(winner)),
		zap.Int64("resolved_version", record.Version.Int64()),
	)
	return Outcome{
		ConflictID: conflict.ConflictID,
		Resolved:   true,
		Decision:   choice.Decision,
		Winner:     winner,
		Record:     record,
	}, nil
}

func pickWinner(choice Choice, localVersion, remoteVersion ledger.VersionMarker) (Winner, error) {
	switch choice.Decision {
	case DecisionAutoResolve:
		if localVersion > remoteVersion {
			return WinnerLocal, nil
		}
		return WinnerServer, nil
	case DecisionLocalWin:
		return WinnerLocal, nil
	case DecisionServerWin:
		return WinnerServer, nil
	case DecisionManualResolve:
		if len(choice.Merged) == 0 {
			return "", fmt.Errorf("%w: %s", ledger.ErrValidation, errMissingMergedBody)
		}
		return WinnerMerged, nil
	default:
		return "", fmt.Errorf("%w: unknown decision %q", ledger.ErrValidation, choice.Decision)
	}
}

func (r *Resolver) loadByClientID(ctx context.Context, clientID ledger.ClientID) (Conflict, error) {
	var conflict Conflict
	err := r.db.WithContext(ctx).Where("record_client_id = ?", clientID.String()).Take(&conflict).Error
	return conflict, err
}

func (r *Resolver) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("conflict resolver error", attrs...)
}
