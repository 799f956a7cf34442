// Package records is the server of record: it applies pushed books and entries
// idempotently by client id, detects version conflicts, serves change pages and
// computes integrity digests.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingOwnerID    = errors.New("owner identifier is required")
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
	opServiceNew = "records.service.new"
	opApplyPush  = "records.apply_push"
	opListChange = "records.list_changes"
	opDigest     = "records.digest"
)

// MaxPageSize caps a single change page.
const MaxPageSize = 1000

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ChangeNotifier is told about every accepted mutation after its transaction commits.
type ChangeNotifier func(owner ledger.OwnerID, kind ledger.RecordKind, changeSeq int64)

// ServiceConfig wires the service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ledger.IDProvider
	Notifier   ChangeNotifier
	Logger     *zap.Logger
}

// Service owns the records and record_changes tables.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ledger.IDProvider
	notifier   ChangeNotifier
	logger     *zap.Logger
}

// NewService validates cfg and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		notifier:   cfg.Notifier,
		logger:     logger,
	}, nil
}

// SetNotifier replaces the change notifier.
func (s *Service) SetNotifier(notifier ChangeNotifier) {
	s.notifier = notifier
}

// ApplyPush applies items in order inside one transaction and returns one result per
// item.
func (s *Service) ApplyPush(ctx context.Context, owner ledger.OwnerID, items []ledger.PushItem) ([]ledger.PushResult, error) {
	if owner == "" {
		return nil, newServiceError(opApplyPush, "missing_owner_id", errMissingOwnerID)
	}
	results := make([]ledger.PushResult, 0, len(items))
	changed := make(map[ledger.RecordKind]int64)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			result, changeSeq, err := s.applyItem(tx, owner, item)
			if err != nil {
				return err
			}
			if changeSeq > changed[item.Kind] {
				changed[item.Kind] = changeSeq
			}
			results = append(results, result)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	if s.notifier != nil {
		for kind, changeSeq := range changed {
			s.notifier(owner, kind, changeSeq)
		}
	}
	return results, nil
}

func (s *Service) applyItem(tx *gorm.DB, owner ledger.OwnerID, item ledger.PushItem) (ledger.PushResult, int64, error) {
	result := ledger.PushResult{ClientID: item.ClientID}
	if _, err := ledger.ParseRecordKind(item.Kind.String()); err != nil || item.ClientID == "" {
		result.Rejected = true
		result.Reason = ledger.ReasonInvalidPayload
		return result, 0, nil
	}
	payload, err := canonicalPayload(item)
	if err != nil {
		s.logger.Debug("push item rejected",
			zap.String("owner_id", owner.String()),
			zap.String("client_id", item.ClientID.String()),
			zap.Error(err),
		)
		result.Rejected = true
		result.Reason = ledger.ReasonInvalidPayload
		return result, 0, nil
	}

	var (
		existing    Record
		existingPtr *Record
	)
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ? AND client_id = ?", owner.String(), item.ClientID.String()).
		Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		s.logError(opApplyPush, "record_select_failed", err,
			zap.String("owner_id", owner.String()),
			zap.String("client_id", item.ClientID.String()))
		return result, 0, newServiceError(opApplyPush, "record_select_failed", err)
	default:
		if existing.Kind != item.Kind.String() {
			result.Rejected = true
			result.Reason = ledger.ReasonInvalidPayload
			return result, 0, nil
		}
		existingPtr = &existing
	}

	appliedAt := s.clock().UTC().UnixMilli()
	decision := resolvePush(existingPtr, item, payload, appliedAt)
	switch {
	case decision.replay:
		result.ServerID = decision.updated.ServerID
		result.Version = ledger.VersionMarker(decision.updated.Version)
		result.ParentServerID = decision.updated.ParentServerID
		result.AlreadySynced = true
		return result, 0, nil
	case decision.conflict:
		remote := decision.updated.Remote()
		result.ServerID = decision.updated.ServerID
		result.Conflict = true
		result.RemoteVersion = remote.Version
		result.Remote = &remote
		return result, 0, nil
	}

	updated := decision.updated
	updated.OwnerID = owner.String()
	if item.Kind == ledger.KindEntry {
		parent, found, err := s.resolveParent(tx, owner, item)
		if err != nil {
			return result, 0, err
		}
		if !found {
			result.Rejected = true
			result.Reason = ledger.ReasonOrphanParent
			return result, 0, nil
		}
		updated.ParentServerID = parent.ServerID
	}
	if existingPtr == nil {
		serverID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opApplyPush, "id_generation_failed", err, zap.String("client_id", item.ClientID.String()))
			return result, 0, newServiceError(opApplyPush, "id_generation_failed", err)
		}
		updated.ServerID = serverID
	}

	change := RecordChange{
		OwnerID:         owner.String(),
		Kind:            updated.Kind,
		ServerID:        updated.ServerID,
		ClientID:        updated.ClientID,
		Operation:       decision.operation,
		NewVersion:      updated.Version,
		PayloadJSON:     updated.PayloadJSON,
		AppliedAtMillis: appliedAt,
	}
	if existingPtr != nil {
		previous := existingPtr.Version
		change.PreviousVersion = &previous
	}
	if err := tx.Create(&change).Error; err != nil {
		s.logError(opApplyPush, "audit_insert_failed", err, zap.String("client_id", item.ClientID.String()))
		return result, 0, newServiceError(opApplyPush, "audit_insert_failed", err)
	}
	updated.ChangeSeq = change.ChangeSeq
	persist := tx.Save
	if existingPtr == nil {
		persist = tx.Create
	}
	if err := persist(&updated).Error; err != nil {
		s.logError(opApplyPush, "record_save_failed", err, zap.String("client_id", item.ClientID.String()))
		return result, 0, newServiceError(opApplyPush, "record_save_failed", err)
	}

	result.ServerID = updated.ServerID
	result.Version = ledger.VersionMarker(updated.Version)
	result.ParentServerID = updated.ParentServerID
	return result, change.ChangeSeq, nil
}

func (s *Service) resolveParent(tx *gorm.DB, owner ledger.OwnerID, item ledger.PushItem) (Record, bool, error) {
	query := tx.Where("owner_id = ? AND kind = ?", owner.String(), ledger.KindBook.String())
	switch {
	case item.ParentServerID != "":
		query = query.Where("server_id = ?", item.ParentServerID)
	case item.ParentClientID != "":
		query = query.Where("client_id = ?", item.ParentClientID.String())
	default:
		return Record{}, false, nil
	}
	var parent Record
	err := query.Take(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		s.logError(opApplyPush, "parent_select_failed", err, zap.String("client_id", item.ClientID.String()))
		return Record{}, false, newServiceError(opApplyPush, "parent_select_failed", err)
	}
	if parent.IsDeleted && !item.Deleted {
		return Record{}, false, nil
	}
	return parent, true, nil
}

// ListChanges returns the current state of every record of kind changed after since.
func (s *Service) ListChanges(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind, since int64, limit int) (ledger.PullPage, error) {
	if owner == "" {
		return ledger.PullPage{}, newServiceError(opListChange, "missing_owner_id", errMissingOwnerID)
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	var rows []Record
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND kind = ? AND change_seq > ?", owner.String(), kind.String(), since).
		Order("change_seq ASC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		s.logError(opListChange, "query_failed", err, zap.String("owner_id", owner.String()))
		return ledger.PullPage{}, newServiceError(opListChange, "query_failed", err)
	}

	page := ledger.PullPage{Records: make([]ledger.RemoteRecord, 0, len(rows)), LastSeq: since}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	for _, row := range rows {
		page.Records = append(page.Records, row.Remote())
		if row.ChangeSeq > page.LastSeq {
			page.LastSeq = row.ChangeSeq
		}
	}
	return page, nil
}

// Digest summarizes the live records of kind for owner.
func (s *Service) Digest(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (ledger.Digest, error) {
	if owner == "" {
		return ledger.Digest{}, newServiceError(opDigest, "missing_owner_id", errMissingOwnerID)
	}
	var rows []Record
	if err := s.db.WithContext(ctx).
		Select("server_id", "client_id", "version").
		Where("owner_id = ? AND kind = ? AND is_deleted = ?", owner.String(), kind.String(), false).
		Find(&rows).Error; err != nil {
		s.logError(opDigest, "query_failed", err, zap.String("owner_id", owner.String()))
		return ledger.Digest{}, newServiceError(opDigest, "query_failed", err)
	}
	entries := make([]ledger.DigestEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, ledger.DigestEntry{
			ClientID: ledger.ClientID(row.ClientID),
			ServerID: row.ServerID,
			Version:  ledger.VersionMarker(row.Version),
		})
	}
	return ledger.ComputeDigest(entries), nil
}

// Get returns the stored record of owner with clientID.
func (s *Service) Get(ctx context.Context, owner ledger.OwnerID, clientID ledger.ClientID) (Record, error) {
	var row Record
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND client_id = ?", owner.String(), clientID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ledger.ErrNotFound
	}
	return row, err
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records service error", attrs...)
}
