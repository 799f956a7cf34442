// Package store is the local persistent store for books and entries. Each record family
// lives in its own table; both are keyed by a local auto-increment key and indexed by
// client id, server id, sync state and deletion state.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
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
	opStoreNew     = "store.new"
	opUpsert       = "store.upsert"
	opGet          = "store.get"
	opMarkSynced   = "store.mark_synced"
	opApplyRemote  = "store.apply_remote"
	opSoftDelete   = "store.soft_delete"
	opRestore      = "store.restore_active"
	opMarkDeleted  = "store.mark_deleted"
	opHardDelete   = "store.hard_delete"
	opRebase       = "store.rebase"
	opScan         = "store.scan"
	opCursor       = "store.cursor"
	opSessionToken = "store.session_token"
	opPurge        = "store.purge"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Config wires the store dependencies.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists local records.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New validates cfg and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SyncAck is what the server acknowledged for a pushed record.
type SyncAck struct {
	ServerID       string
	Version        ledger.VersionMarker
	ParentServerID string
}

// Filter narrows a Scan. Zero-valued fields match everything.
type Filter struct {
	OwnerID        ledger.OwnerID
	SyncState      ledger.SyncState
	DeletionStates []ledger.DeletionState
	ExcludeDeleted bool
	ParentClientID ledger.ClientID
	Match          func(ledger.Record) bool
}

// Upsert creates a record or merges new content into an existing one. A content change
// bumps the version and marks the record unsynced; an unchanged payload is a no-op.
func (s *Store) Upsert(ctx context.Context, record ledger.Record) (ledger.Record, error) {
	if err := record.Validate(); err != nil {
		return ledger.Record{}, newServiceError(opUpsert, "invalid_record", err)
	}
	payload, err := record.PayloadJSON()
	if err != nil {
		return ledger.Record{}, newServiceError(opUpsert, "encode_payload_failed", err)
	}
	nowMillis := s.clock().UTC().UnixMilli()

	var stored ledger.Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := loadByClientID(tx, record.Kind, record.ClientID)
		if err != nil {
			return newServiceError(opUpsert, "select_failed", err)
		}
		if !found {
			columns := RecordColumns{
				OwnerID:         record.OwnerID.String(),
				ClientID:        record.ClientID.String(),
				SyncState:       string(ledger.SyncStateUnsynced),
				DeletionState:   string(ledger.DeletionActive),
				Version:         ledger.InitialVersion.Int64(),
				UpdatedAtMillis: nowMillis,
				PayloadJSON:     string(payload),
			}
			if err := insertRow(tx, record.Kind, columns, record.ParentClientID, record.ParentServerID); err != nil {
				return newServiceError(opUpsert, "insert_failed", err)
			}
			created, _, err := loadByClientID(tx, record.Kind, record.ClientID)
			if err != nil {
				return newServiceError(opUpsert, "reload_failed", err)
			}
			stored = created
			return nil
		}

		switch {
		case existing.OwnerID != record.OwnerID:
			return newServiceError(opUpsert, "owner_mismatch", fmt.Errorf("%w: record belongs to another owner", ledger.ErrValidation))
		case existing.DeletionState == ledger.DeletionDeleted:
			return newServiceError(opUpsert, "record_deleted", ledger.ErrRecordDeleted)
		case existing.DeletionState == ledger.DeletionPendingDelete:
			return newServiceError(opUpsert, "record_pending_delete", fmt.Errorf("%w: record is pending deletion", ledger.ErrValidation))
		}

		currentPayload, err := existing.PayloadJSON()
		if err != nil {
			return newServiceError(opUpsert, "encode_payload_failed", err)
		}
		parentChanged := record.Kind == ledger.KindEntry && existing.ParentClientID != record.ParentClientID
		if string(currentPayload) == string(payload) && !parentChanged {
			stored = existing
			return nil
		}

		updates := map[string]any{
			"payload_json":  string(payload),
			"version":       ledger.BumpVersion(existing.Version).Int64(),
			"sync_state":    string(ledger.SyncStateUnsynced),
			"updated_at_ms": nowMillis,
		}
		if parentChanged {
			updates["parent_client_id"] = record.ParentClientID.String()
			updates["parent_server_id"] = ""
		}
		if err := updateByClientID(tx, record.Kind, record.ClientID, updates); err != nil {
			return newServiceError(opUpsert, "update_failed", err)
		}
		updated, _, err := loadByClientID(tx, record.Kind, record.ClientID)
		if err != nil {
			return newServiceError(opUpsert, "reload_failed", err)
		}
		stored = updated
		return nil
	})
	if txErr != nil {
		s.logError(opUpsert, "transaction_failed", txErr, zap.String("client_id", record.ClientID.String()))
		return ledger.Record{}, txErr
	}
	return stored, nil
}

// Get loads a record by client id.
func (s *Store) Get(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error) {
	record, found, err := loadByClientID(s.db.WithContext(ctx), kind, clientID)
	if err != nil {
		s.logError(opGet, "select_failed", err, zap.String("client_id", clientID.String()))
		return ledger.Record{}, newServiceError(opGet, "select_failed", err)
	}
	if !found {
		return ledger.Record{}, newServiceError(opGet, "not_found", ledger.ErrNotFound)
	}
	return record, nil
}

// GetByServerID loads a record by its server id.
func (s *Store) GetByServerID(ctx context.Context, kind ledger.RecordKind, serverID string) (ledger.Record, error) {
	if serverID == "" {
		return ledger.Record{}, newServiceError(opGet, "not_found", ledger.ErrNotFound)
	}
	records, err := s.scanWhere(s.db.WithContext(ctx), kind, "server_id = ?", serverID)
	if err != nil {
		return ledger.Record{}, newServiceError(opGet, "select_failed", err)
	}
	if len(records) == 0 {
		return ledger.Record{}, newServiceError(opGet, "not_found", ledger.ErrNotFound)
	}
	return records[0], nil
}

// MarkSynced records a server acknowledgement. When the local copy moved past the
// acknowledged version while the push was in flight, the server identity is stored but
// the record stays unsynced.
func (s *Store) MarkSynced(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID, ack SyncAck) (ledger.Record, error) {
	if ack.ServerID == "" {
		return ledger.Record{}, newServiceError(opMarkSynced, "missing_server_id", fmt.Errorf("%w: server id is required", ledger.ErrValidation))
	}
	var stored ledger.Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := loadByClientID(tx, kind, clientID)
		if err != nil {
			return newServiceError(opMarkSynced, "select_failed", err)
		}
		if !found {
			return newServiceError(opMarkSynced, "not_found", ledger.ErrNotFound)
		}
		updates := map[string]any{
			"server_id":      ack.ServerID,
			"server_issued":  true,
			"server_version": ack.Version.Int64(),
		}
		if existing.Version <= ack.Version {
			updates["version"] = ack.Version.Int64()
			updates["sync_state"] = string(ledger.SyncStateSynced)
		}
		if kind == ledger.KindEntry && ack.ParentServerID != "" {
			updates["parent_server_id"] = ack.ParentServerID
		}
		if err := updateByClientID(tx, kind, clientID, updates); err != nil {
			return newServiceError(opMarkSynced, "update_failed", err)
		}
		stored, _, err = loadByClientID(tx, kind, clientID)
		return err
	})
	if txErr != nil {
		s.logError(opMarkSynced, "transaction_failed", txErr, zap.String("client_id", clientID.String()))
		return ledger.Record{}, txErr
	}
	return stored, nil
}

// ApplyRemote overwrites the local copy with the server copy and marks it synced. A
// remote tombstone for an unknown record is ignored and reported as not applied. A local
// tombstone is never revived: a live server copy is not applied, and a synced tombstone
// is queued for push again past the server version.
func (s *Store) ApplyRemote(ctx context.Context, owner ledger.OwnerID, remote ledger.RemoteRecord) (ledger.Record, bool, error) {
	if len(remote.Payload) == 0 {
		remote.Payload = json.RawMessage("{}")
	}
	probe := ledger.Record{Kind: remote.Kind}
	decoded, err := probe.WithPayloadJSON(remote.Payload)
	if err != nil {
		return ledger.Record{}, false, newServiceError(opApplyRemote, "invalid_payload", err)
	}
	payload, err := decoded.PayloadJSON()
	if err != nil {
		return ledger.Record{}, false, newServiceError(opApplyRemote, "encode_payload_failed", err)
	}

	deletion := ledger.DeletionActive
	if remote.Deleted {
		deletion = ledger.DeletionDeleted
	}

	var stored ledger.Record
	applied := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := loadByClientID(tx, remote.Kind, remote.ClientID)
		if err != nil {
			return newServiceError(opApplyRemote, "select_failed", err)
		}
		if !found {
			if remote.Deleted {
				return nil
			}
			columns := RecordColumns{
				OwnerID:         owner.String(),
				ClientID:        remote.ClientID.String(),
				ServerID:        remote.ServerID,
				ServerIssued:    true,
				SyncState:       string(ledger.SyncStateSynced),
				DeletionState:   string(deletion),
				Version:         remote.Version.Int64(),
				ServerVersion:   remote.Version.Int64(),
				UpdatedAtMillis: remote.UpdatedAtMillis,
				PayloadJSON:     string(payload),
			}
			if err := insertRow(tx, remote.Kind, columns, remote.ParentClientID, remote.ParentServerID); err != nil {
				return newServiceError(opApplyRemote, "insert_failed", err)
			}
		} else {
			if existing.DeletionState == ledger.DeletionDeleted && !remote.Deleted {
				if existing.SyncState == ledger.SyncStateSynced {
					requeue := map[string]any{
						"sync_state":    string(ledger.SyncStateUnsynced),
						"version":       ledger.BumpVersion(ledger.MaxVersion(existing.Version, remote.Version)).Int64(),
						"server_issued": true,
					}
					if existing.ServerID == "" {
						requeue["server_id"] = remote.ServerID
					}
					if err := updateByClientID(tx, remote.Kind, remote.ClientID, requeue); err != nil {
						return newServiceError(opApplyRemote, "requeue_failed", err)
					}
				}
				stored, _, err = loadByClientID(tx, remote.Kind, remote.ClientID)
				return err
			}
			if existing.DeletionState == ledger.DeletionPendingDelete && !remote.Deleted {
				deletion = ledger.DeletionPendingDelete
			}
			updates := map[string]any{
				"server_id":      remote.ServerID,
				"server_issued":  true,
				"sync_state":     string(ledger.SyncStateSynced),
				"deletion_state": string(deletion),
				"version":        remote.Version.Int64(),
				"server_version": remote.Version.Int64(),
				"updated_at_ms":  remote.UpdatedAtMillis,
				"payload_json":   string(payload),
			}
			if remote.Kind == ledger.KindEntry {
				updates["parent_client_id"] = remote.ParentClientID.String()
				updates["parent_server_id"] = remote.ParentServerID
			}
			if err := updateByClientID(tx, remote.Kind, remote.ClientID, updates); err != nil {
				return newServiceError(opApplyRemote, "update_failed", err)
			}
		}
		applied = true
		stored, _, err = loadByClientID(tx, remote.Kind, remote.ClientID)
		return err
	})
	if txErr != nil {
		s.logError(opApplyRemote, "transaction_failed", txErr, zap.String("client_id", remote.ClientID.String()))
		return ledger.Record{}, false, txErr
	}
	return stored, applied, nil
}

// SoftDelete moves an active record into the undo window.
func (s *Store) SoftDelete(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error) {
	return s.transition(ctx, opSoftDelete, kind, clientID, func(existing ledger.Record) (map[string]any, error) {
		switch existing.DeletionState {
		case ledger.DeletionDeleted:
			return nil, ledger.ErrRecordDeleted
		case ledger.DeletionPendingDelete:
			return nil, nil
		}
		return map[string]any{
			"deletion_state": string(ledger.DeletionPendingDelete),
			"sync_state":     string(ledger.SyncStateUnsynced),
		}, nil
	})
}

// RestoreActive cancels a pending deletion. The record is synced again when the server
// already holds its current version.
func (s *Store) RestoreActive(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error) {
	return s.transition(ctx, opRestore, kind, clientID, func(existing ledger.Record) (map[string]any, error) {
		if existing.DeletionState != ledger.DeletionPendingDelete {
			return nil, nil
		}
		syncState := ledger.SyncStateUnsynced
		if existing.ServerID != "" && existing.Version == existing.ServerVersion {
			syncState = ledger.SyncStateSynced
		}
		return map[string]any{
			"deletion_state": string(ledger.DeletionActive),
			"sync_state":     string(syncState),
		}, nil
	})
}

// MarkDeleted makes the deletion terminal and queues it for push.
func (s *Store) MarkDeleted(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, error) {
	nowMillis := s.clock().UTC().UnixMilli()
	return s.transition(ctx, opMarkDeleted, kind, clientID, func(existing ledger.Record) (map[string]any, error) {
		if existing.DeletionState == ledger.DeletionDeleted {
			return nil, nil
		}
		return map[string]any{
			"deletion_state": string(ledger.DeletionDeleted),
			"sync_state":     string(ledger.SyncStateUnsynced),
			"version":        ledger.BumpVersion(existing.Version).Int64(),
			"updated_at_ms":  nowMillis,
		}, nil
	})
}

// Rebase sets a new local version, optionally replacing the payload, and queues the
// record for push. Conflict resolution uses it to make a chosen revision win.
func (s *Store) Rebase(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID, version ledger.VersionMarker, payload []byte) (ledger.Record, error) {
	nowMillis := s.clock().UTC().UnixMilli()
	if payload != nil {
		probe := ledger.Record{Kind: kind}
		if _, err := probe.WithPayloadJSON(payload); err != nil {
			return ledger.Record{}, newServiceError(opRebase, "invalid_payload", err)
		}
	}
	return s.transition(ctx, opRebase, kind, clientID, func(existing ledger.Record) (map[string]any, error) {
		updates := map[string]any{
			"version":       version.Int64(),
			"sync_state":    string(ledger.SyncStateUnsynced),
			"updated_at_ms": nowMillis,
		}
		if payload != nil {
			updates["payload_json"] = string(payload)
		}
		return updates, nil
	})
}

// HardDelete removes a record and reports whether it existed.
func (s *Store) HardDelete(ctx context.Context, kind ledger.RecordKind, clientID ledger.ClientID) (bool, error) {
	result := s.db.WithContext(ctx).Where("client_id = ?", clientID.String()).Delete(modelFor(kind))
	if result.Error != nil {
		s.logError(opHardDelete, "delete_failed", result.Error, zap.String("client_id", clientID.String()))
		return false, newServiceError(opHardDelete, "delete_failed", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Scan returns records of kind matching filter in local-key order.
func (s *Store) Scan(ctx context.Context, kind ledger.RecordKind, filter Filter) ([]ledger.Record, error) {
	query := s.db.WithContext(ctx)
	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID.String())
	}
	if filter.SyncState != "" {
		query = query.Where("sync_state = ?", string(filter.SyncState))
	}
	if len(filter.DeletionStates) > 0 {
		states := make([]string, 0, len(filter.DeletionStates))
		for _, state := range filter.DeletionStates {
			states = append(states, string(state))
		}
		query = query.Where("deletion_state IN ?", states)
	}
	if filter.ExcludeDeleted {
		query = query.Where("deletion_state <> ?", string(ledger.DeletionDeleted))
	}
	if filter.ParentClientID != "" && kind == ledger.KindEntry {
		query = query.Where("parent_client_id = ?", filter.ParentClientID.String())
	}
	records, err := s.scanWhere(query, kind, "1 = 1")
	if err != nil {
		s.logError(opScan, "query_failed", err, zap.String("kind", kind.String()))
		return nil, newServiceError(opScan, "query_failed", err)
	}
	if filter.Match == nil {
		return records, nil
	}
	matched := records[:0]
	for _, record := range records {
		if filter.Match(record) {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

// Cursor returns the last pulled change sequence for owner and kind.
func (s *Store) Cursor(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (int64, error) {
	var cursor SyncCursor
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND kind = ?", owner.String(), kind.String()).
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, newServiceError(opCursor, "select_failed", err)
	}
	return cursor.LastSeq, nil
}

// SetCursor stores the last pulled change sequence.
func (s *Store) SetCursor(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind, lastSeq int64) error {
	cursor := SyncCursor{OwnerID: owner.String(), Kind: kind.String(), LastSeq: lastSeq}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seq"}),
	}).Create(&cursor).Error
	if err != nil {
		s.logError(opCursor, "upsert_failed", err, zap.String("owner_id", owner.String()))
		return newServiceError(opCursor, "upsert_failed", err)
	}
	return nil
}

// SaveSessionToken persists the bearer token used by the remote client.
func (s *Store) SaveSessionToken(ctx context.Context, owner ledger.OwnerID, token string) error {
	row := SessionToken{OwnerID: owner.String(), Token: token, StoredAtMillis: s.clock().UTC().UnixMilli()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "stored_at_ms"}),
	}).Create(&row).Error
	if err != nil {
		return newServiceError(opSessionToken, "upsert_failed", err)
	}
	return nil
}

// SessionToken returns the stored bearer token for owner.
func (s *Store) SessionToken(ctx context.Context, owner ledger.OwnerID) (string, error) {
	var row SessionToken
	err := s.db.WithContext(ctx).Where("owner_id = ?", owner.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", newServiceError(opSessionToken, "not_found", ledger.ErrNotFound)
	}
	if err != nil {
		return "", newServiceError(opSessionToken, "select_failed", err)
	}
	return row.Token, nil
}

// Purge removes every local record, cursor and session token.
func (s *Store) Purge(ctx context.Context) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range Models() {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logError(opPurge, "delete_failed", err)
		return newServiceError(opPurge, "delete_failed", err)
	}
	s.logger.Info("local store purged")
	return nil
}

func (s *Store) transition(ctx context.Context, operation string, kind ledger.RecordKind, clientID ledger.ClientID, plan func(existing ledger.Record) (map[string]any, error)) (ledger.Record, error) {
	var stored ledger.Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := loadByClientID(tx, kind, clientID)
		if err != nil {
			return newServiceError(operation, "select_failed", err)
		}
		if !found {
			return newServiceError(operation, "not_found", ledger.ErrNotFound)
		}
		updates, err := plan(existing)
		if err != nil {
			return newServiceError(operation, "rejected", err)
		}
		if len(updates) == 0 {
			stored = existing
			return nil
		}
		if err := updateByClientID(tx, kind, clientID, updates); err != nil {
			return newServiceError(operation, "update_failed", err)
		}
		stored, _, err = loadByClientID(tx, kind, clientID)
		return err
	})
	if txErr != nil {
		s.logError(operation, "transaction_failed", txErr, zap.String("client_id", clientID.String()))
		return ledger.Record{}, txErr
	}
	return stored, nil
}

func (s *Store) scanWhere(query *gorm.DB, kind ledger.RecordKind, condition string, args ...any) ([]ledger.Record, error) {
	query = query.Where(condition, args...).Order("local_key ASC")
	if kind == ledger.KindEntry {
		var rows []EntryRow
		if err := query.Find(&rows).Error; err != nil {
			return nil, err
		}
		records := make([]ledger.Record, 0, len(rows))
		for _, row := range rows {
			record, err := row.toRecord()
			if err != nil {
				return nil, err
			}
			records = append(records, record)
		}
		return records, nil
	}
	var rows []BookRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]ledger.Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func loadByClientID(tx *gorm.DB, kind ledger.RecordKind, clientID ledger.ClientID) (ledger.Record, bool, error) {
	var (
		record ledger.Record
		err    error
	)
	if kind == ledger.KindEntry {
		var row EntryRow
		err = tx.Where("client_id = ?", clientID.String()).Take(&row).Error
		if err == nil {
			record, err = row.toRecord()
		}
	} else {
		var row BookRow
		err = tx.Where("client_id = ?", clientID.String()).Take(&row).Error
		if err == nil {
			record, err = row.toRecord()
		}
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, err
	}
	return record, true, nil
}

func insertRow(tx *gorm.DB, kind ledger.RecordKind, columns RecordColumns, parentClientID ledger.ClientID, parentServerID string) error {
	if kind == ledger.KindEntry {
		row := EntryRow{
			RecordColumns:  columns,
			ParentClientID: parentClientID.String(),
			ParentServerID: parentServerID,
		}
		return tx.Create(&row).Error
	}
	row := BookRow{RecordColumns: columns}
	return tx.Create(&row).Error
}

func updateByClientID(tx *gorm.DB, kind ledger.RecordKind, clientID ledger.ClientID, updates map[string]any) error {
	return tx.Model(modelFor(kind)).Where("client_id = ?", clientID.String()).Updates(updates).Error
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}

// Count returns how many records of kind match filter.
func (s *Store) Count(ctx context.Context, kind ledger.RecordKind, filter Filter) (int, error) {
	records, err := s.Scan(ctx, kind, filter)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}
