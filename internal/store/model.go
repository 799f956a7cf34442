package store

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

// RecordColumns are the columns shared by both local record tables.
type RecordColumns struct {
	LocalKey        int64  `gorm:"column:local_key;primaryKey;autoIncrement"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null;index"`
	ClientID        string `gorm:"column:client_id;size:190;not null;uniqueIndex"`
	ServerID        string `gorm:"column:server_id;size:190;not null;default:'';index"`
	ServerIssued    bool   `gorm:"column:server_issued;not null;default:false"`
	SyncState       string `gorm:"column:sync_state;size:16;not null;index"`
	DeletionState   string `gorm:"column:deletion_state;size:16;not null;index"`
	Version         int64  `gorm:"column:version;not null;default:1"`
	ServerVersion   int64  `gorm:"column:server_version;not null;default:0"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
}

// BookRow persists a local book.
type BookRow struct {
	RecordColumns
}

// TableName provides the explicit table binding for GORM.
func (BookRow) TableName() string {
	return "local_books"
}

// EntryRow persists a local entry together with its parent reference.
type EntryRow struct {
	RecordColumns
	ParentClientID string `gorm:"column:parent_client_id;size:190;not null;index"`
	ParentServerID string `gorm:"column:parent_server_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (EntryRow) TableName() string {
	return "local_entries"
}

// SyncCursor stores the last pulled server change sequence per owner and collection.
type SyncCursor struct {
	OwnerID string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	Kind    string `gorm:"column:kind;primaryKey;size:16;not null"`
	LastSeq int64  `gorm:"column:last_seq;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}

// SessionToken is the persisted bearer token for an owner.
type SessionToken struct {
	OwnerID        string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	Token          string `gorm:"column:token;type:text;not null"`
	StoredAtMillis int64  `gorm:"column:stored_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SessionToken) TableName() string {
	return "session_tokens"
}

// Models lists every table owned by the local store.
func Models() []any {
	return []any{&BookRow{}, &EntryRow{}, &SyncCursor{}, &SessionToken{}}
}

func (columns RecordColumns) toRecord(kind ledger.RecordKind) (ledger.Record, error) {
	record := ledger.Record{
		LocalKey:      columns.LocalKey,
		Kind:          kind,
		OwnerID:       ledger.OwnerID(columns.OwnerID),
		ClientID:      ledger.ClientID(columns.ClientID),
		ServerID:      columns.ServerID,
		ServerIssued:  columns.ServerIssued,
		SyncState:     ledger.SyncState(columns.SyncState),
		DeletionState: ledger.DeletionState(columns.DeletionState),
		Version:       ledger.VersionMarker(columns.Version),
		ServerVersion: ledger.VersionMarker(columns.ServerVersion),
		UpdatedAt:     time.UnixMilli(columns.UpdatedAtMillis).UTC(),
	}
	return record.WithPayloadJSON(json.RawMessage(columns.PayloadJSON))
}

func (row BookRow) toRecord() (ledger.Record, error) {
	return row.RecordColumns.toRecord(ledger.KindBook)
}

func (row EntryRow) toRecord() (ledger.Record, error) {
	record, err := row.RecordColumns.toRecord(ledger.KindEntry)
	if err != nil {
		return ledger.Record{}, err
	}
	record.ParentClientID = ledger.ClientID(row.ParentClientID)
	record.ParentServerID = row.ParentServerID
	return record, nil
}

func modelFor(kind ledger.RecordKind) any {
	if kind == ledger.KindEntry {
		return &EntryRow{}
	}
	return &BookRow{}
}
