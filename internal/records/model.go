package records

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

// Operation names the kind of accepted mutation in the change log.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Record is the canonical server copy of a book or entry.
type Record struct {
	ServerID        string `gorm:"column:server_id;primaryKey;size:190;not null"`
	OwnerID         string `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_records_owner_client,priority:1;index:idx_records_owner_kind_seq,priority:1"`
	Kind            string `gorm:"column:kind;size:16;not null;index:idx_records_owner_kind_seq,priority:2"`
	ClientID        string `gorm:"column:client_id;size:190;not null;uniqueIndex:idx_records_owner_client,priority:2"`
	Version         int64  `gorm:"column:version;not null;default:1"`
	ParentClientID  string `gorm:"column:parent_client_id;size:190;not null;default:''"`
	ParentServerID  string `gorm:"column:parent_server_id;size:190;not null;default:''"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	PayloadHash     string `gorm:"column:payload_hash;size:64;not null"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
	ChangeSeq       int64  `gorm:"column:change_seq;not null;default:0;index:idx_records_owner_kind_seq,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// Remote converts the stored row to its wire form.
func (r Record) Remote() ledger.RemoteRecord {
	return ledger.RemoteRecord{
		ServerID:        r.ServerID,
		ClientID:        ledger.ClientID(r.ClientID),
		Kind:            ledger.RecordKind(r.Kind),
		Version:         ledger.VersionMarker(r.Version),
		ParentClientID:  ledger.ClientID(r.ParentClientID),
		ParentServerID:  r.ParentServerID,
		Deleted:         r.IsDeleted,
		UpdatedAtMillis: r.UpdatedAtMillis,
		ChangeSeq:       r.ChangeSeq,
		Payload:         json.RawMessage(r.PayloadJSON),
	}
}

// RecordChange is the append-only log of accepted mutations. Its sequence is the pull
// cursor.
type RecordChange struct {
	ChangeSeq       int64     `gorm:"column:change_seq;primaryKey;autoIncrement"`
	OwnerID         string    `gorm:"column:owner_id;size:190;not null;index:idx_record_changes_owner_seq,priority:1"`
	Kind            string    `gorm:"column:kind;size:16;not null"`
	ServerID        string    `gorm:"column:server_id;size:190;not null;index"`
	ClientID        string    `gorm:"column:client_id;size:190;not null"`
	Operation       Operation `gorm:"column:op;size:16;not null"`
	PreviousVersion *int64    `gorm:"column:prev_version"`
	NewVersion      int64     `gorm:"column:new_version;not null"`
	PayloadJSON     string    `gorm:"column:payload_json;type:text;not null"`
	AppliedAtMillis int64     `gorm:"column:applied_at_ms;not null;index:idx_record_changes_owner_seq,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (RecordChange) TableName() string {
	return "record_changes"
}

// Models lists every table owned by the records service.
func Models() []any {
	return []any{&Record{}, &RecordChange{}}
}

// pushDecision is the outcome of resolvePush for one item.
type pushDecision struct {
	accept    bool
	replay    bool
	conflict  bool
	operation Operation
	updated   Record
}
