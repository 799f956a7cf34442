package conflicts

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

// Decision is how a conflict was settled.
type Decision string

const (
	DecisionAutoResolve   Decision = "auto_resolve"
	DecisionLocalWin      Decision = "local_win"
	DecisionServerWin     Decision = "server_win"
	DecisionManualResolve Decision = "manual_resolve"
)

// Winner names the revision that survived.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerServer Winner = "server"
	WinnerMerged Winner = "merged"
)

// Policy selects what happens when a conflict is detected.
type Policy string

const (
	// PolicyAuto resolves immediately: the higher version marker wins, ties go to the server.
	PolicyAuto Policy = "auto"
	// PolicyManual holds the record and waits for an explicit choice.
	PolicyManual Policy = "manual"
)

// ParsePolicy validates raw configuration input.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyAuto:
		return PolicyAuto, nil
	case PolicyManual:
		return PolicyManual, nil
	default:
		return "", fmt.Errorf("%w: unknown conflict policy %q", ledger.ErrValidation, raw)
	}
}

// Conflict is an unresolved version mismatch. At most one exists per record.
type Conflict struct {
	ConflictID       string `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	Kind             string `gorm:"column:kind;size:16;not null"`
	RecordClientID   string `gorm:"column:record_client_id;size:190;not null;uniqueIndex"`
	LocalVersion     int64  `gorm:"column:local_version;not null"`
	RemoteVersion    int64  `gorm:"column:remote_version;not null"`
	RemoteJSON       string `gorm:"column:remote_json;type:text;not null"`
	DetectedAtMillis int64  `gorm:"column:detected_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Conflict) TableName() string {
	return "sync_conflicts"
}

// AuditEntry is the append-only record of a resolution.
type AuditEntry struct {
	AuditID          string `gorm:"column:audit_id;primaryKey;size:190;not null"`
	ConflictID       string `gorm:"column:conflict_id;size:190;not null;index"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_conflict_audit_owner_time,priority:1"`
	Kind             string `gorm:"column:kind;size:16;not null"`
	RecordClientID   string `gorm:"column:record_client_id;size:190;not null;index"`
	LocalVersion     int64  `gorm:"column:local_version;not null"`
	RemoteVersion    int64  `gorm:"column:remote_version;not null"`
	ResolvedVersion  int64  `gorm:"column:resolved_version;not null"`
	Decision         string `gorm:"column:decision;size:32;not null"`
	Winner           string `gorm:"column:winner;size:16;not null"`
	ResolvedAtMillis int64  `gorm:"column:resolved_at_ms;not null;index:idx_conflict_audit_owner_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "conflict_audit"
}

// Models lists every table owned by the resolver.
func Models() []any {
	return []any{&Conflict{}, &AuditEntry{}}
}

// Input describes a detected mismatch.
type Input struct {
	OwnerID       ledger.OwnerID
	Kind          ledger.RecordKind
	ClientID      ledger.ClientID
	LocalVersion  ledger.VersionMarker
	RemoteVersion ledger.VersionMarker
	Remote        *ledger.RemoteRecord
}

// Choice is an explicit resolution. Merged carries the payload for manual_resolve.
type Choice struct {
	Decision Decision
	Merged   []byte
}

// Outcome reports what Handle or Resolve did.
type Outcome struct {
	ConflictID string
	Resolved   bool
	Decision   Decision
	Winner     Winner
	Record     ledger.Record
}
