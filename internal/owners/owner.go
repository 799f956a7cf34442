package owners

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an owner account.
type Status string

const (
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
)

// Owner is an account on the server of record. Owners are registered on first contact.
type Owner struct {
	OwnerID           string     `gorm:"column:owner_id;primaryKey;size:190;not null"`
	Status            string     `gorm:"column:status;size:32;not null;index"`
	DeactivatedReason string     `gorm:"column:deactivated_reason;size:320"`
	DeactivatedAt     *time.Time `gorm:"column:deactivated_at"`
	LastSeenAt        time.Time  `gorm:"column:last_seen_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing owners.
func (Owner) TableName() string {
	return "owners"
}

// Active reports whether the owner may sync.
func (o Owner) Active() bool {
	return Status(o.Status) != StatusDeactivated
}

// Models lists the gorm models owned by this package.
func Models() []any {
	return []any{&Owner{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
