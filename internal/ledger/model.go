package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RecordKind distinguishes the two synchronized record families.
type RecordKind string

const (
	// KindBook is the container record family.
	KindBook RecordKind = "book"
	// KindEntry is the line record family; entries belong to a book.
	KindEntry RecordKind = "entry"
)

// Kinds lists record families in push/pull order: parents before children.
var Kinds = []RecordKind{KindBook, KindEntry}

// ParseRecordKind validates raw input and returns a RecordKind.
func ParseRecordKind(rawInput string) (RecordKind, error) {
	switch RecordKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindBook:
		return KindBook, nil
	case KindEntry:
		return KindEntry, nil
	default:
		return "", fmt.Errorf("%w: unknown record kind %q", ErrValidation, rawInput)
	}
}

// String returns the underlying kind name.
func (kind RecordKind) String() string {
	return string(kind)
}

// SyncState reports whether the server acknowledged the current revision.
type SyncState string

const (
	SyncStateUnsynced SyncState = "unsynced"
	SyncStateSynced   SyncState = "synced"
)

// DeletionState tracks the soft-delete lifecycle of a record.
type DeletionState string

const (
	DeletionActive        DeletionState = "active"
	DeletionPendingDelete DeletionState = "pending_delete"
	DeletionDeleted       DeletionState = "deleted"
)

const maxIdentifierLength = 190

// ClientID is the client-generated idempotency key of a record.
type ClientID string

// NewClientIDFromString validates raw input and returns a ClientID.
func NewClientIDFromString(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty client id", ErrValidation)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: client id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// OwnerID identifies the owner whose records are synchronized.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty owner id", ErrValidation)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: owner id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// Record is a book or an entry as held by the local store. Exactly one of Book or Entry
// is set, matching Kind.
type Record struct {
	LocalKey       int64
	Kind           RecordKind
	OwnerID        OwnerID
	ClientID       ClientID
	ServerID       string
	ServerIssued   bool
	SyncState      SyncState
	DeletionState  DeletionState
	Version        VersionMarker
	ServerVersion  VersionMarker
	UpdatedAt      time.Time
	ParentClientID ClientID
	ParentServerID string
	Book           *BookPayload
	Entry          *EntryPayload
}

// Settled reports whether a book has a durable server identity and no longer blocks its
// entries from being pushed.
func (record Record) Settled() bool {
	if record.SyncState == SyncStateSynced {
		return true
	}
	return record.ServerID != "" && record.ServerIssued
}

// Validate checks that the record is a well-formed tagged variant.
func (record Record) Validate() error {
	if record.ClientID == "" {
		return fmt.Errorf("%w: client id is required", ErrValidation)
	}
	if record.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	switch record.Kind {
	case KindBook:
		if record.Book == nil || record.Entry != nil {
			return fmt.Errorf("%w: book record requires a book payload only", ErrValidation)
		}
		if record.ParentClientID != "" {
			return fmt.Errorf("%w: book record cannot reference a parent", ErrValidation)
		}
		return record.Book.Validate()
	case KindEntry:
		if record.Entry == nil || record.Book != nil {
			return fmt.Errorf("%w: entry record requires an entry payload only", ErrValidation)
		}
		if record.ParentClientID == "" {
			return fmt.Errorf("%w: entry record requires a parent book", ErrValidation)
		}
		return record.Entry.Validate()
	default:
		return fmt.Errorf("%w: unknown record kind %q", ErrValidation, record.Kind)
	}
}

// PayloadJSON encodes the record payload.
func (record Record) PayloadJSON() (json.RawMessage, error) {
	switch record.Kind {
	case KindBook:
		return json.Marshal(record.Book)
	case KindEntry:
		return json.Marshal(record.Entry)
	default:
		return nil, fmt.Errorf("%w: unknown record kind %q", ErrValidation, record.Kind)
	}
}

// WithPayloadJSON decodes and attaches a payload for the record's kind.
func (record Record) WithPayloadJSON(payload json.RawMessage) (Record, error) {
	switch record.Kind {
	case KindBook:
		var book BookPayload
		if err := json.Unmarshal(payload, &book); err != nil {
			return Record{}, fmt.Errorf("%w: book payload: %v", ErrValidation, err)
		}
		record.Book = &book
		record.Entry = nil
	case KindEntry:
		var entry EntryPayload
		if err := json.Unmarshal(payload, &entry); err != nil {
			return Record{}, fmt.Errorf("%w: entry payload: %v", ErrValidation, err)
		}
		record.Entry = &entry
		record.Book = nil
	default:
		return Record{}, fmt.Errorf("%w: unknown record kind %q", ErrValidation, record.Kind)
	}
	return record, nil
}

// BookPayload is the user-editable content of a book.
type BookPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Validate checks the book payload.
func (payload BookPayload) Validate() error {
	title := strings.TrimSpace(payload.Title)
	if title == "" {
		return fmt.Errorf("%w: book title is required", ErrValidation)
	}
	if len(title) > maxIdentifierLength {
		return fmt.Errorf("%w: book title exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return nil
}

// EntryDirection tells whether an entry adds to or subtracts from its book.
type EntryDirection string

const (
	DirectionCredit EntryDirection = "credit"
	DirectionDebit  EntryDirection = "debit"
)

const entryDateLayout = "2006-01-02"

// EntryPayload is the user-editable content of a ledger entry.
type EntryPayload struct {
	Memo        string         `json:"memo,omitempty"`
	AmountMinor int64          `json:"amount_minor"`
	Direction   EntryDirection `json:"direction"`
	OccurredOn  string         `json:"occurred_on"`
}

// Validate checks the entry payload.
func (payload EntryPayload) Validate() error {
	if payload.AmountMinor < 0 {
		return fmt.Errorf("%w: entry amount must not be negative", ErrValidation)
	}
	switch payload.Direction {
	case DirectionCredit, DirectionDebit:
	default:
		return fmt.Errorf("%w: entry direction %q", ErrValidation, payload.Direction)
	}
	if _, err := time.Parse(entryDateLayout, payload.OccurredOn); err != nil {
		return fmt.Errorf("%w: entry date %q", ErrValidation, payload.OccurredOn)
	}
	return nil
}
