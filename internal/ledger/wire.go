package ledger

import "encoding/json"

// PushItem is a single record submitted to the remote API, keyed by its client id.
type PushItem struct {
	ClientID        ClientID        `json:"client_id"`
	Kind            RecordKind      `json:"kind"`
	Version         VersionMarker   `json:"version"`
	ParentClientID  ClientID        `json:"parent_client_id,omitempty"`
	ParentServerID  string          `json:"parent_server_id,omitempty"`
	Deleted         bool            `json:"deleted"`
	UpdatedAtMillis int64           `json:"updated_at_ms"`
	Payload         json.RawMessage `json:"payload"`
}

// Rejection reasons reported by the remote API.
const (
	ReasonOrphanParent   = "orphan_parent"
	ReasonInvalidPayload = "invalid_payload"
)

// PushResult is the remote outcome for one PushItem.
type PushResult struct {
	ClientID       ClientID      `json:"client_id"`
	ServerID       string        `json:"server_id,omitempty"`
	Version        VersionMarker `json:"version,omitempty"`
	ParentServerID string        `json:"parent_server_id,omitempty"`
	AlreadySynced  bool          `json:"already_synced,omitempty"`
	Conflict       bool          `json:"conflict,omitempty"`
	RemoteVersion  VersionMarker `json:"remote_version,omitempty"`
	Remote         *RemoteRecord `json:"remote,omitempty"`
	Rejected       bool          `json:"rejected,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}

// Accepted reports whether the server holds exactly the pushed revision.
func (result PushResult) Accepted() bool {
	return !result.Conflict && !result.Rejected && result.ServerID != ""
}

// RemoteRecord is the canonical server copy of a record.
type RemoteRecord struct {
	ServerID        string          `json:"server_id"`
	ClientID        ClientID        `json:"client_id"`
	Kind            RecordKind      `json:"kind"`
	Version         VersionMarker   `json:"version"`
	ParentClientID  ClientID        `json:"parent_client_id,omitempty"`
	ParentServerID  string          `json:"parent_server_id,omitempty"`
	Deleted         bool            `json:"deleted"`
	UpdatedAtMillis int64           `json:"updated_at_ms"`
	ChangeSeq       int64           `json:"change_seq"`
	Payload         json.RawMessage `json:"payload"`
}

// PullPage is one page of remote changes after a cursor.
type PullPage struct {
	Records []RemoteRecord `json:"records"`
	LastSeq int64          `json:"last_seq"`
	HasMore bool           `json:"has_more"`
}
