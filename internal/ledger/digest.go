package ledger

// missingIdentifierSentinel stands in for records that carry neither a client nor a
// server identifier.
const missingIdentifierSentinel = "missing"

// Digest is a cheap aggregate of one owner's collection, computed identically by the
// client and the server.
type Digest struct {
	Count      int64 `json:"count"`
	VersionSum int64 `json:"version_sum"`
	IDChecksum int64 `json:"id_checksum"`
}

// DigestEntry is the per-record input to ComputeDigest.
type DigestEntry struct {
	ClientID ClientID
	ServerID string
	Version  VersionMarker
}

// BestIdentifier returns the client id when present, else the server id, else a fixed
// sentinel.
func (entry DigestEntry) BestIdentifier() string {
	if entry.ClientID != "" {
		return entry.ClientID.String()
	}
	if entry.ServerID != "" {
		return entry.ServerID
	}
	return missingIdentifierSentinel
}

// ComputeDigest folds the entries into a Digest. Order does not matter.
func ComputeDigest(entries []DigestEntry) Digest {
	digest := Digest{}
	for _, entry := range entries {
		digest.Count++
		digest.VersionSum += entry.Version.Int64()
		for _, character := range entry.BestIdentifier() {
			digest.IDChecksum += int64(character)
		}
	}
	return digest
}

// Equal reports whether two digests agree on every component.
func (digest Digest) Equal(other Digest) bool {
	return digest.Count == other.Count &&
		digest.VersionSum == other.VersionSum &&
		digest.IDChecksum == other.IDChecksum
}
