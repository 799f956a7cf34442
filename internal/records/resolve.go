package records

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

// canonicalPayload validates the payload for item.Kind and returns its canonical
// encoding, so equal content always hashes the same.
func canonicalPayload(item ledger.PushItem) (string, error) {
	raw := item.Payload
	if len(raw) == 0 && item.Deleted {
		raw = []byte("{}")
	}
	probe := ledger.Record{Kind: item.Kind}
	decoded, err := probe.WithPayloadJSON(raw)
	if err != nil {
		return "", err
	}
	if !item.Deleted {
		switch item.Kind {
		case ledger.KindBook:
			if err := decoded.Book.Validate(); err != nil {
				return "", err
			}
		case ledger.KindEntry:
			if err := decoded.Entry.Validate(); err != nil {
				return "", err
			}
		}
	}
	encoded, err := decoded.PayloadJSON()
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func payloadHash(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// resolvePush decides what happens to item given the stored copy. A replay of the
// stored revision is acknowledged, a higher version is accepted and anything else is a
// conflict. Deletion is terminal: a delete is accepted over any live revision, repeated
// deletes are replays and a live push against a tombstone conflicts with it.
func resolvePush(existing *Record, item ledger.PushItem, payload string, appliedAtMillis int64) pushDecision {
	hash := payloadHash(payload)
	updatedAt := item.UpdatedAtMillis
	if updatedAt <= 0 {
		updatedAt = appliedAtMillis
	}
	version := item.Version
	if version < ledger.InitialVersion {
		version = ledger.InitialVersion
	}

	if existing == nil {
		operation := OperationCreate
		if item.Deleted {
			operation = OperationDelete
		}
		return pushDecision{
			accept:    true,
			operation: operation,
			updated: Record{
				Kind:            item.Kind.String(),
				ClientID:        item.ClientID.String(),
				Version:         version.Int64(),
				ParentClientID:  item.ParentClientID.String(),
				PayloadJSON:     payload,
				PayloadHash:     hash,
				IsDeleted:       item.Deleted,
				UpdatedAtMillis: updatedAt,
			},
		}
	}

	stored := *existing
	switch {
	case stored.IsDeleted && item.Deleted:
		return pushDecision{replay: true, updated: stored}
	case stored.IsDeleted:
		return pushDecision{conflict: true, updated: stored}
	case !item.Deleted && version.Int64() == stored.Version && hash == stored.PayloadHash:
		return pushDecision{replay: true, updated: stored}
	case item.Deleted:
		if version.Int64() <= stored.Version {
			version = ledger.BumpVersion(ledger.VersionMarker(stored.Version))
		}
		return pushDecision{accept: true, operation: OperationDelete, updated: revise(stored, item, version, payload, hash, updatedAt)}
	case version.Int64() > stored.Version:
		return pushDecision{accept: true, operation: OperationUpdate, updated: revise(stored, item, version, payload, hash, updatedAt)}
	default:
		return pushDecision{conflict: true, updated: stored}
	}
}

func revise(stored Record, item ledger.PushItem, version ledger.VersionMarker, payload, hash string, updatedAt int64) Record {
	updated := stored
	updated.Version = version.Int64()
	updated.PayloadJSON = payload
	updated.PayloadHash = hash
	updated.IsDeleted = item.Deleted
	updated.UpdatedAtMillis = updatedAt
	if item.ParentClientID != "" {
		updated.ParentClientID = item.ParentClientID.String()
	}
	return updated
}
