package ledger

import "github.com/google/uuid"

// NewClientID returns a globally unique client identifier backed by crypto/rand.
func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

// VersionMarker increases on every accepted mutation of a record.
type VersionMarker int64

// InitialVersion is the marker carried by a freshly created record.
const InitialVersion VersionMarker = 1

// Int64 exposes the raw marker value.
func (marker VersionMarker) Int64() int64 {
	return int64(marker)
}

// BumpVersion returns the marker following current.
func BumpVersion(current VersionMarker) VersionMarker {
	if current < InitialVersion {
		return InitialVersion
	}
	return current + 1
}

// MaxVersion returns the larger of two markers.
func MaxVersion(first, second VersionMarker) VersionMarker {
	if first > second {
		return first
	}
	return second
}

// IDProvider issues server-side identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
