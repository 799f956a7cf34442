// Package events carries engine notifications to the UI layer through an explicit
// subscription interface.
package events

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

// Type names an event family.
type Type string

const (
	TypeSyncProgress   Type = "sync-progress"
	TypeDigestMismatch Type = "digest-mismatch"
	TypeOrphans        Type = "orphans-detected"
	TypeConflict       Type = "conflict"
	TypeLockdown       Type = "lockdown"
	TypeNetworkMode    Type = "network-mode"
)

// Phase names the stage reported by a sync-progress event.
type Phase string

const (
	PhaseBooks    Phase = "books"
	PhaseEntries  Phase = "entries"
	PhaseComplete Phase = "complete"
)

// PhaseForKind maps a record family to its progress phase.
func PhaseForKind(kind ledger.RecordKind) Phase {
	if kind == ledger.KindEntry {
		return PhaseEntries
	}
	return PhaseBooks
}

// Progress is the payload of a sync-progress event.
type Progress struct {
	Current    int
	Total      int
	Phase      Phase
	IsComplete bool
}

// Event is delivered to every subscriber. Only the field matching Type is populated.
type Event struct {
	Type       Type
	OwnerID    ledger.OwnerID
	At         time.Time
	Progress   *Progress
	Kind       ledger.RecordKind
	Local      *ledger.Digest
	Remote     *ledger.Digest
	ClientIDs  []ledger.ClientID
	ConflictID string
	Reason     string
	Mode       string
}

// Observer receives events synchronously on the publishing goroutine.
type Observer func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(event Event)
}

// Bus fans events out to subscribed observers.
type Bus struct {
	mu        sync.RWMutex
	observers map[int64]Observer
	nextID    int64
	clock     func() time.Time
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		observers: make(map[int64]Observer),
		clock:     time.Now,
	}
}

// Subscribe registers observer and returns its cancel function.
func (b *Bus) Subscribe(observer Observer) func() {
	if observer == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.observers[id] = observer
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

// Publish delivers event to every observer registered at call time.
func (b *Bus) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.At.IsZero() {
		event.At = b.clock().UTC()
	}
	b.mu.RLock()
	copies := make([]Observer, 0, len(b.observers))
	for _, observer := range b.observers {
		copies = append(copies, observer)
	}
	b.mu.RUnlock()
	for _, observer := range copies {
		observer(event)
	}
}
