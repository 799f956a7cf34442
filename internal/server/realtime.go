package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

const (
	RealtimeEventRecordChange     = "record-change"
	RealtimeEventOwnerDeactivated = "owner-deactivated"
	realtimeEventHeartbeat        = "heartbeat"
	realtimeSourceServer          = "ledgersync-server"
)

// RealtimeMessage is fanned out to every open stream of one owner. It only tells the
// client that something changed; the client pulls the data.
type RealtimeMessage struct {
	OwnerID   string
	EventType string
	Kind      string
	ChangeSeq int64
	Reason    string
	Timestamp time.Time
}

// RealtimeDispatcher routes messages to per-owner subscribers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, ownerID string) (<-chan RealtimeMessage, func()) {
	if ownerID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(ownerID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(ownerID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message without blocking; a full subscriber buffer drops it, which
// is harmless because any later pull sees the change anyway.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.OwnerID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.OwnerID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishRecordChange matches records.ChangeNotifier.
func (d *RealtimeDispatcher) PublishRecordChange(owner ledger.OwnerID, kind ledger.RecordKind, changeSeq int64) {
	d.Publish(RealtimeMessage{
		OwnerID:   owner.String(),
		EventType: RealtimeEventRecordChange,
		Kind:      kind.String(),
		ChangeSeq: changeSeq,
	})
}

// PublishDeactivation matches owners.DeactivationNotifier.
func (d *RealtimeDispatcher) PublishDeactivation(owner ledger.OwnerID, reason string) {
	d.Publish(RealtimeMessage{
		OwnerID:   owner.String(),
		EventType: RealtimeEventOwnerDeactivated,
		Reason:    reason,
	})
}

func (d *RealtimeDispatcher) subscriberCount(ownerID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[ownerID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(ownerID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ownerID]; !ok {
		d.subscribers[ownerID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[ownerID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(ownerID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[ownerID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, ownerID)
		}
	}
	d.mu.Unlock()
}
