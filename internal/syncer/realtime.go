package syncer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/state"
)

// ChannelState is a realtime channel lifecycle transition.
type ChannelState string

const (
	ChannelConnected    ChannelState = "connected"
	ChannelDisconnected ChannelState = "disconnected"
	ChannelFailed       ChannelState = "failed"
	ChannelUnavailable  ChannelState = "unavailable"
)

// RealtimeEvent is delivered by a channel. Message events carry a non-empty Message and
// only ever wake the sync loop.
type RealtimeEvent struct {
	State   ChannelState
	Message string
	Err     error
}

// RealtimeChannel is the out-of-band change notifier. Connect must return promptly and
// report progress through handler.
type RealtimeChannel interface {
	Connect(ctx context.Context, owner ledger.OwnerID, handler func(RealtimeEvent)) error
	Disconnect() error
}

type realtimeLink struct {
	mu        sync.Mutex
	ctx       context.Context
	channel   RealtimeChannel
	owner     ledger.OwnerID
	connected bool
	expected  bool
}

func (link *realtimeLink) forget() {
	link.mu.Lock()
	link.channel = nil
	link.owner = ""
	link.connected = false
	link.expected = false
	link.mu.Unlock()
}

// InitRealtime attaches channel for owner. It is connected only while the mode is ONLINE
// and the gate is open.
func (o *Orchestrator) InitRealtime(ctx context.Context, channel RealtimeChannel, owner ledger.OwnerID) error {
	if owner == "" {
		owner = o.Owner()
	}
	if owner == "" {
		return errMissingOwner
	}
	o.disconnectRealtime()
	o.rt.mu.Lock()
	o.rt.ctx = ctx
	o.rt.channel = channel
	o.rt.owner = owner
	o.rt.mu.Unlock()
	o.reconcileRealtime()
	return nil
}

// RealtimeConnected reports whether the channel is currently connected.
func (o *Orchestrator) RealtimeConnected() bool {
	o.rt.mu.Lock()
	defer o.rt.mu.Unlock()
	return o.rt.connected
}

func (o *Orchestrator) reconcileRealtime() {
	snapshot := o.state.Snapshot()
	allowed := snapshot.Mode == state.ModeOnline && !snapshot.LockedDown

	o.rt.mu.Lock()
	channel := o.rt.channel
	if channel == nil {
		o.rt.mu.Unlock()
		return
	}
	switch {
	case allowed && !o.rt.expected:
		o.rt.expected = true
		ctx, owner := o.rt.ctx, o.rt.owner
		o.rt.mu.Unlock()
		if err := channel.Connect(ctx, owner, o.handleRealtime); err != nil {
			o.logger.Warn("realtime connect failed", zap.Error(err))
			o.rt.mu.Lock()
			o.rt.expected = false
			o.rt.mu.Unlock()
			o.setMode(state.ModeDegraded)
		}
	case !allowed && o.rt.expected:
		o.rt.mu.Unlock()
		o.disconnectRealtime()
	default:
		o.rt.mu.Unlock()
	}
}

// disconnectRealtime closes the channel on the orchestrator's own initiative; the
// resulting disconnect event is not treated as a failure.
func (o *Orchestrator) disconnectRealtime() {
	o.rt.mu.Lock()
	channel := o.rt.channel
	wasExpected := o.rt.expected
	o.rt.expected = false
	o.rt.connected = false
	o.rt.mu.Unlock()
	if channel == nil || !wasExpected {
		return
	}
	if err := channel.Disconnect(); err != nil {
		o.logger.Debug("realtime disconnect failed", zap.Error(err))
	}
}

func (o *Orchestrator) handleRealtime(event RealtimeEvent) {
	if event.Message != "" {
		o.logger.Debug("realtime message", zap.String("message", event.Message))
		o.RequestSync()
		return
	}
	o.rt.mu.Lock()
	expected := o.rt.expected
	switch event.State {
	case ChannelConnected:
		o.rt.connected = expected
	case ChannelDisconnected, ChannelFailed, ChannelUnavailable:
		o.rt.connected = false
		o.rt.expected = false
	}
	o.rt.mu.Unlock()

	switch event.State {
	case ChannelConnected:
		o.logger.Debug("realtime connected")
	case ChannelDisconnected, ChannelFailed, ChannelUnavailable:
		if !expected {
			return
		}
		o.logger.Warn("realtime channel lost", zap.String("state", string(event.State)), zap.Error(event.Err))
		o.setMode(state.ModeDegraded)
		o.RequestSync()
	}
}
