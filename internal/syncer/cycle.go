package syncer

import (
	"bytes"
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/state"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/store"
)

// pushable selects records that still have to reach the server. Pending deletions wait
// for the undo window.
func pushable(owner ledger.OwnerID) store.Filter {
	return store.Filter{
		OwnerID:        owner,
		SyncState:      ledger.SyncStateUnsynced,
		DeletionStates: []ledger.DeletionState{ledger.DeletionActive, ledger.DeletionDeleted},
	}
}

// runCycle pushes then pulls each collection, books before entries, so a book is
// settled before any of its entries is submitted.
func (o *Orchestrator) runCycle(ctx context.Context, owner ledger.OwnerID) (Report, error) {
	o.setMode(state.ModeSyncing)
	var report Report
	for _, kind := range ledger.Kinds {
		if o.state.LockedDown() {
			return report, ledger.ErrLockdown
		}
		pushed, err := o.pushKind(ctx, owner, kind)
		report.add(pushed)
		if err != nil {
			return report, o.fail(ctx, err)
		}
		pulled, err := o.pullKind(ctx, owner, kind, false)
		report.add(pulled)
		if err != nil {
			return report, o.fail(ctx, err)
		}
	}
	processed := report.Pushed + report.Pulled + report.Conflicts
	o.publishProgress(owner, events.Progress{
		Current:    processed,
		Total:      processed,
		Phase:      events.PhaseComplete,
		IsComplete: true,
	})
	o.setMode(state.ModeOnline)
	o.logger.Debug("sync cycle complete",
		zap.String("owner_id", owner.String()),
		zap.Int("pushed", report.Pushed),
		zap.Int("pulled", report.Pulled),
		zap.Int("deferred", report.Deferred),
		zap.Int("conflicts", report.Conflicts),
	)
	return report, nil
}

func (o *Orchestrator) pushKind(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (Report, error) {
	var report Report
	backlog, err := o.store.Scan(ctx, kind, pushable(owner))
	if err != nil {
		return report, err
	}
	phase := events.PhaseForKind(kind)
	for index, record := range backlog {
		if o.state.LockedDown() {
			return report, ledger.ErrLockdown
		}
		if o.conflicts != nil {
			held, err := o.conflicts.IsHeld(ctx, record.ClientID)
			if err != nil {
				return report, err
			}
			if held {
				report.Deferred++
				continue
			}
		}

		item, ready, err := o.pushItem(ctx, record)
		if err != nil {
			return report, err
		}
		if !ready {
			report.Deferred++
			continue
		}
		result, err := o.remote.Push(ctx, owner, item)
		if err != nil {
			return report, err
		}
		if err := o.applyPushResult(ctx, owner, record, item, result, &report); err != nil {
			return report, err
		}
		o.publishProgress(owner, events.Progress{Current: index + 1, Total: len(backlog), Phase: phase})
	}
	return report, nil
}

// pushItem builds the wire item for record. Entries are not ready until their book is
// settled.
func (o *Orchestrator) pushItem(ctx context.Context, record ledger.Record) (ledger.PushItem, bool, error) {
	payload, err := record.PayloadJSON()
	if err != nil {
		return ledger.PushItem{}, false, err
	}
	item := ledger.PushItem{
		ClientID:        record.ClientID,
		Kind:            record.Kind,
		Version:         record.Version,
		Deleted:         record.DeletionState == ledger.DeletionDeleted,
		UpdatedAtMillis: record.UpdatedAt.UnixMilli(),
		Payload:         payload,
	}
	if record.Kind != ledger.KindEntry {
		return item, true, nil
	}

	parent, err := o.store.Get(ctx, ledger.KindBook, record.ParentClientID)
	if errors.Is(err, ledger.ErrNotFound) {
		o.logger.Warn("entry parent missing locally",
			zap.String("client_id", record.ClientID.String()),
			zap.String("parent_client_id", record.ParentClientID.String()),
		)
		return ledger.PushItem{}, false, nil
	}
	if err != nil {
		return ledger.PushItem{}, false, err
	}
	if !parent.Settled() {
		return ledger.PushItem{}, false, nil
	}
	item.ParentClientID = record.ParentClientID
	item.ParentServerID = parent.ServerID
	return item, true, nil
}

func (o *Orchestrator) applyPushResult(ctx context.Context, owner ledger.OwnerID, record ledger.Record, item ledger.PushItem, result ledger.PushResult, report *Report) error {
	switch {
	case result.Conflict:
		report.Conflicts++
		return o.routeConflict(ctx, owner, record, result.RemoteVersion, result.Remote)
	case result.Rejected:
		report.Rejected++
		o.logger.Warn("push rejected",
			zap.String("client_id", record.ClientID.String()),
			zap.String("reason", result.Reason),
		)
		return nil
	case result.Accepted():
		parentServerID := result.ParentServerID
		if parentServerID == "" {
			parentServerID = item.ParentServerID
		}
		version := result.Version
		if version == 0 {
			version = item.Version
		}
		if _, err := o.store.MarkSynced(ctx, record.Kind, record.ClientID, store.SyncAck{
			ServerID:       result.ServerID,
			Version:        version,
			ParentServerID: parentServerID,
		}); err != nil {
			return err
		}
		report.Pushed++
		return nil
	default:
		o.logger.Warn("push result without outcome", zap.String("client_id", record.ClientID.String()))
		return nil
	}
}

func (o *Orchestrator) routeConflict(ctx context.Context, owner ledger.OwnerID, local ledger.Record, remoteVersion ledger.VersionMarker, remote *ledger.RemoteRecord) error {
	if o.conflicts == nil {
		o.logger.Warn("conflict left unresolved, no resolver configured", zap.String("client_id", local.ClientID.String()))
		return nil
	}
	if remote == nil {
		fetched, err := o.fetchRemote(ctx, owner, local.Kind, local.ClientID)
		if err != nil {
			return err
		}
		if fetched == nil {
			o.logger.Warn("conflicting record missing from server pull",
				zap.String("client_id", local.ClientID.String()),
				zap.Int64("remote_version", remoteVersion.Int64()),
			)
			return nil
		}
		remote = fetched
	}
	remoteVersion = ledger.MaxVersion(remoteVersion, remote.Version)
	_, err := o.conflicts.Handle(ctx, conflicts.Input{
		OwnerID:       owner,
		Kind:          local.Kind,
		ClientID:      local.ClientID,
		LocalVersion:  local.Version,
		RemoteVersion: remoteVersion,
		Remote:        remote,
	})
	if err != nil {
		// The record stays unsynced and is retried next cycle.
		o.logger.Error("conflict handling failed",
			zap.String("client_id", local.ClientID.String()),
			zap.Error(err),
		)
	}
	return nil
}

// fetchRemote pages through the server copy of kind until it finds clientID. A conflict
// answer that carries only the remote version is completed this way.
func (o *Orchestrator) fetchRemote(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind, clientID ledger.ClientID) (*ledger.RemoteRecord, error) {
	var since int64
	for {
		page, err := o.remote.Pull(ctx, owner, kind, since, o.pageSize)
		if err != nil {
			return nil, err
		}
		for _, remote := range page.Records {
			if remote.ClientID != clientID {
				continue
			}
			if remote.Kind == "" {
				remote.Kind = kind
			}
			return &remote, nil
		}
		if !page.HasMore || len(page.Records) == 0 || page.LastSeq <= since {
			return nil, nil
		}
		since = page.LastSeq
	}
}

// pullKind applies remote changes after the stored cursor. A full pull ignores the
// cursor and reports which client ids the server knows.
func (o *Orchestrator) pullKind(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind, full bool) (Report, error) {
	report, _, err := o.pull(ctx, owner, kind, full)
	return report, err
}

func (o *Orchestrator) pull(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind, full bool) (Report, map[ledger.ClientID]struct{}, error) {
	var report Report
	seen := make(map[ledger.ClientID]struct{})
	since, err := o.store.Cursor(ctx, owner, kind)
	if err != nil {
		return report, seen, err
	}
	cursor := since
	if full {
		since = 0
	}
	phase := events.PhaseForKind(kind)
	for {
		if o.state.LockedDown() {
			return report, seen, ledger.ErrLockdown
		}
		page, err := o.remote.Pull(ctx, owner, kind, since, o.pageSize)
		if err != nil {
			return report, seen, err
		}
		for _, remote := range page.Records {
			seen[remote.ClientID] = struct{}{}
			if remote.Kind == "" {
				remote.Kind = kind
			}
			applied, err := o.applyRemote(ctx, owner, remote, &report)
			if err != nil {
				return report, seen, err
			}
			if applied {
				report.Pulled++
			}
		}
		if page.LastSeq > since {
			since = page.LastSeq
		}
		if since > cursor {
			cursor = since
			if err := o.store.SetCursor(ctx, owner, kind, cursor); err != nil {
				return report, seen, err
			}
		}
		total := report.Pulled
		if page.HasMore {
			total += o.pageSize
		}
		o.publishProgress(owner, events.Progress{Current: report.Pulled, Total: total, Phase: phase})
		if !page.HasMore || len(page.Records) == 0 {
			return report, seen, nil
		}
	}
}

// applyRemote merges one server record. Synced local copies follow the server; unsynced
// ones keep their newer edits (last write wins by timestamp) unless the server moved past
// the version this device last saw, which is a conflict.
func (o *Orchestrator) applyRemote(ctx context.Context, owner ledger.OwnerID, remote ledger.RemoteRecord, report *Report) (bool, error) {
	local, err := o.store.Get(ctx, remote.Kind, remote.ClientID)
	if errors.Is(err, ledger.ErrNotFound) {
		_, applied, err := o.store.ApplyRemote(ctx, owner, remote)
		return applied, err
	}
	if err != nil {
		return false, err
	}

	// Tombstones win on either side; the store never revives a local one.
	if remote.Deleted || local.DeletionState == ledger.DeletionDeleted {
		_, applied, err := o.store.ApplyRemote(ctx, owner, remote)
		return applied, err
	}

	if local.SyncState == ledger.SyncStateSynced {
		if remote.Version < local.Version {
			return false, nil
		}
		_, applied, err := o.store.ApplyRemote(ctx, owner, remote)
		return applied, err
	}

	if o.conflicts != nil {
		held, err := o.conflicts.IsHeld(ctx, local.ClientID)
		if err != nil {
			return false, err
		}
		if held {
			return false, nil
		}
	}

	if converged(local, remote) {
		_, applied, err := o.store.ApplyRemote(ctx, owner, remote)
		return applied, err
	}
	if remote.Version > local.ServerVersion && local.ServerID != "" {
		report.Conflicts++
		remoteCopy := remote
		return false, o.routeConflict(ctx, owner, local, remote.Version, &remoteCopy)
	}
	if local.ServerID == "" && remote.Version > local.Version {
		// The server holds a newer revision of a record whose acknowledgement never
		// reached this device.
		report.Conflicts++
		remoteCopy := remote
		return false, o.routeConflict(ctx, owner, local, remote.Version, &remoteCopy)
	}
	if local.UpdatedAt.UnixMilli() > remote.UpdatedAtMillis {
		return false, nil
	}
	_, applied, err := o.store.ApplyRemote(ctx, owner, remote)
	return applied, err
}

func converged(local ledger.Record, remote ledger.RemoteRecord) bool {
	if remote.Version < local.Version {
		return false
	}
	if remote.Deleted != (local.DeletionState == ledger.DeletionDeleted) {
		return false
	}
	payload, err := local.PayloadJSON()
	if err != nil {
		return false
	}
	probe := ledger.Record{Kind: remote.Kind}
	decoded, err := probe.WithPayloadJSON(remote.Payload)
	if err != nil {
		return false
	}
	remotePayload, err := decoded.PayloadJSON()
	if err != nil {
		return false
	}
	return bytes.Equal(payload, remotePayload)
}

// ReconcileCollection repairs drift in one collection: it re-reads every server record
// of kind, re-queues local records the server does not know, and pushes the backlog.
func (o *Orchestrator) ReconcileCollection(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (Report, error) {
	if o.state.LockedDown() {
		return Report{}, ledger.ErrLockdown
	}
	if owner == "" {
		owner = o.Owner()
	}
	if owner == "" {
		return Report{}, errMissingOwner
	}
	o.cycleMu.Lock()
	report, err := o.reconcile(ctx, owner, kind)
	o.cycleMu.Unlock()
	if err == nil && o.dirty.Load() {
		var drained Report
		drained, err = o.TriggerSync(ctx, owner)
		report.add(drained)
	}
	return report, err
}

func (o *Orchestrator) reconcile(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (Report, error) {
	report, seen, err := o.pull(ctx, owner, kind, true)
	if err != nil {
		return report, o.fail(ctx, err)
	}
	settled, err := o.store.Scan(ctx, kind, store.Filter{
		OwnerID:        owner,
		SyncState:      ledger.SyncStateSynced,
		DeletionStates: []ledger.DeletionState{ledger.DeletionActive, ledger.DeletionPendingDelete},
	})
	if err != nil {
		return report, o.fail(ctx, err)
	}
	for _, record := range settled {
		if _, known := seen[record.ClientID]; known {
			continue
		}
		o.logger.Warn("server missing synced record, re-queueing",
			zap.String("client_id", record.ClientID.String()),
			zap.String("kind", kind.String()),
		)
		if _, err := o.store.Rebase(ctx, kind, record.ClientID, record.Version, nil); err != nil {
			return report, o.fail(ctx, err)
		}
	}
	pushed, err := o.pushKind(ctx, owner, kind)
	report.add(pushed)
	if err != nil {
		return report, o.fail(ctx, err)
	}
	return report, nil
}

func (o *Orchestrator) publishProgress(owner ledger.OwnerID, progress events.Progress) {
	o.bus.Publish(events.Event{Type: events.TypeSyncProgress, OwnerID: owner, Progress: &progress})
}
