package integrity

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/security"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/store"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncer"
)

const testOwner ledger.OwnerID = "owner-1"

type staticRemote struct {
	mu      sync.Mutex
	digests map[ledger.RecordKind]ledger.Digest
	calls   int
}

func (r *staticRemote) Digest(_ context.Context, _ ledger.OwnerID, kind ledger.RecordKind) (ledger.Digest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.digests[kind], nil
}

func (r *staticRemote) set(kind ledger.RecordKind, digest ledger.Digest) {
	r.mu.Lock()
	r.digests[kind] = digest
	r.mu.Unlock()
}

type reconcilerFunc func(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (syncer.Report, error)

func (f reconcilerFunc) ReconcileCollection(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (syncer.Report, error) {
	return f(ctx, owner, kind)
}

type recordingGate struct {
	reasons []string
}

func (g *recordingGate) Trip(_ context.Context, reason string) error {
	g.reasons = append(g.reasons, reason)
	return nil
}

func (g *recordingGate) Tripped() bool {
	return len(g.reasons) > 0
}

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) {
	p.events = append(p.events, event)
}

func (p *recordingPublisher) ofType(eventType events.Type) []events.Event {
	var matched []events.Event
	for _, event := range p.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func newLocalStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "local.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.Models()...))
	local, err := store.New(store.Config{Database: db})
	require.NoError(t, err)
	return local
}

func syncedBook(t *testing.T, local *store.Store, clientID ledger.ClientID, serverID string, version ledger.VersionMarker) {
	t.Helper()
	_, applied, err := local.ApplyRemote(context.Background(), testOwner, ledger.RemoteRecord{
		ServerID: serverID,
		ClientID: clientID,
		Kind:     ledger.KindBook,
		Version:  version,
		Payload:  json.RawMessage(`{"title":"Household"}`),
	})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestCheckMatchesAcknowledgedState(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	syncedBook(t, local, "c1", "s1", 2)
	_, err := local.Upsert(ctx, ledger.Record{Kind: ledger.KindBook, OwnerID: testOwner, ClientID: "c1", Book: &ledger.BookPayload{Title: "Edited offline"}})
	require.NoError(t, err)
	_, err = local.Upsert(ctx, ledger.Record{Kind: ledger.KindBook, OwnerID: testOwner, ClientID: "c2", Book: &ledger.BookPayload{Title: "Never pushed"}})
	require.NoError(t, err)

	remote := &staticRemote{digests: map[ledger.RecordKind]ledger.Digest{
		ledger.KindBook: ledger.ComputeDigest([]ledger.DigestEntry{{ClientID: "c1", Version: 2}}),
	}}
	publisher := &recordingPublisher{}
	gatekeeper, err := NewGatekeeper(Config{Store: local, Remote: remote, Publisher: publisher})
	require.NoError(t, err)

	report, err := gatekeeper.Check(ctx, testOwner, ledger.KindBook)
	require.NoError(t, err)
	require.True(t, report.Matched)
	require.False(t, report.Reconciled)
	require.Empty(t, publisher.ofType(events.TypeDigestMismatch))
}

func TestMismatchTriggersReconciliation(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	syncedBook(t, local, "c1", "s1", 1)

	remote := &staticRemote{digests: map[ledger.RecordKind]ledger.Digest{
		ledger.KindBook: ledger.ComputeDigest([]ledger.DigestEntry{{ClientID: "c1", Version: 1}, {ClientID: "c9", Version: 1}}),
	}}
	publisher := &recordingPublisher{}
	reconciled := 0
	gatekeeper, err := NewGatekeeper(Config{
		Store:     local,
		Remote:    remote,
		Publisher: publisher,
		Reconciler: reconcilerFunc(func(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (syncer.Report, error) {
			reconciled++
			syncedBook(t, local, "c9", "s9", 1)
			return syncer.Report{Pulled: 1}, nil
		}),
	})
	require.NoError(t, err)

	report, err := gatekeeper.Check(ctx, testOwner, ledger.KindBook)
	require.NoError(t, err)
	require.Equal(t, 1, reconciled)
	require.True(t, report.Reconciled)
	require.True(t, report.Matched)
	require.Zero(t, report.Mismatches)

	mismatches := publisher.ofType(events.TypeDigestMismatch)
	require.Len(t, mismatches, 1)
	require.Equal(t, int64(1), mismatches[0].Local.Count)
	require.Equal(t, int64(2), mismatches[0].Remote.Count)
}

func TestSustainedMismatchTripsGate(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	syncedBook(t, local, "c1", "s1", 1)

	remote := &staticRemote{digests: map[ledger.RecordKind]ledger.Digest{
		ledger.KindBook: {Count: 5, VersionSum: 5, IDChecksum: 1},
	}}
	gate := &recordingGate{}
	gatekeeper, err := NewGatekeeper(Config{
		Store:     local,
		Remote:    remote,
		Gate:      gate,
		Threshold: 2,
		Reconciler: reconcilerFunc(func(context.Context, ledger.OwnerID, ledger.RecordKind) (syncer.Report, error) {
			return syncer.Report{}, nil
		}),
	})
	require.NoError(t, err)

	first, err := gatekeeper.Check(ctx, testOwner, ledger.KindBook)
	require.NoError(t, err)
	require.Equal(t, 1, first.Mismatches)
	require.Empty(t, gate.reasons)

	second, err := gatekeeper.Check(ctx, testOwner, ledger.KindBook)
	require.ErrorIs(t, err, ledger.ErrLockdown)
	require.Equal(t, 2, second.Mismatches)
	require.Equal(t, []string{security.ReasonSustainedInconsistency}, gate.reasons)

	_, err = gatekeeper.Check(ctx, testOwner, ledger.KindBook)
	require.ErrorIs(t, err, ledger.ErrLockdown)
}

func TestMatchResetsMismatchCounter(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	syncedBook(t, local, "c1", "s1", 1)
	good := ledger.ComputeDigest([]ledger.DigestEntry{{ClientID: "c1", Version: 1}})
	remote := &staticRemote{digests: map[ledger.RecordKind]ledger.Digest{ledger.KindBook: {Count: 7}}}
	gate := &recordingGate{}
	gatekeeper, err := NewGatekeeper(Config{Store: local, Remote: remote, Gate: gate, Threshold: 2})
	require.NoError(t, err)

	report, err := gatekeeper.Check(ctx, testOwner, ledger.KindBook)
	require.NoError(t, err)
	require.Equal(t, 1, report.Mismatches)

	remote.set(ledger.KindBook, good)
	_, err = gatekeeper.Check(ctx, testOwner, ledger.KindBook)
	require.NoError(t, err)

	remote.set(ledger.KindBook, ledger.Digest{Count: 7})
	report, err = gatekeeper.Check(ctx, testOwner, ledger.KindBook)
	require.NoError(t, err)
	require.Equal(t, 1, report.Mismatches)
	require.Empty(t, gate.reasons)
}

func TestDetectOrphansOnlyReports(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	syncedBook(t, local, "c1", "s1", 1)
	for _, entry := range []struct {
		clientID ledger.ClientID
		parent   ledger.ClientID
	}{{"l1", "c1"}, {"l2", "c-gone"}} {
		_, err := local.Upsert(ctx, ledger.Record{
			Kind:           ledger.KindEntry,
			OwnerID:        testOwner,
			ClientID:       entry.clientID,
			ParentClientID: entry.parent,
			Entry:          &ledger.EntryPayload{AmountMinor: 100, Direction: ledger.DirectionDebit, OccurredOn: "2026-05-01"},
		})
		require.NoError(t, err)
	}

	publisher := &recordingPublisher{}
	gatekeeper, err := NewGatekeeper(Config{Store: local, Remote: &staticRemote{digests: map[ledger.RecordKind]ledger.Digest{}}, Publisher: publisher})
	require.NoError(t, err)

	orphans, err := gatekeeper.DetectOrphans(ctx, testOwner)
	require.NoError(t, err)
	require.Equal(t, []ledger.ClientID{"l2"}, orphans)

	reported := publisher.ofType(events.TypeOrphans)
	require.Len(t, reported, 1)
	require.Equal(t, []ledger.ClientID{"l2"}, reported[0].ClientIDs)

	stillThere, err := local.Get(ctx, ledger.KindEntry, "l2")
	require.NoError(t, err)
	require.Equal(t, ledger.DeletionActive, stillThere.DeletionState)
}

func TestCheckAllCoversEveryCollection(t *testing.T) {
	ctx := context.Background()
	local := newLocalStore(t)
	remote := &staticRemote{digests: map[ledger.RecordKind]ledger.Digest{}}
	gatekeeper, err := NewGatekeeper(Config{Store: local, Remote: remote})
	require.NoError(t, err)

	reports, err := gatekeeper.CheckAll(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, reports, len(ledger.Kinds))
	for index, kind := range ledger.Kinds {
		require.Equal(t, kind, reports[index].Kind)
		require.True(t, reports[index].Matched)
	}
	require.Equal(t, len(ledger.Kinds), remote.calls)
}
