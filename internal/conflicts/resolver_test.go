package conflicts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/store"
)

const testOwner ledger.OwnerID = "owner-1"

type fixture struct {
	store    *store.Store
	resolver *Resolver
	bus      *events.Bus
}

func newFixture(t *testing.T, policy Policy) fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "local.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(append(store.Models(), Models()...)...))

	local, err := store.New(store.Config{Database: db})
	require.NoError(t, err)
	bus := events.NewBus()
	resolver, err := NewResolver(Config{
		Database:  db,
		Store:     local,
		Publisher: bus,
		Policy:    policy,
		Clock:     func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	require.NoError(t, err)
	return fixture{store: local, resolver: resolver, bus: bus}
}

// seedBookAtVersion creates c1 and edits it until it reaches version.
func seedBookAtVersion(t *testing.T, local *store.Store, version int) ledger.Record {
	t.Helper()
	var record ledger.Record
	for i := 1; i <= version; i++ {
		var err error
		record, err = local.Upsert(context.Background(), ledger.Record{
			Kind:     ledger.KindBook,
			OwnerID:  testOwner,
			ClientID: "c1",
			Book:     &ledger.BookPayload{Title: "device A edit " + string(rune('0'+i))},
		})
		require.NoError(t, err)
	}
	require.Equal(t, ledger.VersionMarker(version), record.Version)
	return record
}

func remoteAtVersion(version ledger.VersionMarker) *ledger.RemoteRecord {
	return &ledger.RemoteRecord{
		ServerID:        "s1",
		ClientID:        "c1",
		Kind:            ledger.KindBook,
		Version:         version,
		UpdatedAtMillis: 1700000000000,
		Payload:         []byte(`{"title":"device B edit"}`),
	}
}

func TestAutoResolveHigherRemoteVersionWins(t *testing.T) {
	f := newFixture(t, PolicyAuto)
	ctx := context.Background()
	seedBookAtVersion(t, f.store, 3)

	outcome, err := f.resolver.Handle(ctx, Input{
		OwnerID:       testOwner,
		Kind:          ledger.KindBook,
		ClientID:      "c1",
		LocalVersion:  3,
		RemoteVersion: 4,
		Remote:        remoteAtVersion(4),
	})
	require.NoError(t, err)
	require.True(t, outcome.Resolved)
	require.Equal(t, DecisionAutoResolve, outcome.Decision)
	require.Equal(t, WinnerServer, outcome.Winner)

	record, err := f.store.Get(ctx, ledger.KindBook, "c1")
	require.NoError(t, err)
	require.Equal(t, ledger.VersionMarker(4), record.Version)
	require.Equal(t, ledger.SyncStateSynced, record.SyncState)
	require.Equal(t, "device B edit", record.Book.Title)

	audit, err := f.resolver.Audit(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, string(DecisionAutoResolve), audit[0].Decision)
	require.Equal(t, int64(4), audit[0].ResolvedVersion)

	held, err := f.resolver.IsHeld(ctx, "c1")
	require.NoError(t, err)
	require.False(t, held)
}

func TestAutoResolveHigherLocalVersionWins(t *testing.T) {
	f := newFixture(t, PolicyAuto)
	ctx := context.Background()
	seedBookAtVersion(t, f.store, 4)

	outcome, err := f.resolver.Handle(ctx, Input{
		OwnerID:       testOwner,
		Kind:          ledger.KindBook,
		ClientID:      "c1",
		LocalVersion:  4,
		RemoteVersion: 3,
		Remote:        remoteAtVersion(3),
	})
	require.NoError(t, err)
	require.Equal(t, WinnerLocal, outcome.Winner)
	require.Equal(t, ledger.VersionMarker(5), outcome.Record.Version)
	require.Equal(t, ledger.SyncStateUnsynced, outcome.Record.SyncState)
	require.Equal(t, "device A edit 4", outcome.Record.Book.Title)
}

func TestAutoResolveTieGoesToServer(t *testing.T) {
	winner, err := pickWinner(Choice{Decision: DecisionAutoResolve}, 3, 3)
	require.NoError(t, err)
	require.Equal(t, WinnerServer, winner)
}

func TestManualPolicyHoldsUntilResolved(t *testing.T) {
	f := newFixture(t, PolicyManual)
	ctx := context.Background()
	seedBookAtVersion(t, f.store, 2)

	var published []events.Event
	f.bus.Subscribe(func(event events.Event) { published = append(published, event) })

	outcome, err := f.resolver.Handle(ctx, Input{
		OwnerID:       testOwner,
		Kind:          ledger.KindBook,
		ClientID:      "c1",
		LocalVersion:  2,
		RemoteVersion: 4,
		Remote:        remoteAtVersion(4),
	})
	require.NoError(t, err)
	require.False(t, outcome.Resolved)
	require.Len(t, published, 1)
	require.Equal(t, events.TypeConflict, published[0].Type)
	require.Equal(t, outcome.ConflictID, published[0].ConflictID)

	held, err := f.resolver.IsHeld(ctx, "c1")
	require.NoError(t, err)
	require.True(t, held)

	resolved, err := f.resolver.Resolve(ctx, outcome.ConflictID, Choice{Decision: DecisionLocalWin})
	require.NoError(t, err)
	require.Equal(t, WinnerLocal, resolved.Winner)
	require.Equal(t, ledger.VersionMarker(5), resolved.Record.Version)

	held, err = f.resolver.IsHeld(ctx, "c1")
	require.NoError(t, err)
	require.False(t, held)

	audit, err := f.resolver.Audit(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, string(DecisionLocalWin), audit[0].Decision)
}

func TestRemoteTombstoneOverridesLocalWin(t *testing.T) {
	f := newFixture(t, PolicyManual)
	ctx := context.Background()
	seedBookAtVersion(t, f.store, 3)

	tombstone := remoteAtVersion(2)
	tombstone.Deleted = true
	outcome, err := f.resolver.Handle(ctx, Input{
		OwnerID:       testOwner,
		Kind:          ledger.KindBook,
		ClientID:      "c1",
		LocalVersion:  3,
		RemoteVersion: 2,
		Remote:        tombstone,
	})
	require.NoError(t, err)

	resolved, err := f.resolver.Resolve(ctx, outcome.ConflictID, Choice{Decision: DecisionLocalWin})
	require.NoError(t, err)
	require.Equal(t, WinnerServer, resolved.Winner)
	require.Equal(t, ledger.DeletionDeleted, resolved.Record.DeletionState)
	require.Equal(t, ledger.SyncStateSynced, resolved.Record.SyncState)
}

func TestManualResolveRequiresMergedPayload(t *testing.T) {
	f := newFixture(t, PolicyManual)
	ctx := context.Background()
	seedBookAtVersion(t, f.store, 1)
	outcome, err := f.resolver.Handle(ctx, Input{
		OwnerID: testOwner, Kind: ledger.KindBook, ClientID: "c1",
		LocalVersion: 1, RemoteVersion: 2, Remote: remoteAtVersion(2),
	})
	require.NoError(t, err)

	_, err = f.resolver.Resolve(ctx, outcome.ConflictID, Choice{Decision: DecisionManualResolve})
	require.ErrorIs(t, err, ledger.ErrValidation)

	merged, err := f.resolver.Resolve(ctx, outcome.ConflictID, Choice{
		Decision: DecisionManualResolve,
		Merged:   []byte(`{"title":"merged"}`),
	})
	require.NoError(t, err)
	require.Equal(t, WinnerMerged, merged.Winner)
	require.Equal(t, "merged", merged.Record.Book.Title)
	require.Equal(t, ledger.VersionMarker(3), merged.Record.Version)
}

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy(" Manual ")
	require.NoError(t, err)
	require.Equal(t, PolicyManual, policy)

	policy, err = ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicyAuto, policy)

	_, err = ParsePolicy("coin-flip")
	require.ErrorIs(t, err, ledger.ErrValidation)
}
