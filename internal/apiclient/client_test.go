package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/owners"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/records"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/server"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncer"
)

const testOwner ledger.OwnerID = "owner-1"

type sequenceIDs struct {
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("srv-%d", p.next), nil
}

type liveServer struct {
	url    string
	token  string
	owners *owners.Service
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(append(records.Models(), owners.Models()...)...))

	realtime := server.NewRealtimeDispatcher()
	recordService, err := records.NewService(records.ServiceConfig{Database: db, IDProvider: &sequenceIDs{}})
	require.NoError(t, err)
	recordService.SetNotifier(realtime.PublishRecordChange)
	ownerService, err := owners.NewService(owners.ServiceConfig{Database: db, Notifier: realtime.PublishDeactivation})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("client-test-secret"),
		Issuer:        "ledgersync",
		Audience:      "ledgersync-api",
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)
	token, _, err := issuer.IssueOwnerToken(context.Background(), testOwner)
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:            issuer,
		Records:           recordService,
		Owners:            ownerService,
		Realtime:          realtime,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return &liveServer{url: httpServer.URL, token: token, owners: ownerService}
}

func bookItem(clientID ledger.ClientID, version ledger.VersionMarker, title string) ledger.PushItem {
	return ledger.PushItem{
		ClientID:        clientID,
		Kind:            ledger.KindBook,
		Version:         version,
		UpdatedAtMillis: 1700000000000,
		Payload:         []byte(fmt.Sprintf(`{"title":%q}`, title)),
	}
}

func TestClientRoundTripAgainstServer(t *testing.T) {
	live := newLiveServer(t)
	client, err := New(Config{BaseURL: live.url + "/", Token: live.token})
	require.NoError(t, err)
	ctx := context.Background()

	result, err := client.Push(ctx, testOwner, bookItem("c1", 1, "Household"))
	require.NoError(t, err)
	require.True(t, result.Accepted())

	replay, err := client.Push(ctx, testOwner, bookItem("c1", 1, "Household"))
	require.NoError(t, err)
	require.True(t, replay.AlreadySynced)
	require.Equal(t, result.ServerID, replay.ServerID)

	page, err := client.Pull(ctx, testOwner, ledger.KindBook, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, result.ServerID, page.Records[0].ServerID)

	digest, err := client.Digest(ctx, testOwner, ledger.KindBook)
	require.NoError(t, err)
	require.Equal(t, int64(1), digest.Count)
	require.Equal(t, int64(1), digest.VersionSum)
}

func TestClientMapsDeactivationAndBadToken(t *testing.T) {
	live := newLiveServer(t)
	ctx := context.Background()

	stranger, err := New(Config{BaseURL: live.url, Token: "not-a-token"})
	require.NoError(t, err)
	_, err = stranger.Pull(ctx, testOwner, ledger.KindBook, 0, 0)
	require.ErrorIs(t, err, ledger.ErrUnauthorized)

	client, err := New(Config{BaseURL: live.url, Token: live.token})
	require.NoError(t, err)
	require.NoError(t, live.owners.Deactivate(ctx, testOwner, "chargeback"))
	_, err = client.Push(ctx, testOwner, bookItem("c1", 1, "Household"))
	require.ErrorIs(t, err, ledger.ErrOwnerDeactivated)
}

func TestClientTreatsServerFailuresAsTransportErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream"}`))
	}))
	defer failing.Close()

	client, err := New(Config{BaseURL: failing.URL})
	require.NoError(t, err)
	_, err = client.Digest(context.Background(), testOwner, ledger.KindEntry)
	require.ErrorIs(t, err, ledger.ErrTransport)
	require.True(t, ledger.IsRetryable(err))

	var transportErr *ledger.TransportError
	require.True(t, errors.As(err, &transportErr))
	require.Equal(t, "digest", transportErr.Operation)
}

func TestClientReportsUnreachableServerAsTransportError(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	address := closed.URL
	closed.Close()

	client, err := New(Config{BaseURL: address})
	require.NoError(t, err)
	_, err = client.Push(context.Background(), testOwner, bookItem("c1", 1, "Household"))
	require.ErrorIs(t, err, ledger.ErrTransport)
}

func TestClientRejectsMalformedRequestsAsValidation(t *testing.T) {
	live := newLiveServer(t)
	client, err := New(Config{BaseURL: live.url, Token: live.token})
	require.NoError(t, err)
	_, err = client.Pull(context.Background(), testOwner, ledger.RecordKind("receipt"), 0, 0)
	require.ErrorIs(t, err, ledger.ErrValidation)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "  "})
	require.ErrorIs(t, err, errMissingBaseURL)
}

func TestStreamReportsLifecycleAndMessages(t *testing.T) {
	live := newLiveServer(t)
	client, err := New(Config{BaseURL: live.url, Token: live.token})
	require.NoError(t, err)
	stream := NewStream(client)

	events := make(chan syncer.RealtimeEvent, 16)
	require.NoError(t, stream.Connect(context.Background(), testOwner, func(event syncer.RealtimeEvent) {
		events <- event
	}))
	require.Equal(t, syncer.ChannelConnected, nextEvent(t, events).State)

	_, err = client.Push(context.Background(), testOwner, bookItem("c1", 1, "Household"))
	require.NoError(t, err)
	require.Equal(t, server.RealtimeEventRecordChange, nextEvent(t, events).Message)

	require.NoError(t, stream.Disconnect())
	require.Equal(t, syncer.ChannelDisconnected, nextEvent(t, events).State)
	require.NoError(t, stream.Disconnect())
}

func TestStreamFailsForDeactivatedOwner(t *testing.T) {
	live := newLiveServer(t)
	require.NoError(t, live.owners.Deactivate(context.Background(), testOwner, "chargeback"))
	client, err := New(Config{BaseURL: live.url, Token: live.token})
	require.NoError(t, err)
	stream := NewStream(client)

	events := make(chan syncer.RealtimeEvent, 4)
	require.NoError(t, stream.Connect(context.Background(), testOwner, func(event syncer.RealtimeEvent) {
		events <- event
	}))
	event := nextEvent(t, events)
	require.Equal(t, syncer.ChannelFailed, event.State)
	require.ErrorIs(t, event.Err, ledger.ErrOwnerDeactivated)

	// once the reader has exited a fresh connect is allowed.
	require.Eventually(t, func() bool {
		return stream.Connect(context.Background(), testOwner, func(event syncer.RealtimeEvent) {
			events <- event
		}) == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, syncer.ChannelFailed, nextEvent(t, events).State)
	require.NoError(t, stream.Disconnect())
}

func nextEvent(t *testing.T, events <-chan syncer.RealtimeEvent) syncer.RealtimeEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for realtime event")
		return syncer.RealtimeEvent{}
	}
}
