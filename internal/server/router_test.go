package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
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
)

type sequenceIDs struct {
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("srv-%d", p.next), nil
}

type testServer struct {
	url      string
	issuer   *auth.TokenIssuer
	owners   *owners.Service
	realtime *RealtimeDispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(append(records.Models(), owners.Models()...)...))

	realtime := NewRealtimeDispatcher()
	recordService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDs{},
		Notifier:   realtime.PublishRecordChange,
	})
	require.NoError(t, err)
	ownerService, err := owners.NewService(owners.ServiceConfig{
		Database: db,
		Notifier: realtime.PublishDeactivation,
	})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "ledgersync",
		Audience:      "ledgersync-api",
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            issuer,
		Records:           recordService,
		Owners:            ownerService,
		Realtime:          realtime,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testServer{url: server.URL, issuer: issuer, owners: ownerService, realtime: realtime}
}

func (s *testServer) token(t *testing.T, owner ledger.OwnerID) string {
	t.Helper()
	token, _, err := s.issuer.IssueOwnerToken(context.Background(), owner)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, s.url+path, reader)
	require.NoError(t, err)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	var buffer bytes.Buffer
	_, err = buffer.ReadFrom(response.Body)
	require.NoError(t, err)
	return response.StatusCode, buffer.Bytes()
}

func bookPush(clientID ledger.ClientID, title string) pushRequestPayload {
	return pushRequestPayload{Items: []ledger.PushItem{{
		ClientID:        clientID,
		Kind:            ledger.KindBook,
		Version:         1,
		UpdatedAtMillis: 1700000000000,
		Payload:         []byte(fmt.Sprintf(`{"title":%q}`, title)),
	}}}
}

func TestPushThenPullRoundTrip(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t, "owner-1")

	status, body := server.do(t, http.MethodPost, "/owners/owner-1/push", token, bookPush("c1", "Household"))
	require.Equal(t, http.StatusOK, status, string(body))
	var pushed pushResponsePayload
	require.NoError(t, json.Unmarshal(body, &pushed))
	require.Len(t, pushed.Results, 1)
	require.True(t, pushed.Results[0].Accepted())

	status, body = server.do(t, http.MethodGet, "/owners/owner-1/pull?kind=book&since=0", token, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var page ledger.PullPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Records, 1)
	require.Equal(t, ledger.ClientID("c1"), page.Records[0].ClientID)
	require.Equal(t, pushed.Results[0].ServerID, page.Records[0].ServerID)

	status, body = server.do(t, http.MethodGet, "/owners/owner-1/digest?kind=book", token, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var digest ledger.Digest
	require.NoError(t, json.Unmarshal(body, &digest))
	require.Equal(t, int64(1), digest.Count)
}

func TestRequestsWithoutTokenAreUnauthorized(t *testing.T) {
	server := newTestServer(t)
	status, _ := server.do(t, http.MethodGet, "/owners/owner-1/pull?kind=book", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestTokenForAnotherOwnerIsForbidden(t *testing.T) {
	server := newTestServer(t)
	status, body := server.do(t, http.MethodGet, "/owners/owner-1/pull?kind=book", server.token(t, "owner-2"), nil)
	require.Equal(t, http.StatusForbidden, status)
	require.JSONEq(t, `{"error":"forbidden"}`, string(body))
}

func TestDeactivatedOwnerIsRefused(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t, "owner-1")
	require.NoError(t, server.owners.Deactivate(context.Background(), "owner-1", "chargeback"))

	status, body := server.do(t, http.MethodPost, "/owners/owner-1/push", token, bookPush("c1", "Household"))
	require.Equal(t, http.StatusForbidden, status)
	require.JSONEq(t, `{"error":"owner_deactivated"}`, string(body))
}

func TestInvalidQueryParametersAreRejected(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t, "owner-1")

	status, body := server.do(t, http.MethodGet, "/owners/owner-1/pull?kind=receipt", token, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.JSONEq(t, `{"error":"invalid_kind"}`, string(body))

	status, body = server.do(t, http.MethodGet, "/owners/owner-1/pull?kind=book&since=-1", token, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.JSONEq(t, `{"error":"invalid_since"}`, string(body))

	status, body = server.do(t, http.MethodPost, "/owners/owner-1/push", token, pushRequestPayload{})
	require.Equal(t, http.StatusBadRequest, status)
	require.JSONEq(t, `{"error":"invalid_request"}`, string(body))
}

func TestHealthzNeedsNoToken(t *testing.T) {
	server := newTestServer(t)
	status, body := server.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestStreamDeliversRecordChanges(t *testing.T) {
	server := newTestServer(t)
	token := server.token(t, "owner-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.url+"/owners/owner-1/stream?access_token="+token, http.NoBody)
	require.NoError(t, err)
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)

	reader := bufio.NewReader(response.Body)
	require.Equal(t, "event:"+realtimeEventHeartbeat, readEventName(t, reader))

	status, _ := server.do(t, http.MethodPost, "/owners/owner-1/push", token, bookPush("c1", "Household"))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "event:"+RealtimeEventRecordChange, readEventName(t, reader))

	require.NoError(t, server.owners.Deactivate(context.Background(), "owner-1", "chargeback"))
	require.Equal(t, "event:"+RealtimeEventOwnerDeactivated, readEventName(t, reader))
}

func readEventName(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event:") {
			return line
		}
	}
}
