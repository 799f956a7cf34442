package apiclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncer"
)

const (
	streamEventHeartbeat = "heartbeat"
	maxStreamLineBytes   = 64 * 1024
)

var errAlreadyConnected = errors.New("apiclient: stream already connected")

// Stream is the realtime channel backed by the server's event stream. It satisfies
// syncer.RealtimeChannel. Every change notice is delivered as a message event and carries
// no record data.
type Stream struct {
	client *Client
	// streaming requests carry no client timeout; the context ends them.
	http *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream returns a realtime channel that shares client's base url and token.
func NewStream(client *Client) *Stream {
	transport := http.DefaultTransport
	if client.http != nil && client.http.Transport != nil {
		transport = client.http.Transport
	}
	return &Stream{client: client, http: &http.Client{Transport: transport}}
}

// Connect opens the stream in the background and returns immediately. Lifecycle changes
// and messages are reported through handler from the reader goroutine.
func (s *Stream) Connect(ctx context.Context, owner ledger.OwnerID, handler func(syncer.RealtimeEvent)) error {
	if handler == nil {
		return errors.New("apiclient: stream handler is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		select {
		case <-s.done:
			s.cancel()
		default:
			return errAlreadyConnected
		}
	}
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		s.read(streamCtx, owner, handler)
	}()
	return nil
}

// Disconnect closes the stream and waits for the reader to exit.
func (s *Stream) Disconnect() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *Stream) read(ctx context.Context, owner ledger.OwnerID, handler func(syncer.RealtimeEvent)) {
	logger := s.client.logger.With(zap.String("owner_id", owner.String()))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.client.baseURL+ownerPath(owner, "stream"), http.NoBody)
	if err != nil {
		handler(syncer.RealtimeEvent{State: syncer.ChannelUnavailable, Err: err})
		return
	}
	request.Header.Set("Accept", "text/event-stream")
	if token := s.client.bearer(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := s.http.Do(request)
	if err != nil {
		handler(syncer.RealtimeEvent{State: syncer.ChannelFailed, Err: &ledger.TransportError{Operation: "stream", Err: err}})
		return
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, maxStreamLineBytes))
		handler(syncer.RealtimeEvent{State: syncer.ChannelFailed, Err: statusError("stream", response.StatusCode, payload)})
		return
	}

	handler(syncer.RealtimeEvent{State: syncer.ChannelConnected})
	logger.Debug("realtime stream connected")

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxStreamLineBytes)
	eventName := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName != "" && eventName != streamEventHeartbeat {
				handler(syncer.RealtimeEvent{Message: eventName})
			}
			eventName = ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}

	if ctx.Err() != nil {
		handler(syncer.RealtimeEvent{State: syncer.ChannelDisconnected})
		return
	}
	if err := scanner.Err(); err != nil {
		handler(syncer.RealtimeEvent{State: syncer.ChannelFailed, Err: &ledger.TransportError{Operation: "stream", Err: err}})
		return
	}
	handler(syncer.RealtimeEvent{State: syncer.ChannelDisconnected, Err: fmt.Errorf("apiclient: stream closed by server")})
}
