// Package apiclient talks to the server of record over HTTP: push, pull and digest
// requests plus the server-sent event stream used as the realtime channel.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

const (
	defaultRequestTimeout = 30 * time.Second

	opPush   = "push"
	opPull   = "pull"
	opDigest = "digest"

	errorOwnerDeactivated = "owner_deactivated"
)

var errMissingBaseURL = errors.New("apiclient: base url is required")

// Config wires the client.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is the remote record API. It satisfies syncer.RemoteAPI.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

type apiError struct {
	Error string `json:"error"`
}

type pushRequest struct {
	Items []ledger.PushItem `json:"items"`
}

type pushResponse struct {
	Results []ledger.PushResult `json:"results"`
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("apiclient: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, http: httpClient, logger: logger, token: cfg.Token}, nil
}

// SetToken replaces the bearer token used for later requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Push submits one record and returns the server's verdict for it.
func (c *Client) Push(ctx context.Context, owner ledger.OwnerID, item ledger.PushItem) (ledger.PushResult, error) {
	var response pushResponse
	if err := c.do(ctx, opPush, http.MethodPost, ownerPath(owner, "push"), nil, pushRequest{Items: []ledger.PushItem{item}}, &response); err != nil {
		return ledger.PushResult{}, err
	}
	if len(response.Results) != 1 {
		return ledger.PushResult{}, &ledger.TransportError{
			Operation: opPush,
			Err:       fmt.Errorf("expected one push result, got %d", len(response.Results)),
		}
	}
	return response.Results[0], nil
}

// Pull fetches one page of changes of kind after the cursor since.
func (c *Client) Pull(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind, since int64, limit int) (ledger.PullPage, error) {
	query := url.Values{}
	query.Set("kind", kind.String())
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page ledger.PullPage
	if err := c.do(ctx, opPull, http.MethodGet, ownerPath(owner, "pull"), query, nil, &page); err != nil {
		return ledger.PullPage{}, err
	}
	return page, nil
}

// Digest fetches the server's digest of kind.
func (c *Client) Digest(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (ledger.Digest, error) {
	query := url.Values{}
	query.Set("kind", kind.String())
	var digest ledger.Digest
	if err := c.do(ctx, opDigest, http.MethodGet, ownerPath(owner, "digest"), query, nil, &digest); err != nil {
		return ledger.Digest{}, err
	}
	return digest, nil
}

func ownerPath(owner ledger.OwnerID, action string) string {
	return "/owners/" + url.PathEscape(owner.String()) + "/" + action
}

func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: marshal %s request: %w", operation, err)
		}
		bodyReader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("apiclient: create %s request: %w", operation, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return &ledger.TransportError{Operation: operation, Err: err}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return &ledger.TransportError{Operation: operation, Err: fmt.Errorf("read response: %w", err)}
	}
	if response.StatusCode >= http.StatusBadRequest {
		statusErr := statusError(operation, response.StatusCode, payload)
		c.logger.Debug("remote request failed",
			zap.String("operation", operation),
			zap.Int("status", response.StatusCode),
			zap.Error(statusErr),
		)
		return statusErr
	}
	if result == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, result); err != nil {
		return &ledger.TransportError{Operation: operation, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError maps an HTTP failure onto the ledger error taxonomy. Server-side failures
// are transport errors so the cycle retries them.
func statusError(operation string, status int, payload []byte) error {
	var body apiError
	_ = json.Unmarshal(payload, &body)
	switch {
	case status == http.StatusForbidden && body.Error == errorOwnerDeactivated:
		return ledger.ErrOwnerDeactivated
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", ledger.ErrUnauthorized, operation, body.Error)
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		return &ledger.TransportError{Operation: operation, Err: fmt.Errorf("HTTP %d: %s", status, body.Error)}
	default:
		return fmt.Errorf("%w: %s rejected with HTTP %d: %s", ledger.ErrValidation, operation, status, body.Error)
	}
}
