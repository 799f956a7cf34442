// Package server exposes the server of record over HTTP: push, pull, digest and an
// event stream per owner.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

const (
	ownerIDContextKey = "ledgersync_owner_id"

	// MaxPushItems caps one push request.
	MaxPushItems = 500

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRecordService  = errors.New("record service dependency required")
	errMissingOwnerRegistry  = errors.New("owner registry dependency required")
)

// TokenValidator resolves a bearer token to its owner.
type TokenValidator interface {
	ValidateToken(token string) (ledger.OwnerID, error)
}

// RecordService is the server of record.
type RecordService interface {
	ApplyPush(ctx context.Context, owner ledger.OwnerID, items []ledger.PushItem) ([]ledger.PushResult, error)
	ListChanges(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind, since int64, limit int) (ledger.PullPage, error)
	Digest(ctx context.Context, owner ledger.OwnerID, kind ledger.RecordKind) (ledger.Digest, error)
}

// OwnerRegistry refuses deactivated owners.
type OwnerRegistry interface {
	EnsureActive(ctx context.Context, owner ledger.OwnerID) error
}

type Dependencies struct {
	Tokens            TokenValidator
	Records           RecordService
	Owners            OwnerRegistry
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Records == nil {
		return nil, errMissingRecordService
	}
	if deps.Owners == nil {
		return nil, errMissingOwnerRegistry
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		records:   deps.Records,
		owners:    deps.Owners,
		realtime:  realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/owners/:owner")
	protected.Use(handler.authorizeRequest)
	protected.POST("/push", handler.handlePush)
	protected.GET("/pull", handler.handlePull)
	protected.GET("/digest", handler.handleDigest)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenValidator
	records   RecordService
	owners    OwnerRegistry
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type pushRequestPayload struct {
	Items []ledger.PushItem `json:"items"`
}

type pushResponsePayload struct {
	Results []ledger.PushResult `json:"results"`
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp_ms"`
}

type changePayload struct {
	Kind      string `json:"kind,omitempty"`
	ChangeSeq int64  `json:"change_seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp_ms"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	owner := ledger.OwnerID(c.GetString(ownerIDContextKey))

	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(request.Items) > MaxPushItems {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_many_items"})
		return
	}

	results, err := h.records.ApplyPush(c.Request.Context(), owner, request.Items)
	if err != nil {
		if errors.Is(err, ledger.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("failed to apply push", zap.String("owner_id", owner.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "push_failed"})
		return
	}
	c.JSON(http.StatusOK, pushResponsePayload{Results: results})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	owner := ledger.OwnerID(c.GetString(ownerIDContextKey))
	kind, ok := h.kindParam(c)
	if !ok {
		return
	}
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	page, err := h.records.ListChanges(c.Request.Context(), owner, kind, since, limit)
	if err != nil {
		h.logger.Error("failed to list changes", zap.String("owner_id", owner.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pull_failed"})
		return
	}
	if page.Records == nil {
		page.Records = []ledger.RemoteRecord{}
	}
	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) handleDigest(c *gin.Context) {
	owner := ledger.OwnerID(c.GetString(ownerIDContextKey))
	kind, ok := h.kindParam(c)
	if !ok {
		return
	}
	digest, err := h.records.Digest(c.Request.Context(), owner, kind)
	if err != nil {
		h.logger.Error("failed to compute digest", zap.String("owner_id", owner.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "digest_failed"})
		return
	}
	c.JSON(http.StatusOK, digest)
}

// handleStream holds an event stream open until the client leaves or the owner is
// deactivated.
func (h *httpHandler) handleStream(c *gin.Context) {
	owner := c.GetString(ownerIDContextKey)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, owner)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceServer, Timestamp: time.Now().UnixMilli()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(message.EventType, changePayload{
				Kind:      message.Kind,
				ChangeSeq: message.ChangeSeq,
				Reason:    message.Reason,
				Timestamp: message.Timestamp.UnixMilli(),
			})
			c.Writer.Flush()
			if message.EventType == RealtimeEventOwnerDeactivated {
				return
			}
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceServer, Timestamp: now.UnixMilli()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) kindParam(c *gin.Context) (ledger.RecordKind, bool) {
	kind, err := ledger.ParseRecordKind(c.Query("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return "", false
	}
	return kind, true
}

// authorizeRequest binds the bearer token to the owner in the path and refuses
// deactivated owners.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if c.Param("owner") != subject.String() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if err := h.owners.EnsureActive(c.Request.Context(), subject); err != nil {
		if errors.Is(err, ledger.ErrOwnerDeactivated) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "owner_deactivated"})
			return
		}
		h.logger.Error("owner lookup failed", zap.String("owner_id", subject.String()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "owner_lookup_failed"})
		return
	}
	c.Set(ownerIDContextKey, subject.String())
	c.Next()
}
