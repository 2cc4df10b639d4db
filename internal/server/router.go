package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sagebrookhealth/casevault/internal/actors"
	"github.com/sagebrookhealth/casevault/internal/auth"
	"github.com/sagebrookhealth/casevault/internal/locks"
	"github.com/sagebrookhealth/casevault/internal/notifications"
	"github.com/sagebrookhealth/casevault/internal/records"
	"go.uber.org/zap"
)

const actorContextKey = "casevault_actor"

var (
	errMissingPortalVerifier = errors.New("portal verifier dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingRecordsService = errors.New("records service dependency required")
	errMissingLockService    = errors.New("lock service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// PortalVerifier validates clinic portal identity tokens.
type PortalVerifier interface {
	VerifyToken(token string) (auth.PortalClaims, error)
}

// ActorTokenManager issues and validates backend bearer tokens.
type ActorTokenManager interface {
	IssueActorToken(ctx context.Context, actor actors.Actor) (string, int64, error)
	ValidateToken(token string) (actors.Actor, error)
}

// Dependencies wires the HTTP surface to the services behind it.
type Dependencies struct {
	PortalVerifier PortalVerifier
	TokenManager   ActorTokenManager
	Records        *records.Service
	Locks          *locks.Service
	Notifications  *notifications.Service
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.PortalVerifier == nil {
		return nil, errMissingPortalVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Records == nil {
		return nil, errMissingRecordsService
	}
	if deps.Locks == nil {
		return nil, errMissingLockService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:      deps.PortalVerifier,
		tokens:        deps.TokenManager,
		records:       deps.Records,
		locks:         deps.Locks,
		notifications: deps.Notifications,
		logger:        logger,
	}

	router.POST("/auth/session", handler.handlePortalAuth)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/records", handler.handleCreateRecord)
	protected.GET("/records", handler.handleListRecords)
	protected.GET("/records/:id", handler.handleGetRecord)
	protected.PUT("/records/:id", handler.handleUpdateRecord)
	protected.DELETE("/records/:id", handler.handleDeleteRecord)
	protected.POST("/records/:id/lock", handler.handleAcquireLock)
	protected.DELETE("/records/:id/lock", handler.handleReleaseLock)
	protected.GET("/records/:id/lock", handler.handleLockStatus)
	protected.GET("/records/:id/lock/history", handler.handleLockHistory)
	protected.GET("/locks/mine", handler.handleMyLocks)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications/:id/read", handler.handleMarkNotificationRead)
	protected.GET("/notifications/stream", handler.handleNotificationStream)

	return router, nil
}

type httpHandler struct {
	verifier      PortalVerifier
	tokens        ActorTokenManager
	records       *records.Service
	locks         *locks.Service
	notifications *notifications.Service
	logger        *zap.Logger
}

type portalAuthPayload struct {
	PortalToken string `json:"portal_token"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handlePortalAuth(c *gin.Context) {
	var request portalAuthPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PortalToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.VerifyToken(request.PortalToken)
	if err != nil {
		h.logger.Warn("portal token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	actor, err := actors.NewActor(claims.UserID, claims.UserName, claims.UserRole, claims.UserEmail)
	if err != nil {
		h.logger.Warn("portal claims rejected", zap.Error(err), zap.String("user_id", claims.UserID))
		c.JSON(http.StatusForbidden, gin.H{"error": "role_not_permitted"})
		return
	}

	token, expiresIn, err := h.tokens.IssueActorToken(c.Request.Context(), actor)
	if err != nil {
		h.logger.Error("failed to issue actor token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	actor, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, actor)
	c.Next()
}

func (h *httpHandler) actorFromContext(c *gin.Context) (actors.Actor, bool) {
	value, ok := c.Get(actorContextKey)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return actors.Actor{}, false
	}
	actor, ok := value.(actors.Actor)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return actors.Actor{}, false
	}
	return actor, true
}

type holderPayload struct {
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	UserRole  string `json:"user_role"`
	UserEmail string `json:"user_email,omitempty"`
}

func holderToPayload(holder locks.Holder) holderPayload {
	return holderPayload{
		UserID:    holder.UserID,
		UserName:  holder.UserName,
		UserRole:  holder.UserRole,
		UserEmail: holder.UserEmail,
	}
}

// respondServiceError maps the service error taxonomy onto HTTP statuses. A
// denied acquire or edit always names the holder so the UI can explain why.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	var held *locks.HeldError
	switch {
	case errors.Is(err, locks.ErrRecordNotFound), errors.Is(err, records.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
	case errors.As(err, &held):
		status := http.StatusLocked
		code := "record_locked"
		if errors.Is(err, locks.ErrNotLockOwner) {
			status = http.StatusForbidden
			code = "not_lock_owner"
		}
		c.JSON(status, gin.H{
			"error":        code,
			"locked_by":    holderToPayload(held.Holder),
			"locked_at_s":  held.LockedAtSeconds,
			"expires_at_s": held.ExpiresAtSeconds,
		})
	case errors.Is(err, locks.ErrIneligible):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_eligible"})
	case errors.Is(err, records.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, records.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

type recordPayload struct {
	RecordID         string `json:"record_id"`
	ClientRef        string `json:"client_ref"`
	Counselor        string `json:"counselor"`
	CreatedByID      string `json:"created_by_id"`
	CreatedByName    string `json:"created_by_name"`
	SessionAtSeconds int64  `json:"session_at_s"`
	Summary          string `json:"summary"`
	NotesJSON        string `json:"notes_json"`
	UpdatedByID      string `json:"updated_by_id"`
	UpdatedByName    string `json:"updated_by_name"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func recordToPayload(record records.Record) recordPayload {
	return recordPayload{
		RecordID:         record.RecordID,
		ClientRef:        record.ClientRef,
		Counselor:        record.Counselor,
		CreatedByID:      record.CreatedByID,
		CreatedByName:    record.CreatedByName,
		SessionAtSeconds: record.SessionAtSeconds,
		Summary:          record.Summary,
		NotesJSON:        record.NotesJSON,
		UpdatedByID:      record.UpdatedByID,
		UpdatedByName:    record.UpdatedByName,
		CreatedAtSeconds: record.CreatedAtSeconds,
		UpdatedAtSeconds: record.UpdatedAtSeconds,
	}
}

type createRecordPayload struct {
	ClientRef        string `json:"client_ref"`
	Counselor        string `json:"counselor"`
	SessionAtSeconds int64  `json:"session_at_s"`
	Summary          string `json:"summary"`
	NotesJSON        string `json:"notes_json"`
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	var request createRecordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.records.Create(c.Request.Context(), actor, records.CreateInput{
		ClientRef:        request.ClientRef,
		Counselor:        request.Counselor,
		SessionAtSeconds: request.SessionAtSeconds,
		Summary:          request.Summary,
		NotesJSON:        request.NotesJSON,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, recordToPayload(record))
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	visible, err := h.records.List(c.Request.Context(), actor)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	payload := make([]recordPayload, 0, len(visible))
	for _, record := range visible {
		payload = append(payload, recordToPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"records": payload})
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	record, err := h.records.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordToPayload(record))
}

type updateRecordPayload struct {
	ClientRef        *string `json:"client_ref"`
	Counselor        *string `json:"counselor"`
	SessionAtSeconds *int64  `json:"session_at_s"`
	Summary          *string `json:"summary"`
	NotesJSON        *string `json:"notes_json"`
}

func (h *httpHandler) handleUpdateRecord(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	var request updateRecordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.records.Update(c.Request.Context(), actor, c.Param("id"), records.UpdateInput{
		ClientRef:        request.ClientRef,
		Counselor:        request.Counselor,
		SessionAtSeconds: request.SessionAtSeconds,
		Summary:          request.Summary,
		NotesJSON:        request.NotesJSON,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordToPayload(record))
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	if err := h.records.Delete(c.Request.Context(), actor, c.Param("id")); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type lockGrantPayload struct {
	RecordID         string        `json:"record_id"`
	LockedBy         holderPayload `json:"locked_by"`
	LockedAtSeconds  int64         `json:"locked_at_s"`
	ExpiresAtSeconds int64         `json:"expires_at_s"`
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	recordID := c.Param("id")
	grant, err := h.locks.Acquire(c.Request.Context(), recordID, actor)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	h.notifyOwner(c.Request.Context(), recordID, actor, notifications.KindRecordLocked,
		actor.UserName+" locked a record you created")

	c.JSON(http.StatusCreated, lockGrantPayload{
		RecordID:         grant.RecordID,
		LockedBy:         holderToPayload(grant.Holder),
		LockedAtSeconds:  grant.LockedAtSeconds,
		ExpiresAtSeconds: grant.ExpiresAtSeconds,
	})
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	recordID := c.Param("id")
	result, err := h.locks.Release(c.Request.Context(), recordID, actor)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	if result.WasHeld {
		h.notifyOwner(c.Request.Context(), recordID, actor, notifications.KindRecordUnlocked,
			actor.UserName+" released the lock on a record you created")
	}

	c.JSON(http.StatusOK, gin.H{"released": result.WasHeld})
}

type lockStatusPayload struct {
	RecordID         string         `json:"record_id"`
	Locked           bool           `json:"locked"`
	LockedBy         *holderPayload `json:"locked_by,omitempty"`
	LockedAtSeconds  int64          `json:"locked_at_s,omitempty"`
	ExpiresAtSeconds int64          `json:"expires_at_s,omitempty"`
	CanUnlock        bool           `json:"can_unlock"`
	CanLock          bool           `json:"can_lock"`
}

func (h *httpHandler) handleLockStatus(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	snapshot, err := h.locks.Status(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	payload := lockStatusPayload{
		RecordID:  snapshot.RecordID,
		Locked:    snapshot.Locked,
		CanUnlock: snapshot.CanUnlock,
		CanLock:   snapshot.CanLock,
	}
	if snapshot.Locked {
		holder := holderToPayload(snapshot.Holder)
		payload.LockedBy = &holder
		payload.LockedAtSeconds = snapshot.LockedAtSeconds
		payload.ExpiresAtSeconds = snapshot.ExpiresAtSeconds
	}
	c.JSON(http.StatusOK, payload)
}

type auditEntryPayload struct {
	EntryID          string         `json:"entry_id"`
	Action           string         `json:"action"`
	PerformedBy      holderPayload  `json:"performed_by"`
	LockOwner        *holderPayload `json:"lock_owner,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	CreatedAtSeconds int64          `json:"created_at_s"`
}

func (h *httpHandler) handleLockHistory(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	recordID := c.Param("id")
	if _, err := h.records.Get(c.Request.Context(), actor, recordID); err != nil {
		h.respondServiceError(c, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	entries, err := h.locks.History(c.Request.Context(), recordID, limit)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	payload := make([]auditEntryPayload, 0, len(entries))
	for _, entry := range entries {
		item := auditEntryPayload{
			EntryID: entry.EntryID,
			Action:  string(entry.Action),
			PerformedBy: holderPayload{
				UserID:    entry.ActorID,
				UserName:  entry.ActorName,
				UserRole:  entry.ActorRole,
				UserEmail: entry.ActorEmail,
			},
			Reason:           entry.Reason,
			CreatedAtSeconds: entry.CreatedAtSeconds,
		}
		if entry.OwnerID != "" {
			owner := holderPayload{
				UserID:    entry.OwnerID,
				UserName:  entry.OwnerName,
				UserRole:  entry.OwnerRole,
				UserEmail: entry.OwnerEmail,
			}
			item.LockOwner = &owner
		}
		payload = append(payload, item)
	}
	c.JSON(http.StatusOK, gin.H{"record_id": recordID, "entries": payload})
}

func (h *httpHandler) handleMyLocks(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	held, err := h.locks.HeldBy(c.Request.Context(), actor.UserID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	payload := make([]lockGrantPayload, 0, len(held))
	for _, lock := range held {
		payload = append(payload, lockGrantPayload{
			RecordID:         lock.RecordID,
			LockedBy:         holderToPayload(lock.Holder()),
			LockedAtSeconds:  lock.LockedAtSeconds,
			ExpiresAtSeconds: lock.ExpiresAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"locks": payload})
}

type notificationPayload struct {
	NotificationID   string `json:"notification_id"`
	Kind             string `json:"kind"`
	RecordID         string `json:"record_id"`
	Message          string `json:"message"`
	ActorName        string `json:"actor_name"`
	Read             bool   `json:"read"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	if h.notifications == nil {
		c.JSON(http.StatusOK, gin.H{"notifications": []notificationPayload{}})
		return
	}
	onlyUnread := c.Query("unread") == "true"
	notices, err := h.notifications.ListForRecipient(c.Request.Context(), actor.UserID, onlyUnread)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	payload := make([]notificationPayload, 0, len(notices))
	for _, notice := range notices {
		payload = append(payload, notificationPayload{
			NotificationID:   notice.NotificationID,
			Kind:             string(notice.Kind),
			RecordID:         notice.RecordID,
			Message:          notice.Message,
			ActorName:        notice.ActorName,
			Read:             notice.Read,
			CreatedAtSeconds: notice.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": payload})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	if h.notifications == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
		return
	}
	err := h.notifications.MarkRead(c.Request.Context(), c.Param("id"), actor.UserID)
	if errors.Is(err, notifications.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
		return
	}
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	actor, ok := h.actorFromContext(c)
	if !ok {
		return
	}
	if h.notifications == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream_unavailable"})
		return
	}

	stream, cleanup := h.notifications.Subscribe(c.Request.Context(), actor.UserID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(string(event.Kind), gin.H{
				"record_id": event.RecordID,
				"message":   event.Message,
				"at":        event.Timestamp.Unix(),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// notifyOwner tells a record's creator about lock activity on their record.
// Best-effort: failures are logged, never surfaced to the lock caller.
func (h *httpHandler) notifyOwner(ctx context.Context, recordID string, actor actors.Actor, kind notifications.Kind, message string) {
	if h.notifications == nil {
		return
	}
	ownership, err := h.records.LookupOwnership(ctx, recordID)
	if err != nil {
		h.logger.Warn("notification ownership lookup failed", zap.Error(err), zap.String("record_id", recordID))
		return
	}
	if ownership.CreatorID == actor.UserID {
		return
	}
	err = h.notifications.Notify(ctx, notifications.NotifyInput{
		RecipientID: ownership.CreatorID,
		Kind:        kind,
		RecordID:    recordID,
		Message:     message,
		ActorName:   actor.UserName,
	})
	if err != nil {
		h.logger.Warn("notification delivery failed", zap.Error(err), zap.String("record_id", recordID))
	}
}
