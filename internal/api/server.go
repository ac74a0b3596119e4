package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/msync/internal/auth"
	"github.com/matheus3301/msync/internal/cache"
	"github.com/matheus3301/msync/internal/errs"
	"github.com/matheus3301/msync/internal/queue"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/store"
	"github.com/matheus3301/msync/internal/syncer"
	"go.uber.org/zap"
)

// Handler serves the daemon's control API over the session unix socket.
type Handler struct {
	session string
	coord   *auth.Coordinator
	cache   *cache.Cache
	queue   *queue.Queue
	manager *realtime.Manager
	engine  *syncer.Engine
	online  func() bool
	logger  *zap.Logger
}

// NewHandler wires the control API.
func NewHandler(session string, coord *auth.Coordinator, mc *cache.Cache, q *queue.Queue, mgr *realtime.Manager, eng *syncer.Engine, online func() bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if online == nil {
		online = func() bool { return true }
	}
	return &Handler{
		session: session,
		coord:   coord,
		cache:   mc,
		queue:   q,
		manager: mgr,
		engine:  eng,
		online:  online,
		logger:  logger.Named("api"),
	}
}

// Router builds the gin engine with all control routes mounted.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	v1 := r.Group("/v1")
	{
		v1.GET("/status", h.status)
		v1.POST("/login", h.login)
		v1.POST("/logout", h.logout)
		v1.POST("/queue/flush", h.flushQueue)

		conv := v1.Group("/conversations/:id")
		{
			conv.POST("/open", h.openConversation)
			conv.POST("/close", h.closeConversation)
			conv.GET("/messages", h.listMessages)
			conv.POST("/messages", h.sendMessage)
			conv.POST("/read", h.markRead)
		}

		v1.POST("/messages/:id/reactions", h.react)
		v1.POST("/groups/:id/join", h.joinGroup)
		v1.POST("/groups/:id/leave", h.leaveGroup)
	}
	return r
}

type statusResponse struct {
	Session       string                           `json:"session"`
	Authenticated bool                             `json:"authenticated"`
	Online        bool                             `json:"online"`
	Channels      map[string]realtime.ChannelState `json:"channels"`
	Queue         queueStatus                      `json:"queue"`
}

type queueStatus struct {
	Pending int  `json:"pending"`
	Syncing bool `json:"syncing"`
}

func (h *Handler) status(c *gin.Context) {
	pending, syncing := h.queue.Status()
	c.JSON(http.StatusOK, statusResponse{
		Session:       h.session,
		Authenticated: h.coord.Authenticated(),
		Online:        h.online(),
		Channels:      h.manager.States(),
		Queue:         queueStatus{Pending: pending, Syncing: syncing},
	})
}

type loginRequest struct {
	AccessToken      string `json:"accessToken" binding:"required"`
	RefreshToken     string `json:"refreshToken" binding:"required"`
	AccessExpiresAt  int64  `json:"accessExpiresAt"`
	RefreshExpiresAt int64  `json:"refreshExpiresAt"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cred := &store.Credential{
		AccessToken:      req.AccessToken,
		RefreshToken:     req.RefreshToken,
		AccessExpiresAt:  req.AccessExpiresAt,
		RefreshExpiresAt: req.RefreshExpiresAt,
	}
	if err := h.coord.Adopt(cred); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.manager.OpenPersonal(context.Background())
	c.Status(http.StatusNoContent)
}

func (h *Handler) logout(c *gin.Context) {
	h.manager.CloseAll()
	if err := h.coord.Logout(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) flushQueue(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.queue.Flush(ctx); err != nil {
		h.replayError(c, err)
		return
	}
	pending, syncing := h.queue.Status()
	c.JSON(http.StatusOK, queueStatus{Pending: pending, Syncing: syncing})
}

func (h *Handler) openConversation(c *gin.Context) {
	id := c.Param("id")
	if !realtime.ValidRoomID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	if err := h.engine.Hydrate(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.manager.OpenRoom(context.Background(), id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": h.cache.Snapshot(id)})
}

func (h *Handler) closeConversation(c *gin.Context) {
	h.manager.CloseRoom(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (h *Handler) listMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.cache.Snapshot(c.Param("id"))})
}

type sendRequest struct {
	Body      string `json:"body" binding:"required"`
	ReplyToID string `json:"replyToId"`
}

// sendMessage is the optimistic send path: the entry appears in the
// cache immediately, the action is durably queued, and a flush is kicked
// off when the network is up.
func (h *Handler) sendMessage(c *gin.Context) {
	conversationID := c.Param("id")
	if !realtime.ValidRoomID(conversationID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	localID := h.cache.InsertOptimistic(conversationID, cache.Message{
		ConversationID: conversationID,
		Body:           req.Body,
		ReplyToID:      req.ReplyToID,
		CreatedAt:      time.Now().UnixMilli(),
	})

	if _, err := h.queue.Enqueue(queue.TypeMessage, map[string]string{
		"conversation_id": conversationID,
		"local_id":        localID,
		"body":            req.Body,
		"reply_to_id":     req.ReplyToID,
	}); err != nil {
		h.cache.MarkFailed(localID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.kickFlush()
	c.JSON(http.StatusAccepted, gin.H{"localId": localID})
}

type readRequest struct {
	LastMessageID string `json:"lastMessageId" binding:"required"`
}

func (h *Handler) markRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueueAndKick(c, queue.TypeReadStatus, map[string]string{
		"conversation_id": c.Param("id"),
		"last_message_id": req.LastMessageID,
	})
}

type reactRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (h *Handler) react(c *gin.Context) {
	var req reactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.enqueueAndKick(c, queue.TypeReaction, map[string]string{
		"message_id": c.Param("id"),
		"emoji":      req.Emoji,
	})
}

func (h *Handler) joinGroup(c *gin.Context) {
	h.enqueueAndKick(c, queue.TypeJoinGroup, map[string]string{"group_id": c.Param("id")})
}

func (h *Handler) leaveGroup(c *gin.Context) {
	h.enqueueAndKick(c, queue.TypeLeaveGroup, map[string]string{"group_id": c.Param("id")})
}

func (h *Handler) enqueueAndKick(c *gin.Context, actionType string, payload any) {
	id, err := h.queue.Enqueue(actionType, payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.kickFlush()
	c.JSON(http.StatusAccepted, gin.H{"actionId": id})
}

// kickFlush starts a background flush when online. Offline actions wait
// for the monitor's net.online transition instead.
func (h *Handler) kickFlush() {
	if !h.online() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.queue.Flush(ctx); err != nil {
			h.logger.Warn("background flush", zap.Error(err))
		}
	}()
}

func (h *Handler) replayError(c *gin.Context, err error) {
	switch {
	case errs.IsAuthExpired(err):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session expired, login required"})
	case errs.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
