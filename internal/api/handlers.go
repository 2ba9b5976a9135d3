package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"nodecollab/internal/auth"
	"nodecollab/internal/models"
	"nodecollab/internal/service/registry"
)

// Rooms is the live side of a session: who is connected and how to reach them.
type Rooms interface {
	Members(ctx context.Context, sessionID string) []models.PeerInfo
	CloseRoom(sessionID string)
	ServeWS(w http.ResponseWriter, r *http.Request, sessionID string)
}

// Handler wires HTTP routes to the session registry and the relay hub.
type Handler struct {
	registry *registry.Service
	auth     *auth.Service
	rooms    Rooms
}

// NewHandler constructs a Handler instance.
func NewHandler(registryService *registry.Service, authService *auth.Service, rooms Rooms) *Handler {
	return &Handler{
		registry: registryService,
		auth:     authService,
		rooms:    rooms,
	}
}

// RegisterRoutes mounts the API on router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/health", h.health)

	sessions := api.Group("/sessions")
	sessions.POST("", h.createSession)
	sessions.GET("", h.listSessions)
	sessions.GET("/:id", h.getSession)
	sessions.GET("/:id/operations", h.listOperations)
	sessions.GET("/:id/ws", h.serveWS)
	sessions.DELETE("/:id", h.auth.Middleware("id"), h.closeSession)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createSessionRequest struct {
	Name   string `json:"name"`
	HostID string `json:"host_id"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.HostID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host_id is required"})
		return
	}
	ctx := c.Request.Context()
	session, err := h.registry.CreateSession(ctx, "", req.Name, req.HostID)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	token, err := h.auth.IssueToken(ctx, session.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": session.ID,
		"name":       session.Name,
		"host_token": token,
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.registry.ListOpenSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	ctx := c.Request.Context()
	session, ok := h.lookupSession(c)
	if !ok {
		return
	}
	members := h.rooms.Members(ctx, session.ID)
	session.Members = make([]models.User, 0, len(members))
	for _, p := range members {
		session.Members = append(session.Members, models.User{ID: p.ID, Name: p.Name})
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (h *Handler) listOperations(c *gin.Context) {
	session, ok := h.lookupSession(c)
	if !ok {
		return
	}
	after, err := queryInt(c, "after")
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after"})
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	entries, err := h.registry.ListOperations(c.Request.Context(), session.ID, after, int(limit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = make([]models.JournalEntry, 0)
	}
	c.JSON(http.StatusOK, gin.H{"operations": entries})
}

// closeSession is reachable only with the session's host token.
func (h *Handler) closeSession(c *gin.Context) {
	session, ok := h.lookupSession(c)
	if !ok {
		return
	}
	if !session.Open() {
		c.JSON(http.StatusConflict, gin.H{"error": registry.ErrSessionClosed.Error()})
		return
	}
	ctx := c.Request.Context()
	// tokens go first so cached copies are dropped while the rows still exist
	if err := h.auth.RevokeSessionTokens(ctx, session.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.registry.CloseSession(ctx, session.ID); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, registry.ErrSessionClosed):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	h.rooms.CloseRoom(session.ID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) serveWS(c *gin.Context) {
	h.rooms.ServeWS(c.Writer, c.Request, c.Param("id"))
}

func (h *Handler) lookupSession(c *gin.Context) (*models.Session, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return nil, false
	}
	session, err := h.registry.GetSession(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return session, true
}

func queryInt(c *gin.Context, key string) (int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
