package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opencanvas/collab-backend/internal/auth"
	"github.com/opencanvas/collab-backend/internal/collab"
)

const (
	userIDContextKey      = "collab_user_id"
	displayNameContextKey = "collab_display_name"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingGateway        = errors.New("gateway dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator validates access tokens presented on the HTTP surface and at
// websocket upgrade.
type TokenValidator interface {
	ValidateToken(token string) (auth.AccessClaims, error)
}

// Dependencies wires the HTTP surface to the collaboration core.
type Dependencies struct {
	Tokens          TokenValidator
	Gateway         *Gateway
	Registry        *collab.Registry
	Store           *collab.DocumentStore
	Persistence     *collab.Persistence
	MetricsGatherer prometheus.Gatherer
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router: health and metrics are open, the
// websocket endpoint and room debug surface require a valid bearer token.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Store == nil {
		return nil, errMissingDocStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.Tokens,
		gateway:     deps.Gateway,
		registry:    deps.Registry,
		store:       deps.Store,
		persistence: deps.Persistence,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	metricsHandler := promhttp.Handler()
	if deps.MetricsGatherer != nil {
		metricsHandler = promhttp.HandlerFor(deps.MetricsGatherer, promhttp.HandlerOpts{})
	}
	router.GET("/metrics", gin.WrapH(metricsHandler))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebsocket)
	protected.POST("/rooms", handler.handleCreateRoom)
	protected.GET("/rooms/:roomId/participants", handler.handleListParticipants)
	protected.GET("/rooms/:roomId/document", handler.handleGetDocument)
	protected.GET("/rooms/:roomId/timeline", handler.handleListTimeline)
	protected.POST("/rooms/:roomId/content", handler.handleReplaceContent)

	return router, nil
}

type httpHandler struct {
	tokens      TokenValidator
	gateway     *Gateway
	registry    *collab.Registry
	store       *collab.DocumentStore
	persistence *collab.Persistence
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	displayName := c.GetString(displayNameContextKey)
	h.gateway.Serve(c.Writer, c.Request, userID, displayName)
}

type createRoomPayload struct {
	ProjectID string `json:"projectId"`
	FileID    string `json:"fileId"`
	FilePath  string `json:"filePath"`
}

type roomResponsePayload struct {
	RoomID          string `json:"roomId"`
	ProjectID       string `json:"projectId"`
	FileID          string `json:"fileId"`
	FilePath        string `json:"filePath"`
	RoomName        string `json:"roomName"`
	MaxParticipants int    `json:"maxParticipants"`
	OnlineCount     int    `json:"onlineCount"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var request createRoomPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.ProjectID) == "" || strings.TrimSpace(request.FileID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	room, err := h.registry.CreateOrGetRoom(c.Request.Context(), request.ProjectID, request.FileID, request.FilePath)
	if err != nil {
		h.logger.Error("room creation failed",
			zap.String("project_id", request.ProjectID), zap.String("file_id", request.FileID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "room_create_failed"})
		return
	}

	c.JSON(http.StatusOK, roomResponsePayload{
		RoomID:          room.ID,
		ProjectID:       room.ProjectID,
		FileID:          room.FileID,
		FilePath:        room.FilePath,
		RoomName:        room.Name,
		MaxParticipants: room.MaxParticipants,
		OnlineCount:     room.OnlineCount(),
	})
}

func (h *httpHandler) handleListParticipants(c *gin.Context) {
	roomID := c.Param("roomId")
	participants, err := h.registry.Participants(roomID)
	if err != nil {
		if errors.Is(err, collab.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "participants_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "participants": participants})
}

type documentResponsePayload struct {
	RoomID      string `json:"roomId"`
	Content     string `json:"content"`
	StateVector []byte `json:"stateVector"`
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	roomID := c.Param("roomId")
	content, err := h.store.Text(roomID)
	if err != nil {
		if errors.Is(err, collab.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document_failed"})
		return
	}
	stateVector, err := h.store.StateVector(roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document_failed"})
		return
	}
	c.JSON(http.StatusOK, documentResponsePayload{
		RoomID:      roomID,
		Content:     content,
		StateVector: stateVector,
	})
}

type timelineEntryPayload struct {
	UserID        string `json:"userId"`
	OperationType string `json:"operationType"`
	Clock         int64  `json:"clock"`
	CreatedAtS    int64  `json:"createdAtS"`
}

func (h *httpHandler) handleListTimeline(c *gin.Context) {
	if h.persistence == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "timeline_unavailable"})
		return
	}
	roomID := c.Param("roomId")
	records, err := h.persistence.ListTimeline(c.Request.Context(), roomID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "timeline_failed"})
		return
	}
	entries := make([]timelineEntryPayload, 0, len(records))
	for _, record := range records {
		entries = append(entries, timelineEntryPayload{
			UserID:        record.UserID,
			OperationType: record.OperationType,
			Clock:         record.Clock,
			CreatedAtS:    record.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "entries": entries})
}

type replaceContentPayload struct {
	Content string `json:"content"`
}

// handleReplaceContent lets a server-side collaborator (e.g. the file-sync
// watcher) swap the whole document. The resulting update is broadcast to every
// connected client so editors converge on the new text.
func (h *httpHandler) handleReplaceContent(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetString(userIDContextKey)

	var request replaceContentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	update, err := h.store.ReplaceContent(c.Request.Context(), roomID, userID, request.Content)
	if err != nil {
		if errors.Is(err, collab.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return
		}
		h.logger.Error("content replace failed", zap.String("room_id", roomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replace_failed"})
		return
	}
	if len(update) > 0 {
		h.gateway.BroadcastExternal(roomID, userID, update)
	}

	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "updateBytes": len(update)})
}

// authorizeRequest accepts the token from the Authorization header, or from
// the token query parameter for websocket clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case c.Query("token") != "":
		token = c.Query("token")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(displayNameContextKey, claims.DisplayName)
	c.Next()
}
