package http

import (
	"context"
	"net/http"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/internal/core/services"
	apperrors "streamcast/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RoomHandler serves the read-only room browsing and stats API.
type RoomHandler struct {
	registry ports.RoomRegistry
	stats    *services.StatsService
	health   func(ctx context.Context) error
	logger   *zap.SugaredLogger
}

func NewRoomHandler(
	registry ports.RoomRegistry,
	stats *services.StatsService,
	health func(ctx context.Context) error,
	logger *zap.SugaredLogger,
) *RoomHandler {
	return &RoomHandler{
		registry: registry,
		stats:    stats,
		health:   health,
		logger:   logger,
	}
}

// RegisterRoutes attaches the handler's routes to the router group.
func (h *RoomHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/rooms", h.ListRooms)
		v1.GET("/rooms/:id", h.GetRoom)
		v1.GET("/rooms/:id/stats", h.GetRoomStats)
		v1.GET("/stats", h.GetStats)
	}
}

type roomResponse struct {
	ID          domain.RoomID        `json:"id"`
	StreamerID  domain.ParticipantID `json:"streamer_id"`
	ViewerCount int                  `json:"viewer_count"`
	State       domain.RoomState     `json:"state"`
	CreatedAt   time.Time            `json:"created_at"`
}

func toRoomResponse(room *domain.Room) roomResponse {
	return roomResponse{
		ID:          room.ID,
		StreamerID:  room.Streamer,
		ViewerCount: room.ViewerCount(),
		State:       room.State,
		CreatedAt:   room.CreatedAt,
	}
}

// ListRooms returns every live room for the browsing surface.
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.registry.ListRooms(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	out := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, toRoomResponse(room))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": out, "total": len(out)})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	room, err := h.registry.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRoomResponse(room))
}

func (h *RoomHandler) GetRoomStats(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	st := h.stats.GetRoomStats(roomID)
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no stats for room"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *RoomHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rooms":             h.stats.ListRoomStats(),
		"delivery_failures": h.stats.DeliveryFailures(),
	})
}

func (h *RoomHandler) Health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Warnw("health check failed", "error", err)
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, gin.H{"status": status, "time": time.Now().UTC()})
}

func (h *RoomHandler) respondError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.FromDomain(err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"code":  appErr.Code,
		"error": appErr.Message,
	})
}
