package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/services"
	"streamcast/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nullSink struct{}

func (nullSink) Send(domain.ParticipantID, string, interface{}) error { return nil }
func (nullSink) Broadcast(string, interface{}, map[domain.ParticipantID]struct{}) {
}

func newTestRouter(t *testing.T, health func(ctx context.Context) error) (*gin.Engine, *services.RegistryService, *services.StatsService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zap.NewNop().Sugar()
	stats := services.NewStatsService(nil)
	registry := services.NewRegistryService(memory.NewMemoryRoomRepository(), nullSink{}, stats, log)

	router := gin.New()
	NewRoomHandler(registry, stats, health, log).RegisterRoutes(router)
	return router, registry, stats
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestListRooms(t *testing.T) {
	router, registry, _ := newTestRouter(t, nil)
	ctx := context.Background()

	_, err := registry.CreateRoom(ctx, "alice", "room-1")
	require.NoError(t, err)
	_, err = registry.JoinRoom(ctx, "bob", "room-1")
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/api/v1/rooms")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Rooms []struct {
			ID          string `json:"id"`
			StreamerID  string `json:"streamer_id"`
			ViewerCount int    `json:"viewer_count"`
		} `json:"rooms"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	assert.Equal(t, "room-1", body.Rooms[0].ID)
	assert.Equal(t, "alice", body.Rooms[0].StreamerID)
	assert.Equal(t, 1, body.Rooms[0].ViewerCount)
}

func TestGetRoomNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	w := doRequest(router, http.MethodGet, "/api/v1/rooms/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "ROOM_NOT_FOUND")
}

func TestGetRoomStats(t *testing.T) {
	router, registry, _ := newTestRouter(t, nil)
	ctx := context.Background()

	_, err := registry.CreateRoom(ctx, "alice", "room-1")
	require.NoError(t, err)
	_, err = registry.JoinRoom(ctx, "bob", "room-1")
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/api/v1/rooms/room-1/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var st services.RoomStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 1, st.CurrentViewers)
	assert.Equal(t, 1, st.PeakViewers)

	w = doRequest(router, http.MethodGet, "/api/v1/rooms/nope/stats")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	router, _, _ := newTestRouter(t, func(context.Context) error { return nil })
	w := doRequest(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestHealthDegraded(t *testing.T) {
	router, _, _ := newTestRouter(t, func(context.Context) error { return errors.New("redis down") })
	w := doRequest(router, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}
