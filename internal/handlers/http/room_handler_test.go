package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
	"pepehouse/internal/core/services"
	"pepehouse/internal/infrastructure/middleware"
	"pepehouse/internal/infrastructure/repositories/memory"
	"pepehouse/internal/infrastructure/webrtc"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubDirectory reports fixed owners for rooms this instance does not host.
type stubDirectory struct {
	owners map[domain.RoomID]string
	err    error
}

func (d *stubDirectory) Claim(ctx context.Context, roomID domain.RoomID) error   { return nil }
func (d *stubDirectory) Release(ctx context.Context, roomID domain.RoomID) error { return nil }
func (d *stubDirectory) Owner(ctx context.Context, roomID domain.RoomID) (string, error) {
	return d.owners[roomID], d.err
}

type roomAPI struct {
	router   *gin.Engine
	registry *services.SessionRegistry
	metrics  *services.MetricsService
}

func newRoomAPI(t *testing.T, directory ports.RoomDirectory) *roomAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine, err := webrtc.NewEngine(webrtc.Config{
		ListenIP:    "127.0.0.1",
		AnnouncedIP: "192.0.2.1",
		MinPort:     43000,
		MaxPort:     43099,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)

	metrics := services.NewMetricsService()
	registry := services.NewSessionRegistry(engine, memory.NewMemoryRoomDirectory("node-1"), nil, metrics, services.RoomOptions{
		Codecs: []domain.RtpCodecCapability{
			{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
			{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
		},
		MaxSctpMessageSize: 262144,
		AudioLevelObserver: ports.AudioLevelObserverOptions{MaxEntries: 1, Threshold: -80, Interval: time.Hour},
		BotMaxMessageSize:  512,
	}, zap.NewNop().Sugar())
	t.Cleanup(registry.Close)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewRoomHandler(registry, directory, metrics, "node-1").SetupRoutes(router.Group("/api/v1"))

	return &roomAPI{router: router, registry: registry, metrics: metrics}
}

func (a *roomAPI) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func TestRoomHandler_ListRooms(t *testing.T) {
	api := newRoomAPI(t, &stubDirectory{})

	_, body := api.get(t, "/api/v1/rooms")
	assert.Equal(t, 0.0, body["count"])

	_, err := api.registry.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)

	w, body := api.get(t, "/api/v1/rooms")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["count"])
	rooms := body["rooms"].([]interface{})
	assert.Equal(t, "r1", rooms[0].(map[string]interface{})["id"])
}

func TestRoomHandler_GetRoom(t *testing.T) {
	api := newRoomAPI(t, &stubDirectory{})
	_, err := api.registry.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)

	w, body := api.get(t, "/api/v1/rooms/r1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "r1", body["id"])
	assert.Equal(t, false, body["closed"])
	assert.Empty(t, body["peers"])
}

func TestRoomHandler_GetRtpCapabilities(t *testing.T) {
	api := newRoomAPI(t, &stubDirectory{})
	_, err := api.registry.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rooms/r1/rtp-capabilities", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var caps domain.RtpCapabilities
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &caps))
	assert.NotEmpty(t, caps.Codecs)
}

func TestRoomHandler_RoomErrors(t *testing.T) {
	cases := []struct {
		name      string
		directory *stubDirectory
		path      string
		status    int
		code      string
	}{
		{"unknown room", &stubDirectory{}, "/api/v1/rooms/missing", http.StatusNotFound, "NOT_FOUND"},
		{"invalid id", &stubDirectory{}, "/api/v1/rooms/bad%20id", http.StatusBadRequest, "INVALID_INPUT"},
		{"hosted elsewhere", &stubDirectory{owners: map[domain.RoomID]string{"r9": "node-2"}}, "/api/v1/rooms/r9", http.StatusConflict, "CONFLICT"},
		{"own stale claim", &stubDirectory{owners: map[domain.RoomID]string{"r9": "node-1"}}, "/api/v1/rooms/r9", http.StatusNotFound, "NOT_FOUND"},
		{"directory down", &stubDirectory{err: errors.New("redis down")}, "/api/v1/rooms/r9/rtp-capabilities", http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := newRoomAPI(t, tc.directory)
			w, body := api.get(t, tc.path)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, body["error"])
		})
	}
}

func TestRoomHandler_HostedElsewhereNamesOwner(t *testing.T) {
	api := newRoomAPI(t, &stubDirectory{owners: map[domain.RoomID]string{"r9": "node-2"}})

	_, body := api.get(t, "/api/v1/rooms/r9")
	details := body["details"].(map[string]interface{})
	assert.Equal(t, "node-2", details["owner"])
}

func TestRoomHandler_GetStats(t *testing.T) {
	api := newRoomAPI(t, &stubDirectory{})
	_, err := api.registry.GetOrCreate(context.Background(), "r1")
	require.NoError(t, err)

	w, body := api.get(t, "/api/v1/stats")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["openRooms"])
}
