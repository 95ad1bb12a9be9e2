package http

import (
	"net/http"
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
	"pepehouse/internal/core/services"
	apperrors "pepehouse/pkg/errors"
	"pepehouse/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomRegistry is the part of the session registry the admin API reads.
type RoomRegistry interface {
	Rooms() []*services.Room
	Get(id domain.RoomID) (*services.Room, bool)
}

// StatsSource provides the in-memory counters for /stats.
type StatsSource interface {
	Snapshot() services.MetricsSnapshot
}

type RoomHandler struct {
	rooms      RoomRegistry
	directory  ports.RoomDirectory
	stats      StatsSource
	instanceID string
}

func NewRoomHandler(rooms RoomRegistry, directory ports.RoomDirectory, stats StatsSource, instanceID string) *RoomHandler {
	return &RoomHandler{
		rooms:      rooms,
		directory:  directory,
		stats:      stats,
		instanceID: instanceID,
	}
}

// SetupRoutes mounts the admin API on group, which carries the auth and
// rate limiting middlewares.
func (h *RoomHandler) SetupRoutes(group *gin.RouterGroup) {
	group.GET("/rooms", h.ListRooms)
	group.GET("/rooms/:id", h.GetRoom)
	group.GET("/rooms/:id/rtp-capabilities", h.GetRtpCapabilities)
	group.GET("/stats", h.GetStats)
}

type roomSummary struct {
	ID        domain.RoomID `json:"id"`
	CreatedAt time.Time     `json:"createdAt"`
	Peers     int           `json:"peers"`
	Joined    int           `json:"joinedPeers"`
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.rooms.Rooms()
	summaries := make([]roomSummary, 0, len(rooms))
	for _, room := range rooms {
		snap := room.Snapshot()
		if snap.Closed {
			continue
		}
		joined := 0
		for _, p := range snap.Peers {
			if p.Joined {
				joined++
			}
		}
		summaries = append(summaries, roomSummary{
			ID:        snap.ID,
			CreatedAt: snap.CreatedAt,
			Peers:     len(snap.Peers),
			Joined:    joined,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": summaries,
		"count": len(summaries),
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room.Snapshot())
}

func (h *RoomHandler) GetRtpCapabilities(c *gin.Context) {
	room, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room.RtpCapabilities())
}

func (h *RoomHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.Snapshot())
}

// lookup resolves the :id room on this instance. A room hosted by another
// instance is reported as a conflict naming its owner.
func (h *RoomHandler) lookup(c *gin.Context) (*services.Room, bool) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return nil, false
	}

	roomID := domain.RoomID(id)
	if room, ok := h.rooms.Get(roomID); ok && !room.Closed() {
		return room, true
	}

	owner, err := h.directory.Owner(c.Request.Context(), roomID)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "room directory unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	if owner != "" && owner != h.instanceID {
		c.Error(apperrors.NewConflictError("room is hosted by another instance").WithContext("owner", owner))
		return nil, false
	}

	c.Error(apperrors.NewNotFoundError("room"))
	return nil, false
}
