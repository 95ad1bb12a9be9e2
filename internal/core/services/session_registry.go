package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
	apperrors "pepehouse/pkg/errors"
	"pepehouse/pkg/tracing"
)

// SessionRegistry maps room ids to live rooms. Creation is serialized by one
// mutex so concurrent first connections to a room share the same Room.
type SessionRegistry struct {
	engine    ports.MediaEngine
	directory ports.RoomDirectory
	events    ports.RoomEventPublisher
	metrics   ports.RoomMetrics
	options   RoomOptions
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	rooms  map[domain.RoomID]*Room
	closed bool
}

func NewSessionRegistry(
	engine ports.MediaEngine,
	directory ports.RoomDirectory,
	events ports.RoomEventPublisher,
	metrics ports.RoomMetrics,
	options RoomOptions,
	logger *zap.SugaredLogger,
) *SessionRegistry {
	if events == nil {
		events = NopEventPublisher()
	}
	if metrics == nil {
		metrics = NopRoomMetrics()
	}
	return &SessionRegistry{
		engine:    engine,
		directory: directory,
		events:    events,
		metrics:   metrics,
		options:   options,
		logger:    logger,
		rooms:     make(map[domain.RoomID]*Room),
	}
}

// GetOrCreate returns the live room for id, creating it when needed.
func (s *SessionRegistry) GetOrCreate(ctx context.Context, id domain.RoomID) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(ctx, id)
}

// Admit hands a signaling connection to its room. Lookup and registration
// happen under the registry lock, so a connection never lands in a room that
// another caller is replacing.
func (s *SessionRegistry) Admit(ctx context.Context, id domain.RoomID, conn ports.SignalPeer) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A room that started closing between lookup and registration is
	// replaced once, after it has given up its claim.
	for attempt := 0; attempt < 2; attempt++ {
		room, err := s.getOrCreateLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		err = room.HandleConnection(conn)
		if err == nil {
			return room, nil
		}
		if !apperrors.HasCode(err, apperrors.ErrCodeRoomClosed) {
			return nil, err
		}
		if s.rooms[id] == room {
			delete(s.rooms, id)
		}
		if err := room.waitReleased(ctx); err != nil {
			return nil, err
		}
	}
	return nil, apperrors.NewRoomClosedError()
}

func (s *SessionRegistry) getOrCreateLocked(ctx context.Context, id domain.RoomID) (*Room, error) {
	if s.closed {
		return nil, apperrors.NewServiceUnavailableError("server is shutting down")
	}

	if room, ok := s.rooms[id]; ok {
		if !room.Closed() {
			return room, nil
		}
		delete(s.rooms, id)
		// The old room must give up its claim before a new one takes it.
		if err := room.waitReleased(ctx); err != nil {
			return nil, err
		}
	}

	room, err := s.createRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	s.rooms[id] = room
	room.OnClose(func() { s.evict(id, room) })

	s.metrics.RoomOpened()
	if err := s.events.PublishRoomCreated(ctx, id); err != nil {
		s.logger.Warnw("Failed to publish room created", "room_id", id, "error", err)
	}
	s.logger.Infow("Room created", "room_id", id, "router_id", room.router.ID())
	return room, nil
}

// createRoom builds the engine objects of a room. On failure everything
// created so far is released.
func (s *SessionRegistry) createRoom(ctx context.Context, id domain.RoomID) (room *Room, err error) {
	ctx, span := tracing.TraceRoomOperation(ctx, "create", string(id))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	if err := s.directory.Claim(ctx, id); err != nil {
		if errors.Is(err, domain.ErrRoomClaimed) {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeConflict,
				fmt.Sprintf("room %q is hosted by another instance", id), http.StatusConflict)
		}
		return nil, apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable,
			"room directory unavailable", http.StatusServiceUnavailable)
	}

	release := func() {
		if err := s.directory.Release(context.Background(), id); err != nil {
			s.logger.Warnw("Failed to release room claim", "room_id", id, "error", err)
		}
	}

	router, err := s.engine.CreateRouter(ctx, s.options.Codecs)
	if err != nil {
		release()
		return nil, apperrors.NewEngineFailureError("createRouter", err)
	}

	observer, err := router.CreateAudioLevelObserver(ctx, s.options.AudioLevelObserver)
	if err != nil {
		router.Close()
		release()
		return nil, apperrors.NewEngineFailureError("createAudioLevelObserver", err)
	}

	bot, err := NewRelayBot(ctx, router, s.options.BotMaxMessageSize, s.logger.With("room_id", id))
	if err != nil {
		observer.Close()
		router.Close()
		release()
		return nil, apperrors.NewEngineFailureError("createBot", err)
	}

	return newRoom(id, router, observer, bot, s.options, roomDeps{
		directory: s.directory,
		events:    s.events,
		metrics:   s.metrics,
		logger:    s.logger,
	}), nil
}

func (s *SessionRegistry) evict(id domain.RoomID, room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[id] == room {
		delete(s.rooms, id)
	}
}

func (s *SessionRegistry) Get(id domain.RoomID) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	return room, ok
}

// Rooms lists the live rooms ordered by id.
func (s *SessionRegistry) Rooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].id < rooms[j].id })
	return rooms
}

func (s *SessionRegistry) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// Closed reports whether Close has run.
func (s *SessionRegistry) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes every room and refuses new ones.
func (s *SessionRegistry) Close() {
	s.mu.Lock()
	s.closed = true
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}
	s.logger.Infow("Session registry closed", "rooms", len(rooms))
}
