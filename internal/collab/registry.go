package collab

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	opCreateOrGetRoom = "collab.create_or_get_room"
	opJoinRoom        = "collab.join_room"
	opLeaveRoom       = "collab.leave_room"

	reasonCapacityExceeded = "capacity_exceeded"
	reasonRoomNotFound     = "room_not_found"
	reasonHydrateFailed    = "hydrate_failed"

	defaultMaxParticipants = 10
	defaultEvictAfter      = 10 * time.Minute
	janitorInterval        = time.Minute

	// PermissionEdit is granted to every joining participant; read-only
	// membership is reserved for future sharing flows.
	PermissionEdit = "edit"
)

// participantColors is the fixed palette assigned round-robin at join time.
var participantColors = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd", "#d19a66", "#56b6c2", "#be5046", "#528bff",
}

// Participant is one (room, user, connection) membership.
type Participant struct {
	RoomID       string    `json:"roomId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"clientId"`
	DisplayName  string    `json:"displayName"`
	Color        string    `json:"color"`
	Permissions  string    `json:"permissions"`
	IsOnline     bool      `json:"isOnline"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Room is the unit of collaboration scope, identified by (project, file).
type Room struct {
	ID              string
	ProjectID       string
	FileID          string
	FilePath        string
	Name            string
	MaxParticipants int

	mu           sync.Mutex
	participants map[string]*Participant
	isActive     bool
	evicted      bool
	lastActivity time.Time
	emptySince   time.Time
	joinCount    int
}

// OnlineCount returns the number of currently online participants.
func (r *Room) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onlineCountLocked()
}

func (r *Room) onlineCountLocked() int {
	count := 0
	for _, p := range r.participants {
		if p.IsOnline {
			count++
		}
	}
	return count
}

// RegistryConfig configures the room registry.
type RegistryConfig struct {
	Store           *DocumentStore
	Persistence     *Persistence
	Presence        *Tracker
	Logger          *zap.Logger
	Clock           func() time.Time
	MaxParticipants int
	// EvictAfter is how long a room may sit empty before its in-memory
	// document is evicted. Rapid reconnects inside the window reuse the live
	// document; persisted snapshots cover everything beyond it.
	EvictAfter time.Duration
}

// Registry owns the room map. Rooms are created lazily on first join request
// and marked inactive, not discarded, when their last participant leaves.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	store           *DocumentStore
	persistence     *Persistence
	presence        *Tracker
	logger          *zap.Logger
	clock           func() time.Time
	maxParticipants int
	evictAfter      time.Duration

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, newServiceError("collab.registry.new", "missing_store", errMissingStore)
	}
	if cfg.Persistence == nil {
		return nil, newServiceError("collab.registry.new", reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxParticipants := cfg.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = defaultMaxParticipants
	}
	evictAfter := cfg.EvictAfter
	if evictAfter <= 0 {
		evictAfter = defaultEvictAfter
	}
	return &Registry{
		rooms:           make(map[string]*Room),
		store:           cfg.Store,
		persistence:     cfg.Persistence,
		presence:        cfg.Presence,
		logger:          logger,
		clock:           clock,
		maxParticipants: maxParticipants,
		evictAfter:      evictAfter,
		janitorStop:     make(chan struct{}),
	}, nil
}

// RoomIDFor derives the room identity for a (project, file) pair.
func RoomIDFor(projectID, fileID string) string {
	return fmt.Sprintf("%s:%s", projectID, fileID)
}

// CreateOrGetRoom returns the live room for a (project, file) pair, creating
// it and hydrating its document on first use. A persisted room record, if one
// exists, supplies the room's settings.
func (g *Registry) CreateOrGetRoom(ctx context.Context, projectID, fileID, filePath string) (*Room, error) {
	roomID := RoomIDFor(projectID, fileID)

	g.mu.RLock()
	room, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if ok {
		return room, nil
	}

	// Resolve the persisted record and hydrate outside the registry lock so a
	// slow load never stalls unrelated rooms.
	record, err := g.persistence.LoadRoom(ctx, projectID, fileID)
	if err != nil {
		return nil, newServiceError(opCreateOrGetRoom, reasonQueryFailed, err)
	}
	if err := g.store.Hydrate(ctx, roomID); err != nil {
		return nil, newServiceError(opCreateOrGetRoom, reasonHydrateFailed, err)
	}

	maxParticipants := g.maxParticipants
	if record != nil && record.MaxParticipants > 0 {
		maxParticipants = record.MaxParticipants
	}
	now := g.clock().UTC()
	fresh := &Room{
		ID:              roomID,
		ProjectID:       projectID,
		FileID:          fileID,
		FilePath:        filePath,
		Name:            roomNameFor(projectID, filePath),
		MaxParticipants: maxParticipants,
		participants:    make(map[string]*Participant),
		isActive:        true,
		lastActivity:    now,
	}

	g.mu.Lock()
	if existing, ok := g.rooms[roomID]; ok {
		g.mu.Unlock()
		return existing, nil
	}
	g.rooms[roomID] = fresh
	g.mu.Unlock()

	if err := g.persistence.SaveRoom(ctx, RoomRecord{
		RoomID:              roomID,
		ProjectID:           projectID,
		FileID:              fileID,
		FilePath:            filePath,
		RoomName:            fresh.Name,
		MaxParticipants:     maxParticipants,
		IsActive:            true,
		LastActivitySeconds: now.Unix(),
	}); err != nil {
		g.logger.Warn("room record save failed", zap.String("room_id", roomID), zap.Error(err))
	}

	g.logger.Info("room created", zap.String("room_id", roomID), zap.String("file_path", filePath))
	return fresh, nil
}

// Room returns the live room, if any.
func (g *Registry) Room(roomID string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	room, ok := g.rooms[roomID]
	return room, ok
}

// JoinRoom registers a participant on a live room. It fails with
// ErrCapacityExceeded when the room's online participant count is already at
// its limit.
func (g *Registry) JoinRoom(ctx context.Context, roomID, userID, connectionID, displayName string) (Participant, error) {
	room, ok := g.Room(roomID)
	if !ok {
		return Participant{}, newServiceError(opJoinRoom, reasonRoomNotFound, ErrRoomNotFound)
	}
	return g.joinRoomOn(ctx, room, userID, connectionID, displayName)
}

// joinRoomOn registers a participant on an already-resolved room. The evicted
// check closes the race with the janitor: a caller holding a room pointer
// fetched before eviction must not land a participant on a room whose document
// is gone.
func (g *Registry) joinRoomOn(ctx context.Context, room *Room, userID, connectionID, displayName string) (Participant, error) {
	roomID := room.ID

	room.mu.Lock()
	if room.evicted {
		room.mu.Unlock()
		return Participant{}, newServiceError(opJoinRoom, reasonRoomNotFound, ErrRoomNotFound)
	}
	if room.onlineCountLocked() >= room.MaxParticipants {
		room.mu.Unlock()
		return Participant{}, newServiceError(opJoinRoom, reasonCapacityExceeded, ErrCapacityExceeded)
	}
	now := g.clock().UTC()
	participant := &Participant{
		RoomID:       roomID,
		UserID:       userID,
		ConnectionID: connectionID,
		DisplayName:  displayName,
		Color:        participantColors[room.joinCount%len(participantColors)],
		Permissions:  PermissionEdit,
		IsOnline:     true,
		JoinedAt:     now,
	}
	room.joinCount++
	room.participants[connectionID] = participant
	room.isActive = true
	room.lastActivity = now
	snapshot := *participant
	room.mu.Unlock()

	if err := g.persistence.SaveParticipant(ctx, ParticipantRecord{
		RoomID:          roomID,
		UserID:          userID,
		ConnectionID:    connectionID,
		DisplayName:     displayName,
		Color:           snapshot.Color,
		Permissions:     snapshot.Permissions,
		IsOnline:        true,
		JoinedAtSeconds: now.Unix(),
	}); err != nil {
		g.logger.Warn("participant audit save failed",
			zap.String("room_id", roomID), zap.String("connection_id", connectionID), zap.Error(err))
	}

	return snapshot, nil
}

// LeaveRoom marks the participant offline. When the last online participant
// leaves, the room is marked inactive but its document is retained for the
// eviction window.
func (g *Registry) LeaveRoom(ctx context.Context, roomID, connectionID string) error {
	room, ok := g.Room(roomID)
	if !ok {
		return newServiceError(opLeaveRoom, reasonRoomNotFound, ErrRoomNotFound)
	}

	room.mu.Lock()
	if participant, ok := room.participants[connectionID]; ok {
		participant.IsOnline = false
	}
	now := g.clock().UTC()
	room.lastActivity = now
	empty := room.onlineCountLocked() == 0
	if empty {
		room.isActive = false
		room.emptySince = now
	}
	room.mu.Unlock()

	if g.presence != nil {
		g.presence.Remove(roomID, connectionID)
	}
	if err := g.persistence.MarkParticipantOffline(ctx, roomID, connectionID); err != nil {
		g.logger.Warn("participant offline mark failed",
			zap.String("room_id", roomID), zap.String("connection_id", connectionID), zap.Error(err))
	}
	if empty {
		g.logger.Info("room idle", zap.String("room_id", roomID))
	}
	return nil
}

// Participants returns a copy of the room's membership, including offline
// entries retained for audit.
func (g *Registry) Participants(roomID string) ([]Participant, error) {
	room, ok := g.Room(roomID)
	if !ok {
		return nil, newServiceError(opJoinRoom, reasonRoomNotFound, ErrRoomNotFound)
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]Participant, 0, len(room.participants))
	for _, p := range room.participants {
		out = append(out, *p)
	}
	return out, nil
}

// StartJanitor launches the background sweep that evicts documents of rooms
// left empty past the eviction window.
func (g *Registry) StartJanitor() {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sweep()
			case <-g.janitorStop:
				return
			}
		}
	}()
}

// StopJanitor halts the background sweep.
func (g *Registry) StopJanitor() {
	g.janitorOnce.Do(func() {
		close(g.janitorStop)
	})
}

func (g *Registry) sweep() {
	now := g.clock().UTC()
	var evict []string

	g.mu.RLock()
	for roomID, room := range g.rooms {
		room.mu.Lock()
		if !room.isActive && !room.emptySince.IsZero() && now.Sub(room.emptySince) >= g.evictAfter {
			evict = append(evict, roomID)
		}
		room.mu.Unlock()
	}
	g.mu.RUnlock()

	for _, roomID := range evict {
		g.evictRoom(roomID)
	}
}

func (g *Registry) evictRoom(roomID string) {
	g.mu.Lock()
	room, ok := g.rooms[roomID]
	if ok {
		// Re-check under both locks: a join may have raced the sweep. Marking
		// the room evicted here, before it leaves the map, stops any joiner
		// still holding the stale pointer.
		room.mu.Lock()
		if room.isActive || room.onlineCountLocked() > 0 {
			room.mu.Unlock()
			g.mu.Unlock()
			return
		}
		room.evicted = true
		room.mu.Unlock()
		delete(g.rooms, roomID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	g.store.Evict(roomID)
	if g.presence != nil {
		g.presence.DropRoom(roomID)
	}
	g.logger.Info("room evicted", zap.String("room_id", roomID))
}

func roomNameFor(projectID, filePath string) string {
	return path.Join(projectID, filePath)
}
