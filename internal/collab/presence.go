package collab

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presenceKeyPrefix   = "collab:presence:"
	presenceMirrorTTL   = 5 * time.Minute
	presenceMirrorLimit = 2 * time.Second
)

// CursorState is a participant's cursor and optional selection.
type CursorState struct {
	Line           int    `json:"line"`
	Column         int    `json:"column"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
	Color          string `json:"color,omitempty"`
}

// PresenceState is the ephemeral awareness entry for one connection. It is
// distinct from document content and never reaches the merge path.
type PresenceState struct {
	UserID       string       `json:"userId"`
	ConnectionID string       `json:"clientId"`
	DisplayName  string       `json:"displayName,omitempty"`
	Color        string       `json:"color,omitempty"`
	Status       string       `json:"status,omitempty"`
	Cursor       *CursorState `json:"cursor,omitempty"`
}

// TrackerConfig configures the presence tracker.
type TrackerConfig struct {
	// Diagnostics, when set, receives best-effort presence mirrors with a
	// short TTL so a crashed process leaves an inspectable trace. Presence is
	// otherwise purely in-memory.
	Diagnostics *redis.Client
	Logger      *zap.Logger
}

// Tracker holds ephemeral per-room presence. Entries are overwritten on every
// cursor or presence message and dropped with the connection.
type Tracker struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]PresenceState
	diagnostics *redis.Client
	logger      *zap.Logger
}

// NewTracker returns an empty presence tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Tracker{
		rooms:       make(map[string]map[string]PresenceState),
		diagnostics: cfg.Diagnostics,
		logger:      logger,
	}
}

// Update overwrites the presence entry for a connection.
func (t *Tracker) Update(roomID string, state PresenceState) {
	t.mu.Lock()
	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]PresenceState)
		t.rooms[roomID] = room
	}
	room[state.ConnectionID] = state
	t.mu.Unlock()
	t.mirror(roomID)
}

// SetCursor overwrites only the cursor of an existing entry, creating a
// minimal entry when the connection has no presence yet.
func (t *Tracker) SetCursor(roomID, userID, connectionID string, cursor CursorState) {
	t.mu.Lock()
	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[string]PresenceState)
		t.rooms[roomID] = room
	}
	entry, ok := room[connectionID]
	if !ok {
		entry = PresenceState{UserID: userID, ConnectionID: connectionID}
	}
	entry.Cursor = &cursor
	room[connectionID] = entry
	t.mu.Unlock()
	t.mirror(roomID)
}

// Snapshot returns every presence entry in the room, ordered by connection id
// so late joiners render existing cursors deterministically.
func (t *Tracker) Snapshot(roomID string) []PresenceState {
	t.mu.RLock()
	room := t.rooms[roomID]
	entries := make([]PresenceState, 0, len(room))
	for _, entry := range room {
		entries = append(entries, entry)
	}
	t.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ConnectionID < entries[j].ConnectionID
	})
	return entries
}

// Remove drops the entry for a connection.
func (t *Tracker) Remove(roomID, connectionID string) {
	t.mu.Lock()
	if room, ok := t.rooms[roomID]; ok {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()
	t.mirror(roomID)
}

// DropRoom discards all presence for an evicted room.
func (t *Tracker) DropRoom(roomID string) {
	t.mu.Lock()
	delete(t.rooms, roomID)
	t.mu.Unlock()
}

func (t *Tracker) mirror(roomID string) {
	if t.diagnostics == nil {
		return
	}
	entries := t.Snapshot(roomID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), presenceMirrorLimit)
		defer cancel()
		key := presenceKeyPrefix + roomID
		if len(entries) == 0 {
			if err := t.diagnostics.Del(ctx, key).Err(); err != nil {
				t.logger.Debug("presence mirror delete failed", zap.String("room_id", roomID), zap.Error(err))
			}
			return
		}
		payload, err := json.Marshal(entries)
		if err != nil {
			return
		}
		if err := t.diagnostics.Set(ctx, key, payload, presenceMirrorTTL).Err(); err != nil {
			t.logger.Debug("presence mirror write failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}()
}
