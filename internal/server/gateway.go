package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opencanvas/collab-backend/internal/collab"
	"github.com/opencanvas/collab-backend/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
	readLimitSlack = 16 << 10
)

var (
	errMissingRegistry = errors.New("room registry dependency required")
	errMissingDocStore = errors.New("document store dependency required")
	errMissingFilter   = errors.New("safety filter dependency required")
	errMissingPresence = errors.New("presence tracker dependency required")
)

// GatewayConfig configures the websocket gateway.
type GatewayConfig struct {
	Registry          *collab.Registry
	Store             *collab.DocumentStore
	Filter            *collab.SafetyFilter
	Presence          *collab.Tracker
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
	Clock             func() time.Time
	IDProvider        IDProvider
	MessagesPerMinute int
	MaxUpdateBytes    int
}

// Gateway owns every websocket connection: it decodes client frames into
// typed events exactly once at this boundary, walks each connection through
// connected → joined → closed, and fans resulting events out to room peers.
//
// Fan-out is fire-and-forget per peer: sends go into each peer's buffered
// queue without blocking, so one slow or dead connection never stalls a room.
type Gateway struct {
	registry *collab.Registry
	store    *collab.DocumentStore
	filter   *collab.SafetyFilter
	presence *collab.Tracker
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
	ids      IDProvider
	perMin   int
	maxFrame int64

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[string]*connection
}

type connection struct {
	id          string
	userID      string
	displayName string
	ws          *websocket.Conn
	send        chan []byte
	limiter     *slidingLimiter
	done        chan struct{}
	closeOnce   sync.Once

	mu     sync.Mutex
	roomID string
}

// NewGateway validates the configuration and returns a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Store == nil {
		return nil, errMissingDocStore
	}
	if cfg.Filter == nil {
		return nil, errMissingFilter
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	maxUpdate := cfg.MaxUpdateBytes
	if maxUpdate <= 0 {
		maxUpdate = 1 << 20
	}
	return &Gateway{
		registry: cfg.Registry,
		store:    cfg.Store,
		filter:   cfg.Filter,
		presence: cfg.Presence,
		logger:   logger,
		metrics:  m,
		clock:    clock,
		ids:      ids,
		perMin:   cfg.MessagesPerMinute,
		// Update bytes travel base64-encoded inside the JSON envelope, so the
		// frame limit must fit the encoded form of a ceiling-sized update plus
		// envelope overhead. Anything the filter may accept must survive the
		// socket; grossly oversized frames are still cut at the transport.
		maxFrame: int64(base64.StdEncoding.EncodedLen(maxUpdate) + readLimitSlack),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin from the editor UI; the
			// bearer token established at upgrade is the access control.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[string]*connection),
	}, nil
}

// Serve upgrades an already-authenticated request and runs the connection
// until it closes. The identity comes from the validated session, never from
// message fields.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, userID, displayName string) {
	connID, err := g.ids.NewID()
	if err != nil {
		g.logger.Error("connection id generation failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &connection{
		id:          connID,
		userID:      userID,
		displayName: displayName,
		ws:          ws,
		send:        make(chan []byte, sendBufferSize),
		limiter:     newSlidingLimiter(g.perMin, rateLimitWindow, g.clock),
		done:        make(chan struct{}),
	}
	g.metrics.ConnectedClients.Inc()
	g.logger.Info("connection opened",
		zap.String("connection_id", connID), zap.String("user_id", userID))

	go g.writePump(conn)
	g.reply(conn, Envelope{
		Type:     MessageAuthenticated,
		UserID:   userID,
		ClientID: connID,
		Data:     mustMarshal(map[string]string{"userId": userID, "clientId": connID}),
	})
	g.readLoop(conn)
}

func (g *Gateway) readLoop(conn *connection) {
	defer g.disconnect(conn)

	conn.ws.SetReadLimit(g.maxFrame)
	_ = conn.ws.SetReadDeadline(g.clock().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(g.clock().Add(pongWait))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("connection read failed",
					zap.String("connection_id", conn.id), zap.Error(err))
			}
			return
		}
		if !conn.limiter.Allow() {
			g.metrics.RateLimitDrops.Inc()
			g.replyError(conn, ErrorCodeRateLimitExceeded, "message budget exceeded, slow down")
			continue
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			g.replyError(conn, ErrorCodeInvalidMessage, err.Error())
			continue
		}
		env.UserID = conn.userID
		env.ClientID = conn.id
		g.dispatch(conn, env)
	}
}

func (g *Gateway) dispatch(conn *connection, env Envelope) {
	roomID := conn.joinedRoom()

	if env.Type == MessageJoinRoom {
		if roomID != "" {
			g.replyError(conn, ErrorCodeAlreadyJoined, "connection already joined a room")
			return
		}
		g.handleJoin(conn, env)
		return
	}
	if roomID == "" {
		g.replyError(conn, ErrorCodeNotJoined, "join a room first")
		return
	}

	switch env.Type {
	case MessageLeaveRoom:
		g.leave(conn)
		g.reply(conn, Envelope{Type: MessageRoomLeft, RoomID: roomID, UserID: conn.userID, ClientID: conn.id})
	case MessageDocumentUpdate:
		g.handleDocumentUpdate(conn, roomID, env)
	case MessageCursorMove:
		g.handleCursorMove(conn, roomID, env)
	case MessagePresenceUpdate:
		g.handlePresenceUpdate(conn, roomID, env)
	case MessageSyncRequest:
		g.handleSyncRequest(conn, roomID, env)
	}
}

func (g *Gateway) handleJoin(conn *connection, env Envelope) {
	var data JoinRoomData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.ProjectID == "" || data.FileID == "" {
		g.replyError(conn, ErrorCodeInvalidMessage, "join_room requires projectId and fileId")
		return
	}

	ctx := context.Background()
	room, err := g.registry.CreateOrGetRoom(ctx, data.ProjectID, data.FileID, data.FilePath)
	if err != nil {
		g.logger.Error("room resolution failed",
			zap.String("project_id", data.ProjectID), zap.String("file_id", data.FileID), zap.Error(err))
		g.replyError(conn, ErrorCodeInternal, "room unavailable")
		return
	}
	displayName := data.DisplayName
	if displayName == "" {
		displayName = conn.displayName
	}
	participant, err := g.registry.JoinRoom(ctx, room.ID, conn.userID, conn.id, displayName)
	if err != nil {
		if errors.Is(err, collab.ErrCapacityExceeded) {
			g.replyError(conn, ErrorCodeCapacityExceeded, "room is full")
			return
		}
		g.logger.Error("room join failed", zap.String("room_id", room.ID), zap.Error(err))
		g.replyError(conn, ErrorCodeInternal, "join failed")
		return
	}

	// Register for fan-out before snapshotting the document: a peer update
	// applied concurrently then lands in the snapshot, the broadcast, or both,
	// never neither. Duplicate delivery is a no-op for the replica.
	g.register(room.ID, conn)
	conn.setRoom(room.ID)

	stateVector, err := g.store.StateVector(room.ID)
	if err != nil {
		g.logger.Error("initial sync failed", zap.String("room_id", room.ID), zap.Error(err))
		conn.setRoom("")
		g.unregister(room.ID, conn.id)
		_ = g.registry.LeaveRoom(ctx, room.ID, conn.id)
		g.replyError(conn, ErrorCodeInternal, "initial sync failed")
		return
	}
	fullUpdate, err := g.store.Diff(room.ID, nil)
	if err != nil {
		fullUpdate = nil
	}

	g.reply(conn, Envelope{
		Type:     MessageRoomJoined,
		RoomID:   room.ID,
		UserID:   conn.userID,
		ClientID: conn.id,
		Data: mustMarshal(RoomJoinedData{
			RoomID:      room.ID,
			RoomName:    room.Name,
			Participant: participant,
			StateVector: stateVector,
			Update:      fullUpdate,
			Presence:    g.presence.Snapshot(room.ID),
		}),
	})
	g.broadcast(room.ID, conn.id, Envelope{
		Type:     MessageParticipantJoined,
		RoomID:   room.ID,
		UserID:   conn.userID,
		ClientID: conn.id,
		Data:     mustMarshal(participant),
	})
}

func (g *Gateway) handleDocumentUpdate(conn *connection, roomID string, env Envelope) {
	var data DocumentUpdateData
	if err := json.Unmarshal(env.Data, &data); err != nil || len(data.Update) == 0 {
		g.replyError(conn, ErrorCodeInvalidMessage, "document_update requires an update payload")
		return
	}

	// Filter rejections are silent drops: a spurious update from one client
	// must not break the session, and peers never see it.
	if err := g.filter.Check(data.Update, data.Origin); err != nil {
		g.metrics.UpdatesRejected.WithLabelValues("filtered").Inc()
		g.logger.Warn("update dropped by safety filter",
			zap.String("room_id", roomID),
			zap.String("user_id", conn.userID),
			zap.String("origin", data.Origin),
			zap.Error(err))
		return
	}

	if err := g.store.ApplyRemoteUpdate(context.Background(), roomID, conn.userID, data.Update); err != nil {
		if errors.Is(err, collab.ErrDocumentNotFound) {
			g.logger.Error("document missing for joined room",
				zap.String("room_id", roomID), zap.Error(err))
			g.replyError(conn, ErrorCodeInternal, "document unavailable")
			return
		}
		g.metrics.UpdatesRejected.WithLabelValues("malformed").Inc()
		g.logger.Warn("malformed update dropped",
			zap.String("room_id", roomID), zap.String("user_id", conn.userID), zap.Error(err))
		return
	}

	g.broadcast(roomID, conn.id, Envelope{
		Type:     MessageDocumentUpdate,
		RoomID:   roomID,
		UserID:   conn.userID,
		ClientID: conn.id,
		Data:     env.Data,
	})
}

func (g *Gateway) handleCursorMove(conn *connection, roomID string, env Envelope) {
	var cursor collab.CursorState
	if err := json.Unmarshal(env.Data, &cursor); err != nil {
		g.replyError(conn, ErrorCodeInvalidMessage, "cursor_move payload invalid")
		return
	}
	g.presence.SetCursor(roomID, conn.userID, conn.id, cursor)
	g.broadcast(roomID, conn.id, Envelope{
		Type:     MessageCursorMove,
		RoomID:   roomID,
		UserID:   conn.userID,
		ClientID: conn.id,
		Data:     env.Data,
	})
}

func (g *Gateway) handlePresenceUpdate(conn *connection, roomID string, env Envelope) {
	var state collab.PresenceState
	if err := json.Unmarshal(env.Data, &state); err == nil {
		state.UserID = conn.userID
		state.ConnectionID = conn.id
		g.presence.Update(roomID, state)
	}
	// Broadcast verbatim either way; presence payloads are advisory.
	g.broadcast(roomID, conn.id, Envelope{
		Type:     MessagePresenceUpdate,
		RoomID:   roomID,
		UserID:   conn.userID,
		ClientID: conn.id,
		Data:     env.Data,
	})
}

func (g *Gateway) handleSyncRequest(conn *connection, roomID string, env Envelope) {
	var data SyncRequestData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		g.replyError(conn, ErrorCodeInvalidMessage, "sync_request payload invalid")
		return
	}
	delta, err := g.store.Diff(roomID, data.StateVector)
	if err != nil {
		g.logger.Warn("sync diff failed", zap.String("room_id", roomID), zap.Error(err))
		g.replyError(conn, ErrorCodeInternal, "sync failed")
		return
	}
	stateVector, err := g.store.StateVector(roomID)
	if err != nil {
		g.replyError(conn, ErrorCodeInternal, "sync failed")
		return
	}
	g.reply(conn, Envelope{
		Type:     MessageSyncResponse,
		RoomID:   roomID,
		UserID:   conn.userID,
		ClientID: conn.id,
		Data:     mustMarshal(SyncResponseData{Update: delta, StateVector: stateVector}),
	})
}

// BroadcastExternal fans out a server-originated document update, e.g. from
// the file-sync collaborator writing through the HTTP surface.
func (g *Gateway) BroadcastExternal(roomID, userID string, update []byte) {
	g.broadcast(roomID, "", Envelope{
		Type:   MessageDocumentUpdate,
		RoomID: roomID,
		UserID: userID,
		Data:   mustMarshal(DocumentUpdateData{Update: update}),
	})
}

// leave performs the leave_room effect: registry leave, fan-out set removal,
// and an offline presence broadcast so peers clear the cursor.
func (g *Gateway) leave(conn *connection) {
	roomID := conn.joinedRoom()
	if roomID == "" {
		return
	}
	conn.setRoom("")
	g.unregister(roomID, conn.id)
	if err := g.registry.LeaveRoom(context.Background(), roomID, conn.id); err != nil {
		g.logger.Warn("room leave failed",
			zap.String("room_id", roomID), zap.String("connection_id", conn.id), zap.Error(err))
	}
	g.broadcast(roomID, conn.id, Envelope{
		Type:     MessagePresenceUpdate,
		RoomID:   roomID,
		UserID:   conn.userID,
		ClientID: conn.id,
		Data: mustMarshal(collab.PresenceState{
			UserID:       conn.userID,
			ConnectionID: conn.id,
			Status:       "offline",
		}),
	})
}

// disconnect runs the implicit leave on socket close or heartbeat timeout.
func (g *Gateway) disconnect(conn *connection) {
	g.leave(conn)
	conn.closeOnce.Do(func() {
		close(conn.done)
	})
	_ = conn.ws.Close()
	g.metrics.ConnectedClients.Dec()
	g.logger.Info("connection closed",
		zap.String("connection_id", conn.id), zap.String("user_id", conn.userID))
}

func (g *Gateway) register(roomID string, conn *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	peers, ok := g.rooms[roomID]
	if !ok {
		peers = make(map[string]*connection)
		g.rooms[roomID] = peers
	}
	peers[conn.id] = conn
}

func (g *Gateway) unregister(roomID, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	peers := g.rooms[roomID]
	if peers != nil {
		delete(peers, connID)
		if len(peers) == 0 {
			delete(g.rooms, roomID)
		}
	}
}

// broadcast fans a message out to every connection in the room except
// excludeConnID. Sends are non-blocking per peer; a full buffer drops the
// frame for that peer only.
func (g *Gateway) broadcast(roomID, excludeConnID string, env Envelope) {
	env.Timestamp = g.clock().UnixMilli()
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}

	g.mu.RLock()
	peers := g.rooms[roomID]
	targets := make([]*connection, 0, len(peers))
	for id, peer := range peers {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, peer)
	}
	g.mu.RUnlock()

	for _, peer := range targets {
		select {
		case peer.send <- payload:
			g.metrics.BroadcastsSent.Inc()
		default:
			g.metrics.BroadcastsDropped.Inc()
		}
	}
}

func (g *Gateway) reply(conn *connection, env Envelope) {
	env.Timestamp = g.clock().UnixMilli()
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case conn.send <- payload:
	default:
		g.metrics.BroadcastsDropped.Inc()
	}
}

func (g *Gateway) replyError(conn *connection, code, message string) {
	g.reply(conn, Envelope{
		Type:     MessageError,
		UserID:   conn.userID,
		ClientID: conn.id,
		Data:     mustMarshal(ErrorData{Code: code, Message: message}),
	})
}

func (g *Gateway) writePump(conn *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()
	for {
		select {
		case payload := <-conn.send:
			_ = conn.ws.SetWriteDeadline(g.clock().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(g.clock().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.done:
			return
		}
	}
}

func (c *connection) joinedRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *connection) setRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}
