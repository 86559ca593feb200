package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencanvas/collab-backend/internal/collab"
)

// Client-to-server message types.
const (
	MessageJoinRoom       = "join_room"
	MessageLeaveRoom      = "leave_room"
	MessageDocumentUpdate = "document_update"
	MessageCursorMove     = "cursor_move"
	MessagePresenceUpdate = "presence_update"
	MessageSyncRequest    = "sync_request"
)

// Server-to-client message types.
const (
	MessageError             = "error"
	MessageAuthenticated     = "authenticated"
	MessageRoomJoined        = "room_joined"
	MessageRoomLeft          = "room_left"
	MessageParticipantJoined = "participant_joined"
	MessageSyncResponse      = "sync_response"
)

// Error codes carried in error replies.
const (
	ErrorCodeNotJoined         = "not_joined"
	ErrorCodeAlreadyJoined     = "already_joined"
	ErrorCodeCapacityExceeded  = "capacity_exceeded"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeInvalidMessage    = "invalid_message"
	ErrorCodeInternal          = "internal_error"
)

var errUnknownMessageType = errors.New("unknown message type")

// Envelope is the wire frame for every websocket message. UserID and ClientID
// on inbound frames are overwritten from the authenticated connection before
// dispatch; a client cannot speak as anyone but itself.
type Envelope struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// JoinRoomData identifies the file a client wants to collaborate on.
type JoinRoomData struct {
	ProjectID   string `json:"projectId"`
	FileID      string `json:"fileId"`
	FilePath    string `json:"filePath"`
	DisplayName string `json:"displayName,omitempty"`
}

// DocumentUpdateData carries one binary CRDT update, base64 inside JSON.
type DocumentUpdateData struct {
	Update []byte `json:"update"`
	// Origin is the file path the client claims the edit came from; the
	// safety filter uses it to reject binary-typed sources.
	Origin string `json:"origin,omitempty"`
}

// SyncRequestData carries the state vector a client last saw.
type SyncRequestData struct {
	StateVector []byte `json:"stateVector"`
}

// SyncResponseData carries the catch-up delta and the server's current vector.
type SyncResponseData struct {
	Update      []byte `json:"update"`
	StateVector []byte `json:"stateVector"`
}

// RoomJoinedData is the initial sync handed to a client on join: the full
// document history, the server's state vector, and everyone's presence.
type RoomJoinedData struct {
	RoomID      string                 `json:"roomId"`
	RoomName    string                 `json:"roomName"`
	Participant collab.Participant     `json:"participant"`
	StateVector []byte                 `json:"stateVector"`
	Update      []byte                 `json:"update"`
	Presence    []collab.PresenceState `json:"presence"`
}

// ErrorData is the payload of an error reply.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	switch env.Type {
	case MessageJoinRoom, MessageLeaveRoom, MessageDocumentUpdate,
		MessageCursorMove, MessagePresenceUpdate, MessageSyncRequest:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("%w: %q", errUnknownMessageType, env.Type)
	}
}

func mustMarshal(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		// All payload types marshal cleanly.
		panic(err)
	}
	return payload
}
