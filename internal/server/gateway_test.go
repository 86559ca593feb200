package server

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/opencanvas/collab-backend/internal/collab"
	"github.com/opencanvas/collab-backend/internal/crdt"
)

// syncBarrier round-trips a sync_request so the test knows every previously
// sent frame on this connection has been dispatched.
func syncBarrier(t *testing.T, ws *websocket.Conn, roomID string) SyncResponseData {
	t.Helper()
	writeEnvelope(t, ws, Envelope{
		Type:   MessageSyncRequest,
		RoomID: roomID,
		Data:   mustMarshal(SyncRequestData{}),
	})
	env := readEnvelope(t, ws)
	if env.Type != MessageSyncResponse {
		t.Fatalf("expected sync_response, got %q: %s", env.Type, env.Data)
	}
	var data SyncResponseData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unexpected sync_response payload error: %v", err)
	}
	return data
}

func sendDocumentUpdate(t *testing.T, ws *websocket.Conn, roomID string, update []byte) {
	t.Helper()
	writeEnvelope(t, ws, Envelope{
		Type:   MessageDocumentUpdate,
		RoomID: roomID,
		Data:   mustMarshal(DocumentUpdateData{Update: update}),
	})
}

func TestJoinRoomDeliversInitialSync(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	wsA := stack.dial(t, "user-a", "Ada")
	joined := joinRoom(t, wsA, "proj-1", "file-1")
	if joined.RoomID != "proj-1:file-1" {
		t.Fatalf("unexpected room id %q", joined.RoomID)
	}
	if joined.Participant.UserID != "user-a" || joined.Participant.Color == "" {
		t.Fatalf("unexpected participant %#v", joined.Participant)
	}

	writerDoc := crdt.NewDocument("editor-a")
	update, err := writerDoc.Insert(0, "hello")
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	sendDocumentUpdate(t, wsA, joined.RoomID, update)
	syncBarrier(t, wsA, joined.RoomID)

	wsB := stack.dial(t, "user-b", "Grace")
	joinedB := joinRoom(t, wsB, "proj-1", "file-1")

	replica := crdt.NewDocument("editor-b")
	if err := replica.ApplyUpdate(joinedB.Update); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if replica.Text() != "hello" {
		t.Fatalf("expected initial sync %q, got %q", "hello", replica.Text())
	}

	// The first client is told about the newcomer.
	env := readEnvelope(t, wsA)
	if env.Type != MessageParticipantJoined {
		t.Fatalf("expected participant_joined, got %q", env.Type)
	}
	var participant collab.Participant
	if err := json.Unmarshal(env.Data, &participant); err != nil {
		t.Fatalf("unexpected participant payload error: %v", err)
	}
	if participant.UserID != "user-b" || participant.DisplayName != "Grace" {
		t.Fatalf("unexpected participant %#v", participant)
	}
}

func TestDocumentUpdateBroadcastsToPeersNotSender(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	wsA := stack.dial(t, "user-a", "Ada")
	joined := joinRoom(t, wsA, "proj-1", "file-1")
	wsB := stack.dial(t, "user-b", "Grace")
	joinRoom(t, wsB, "proj-1", "file-1")

	if env := readEnvelope(t, wsA); env.Type != MessageParticipantJoined {
		t.Fatalf("expected participant_joined, got %q", env.Type)
	}

	writerDoc := crdt.NewDocument("editor-b")
	update, err := writerDoc.Insert(0, "from b")
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	// Spoofed identity fields must be overwritten by the gateway.
	writeEnvelope(t, wsB, Envelope{
		Type:   MessageDocumentUpdate,
		RoomID: joined.RoomID,
		UserID: "user-imposter",
		Data:   mustMarshal(DocumentUpdateData{Update: update}),
	})

	env := readEnvelope(t, wsA)
	if env.Type != MessageDocumentUpdate {
		t.Fatalf("expected document_update, got %q", env.Type)
	}
	if env.UserID != "user-b" {
		t.Fatalf("expected authenticated identity user-b, got %q", env.UserID)
	}
	var data DocumentUpdateData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unexpected payload error: %v", err)
	}
	replica := crdt.NewDocument("editor-a")
	if err := replica.ApplyUpdate(data.Update); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if replica.Text() != "from b" {
		t.Fatalf("expected %q, got %q", "from b", replica.Text())
	}

	// The sender must not receive its own update back; the barrier response
	// arriving first proves that.
	sync := syncBarrier(t, wsB, joined.RoomID)
	if len(sync.Update) == 0 {
		t.Fatalf("expected server to hold the merged history")
	}
}

func TestMessagesBeforeJoinAreRejected(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	ws := stack.dial(t, "user-a", "Ada")

	writeEnvelope(t, ws, Envelope{
		Type: MessageCursorMove,
		Data: mustMarshal(collab.CursorState{Line: 1}),
	})
	errData := decodeErrorData(t, readEnvelope(t, ws))
	if errData.Code != ErrorCodeNotJoined {
		t.Fatalf("expected %q, got %q", ErrorCodeNotJoined, errData.Code)
	}
}

func TestSecondJoinOnSameConnectionIsRejected(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	ws := stack.dial(t, "user-a", "Ada")
	joinRoom(t, ws, "proj-1", "file-1")

	writeEnvelope(t, ws, Envelope{
		Type: MessageJoinRoom,
		Data: mustMarshal(JoinRoomData{ProjectID: "proj-1", FileID: "file-2"}),
	})
	errData := decodeErrorData(t, readEnvelope(t, ws))
	if errData.Code != ErrorCodeAlreadyJoined {
		t.Fatalf("expected %q, got %q", ErrorCodeAlreadyJoined, errData.Code)
	}
}

func TestJoinRejectedWhenRoomIsFull(t *testing.T) {
	stack := newTestStack(t, stackOptions{maxParticipants: 1})

	wsA := stack.dial(t, "user-a", "Ada")
	joinRoom(t, wsA, "proj-1", "file-1")

	wsB := stack.dial(t, "user-b", "Grace")
	writeEnvelope(t, wsB, Envelope{
		Type: MessageJoinRoom,
		Data: mustMarshal(JoinRoomData{ProjectID: "proj-1", FileID: "file-1"}),
	})
	errData := decodeErrorData(t, readEnvelope(t, wsB))
	if errData.Code != ErrorCodeCapacityExceeded {
		t.Fatalf("expected %q, got %q", ErrorCodeCapacityExceeded, errData.Code)
	}
}

func TestRateLimitDropsMessageButKeepsConnection(t *testing.T) {
	stack := newTestStack(t, stackOptions{messagesPerMinute: 2})
	ws := stack.dial(t, "user-a", "Ada")
	joined := joinRoom(t, ws, "proj-1", "file-1")

	writeEnvelope(t, ws, Envelope{
		Type:   MessageCursorMove,
		RoomID: joined.RoomID,
		Data:   mustMarshal(collab.CursorState{Line: 1}),
	})
	writeEnvelope(t, ws, Envelope{
		Type:   MessageCursorMove,
		RoomID: joined.RoomID,
		Data:   mustMarshal(collab.CursorState{Line: 2}),
	})

	errData := decodeErrorData(t, readEnvelope(t, ws))
	if errData.Code != ErrorCodeRateLimitExceeded {
		t.Fatalf("expected %q, got %q", ErrorCodeRateLimitExceeded, errData.Code)
	}
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	ws := stack.dial(t, "user-a", "Ada")

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"no_such_type"}`)); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	errData := decodeErrorData(t, readEnvelope(t, ws))
	if errData.Code != ErrorCodeInvalidMessage {
		t.Fatalf("expected %q, got %q", ErrorCodeInvalidMessage, errData.Code)
	}
}

func TestSyncRequestCatchesUpStaleClient(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	wsA := stack.dial(t, "user-a", "Ada")
	joined := joinRoom(t, wsA, "proj-1", "file-1")

	writerDoc := crdt.NewDocument("editor-a")
	update, err := writerDoc.Insert(0, "abc")
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	sendDocumentUpdate(t, wsA, joined.RoomID, update)

	sync := syncBarrier(t, wsA, joined.RoomID)
	replica := crdt.NewDocument("editor-fresh")
	if err := replica.ApplyUpdate(sync.Update); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if replica.Text() != "abc" {
		t.Fatalf("expected %q, got %q", "abc", replica.Text())
	}
	if len(sync.StateVector) == 0 {
		t.Fatalf("expected a state vector in the sync response")
	}
}

func TestLeaveRoomNotifiesPeersWithOfflinePresence(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	wsA := stack.dial(t, "user-a", "Ada")
	joined := joinRoom(t, wsA, "proj-1", "file-1")
	wsB := stack.dial(t, "user-b", "Grace")
	joinRoom(t, wsB, "proj-1", "file-1")

	if env := readEnvelope(t, wsA); env.Type != MessageParticipantJoined {
		t.Fatalf("expected participant_joined, got %q", env.Type)
	}

	writeEnvelope(t, wsB, Envelope{Type: MessageLeaveRoom, RoomID: joined.RoomID})
	if env := readEnvelope(t, wsB); env.Type != MessageRoomLeft {
		t.Fatalf("expected room_left, got %q", env.Type)
	}

	env := readEnvelope(t, wsA)
	if env.Type != MessagePresenceUpdate {
		t.Fatalf("expected presence_update, got %q", env.Type)
	}
	var state collab.PresenceState
	if err := json.Unmarshal(env.Data, &state); err != nil {
		t.Fatalf("unexpected presence payload error: %v", err)
	}
	if state.UserID != "user-b" || state.Status != "offline" {
		t.Fatalf("unexpected presence %#v", state)
	}
}

func TestCursorMoveUpdatesPresenceForLateJoiners(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	wsA := stack.dial(t, "user-a", "Ada")
	joined := joinRoom(t, wsA, "proj-1", "file-1")
	writeEnvelope(t, wsA, Envelope{
		Type:   MessageCursorMove,
		RoomID: joined.RoomID,
		Data:   mustMarshal(collab.CursorState{Line: 4, Column: 2}),
	})
	syncBarrier(t, wsA, joined.RoomID)

	wsB := stack.dial(t, "user-b", "Grace")
	joinedB := joinRoom(t, wsB, "proj-1", "file-1")
	if len(joinedB.Presence) != 1 {
		t.Fatalf("expected 1 presence entry, got %d", len(joinedB.Presence))
	}
	entry := joinedB.Presence[0]
	if entry.UserID != "user-a" || entry.Cursor == nil || entry.Cursor.Line != 4 {
		t.Fatalf("unexpected presence entry %#v", entry)
	}
}

func TestDisconnectActsAsLeave(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	wsA := stack.dial(t, "user-a", "Ada")
	joined := joinRoom(t, wsA, "proj-1", "file-1")
	wsB := stack.dial(t, "user-b", "Grace")
	joinRoom(t, wsB, "proj-1", "file-1")

	if env := readEnvelope(t, wsA); env.Type != MessageParticipantJoined {
		t.Fatalf("expected participant_joined, got %q", env.Type)
	}

	wsB.Close()

	env := readEnvelope(t, wsA)
	if env.Type != MessagePresenceUpdate {
		t.Fatalf("expected presence_update after disconnect, got %q", env.Type)
	}
	var state collab.PresenceState
	if err := json.Unmarshal(env.Data, &state); err != nil {
		t.Fatalf("unexpected presence payload error: %v", err)
	}
	if state.UserID != "user-b" || state.Status != "offline" {
		t.Fatalf("unexpected presence %#v", state)
	}

	room, ok := stack.registry.Room(joined.RoomID)
	if !ok {
		t.Fatalf("expected room retained after disconnect")
	}
	if room.OnlineCount() != 1 {
		t.Fatalf("expected 1 online participant, got %d", room.OnlineCount())
	}
}

func TestFilteredUpdateIsDroppedSilently(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	wsA := stack.dial(t, "user-a", "Ada")
	joined := joinRoom(t, wsA, "proj-1", "file-1")
	wsB := stack.dial(t, "user-b", "Grace")
	joinRoom(t, wsB, "proj-1", "file-1")

	if env := readEnvelope(t, wsA); env.Type != MessageParticipantJoined {
		t.Fatalf("expected participant_joined, got %q", env.Type)
	}

	// Null byte in the leading window marks the payload as binary.
	writeEnvelope(t, wsB, Envelope{
		Type:   MessageDocumentUpdate,
		RoomID: joined.RoomID,
		Data:   mustMarshal(DocumentUpdateData{Update: []byte{'a', 0x00, 'b'}}),
	})
	syncBarrier(t, wsB, joined.RoomID)

	text, err := stack.store.Text(joined.RoomID)
	if err != nil {
		t.Fatalf("unexpected text error: %v", err)
	}
	if text != "" {
		t.Fatalf("filtered update reached the document: %q", text)
	}

	// A valid update still flows afterwards; the peer never saw the bad one.
	writerDoc := crdt.NewDocument("editor-b")
	update, err := writerDoc.Insert(0, "ok")
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	sendDocumentUpdate(t, wsB, joined.RoomID, update)

	env := readEnvelope(t, wsA)
	if env.Type != MessageDocumentUpdate {
		t.Fatalf("expected only the valid update broadcast, got %q", env.Type)
	}
}

func TestCeilingSizedUpdateSurvivesTheSocket(t *testing.T) {
	const ceiling = 256 << 10
	stack := newTestStack(t, stackOptions{maxUpdateBytes: ceiling})

	ws := stack.dial(t, "user-a", "Ada")
	joined := joinRoom(t, ws, "proj-1", "file-1")

	// A single op carrying a near-ceiling value. The envelope base64-encodes
	// update bytes, so the wire frame runs a third larger than the raw update.
	value := strings.Repeat("a", 250_000)
	update := []byte(mustMarshal(crdt.Update{Ops: []crdt.Op{{
		Kind:  crdt.OpInsert,
		ID:    crdt.ItemID{Client: "bulk-writer", Clock: 1},
		Value: value,
	}}}))
	if len(update) > ceiling {
		t.Fatalf("update of %d bytes is over the %d ceiling", len(update), ceiling)
	}

	sendDocumentUpdate(t, ws, joined.RoomID, update)

	// The connection must survive and the server must hold the content.
	sync := syncBarrier(t, ws, joined.RoomID)
	replica := crdt.NewDocument("editor-fresh")
	if err := replica.ApplyUpdate(sync.Update); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	if got := len(replica.Text()); got != len(value) {
		t.Fatalf("expected %d characters after sync, got %d", len(value), got)
	}
}

func TestUpdatesDuringJoinAreNotLost(t *testing.T) {
	stack := newTestStack(t, stackOptions{})

	wsA := stack.dial(t, "user-a", "Ada")
	joined := joinRoom(t, wsA, "proj-1", "file-1")

	const writes = 40
	want := strings.Repeat("a", writes)
	writerDoc := crdt.NewDocument("editor-a")
	writerErr := make(chan error, 1)
	go func() {
		defer close(writerErr)
		for i := 0; i < writes; i++ {
			update, err := writerDoc.Insert(i, "a")
			if err != nil {
				writerErr <- err
				return
			}
			err = wsA.WriteJSON(Envelope{
				Type:   MessageDocumentUpdate,
				RoomID: joined.RoomID,
				Data:   mustMarshal(DocumentUpdateData{Update: update}),
			})
			if err != nil {
				writerErr <- err
				return
			}
		}
	}()

	// Join while the writer is mid-stream. Once the connection is registered
	// for fan-out, broadcasts may precede the room_joined reply; hold them
	// until the snapshot is applied so per-client order is preserved.
	wsB := stack.dial(t, "user-b", "Grace")
	writeEnvelope(t, wsB, Envelope{
		Type: MessageJoinRoom,
		Data: mustMarshal(JoinRoomData{ProjectID: "proj-1", FileID: "file-1", FilePath: "src/a.go"}),
	})

	replica := crdt.NewDocument("editor-b")
	applyBroadcast := func(env Envelope) {
		var data DocumentUpdateData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("unexpected update payload error: %v", err)
		}
		if err := replica.ApplyUpdate(data.Update); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}

	var joinedB RoomJoinedData
	var pending []Envelope
	for {
		env := readEnvelope(t, wsB)
		if env.Type == MessageDocumentUpdate {
			pending = append(pending, env)
			continue
		}
		if env.Type != MessageRoomJoined {
			t.Fatalf("expected room_joined or document_update, got %q", env.Type)
		}
		if err := json.Unmarshal(env.Data, &joinedB); err != nil {
			t.Fatalf("unexpected room_joined payload error: %v", err)
		}
		break
	}
	if err := replica.ApplyUpdate(joinedB.Update); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	for _, env := range pending {
		applyBroadcast(env)
	}

	// Every concurrent write reaches the replica through the join snapshot,
	// the broadcast stream, or both; duplicates collapse on apply.
	for replica.Text() != want {
		env := readEnvelope(t, wsB)
		if env.Type != MessageDocumentUpdate {
			t.Fatalf("expected document_update, got %q", env.Type)
		}
		applyBroadcast(env)
	}

	if err := <-writerErr; err != nil {
		t.Fatalf("unexpected writer error: %v", err)
	}
}
