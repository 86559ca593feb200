package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opencanvas/collab-backend/internal/crdt"
	"github.com/opencanvas/collab-backend/internal/metrics"
)

const (
	opHydrate        = "collab.hydrate"
	opApplyUpdate    = "collab.apply_remote_update"
	opApplyLocalEdit = "collab.apply_local_edit"
	opDiff           = "collab.diff"

	reasonDocumentNotFound = "document_not_found"
	reasonSnapshotCorrupt  = "snapshot_corrupt"
	reasonMergeFailed      = "merge_failed"
	reasonEditFailed       = "edit_failed"

	serverReplicaID  = "server"
	persistQueueSize = 16
	persistTimeout   = 5 * time.Second
)

// OperationType values recorded on the timeline.
const (
	OperationDocumentUpdate = "document_update"
	OperationExternalEdit   = "external_edit"
)

// DocumentStoreConfig configures the in-memory document store.
type DocumentStoreConfig struct {
	Persistence *Persistence
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// DocumentStore owns the live CRDT document of every hydrated room. All
// mutating operations on one room are serialized behind that room's mutex;
// rooms never contend with each other. Snapshots and timeline entries are
// written by a per-room background worker so storage latency never blocks the
// editing session.
type DocumentStore struct {
	mu          sync.RWMutex
	docs        map[string]*roomDocument
	persistence *Persistence
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

type roomDocument struct {
	mu      sync.Mutex
	doc     *crdt.Document
	clock   int64
	persist chan persistJob
	stop    chan struct{}
}

type persistJob struct {
	stateVector []byte
	snapshot    []byte
	userID      string
	opType      string
	opJSON      string
	clock       int64
}

// NewDocumentStore validates the configuration and returns a DocumentStore.
func NewDocumentStore(cfg DocumentStoreConfig) (*DocumentStore, error) {
	if cfg.Persistence == nil {
		return nil, newServiceError("collab.store.new", "missing_persistence", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	return &DocumentStore{
		docs:        make(map[string]*roomDocument),
		persistence: cfg.Persistence,
		logger:      logger,
		metrics:     m,
	}, nil
}

// Hydrate loads the room's document from its latest persisted snapshot, or
// creates an empty one when the room has never been persisted. Only the room
// registry calls this; every other operation requires a hydrated document.
// Hydrating an already-live room is a no-op, preserving the one-document-per-
// room invariant.
func (s *DocumentStore) Hydrate(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[roomID]; ok {
		return nil
	}

	var doc *crdt.Document
	snapshot, err := s.persistence.LoadLatestSnapshot(ctx, roomID)
	if err != nil {
		return newServiceError(opHydrate, reasonQueryFailed, err)
	}
	if snapshot == nil {
		doc = crdt.NewDocument(serverReplicaID)
	} else {
		doc, err = crdt.NewDocumentFromSnapshot(serverReplicaID, snapshot.Update)
		if err != nil {
			s.logger.Error("persisted snapshot is not replayable",
				zap.String("room_id", roomID), zap.Int64("version", snapshot.Version), zap.Error(err))
			return newServiceError(opHydrate, reasonSnapshotCorrupt, err)
		}
	}

	rd := &roomDocument{
		doc:     doc,
		persist: make(chan persistJob, persistQueueSize),
		stop:    make(chan struct{}),
	}
	s.docs[roomID] = rd
	s.metrics.ActiveRooms.Set(float64(len(s.docs)))
	go s.persistLoop(roomID, rd)
	return nil
}

// Has reports whether the room currently holds a live document.
func (s *DocumentStore) Has(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[roomID]
	return ok
}

// ApplyRemoteUpdate merges a client-produced update into the room's document.
// The merge is commutative and idempotent; acceptance order within a room is
// fixed by the room mutex. An accepted update is persisted asynchronously.
func (s *DocumentStore) ApplyRemoteUpdate(ctx context.Context, roomID, userID string, update []byte) error {
	rd, ok := s.lookup(roomID)
	if !ok {
		return newServiceError(opApplyUpdate, reasonDocumentNotFound, ErrDocumentNotFound)
	}

	rd.mu.Lock()
	if err := rd.doc.ApplyUpdate(update); err != nil {
		rd.mu.Unlock()
		return newServiceError(opApplyUpdate, reasonMergeFailed, err)
	}
	rd.clock++
	job := persistJob{
		stateVector: rd.doc.StateVector(),
		snapshot:    rd.doc.Snapshot(),
		userID:      userID,
		opType:      OperationDocumentUpdate,
		opJSON:      operationJSON(len(update)),
		clock:       rd.clock,
	}
	rd.mu.Unlock()

	s.metrics.UpdatesApplied.Inc()
	s.enqueuePersist(roomID, rd, job)
	return nil
}

// ApplyLocalEdit applies a server-side edit (e.g. an external file-sync write)
// to the live document and returns the resulting update for broadcast.
func (s *DocumentStore) ApplyLocalEdit(ctx context.Context, roomID, userID string, index, deleteLen int, insert string) ([]byte, error) {
	rd, ok := s.lookup(roomID)
	if !ok {
		return nil, newServiceError(opApplyLocalEdit, reasonDocumentNotFound, ErrDocumentNotFound)
	}

	rd.mu.Lock()
	var parts [][]byte
	if deleteLen > 0 {
		removed, err := rd.doc.Delete(index, deleteLen)
		if err != nil {
			rd.mu.Unlock()
			return nil, newServiceError(opApplyLocalEdit, reasonEditFailed, err)
		}
		parts = append(parts, removed)
	}
	if insert != "" {
		inserted, err := rd.doc.Insert(index, insert)
		if err != nil {
			rd.mu.Unlock()
			return nil, newServiceError(opApplyLocalEdit, reasonEditFailed, err)
		}
		parts = append(parts, inserted)
	}
	update, err := crdt.MergeUpdates(parts...)
	if err != nil {
		rd.mu.Unlock()
		return nil, newServiceError(opApplyLocalEdit, reasonMergeFailed, err)
	}
	rd.clock++
	job := persistJob{
		stateVector: rd.doc.StateVector(),
		snapshot:    rd.doc.Snapshot(),
		userID:      userID,
		opType:      OperationExternalEdit,
		opJSON:      operationJSON(len(update)),
		clock:       rd.clock,
	}
	rd.mu.Unlock()

	s.enqueuePersist(roomID, rd, job)
	return update, nil
}

// ReplaceContent swaps the entire document content for the given text and
// returns the resulting update for broadcast.
func (s *DocumentStore) ReplaceContent(ctx context.Context, roomID, userID, content string) ([]byte, error) {
	rd, ok := s.lookup(roomID)
	if !ok {
		return nil, newServiceError(opApplyLocalEdit, reasonDocumentNotFound, ErrDocumentNotFound)
	}

	rd.mu.Lock()
	var parts [][]byte
	if rd.doc.Len() > 0 {
		removed, err := rd.doc.Delete(0, rd.doc.Len())
		if err != nil {
			rd.mu.Unlock()
			return nil, newServiceError(opApplyLocalEdit, reasonEditFailed, err)
		}
		parts = append(parts, removed)
	}
	if content != "" {
		inserted, err := rd.doc.Insert(0, content)
		if err != nil {
			rd.mu.Unlock()
			return nil, newServiceError(opApplyLocalEdit, reasonEditFailed, err)
		}
		parts = append(parts, inserted)
	}
	update, err := crdt.MergeUpdates(parts...)
	if err != nil {
		rd.mu.Unlock()
		return nil, newServiceError(opApplyLocalEdit, reasonMergeFailed, err)
	}
	rd.clock++
	job := persistJob{
		stateVector: rd.doc.StateVector(),
		snapshot:    rd.doc.Snapshot(),
		userID:      userID,
		opType:      OperationExternalEdit,
		opJSON:      operationJSON(len(update)),
		clock:       rd.clock,
	}
	rd.mu.Unlock()

	s.enqueuePersist(roomID, rd, job)
	return update, nil
}

// Diff produces the minimal catch-up delta for a client holding the given
// state vector.
func (s *DocumentStore) Diff(roomID string, sinceStateVector []byte) ([]byte, error) {
	rd, ok := s.lookup(roomID)
	if !ok {
		return nil, newServiceError(opDiff, reasonDocumentNotFound, ErrDocumentNotFound)
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	delta, err := rd.doc.Diff(sinceStateVector)
	if err != nil {
		return nil, newServiceError(opDiff, reasonMergeFailed, err)
	}
	return delta, nil
}

// StateVector returns the room document's current state vector.
func (s *DocumentStore) StateVector(roomID string) ([]byte, error) {
	rd, ok := s.lookup(roomID)
	if !ok {
		return nil, newServiceError(opDiff, reasonDocumentNotFound, ErrDocumentNotFound)
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.doc.StateVector(), nil
}

// Text returns the room document's visible content.
func (s *DocumentStore) Text(roomID string) (string, error) {
	rd, ok := s.lookup(roomID)
	if !ok {
		return "", newServiceError(opDiff, reasonDocumentNotFound, ErrDocumentNotFound)
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.doc.Text(), nil
}

// Evict discards the room's in-memory document. Persisted snapshots survive,
// so a later Hydrate restores the state.
func (s *DocumentStore) Evict(roomID string) {
	s.mu.Lock()
	rd, ok := s.docs[roomID]
	if ok {
		delete(s.docs, roomID)
		s.metrics.ActiveRooms.Set(float64(len(s.docs)))
	}
	s.mu.Unlock()
	if ok {
		close(rd.stop)
	}
}

func (s *DocumentStore) lookup(roomID string) (*roomDocument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rd, ok := s.docs[roomID]
	return rd, ok
}

// enqueuePersist hands a snapshot to the room's persistence worker without
// blocking. Each job carries the full snapshot, so dropping one under
// backpressure only delays durability until the next accepted update.
func (s *DocumentStore) enqueuePersist(roomID string, rd *roomDocument, job persistJob) {
	select {
	case rd.persist <- job:
	default:
		s.logger.Warn("persistence queue full, snapshot deferred",
			zap.String("room_id", roomID), zap.Int64("clock", job.clock))
	}
}

func (s *DocumentStore) persistLoop(roomID string, rd *roomDocument) {
	for {
		select {
		case job := <-rd.persist:
			s.runPersist(roomID, job)
		case <-rd.stop:
			for {
				select {
				case job := <-rd.persist:
					s.runPersist(roomID, job)
				default:
					return
				}
			}
		}
	}
}

func (s *DocumentStore) runPersist(roomID string, job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if _, err := s.persistence.SaveSnapshot(ctx, roomID, job.stateVector, job.snapshot, true); err != nil {
		s.metrics.PersistenceFailures.Inc()
	}
	err := s.persistence.AppendTimeline(ctx, TimelineEntry{
		RoomID:        roomID,
		UserID:        job.userID,
		OperationType: job.opType,
		OperationJSON: job.opJSON,
		Clock:         job.clock,
	})
	if err != nil {
		s.metrics.PersistenceFailures.Inc()
	}
}

func operationJSON(updateBytes int) string {
	payload, err := json.Marshal(map[string]int{"update_bytes": updateBytes})
	if err != nil {
		return "{}"
	}
	return string(payload)
}
