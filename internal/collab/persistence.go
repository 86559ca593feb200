package collab

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opSaveRoom           = "collab.save_room"
	opLoadRoom           = "collab.load_room"
	opSaveSnapshot       = "collab.save_snapshot"
	opLoadLatestSnapshot = "collab.load_latest_snapshot"
	opAppendTimeline     = "collab.append_timeline"
	opListTimeline       = "collab.list_timeline"
	opSaveParticipant    = "collab.save_participant"
	opMarkOffline        = "collab.mark_participant_offline"
	opListParticipants   = "collab.list_participants"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonInsertFailed    = "insert_failed"
	reasonUpdateFailed    = "update_failed"
	reasonPayloadInvalid  = "payload_invalid"
)

var noOpLogger = zap.NewNop()

// Snapshot is a decoded persisted snapshot row.
type Snapshot struct {
	StateVector []byte
	Update      []byte
	Version     int64
}

// TimelineEntry describes one operation appended to a room's timeline.
type TimelineEntry struct {
	RoomID        string
	UserID        string
	OperationType string
	OperationJSON string
	Clock         int64
}

// PersistenceConfig configures the durable storage adapter.
type PersistenceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Persistence writes room, snapshot, timeline and participant state to durable
// storage. Callers treat failures as durability degradation only: the live
// in-memory document remains the source of truth.
type Persistence struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewPersistence validates the configuration and returns a Persistence.
func NewPersistence(cfg PersistenceConfig) (*Persistence, error) {
	if cfg.Database == nil {
		return nil, newServiceError("collab.persistence.new", reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Persistence{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveRoom upserts the durable room record.
func (p *Persistence) SaveRoom(ctx context.Context, record RoomRecord) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"file_path", "room_name", "max_participants", "is_active", "last_activity_s",
		}),
	}).Create(&record).Error
	if err != nil {
		p.logError(opSaveRoom, reasonInsertFailed, err, zap.String("room_id", record.RoomID))
		return newServiceError(opSaveRoom, reasonInsertFailed, err)
	}
	return nil
}

// LoadRoom returns the persisted room for a (project, file) pair, or nil when
// none exists.
func (p *Persistence) LoadRoom(ctx context.Context, projectID, fileID string) (*RoomRecord, error) {
	var record RoomRecord
	err := p.db.WithContext(ctx).
		Where("project_id = ? AND file_id = ?", projectID, fileID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		p.logError(opLoadRoom, reasonQueryFailed, err,
			zap.String("project_id", projectID), zap.String("file_id", fileID))
		return nil, newServiceError(opLoadRoom, reasonQueryFailed, err)
	}
	return &record, nil
}

// SaveSnapshot stores a new versioned snapshot row for the room and returns the
// assigned version. Versions increase monotonically per room.
func (p *Persistence) SaveSnapshot(ctx context.Context, roomID string, stateVector, update []byte, isSnapshot bool) (int64, error) {
	var version int64
	txErr := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest SnapshotRecord
		err := tx.Where("room_id = ?", roomID).
			Order("version DESC").
			Take(&latest).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("latest version lookup: %w", err)
		}
		version = latest.Version + 1
		record := SnapshotRecord{
			RoomID:           roomID,
			Version:          version,
			StateVectorB64:   base64.StdEncoding.EncodeToString(stateVector),
			UpdateB64:        base64.StdEncoding.EncodeToString(update),
			IsSnapshot:       isSnapshot,
			CreatedAtSeconds: p.clock().UTC().Unix(),
		}
		return tx.Create(&record).Error
	})
	if txErr != nil {
		p.logError(opSaveSnapshot, reasonInsertFailed, txErr, zap.String("room_id", roomID))
		return 0, newServiceError(opSaveSnapshot, reasonInsertFailed, txErr)
	}
	return version, nil
}

// LoadLatestSnapshot returns the newest full snapshot for a room, or nil when
// the room has never been persisted.
func (p *Persistence) LoadLatestSnapshot(ctx context.Context, roomID string) (*Snapshot, error) {
	var record SnapshotRecord
	err := p.db.WithContext(ctx).
		Where("room_id = ? AND is_snapshot = ?", roomID, true).
		Order("version DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		p.logError(opLoadLatestSnapshot, reasonQueryFailed, err, zap.String("room_id", roomID))
		return nil, newServiceError(opLoadLatestSnapshot, reasonQueryFailed, err)
	}
	stateVector, err := base64.StdEncoding.DecodeString(record.StateVectorB64)
	if err != nil {
		p.logError(opLoadLatestSnapshot, reasonPayloadInvalid, err, zap.String("room_id", roomID))
		return nil, newServiceError(opLoadLatestSnapshot, reasonPayloadInvalid, err)
	}
	update, err := base64.StdEncoding.DecodeString(record.UpdateB64)
	if err != nil {
		p.logError(opLoadLatestSnapshot, reasonPayloadInvalid, err, zap.String("room_id", roomID))
		return nil, newServiceError(opLoadLatestSnapshot, reasonPayloadInvalid, err)
	}
	return &Snapshot{StateVector: stateVector, Update: update, Version: record.Version}, nil
}

// AppendTimeline adds one append-only entry to the room's operation log.
func (p *Persistence) AppendTimeline(ctx context.Context, entry TimelineEntry) error {
	record := TimelineRecord{
		RoomID:           entry.RoomID,
		UserID:           entry.UserID,
		OperationType:    entry.OperationType,
		OperationJSON:    entry.OperationJSON,
		Clock:            entry.Clock,
		CreatedAtSeconds: p.clock().UTC().Unix(),
	}
	if err := p.db.WithContext(ctx).Create(&record).Error; err != nil {
		p.logError(opAppendTimeline, reasonInsertFailed, err, zap.String("room_id", entry.RoomID))
		return newServiceError(opAppendTimeline, reasonInsertFailed, err)
	}
	return nil
}

// ListTimeline returns the newest timeline entries for a room, most recent
// first, capped at limit.
func (p *Persistence) ListTimeline(ctx context.Context, roomID string, limit int) ([]TimelineRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []TimelineRecord
	if err := p.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("entry_id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		p.logError(opListTimeline, reasonQueryFailed, err, zap.String("room_id", roomID))
		return nil, newServiceError(opListTimeline, reasonQueryFailed, err)
	}
	return records, nil
}

// SaveParticipant upserts the audit row for a (room, connection) membership.
func (p *Persistence) SaveParticipant(ctx context.Context, record ParticipantRecord) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "room_id"}, {Name: "connection_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "display_name", "color", "permissions", "is_online", "joined_at_s",
		}),
	}).Create(&record).Error
	if err != nil {
		p.logError(opSaveParticipant, reasonInsertFailed, err,
			zap.String("room_id", record.RoomID), zap.String("connection_id", record.ConnectionID))
		return newServiceError(opSaveParticipant, reasonInsertFailed, err)
	}
	return nil
}

// MarkParticipantOffline flips the audit row offline without deleting it.
func (p *Persistence) MarkParticipantOffline(ctx context.Context, roomID, connectionID string) error {
	err := p.db.WithContext(ctx).Model(&ParticipantRecord{}).
		Where("room_id = ? AND connection_id = ?", roomID, connectionID).
		Update("is_online", false).Error
	if err != nil {
		p.logError(opMarkOffline, reasonUpdateFailed, err,
			zap.String("room_id", roomID), zap.String("connection_id", connectionID))
		return newServiceError(opMarkOffline, reasonUpdateFailed, err)
	}
	return nil
}

// ListParticipants returns every audit row for a room, online or not.
func (p *Persistence) ListParticipants(ctx context.Context, roomID string) ([]ParticipantRecord, error) {
	var records []ParticipantRecord
	if err := p.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at_s ASC").
		Find(&records).Error; err != nil {
		p.logError(opListParticipants, reasonQueryFailed, err, zap.String("room_id", roomID))
		return nil, newServiceError(opListParticipants, reasonQueryFailed, err)
	}
	return records, nil
}

func (p *Persistence) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("collab persistence error", attrs...)
}
