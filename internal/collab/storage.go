package collab

// RoomRecord stores the durable identity of a collaboration room.
type RoomRecord struct {
	RoomID              string `gorm:"column:room_id;primaryKey;size:190"`
	ProjectID           string `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_room_project_file,priority:1"`
	FileID              string `gorm:"column:file_id;size:190;not null;uniqueIndex:idx_room_project_file,priority:2"`
	FilePath            string `gorm:"column:file_path;type:text;not null"`
	RoomName            string `gorm:"column:room_name;type:text;not null"`
	MaxParticipants     int    `gorm:"column:max_participants;not null"`
	IsActive            bool   `gorm:"column:is_active;not null"`
	LastActivitySeconds int64  `gorm:"column:last_activity_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomRecord) TableName() string {
	return "collab_rooms"
}

// SnapshotRecord stores a versioned copy of a room's document state.
type SnapshotRecord struct {
	SnapshotID       int64  `gorm:"column:snapshot_id;primaryKey;autoIncrement"`
	RoomID           string `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_snapshot_room_version,priority:1"`
	Version          int64  `gorm:"column:version;not null;uniqueIndex:idx_snapshot_room_version,priority:2"`
	StateVectorB64   string `gorm:"column:state_vector_b64;type:text;not null"`
	UpdateB64        string `gorm:"column:update_b64;type:text;not null"`
	IsSnapshot       bool   `gorm:"column:is_snapshot;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "collab_snapshots"
}

// TimelineRecord stores one append-only operation log entry.
type TimelineRecord struct {
	EntryID          int64  `gorm:"column:entry_id;primaryKey;autoIncrement"`
	RoomID           string `gorm:"column:room_id;size:190;not null;index:idx_timeline_room"`
	UserID           string `gorm:"column:user_id;size:190;not null"`
	OperationType    string `gorm:"column:operation_type;size:64;not null"`
	OperationJSON    string `gorm:"column:operation_json;type:text;not null"`
	Clock            int64  `gorm:"column:clock;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TimelineRecord) TableName() string {
	return "collab_timeline"
}

// ParticipantRecord stores the audit trail of room membership. Rows are marked
// offline on leave, never deleted.
type ParticipantRecord struct {
	ParticipantID   int64  `gorm:"column:participant_id;primaryKey;autoIncrement"`
	RoomID          string `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_participant_room_conn,priority:1"`
	UserID          string `gorm:"column:user_id;size:190;not null"`
	ConnectionID    string `gorm:"column:connection_id;size:190;not null;uniqueIndex:idx_participant_room_conn,priority:2"`
	DisplayName     string `gorm:"column:display_name;size:190;not null"`
	Color           string `gorm:"column:color;size:32;not null"`
	Permissions     string `gorm:"column:permissions;size:32;not null"`
	IsOnline        bool   `gorm:"column:is_online;not null"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ParticipantRecord) TableName() string {
	return "collab_participants"
}
