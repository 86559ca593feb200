package collab

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

func testContext() context.Context {
	return context.Background()
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:collab_test_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected database open error: %v", err)
	}
	err = db.AutoMigrate(&RoomRecord{}, &SnapshotRecord{}, &TimelineRecord{}, &ParticipantRecord{})
	if err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}
	return db
}

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()
	persistence, err := NewPersistence(PersistenceConfig{Database: openTestDatabase(t)})
	if err != nil {
		t.Fatalf("unexpected persistence constructor error: %v", err)
	}
	return persistence
}

func newTestStore(t *testing.T) (*DocumentStore, *Persistence) {
	t.Helper()
	persistence := newTestPersistence(t)
	store, err := NewDocumentStore(DocumentStoreConfig{Persistence: persistence})
	if err != nil {
		t.Fatalf("unexpected store constructor error: %v", err)
	}
	return store, persistence
}

// waitForSnapshot polls until the room's persistence worker has flushed at
// least minVersion, failing the test after a couple of seconds.
func waitForSnapshot(t *testing.T, persistence *Persistence, roomID string, minVersion int64) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := persistence.LoadLatestSnapshot(testContext(), roomID)
		if err != nil {
			t.Fatalf("unexpected snapshot load error: %v", err)
		}
		if snapshot != nil && snapshot.Version >= minVersion {
			return snapshot
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("snapshot version %d for room %s never persisted", minVersion, roomID)
	return nil
}
