package syncroom

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// countingStorage records saves and serves a canned load, with
// injectable errors and latency.
type countingStorage struct {
	mutex        sync.Mutex
	saves        []*RoomSnapshot
	loads        int
	loadSnapshot *RoomSnapshot
	loadErr      error
	saveErr      error
	loadDelay    time.Duration
}

func newCountingStorage() *countingStorage {
	return &countingStorage{}
}

func (self *countingStorage) Load(ctx context.Context) (*RoomSnapshot, error) {
	self.mutex.Lock()
	self.loads += 1
	loadSnapshot := self.loadSnapshot
	loadErr := self.loadErr
	loadDelay := self.loadDelay
	self.mutex.Unlock()
	if 0 < loadDelay {
		select {
		case <-time.After(loadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return loadSnapshot, loadErr
}

func (self *countingStorage) Save(ctx context.Context, snapshot *RoomSnapshot) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.saveErr != nil {
		return self.saveErr
	}
	self.saves = append(self.saves, snapshot)
	return nil
}

func (self *countingStorage) saveCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.saves)
}

func (self *countingStorage) loadCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.loads
}

func (self *countingStorage) lastSave() *RoomSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.saves) == 0 {
		return nil
	}
	return self.saves[len(self.saves)-1]
}

func (self *countingStorage) setSaveErr(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.saveErr = err
}

func (self *countingStorage) setLoadErr(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.loadErr = err
}

func (self *countingStorage) setLoadSnapshot(snapshot *RoomSnapshot) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.loadSnapshot = snapshot
}

func (self *countingStorage) setLoadDelay(loadDelay time.Duration) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.loadDelay = loadDelay
}

func testSnapshot() *RoomSnapshot {
	return &RoomSnapshot{
		Timestamp: 5,
		State: map[string]FieldMap{
			"e1/Pos": {FieldExists: true, "x": float64(10), "y": float64(20)},
		},
		Timestamps: map[string]map[string]int64{
			"e1/Pos": {FieldExists: 5, "x": 5, "y": 5},
		},
	}
}

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()

	loaded, err := storage.Load(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded, nil)

	saved := testSnapshot()
	assert.Equal(t, storage.Save(ctx, saved), nil)

	loaded, err = storage.Load(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Timestamp, int64(5))
	assert.Equal(t, loaded.State, saved.State)

	// the stored snapshot does not alias the caller's
	loaded.State["e1/Pos"]["x"] = float64(99)
	reloaded, err := storage.Load(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, reloaded.State["e1/Pos"]["x"], float64(10))
}

func TestFileStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	storage, err := NewFileStorageInDir(dir, "test-room")
	assert.Equal(t, err, nil)

	// nothing persisted yet
	loaded, err := storage.Load(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded, nil)

	saved := testSnapshot()
	assert.Equal(t, storage.Save(ctx, saved), nil)

	// a fresh adapter on the same path sees the snapshot
	reopened := NewFileStorage(filepath.Join(dir, "test-room.json"))
	loaded, err = reopened.Load(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, loaded.Timestamp, int64(5))
	assert.Equal(t, loaded.State, saved.State)
	assert.Equal(t, loaded.Timestamps, saved.Timestamps)
}

func TestFileStorageCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	path := filepath.Join(dir, "bad.json")
	assert.Equal(t, os.WriteFile(path, []byte("not json"), 0644), nil)

	storage := NewFileStorage(path)
	_, err := storage.Load(ctx)
	assert.NotEqual(t, err, nil)
}

func TestRoomSnapshotCopy(t *testing.T) {
	snapshot := testSnapshot()
	snapshot.State["e1/Pos"]["nested"] = map[string]any{"a": float64(1)}

	copied := snapshot.Copy()
	copied.State["e1/Pos"]["x"] = float64(99)
	copied.State["e1/Pos"]["nested"].(map[string]any)["a"] = float64(99)
	copied.Timestamps["e1/Pos"]["x"] = 99

	assert.Equal(t, snapshot.State["e1/Pos"]["x"], float64(10))
	assert.Equal(t, snapshot.State["e1/Pos"]["nested"].(map[string]any)["a"], float64(1))
	assert.Equal(t, snapshot.Timestamps["e1/Pos"]["x"], int64(5))
}
