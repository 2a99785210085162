package syncroom

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RoomSnapshot is the serializable durable state of one room:
// the logical clock, the affirmed records, and the per-field write
// timestamps used to answer reconnect diffs.
// Ephemeral state is never part of a snapshot.
type RoomSnapshot struct {
	Timestamp  int64                       `json:"timestamp"`
	State      map[string]FieldMap         `json:"state"`
	Timestamps map[string]map[string]int64 `json:"timestamps"`
}

func (self *RoomSnapshot) Copy() *RoomSnapshot {
	state := make(map[string]FieldMap, len(self.State))
	for recordKey, fields := range self.State {
		state[recordKey] = copyFieldMap(fields)
	}
	timestamps := make(map[string]map[string]int64, len(self.Timestamps))
	for recordKey, fieldTimestamps := range self.Timestamps {
		out := make(map[string]int64, len(fieldTimestamps))
		for field, timestamp := range fieldTimestamps {
			out[field] = timestamp
		}
		timestamps[recordKey] = out
	}
	return &RoomSnapshot{
		Timestamp:  self.Timestamp,
		State:      state,
		Timestamps: timestamps,
	}
}

// StorageAdapter is pluggable persistence for one room.
// Each adapter instance is owned exclusively by one room.
// Load returns nil with no error when nothing was persisted yet.
type StorageAdapter interface {
	Load(ctx context.Context) (*RoomSnapshot, error)
	Save(ctx context.Context, snapshot *RoomSnapshot) error
}

// MemoryStorage keeps the latest snapshot in process memory.
// Useful for tests and for deployments where rooms are disposable.
type MemoryStorage struct {
	mutex    sync.Mutex
	snapshot *RoomSnapshot
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (self *MemoryStorage) Load(ctx context.Context) (*RoomSnapshot, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.snapshot == nil {
		return nil, nil
	}
	return self.snapshot.Copy(), nil
}

func (self *MemoryStorage) Save(ctx context.Context, snapshot *RoomSnapshot) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.snapshot = snapshot.Copy()
	return nil
}

// FileStorage persists snapshots as one json file per room.
// Saves are atomic via a temp file and rename.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// NewFileStorageInDir places the room file under `dir`, creating the
// directory if needed. The room id must be filesystem-safe.
func NewFileStorageInDir(dir string, roomId string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return NewFileStorage(filepath.Join(dir, fmt.Sprintf("%s.json", roomId))), nil
}

func (self *FileStorage) Load(ctx context.Context) (*RoomSnapshot, error) {
	data, err := os.ReadFile(self.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	snapshot := &RoomSnapshot{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s = %w", self.path, err)
	}
	return snapshot, nil
}

func (self *FileStorage) Save(ctx context.Context, snapshot *RoomSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	tempPath := fmt.Sprintf("%s.tmp", self.path)
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, self.path)
}
