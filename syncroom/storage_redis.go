package syncroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "syncroom:"

// RedisStorage persists snapshots as json values in redis, one key per
// room. The client is shared. The key is owned by one room.
type RedisStorage struct {
	client *redis.Client
	key    string
}

func NewRedisStorage(client *redis.Client, roomId string) *RedisStorage {
	return NewRedisStorageWithPrefix(client, DefaultRedisKeyPrefix, roomId)
}

func NewRedisStorageWithPrefix(client *redis.Client, keyPrefix string, roomId string) *RedisStorage {
	return &RedisStorage{
		client: client,
		key:    fmt.Sprintf("%s%s", keyPrefix, roomId),
	}
}

func (self *RedisStorage) Load(ctx context.Context) (*RoomSnapshot, error) {
	data, err := self.client.Get(ctx, self.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	snapshot := &RoomSnapshot{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s = %w", self.key, err)
	}
	return snapshot, nil
}

func (self *RedisStorage) Save(ctx context.Context, snapshot *RoomSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return self.client.Set(ctx, self.key, data, 0).Err()
}
