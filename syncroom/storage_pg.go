package syncroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStorage persists snapshots in postgres, one row per room.
// The pool is shared. The row is owned by one room.
type PgStorage struct {
	pool   *pgxpool.Pool
	roomId string
}

func NewPgStorage(pool *pgxpool.Pool, roomId string) *PgStorage {
	return &PgStorage{
		pool:   pool,
		roomId: roomId,
	}
}

// EnsurePgSchema creates the snapshot table if it does not exist.
// Call once at startup, not per room.
func EnsurePgSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS room_snapshots (
			room_id text PRIMARY KEY,
			snapshot jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (self *PgStorage) Load(ctx context.Context) (*RoomSnapshot, error) {
	var data []byte
	err := self.pool.QueryRow(
		ctx,
		`SELECT snapshot FROM room_snapshots WHERE room_id = $1`,
		self.roomId,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	snapshot := &RoomSnapshot{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("corrupt snapshot %s = %w", self.roomId, err)
	}
	return snapshot, nil
}

func (self *PgStorage) Save(ctx context.Context, snapshot *RoomSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = self.pool.Exec(
		ctx,
		`INSERT INTO room_snapshots (room_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (room_id) DO UPDATE SET snapshot = $2, updated_at = now()`,
		self.roomId,
		data,
	)
	return err
}
