package database

import (
	"context"
	"errors"
	"fmt"
	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/ssau-fiit/cloudocs-relay/crdt"
	"github.com/ssau-fiit/cloudocs-relay/protocol"
	"time"
)

var ErrNotFound = errors.New("room not found")

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store persists room documents in Redis. Every integrated batch of
// operations is pushed to the list ops.<room> and the hash rooms.<room>
// keeps metadata about the room.
type Store struct {
	c *redis.Client
}

// RoomInfo is the metadata hash of a persisted room.
type RoomInfo struct {
	Name      string `json:"name" mapstructure:"name"`
	Ops       int    `json:"ops" mapstructure:"ops"`
	Batches   int    `json:"batches" mapstructure:"batches"`
	CreatedAt int64  `json:"createdAt" mapstructure:"created_at"`
	UpdatedAt int64  `json:"updatedAt" mapstructure:"updated_at"`
}

// Open connects to Redis and checks the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to redis")
	return &Store{c: rdb}, nil
}

func (s *Store) Close() error {
	return s.c.Close()
}

func infoKey(room string) string {
	return fmt.Sprintf("rooms.%v", room)
}

func opsKey(room string) string {
	return fmt.Sprintf("ops.%v", room)
}

// Load returns every persisted operation of room in the order it was
// appended. A room that was never persisted has no operations.
func (s *Store) Load(ctx context.Context, room string) ([]crdt.Op, error) {
	batches, err := s.c.LRange(ctx, opsKey(room), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", room, err)
	}
	var ops []crdt.Op
	for i, batch := range batches {
		decoded, err := protocol.DecodeOps([]byte(batch))
		if err != nil {
			return nil, fmt.Errorf("load %s: batch %d: %w", room, i, err)
		}
		ops = append(ops, decoded...)
	}
	return ops, nil
}

// Append persists a batch of operations and updates the room metadata.
func (s *Store) Append(ctx context.Context, room string, ops []crdt.Op) error {
	if len(ops) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	batch := protocol.AppendOps(nil, ops)

	_, err := s.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, opsKey(room), batch)
		p.HSetNX(ctx, infoKey(room), "created_at", now)
		p.HSet(ctx, infoKey(room), "name", room, "updated_at", now)
		p.HIncrBy(ctx, infoKey(room), "ops", int64(len(ops)))
		p.HIncrBy(ctx, infoKey(room), "batches", 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", room, err)
	}
	return nil
}

// Info returns the metadata of a persisted room.
func (s *Store) Info(ctx context.Context, room string) (RoomInfo, error) {
	res, err := s.c.HGetAll(ctx, infoKey(room)).Result()
	if err != nil {
		return RoomInfo{}, fmt.Errorf("info %s: %w", room, err)
	}
	if len(res) == 0 {
		return RoomInfo{}, ErrNotFound
	}

	var info RoomInfo
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &info,
	})
	if err != nil {
		return RoomInfo{}, err
	}
	if err := dec.Decode(res); err != nil {
		return RoomInfo{}, fmt.Errorf("decode info of %s: %w", room, err)
	}
	return info, nil
}
