package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

const (
	redisRecordPrefix  = "mm:server:"
	redisSessionPrefix = "mm:server-session:"
	redisIndexKey      = "mm:servers"

	// maxTxRetries bounds optimistic retries when another writer touches the same record.
	maxTxRetries = 16
)

// RedisStore keeps each record as a JSON string. Writes are WATCH/MULTI transactions on the
// record key, so concurrent queue edits never lose updates.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func recordKey(k Key) string {
	return redisRecordPrefix + k.String()
}

func sessionKey(sessionID string) string {
	return redisSessionPrefix + sessionID
}

func (s *RedisStore) Create(ctx context.Context, rec *ServerRecord) (*ServerRecord, bool, error) {
	rk := recordKey(rec.Key())
	var (
		out     *ServerRecord
		created bool
	)
	txf := func(tx *redis.Tx) error {
		existing, err := readRecord(ctx, tx, rk)
		if err == nil {
			out, created = existing, false
			return nil
		}
		if !eris.Is(err, ErrNotFound) {
			return err
		}
		now := time.Now()
		stored := rec.clone()
		stored.CreatedAt, stored.UpdatedAt = now, now
		b, err := json.Marshal(stored)
		if err != nil {
			return eris.Wrap(err, "unable to encode server record")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, b, 0)
			pipe.Set(ctx, sessionKey(stored.SessionID), rk, 0)
			pipe.SAdd(ctx, redisIndexKey, rk)
			return nil
		})
		if err != nil {
			return err
		}
		out, created = stored, true
		return nil
	}
	if err := s.watch(ctx, txf, rk); err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *RedisStore) Get(ctx context.Context, key Key) (*ServerRecord, error) {
	return readRecord(ctx, s.rdb, recordKey(key))
}

func (s *RedisStore) GetBySessionID(ctx context.Context, sessionID string) (*ServerRecord, error) {
	rk, err := s.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", sessionID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "session index read failed")
	}
	return readRecord(ctx, s.rdb, rk)
}

func (s *RedisStore) Update(ctx context.Context, key Key, fn Mutator) (*ServerRecord, error) {
	rk := recordKey(key)
	var out *ServerRecord
	txf := func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, rk)
		if err != nil {
			return err
		}
		remove, err := fn(rec)
		if err != nil {
			return err
		}
		if remove {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, rk, sessionKey(rec.SessionID))
				pipe.SRem(ctx, redisIndexKey, rk)
				return nil
			})
			out = nil
			return err
		}
		rec.UpdatedAt = time.Now()
		b, err := json.Marshal(rec)
		if err != nil {
			return eris.Wrap(err, "unable to encode server record")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, b, 0)
			return nil
		})
		out = rec
		return err
	}
	if err := s.watch(ctx, txf, rk); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	_, err := s.Update(ctx, key, func(*ServerRecord) (bool, error) { return true, nil })
	if eris.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]*ServerRecord, error) {
	keys, err := s.rdb.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "server index read failed")
	}
	out := make([]*ServerRecord, 0, len(keys))
	for _, rk := range keys {
		rec, err := readRecord(ctx, s.rdb, rk)
		if eris.Is(err, ErrNotFound) {
			// index entry outlived its record
			s.rdb.SRem(ctx, redisIndexKey, rk)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug().Strs("keys", keys).Int("attempt", attempt+1).Msg("registry: optimistic transaction conflict; retrying")
			continue
		}
		return err
	}
	return eris.Errorf("registry: transaction on %v kept conflicting", keys)
}

// getter is the read side shared by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readRecord(ctx context.Context, c getter, rk string) (*ServerRecord, error) {
	b, err := c.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", rk)
	}
	if err != nil {
		return nil, eris.Wrap(err, "server record read failed")
	}
	var rec ServerRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, eris.Wrap(err, "server record is corrupt")
	}
	return &rec, nil
}
