package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func testRecord(sessionID, bucket string) *ServerRecord {
	return &ServerRecord{
		SessionID:  sessionID,
		Status:     StatusOffline,
		Version:    12,
		Identifier: bucket,
		GamePort:   7777,
		Address:    "10.0.0.1",
		Port:       7777,
		Queue:      []string{},
		Options:    Options{Region: "NAE", UserAgent: "ua", MatchID: "m-" + sessionID, Playlist: "playlist_defaultsolo"},
	}
}

// runStoreContract checks the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create is idempotent per key", func(t *testing.T) {
		s := newStore(t)
		first, created, err := s.Create(ctx, testRecord("s1", "b1"))
		require.NoError(t, err)
		assert.True(t, created)
		assert.False(t, first.CreatedAt.IsZero())

		second, created, err := s.Create(ctx, testRecord("s2", "b1"))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "s1", second.SessionID)

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("get by key and session", func(t *testing.T) {
		s := newStore(t)
		rec := testRecord("s1", "b1")
		_, _, err := s.Create(ctx, rec)
		require.NoError(t, err)

		got, err := s.Get(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, "s1", got.SessionID)
		assert.Equal(t, "NAE", got.Options.Region)

		got, err = s.GetBySessionID(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, rec.Key(), got.Key())

		_, err = s.Get(ctx, Key{Identifier: "missing"})
		assert.True(t, eris.Is(err, ErrNotFound))
		_, err = s.GetBySessionID(ctx, "missing")
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("update saves and removes", func(t *testing.T) {
		s := newStore(t)
		rec := testRecord("s1", "b1")
		_, _, err := s.Create(ctx, rec)
		require.NoError(t, err)

		out, err := s.Update(ctx, rec.Key(), func(r *ServerRecord) (bool, error) {
			r.Queue = append(r.Queue, "a1", "a2")
			r.Status = StatusOnline
			return false, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a1", "a2"}, []string(out.Queue))

		got, err := s.Get(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, StatusOnline, got.Status)
		assert.Equal(t, []string{"a1", "a2"}, []string(got.Queue))

		out, err = s.Update(ctx, rec.Key(), func(*ServerRecord) (bool, error) { return true, nil })
		require.NoError(t, err)
		assert.Nil(t, out)

		_, err = s.Get(ctx, rec.Key())
		assert.True(t, eris.Is(err, ErrNotFound))
		_, err = s.GetBySessionID(ctx, "s1")
		assert.True(t, eris.Is(err, ErrNotFound))

		_, err = s.Update(ctx, rec.Key(), func(*ServerRecord) (bool, error) { return false, nil })
		assert.True(t, eris.Is(err, ErrNotFound))
	})

	t.Run("mutator error aborts", func(t *testing.T) {
		s := newStore(t)
		rec := testRecord("s1", "b1")
		_, _, err := s.Create(ctx, rec)
		require.NoError(t, err)

		boom := eris.New("boom")
		_, err = s.Update(ctx, rec.Key(), func(r *ServerRecord) (bool, error) {
			r.Queue = append(r.Queue, "a1")
			return false, boom
		})
		assert.True(t, eris.Is(err, boom))

		got, err := s.Get(ctx, rec.Key())
		require.NoError(t, err)
		assert.Empty(t, got.Queue)
	})

	t.Run("concurrent appends are not lost", func(t *testing.T) {
		s := newStore(t)
		rec := testRecord("s1", "b1")
		_, _, err := s.Create(ctx, rec)
		require.NoError(t, err)

		const n = 10
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Update(ctx, rec.Key(), func(r *ServerRecord) (bool, error) {
					r.Queue, _ = appendMissing(r.Queue, []string{fmt.Sprintf("a%d", i)})
					return false, nil
				})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := s.Get(ctx, rec.Key())
		require.NoError(t, err)
		assert.Len(t, got.Queue, n)
	})

	t.Run("delete is a no-op when absent", func(t *testing.T) {
		s := newStore(t)
		rec := testRecord("s1", "b1")
		_, _, err := s.Create(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, s.Delete(ctx, rec.Key()))
		require.NoError(t, s.Delete(ctx, rec.Key()))
		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := testRecord("s1", "b1")
	_, _, err := s.Create(ctx, rec)
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	got.Queue = append(got.Queue, "intruder")
	got.Status = StatusOnline

	again, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Empty(t, again.Queue)
	assert.Equal(t, StatusOffline, again.Status)
}

func TestMemoryStore_ListOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 3; i++ {
		_, _, err := s.Create(ctx, testRecord(fmt.Sprintf("s%d", i), fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
	}
	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt))
	}
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		_, rdb := newMiniRedis(t)
		return NewRedisStore(rdb)
	})
}

func TestRedisStore_Layout(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	s := NewRedisStore(rdb)

	rec := testRecord("s1", "b1")
	_, _, err := s.Create(ctx, rec)
	require.NoError(t, err)

	rk := recordKey(rec.Key())
	assert.True(t, mr.Exists(rk))
	idx, err := mr.Get(sessionKey("s1"))
	require.NoError(t, err)
	assert.Equal(t, rk, idx)
	members, err := mr.Members(redisIndexKey)
	require.NoError(t, err)
	assert.Equal(t, []string{rk}, members)
}

func TestRedisStore_ListDropsStaleIndex(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	s := NewRedisStore(rdb)

	rec := testRecord("s1", "b1")
	_, _, err := s.Create(ctx, rec)
	require.NoError(t, err)
	mr.Del(recordKey(rec.Key()))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	n, err := rdb.SCard(ctx, redisIndexKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStore_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newMiniRedis(t)
	s := NewRedisStore(rdb)

	key := Key{Identifier: "b1", Region: "NAE", Version: 1, GamePort: 7777}
	require.NoError(t, mr.Set(recordKey(key), "{not json"))

	_, err := s.Get(ctx, key)
	require.Error(t, err)
	assert.False(t, eris.Is(err, ErrNotFound))
}

func TestGormStore(t *testing.T) {
	dsn := os.Getenv("MM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MM_TEST_DATABASE_URL not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		require.NoError(t, err)
		s := NewGormStore(db)
		require.NoError(t, db.Migrator().DropTable(&ServerRecord{}))
		require.NoError(t, s.Migrate())
		return s
	})
}
