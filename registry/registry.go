package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"dedicated-matchmaker/hoster"
	"dedicated-matchmaker/metrics"
	"dedicated-matchmaker/ticket"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

const (
	maxAttempts  = 3
	retryBackoff = 50 * time.Millisecond

	// admitAttempts covers a record being deleted by another replica between create and enqueue.
	admitAttempts = 3
)

// errNotStale aborts a sweep write when the record changed after it was listed.
var errNotStale = eris.New("record no longer stale")

// Registry is the shared view of dedicated server reservations. Reads may be served from a
// short-TTL cache; writes always go to the store and invalidate the cache.
type Registry struct {
	store    Store
	hosts    hoster.Resolver
	cache    *cache.Cache
	gamePort int
	locks    keyLocks
}

func New(store Store, hosts hoster.Resolver, gamePort int, cacheTTL time.Duration) *Registry {
	if cacheTTL <= 0 {
		cacheTTL = 3 * time.Minute
	}
	return &Registry{
		store:    store,
		hosts:    hosts,
		cache:    cache.New(cacheTTL, 2*cacheTTL),
		gamePort: gamePort,
	}
}

// KeyFor is the record key a ticket maps to.
func (r *Registry) KeyFor(t *ticket.Ticket) Key {
	return Key{Identifier: t.BucketID, Region: t.Region, Version: t.Season, GamePort: r.gamePort}
}

func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// FindOrCreate returns the record for the ticket's bucket, creating an OFFLINE one when none exists.
// A region without hosting configuration fails with hoster.ErrNoHoster and creates nothing.
func (r *Registry) FindOrCreate(ctx context.Context, t *ticket.Ticket) (*ServerRecord, error) {
	key := r.KeyFor(t)
	unlock := r.locks.lock(key.String())
	defer unlock()
	return r.findOrCreateLocked(ctx, key, t)
}

func (r *Registry) findOrCreateLocked(ctx context.Context, key Key, t *ticket.Ticket) (*ServerRecord, error) {
	rec, err := r.Refresh(ctx, key)
	if err == nil {
		return rec, nil
	}
	if !eris.Is(err, ErrNotFound) {
		return nil, err
	}

	host, err := r.hosts.Resolve(ctx, t.Region)
	if err != nil {
		metrics.RegistryOps.WithLabelValues("create", "no_hoster").Inc()
		return nil, err
	}

	rec = &ServerRecord{
		SessionID:  newID(),
		Status:     StatusOffline,
		Version:    t.Season,
		Identifier: t.BucketID,
		GamePort:   r.gamePort,
		Address:    host.Address,
		Port:       host.Port,
		Queue:      []string{},
		Options: Options{
			Region:    t.Region,
			UserAgent: t.UserAgent,
			MatchID:   newID(),
			Playlist:  t.Playlist,
		},
	}
	stored, err := withRetry(ctx, "create", func() (*ServerRecord, error) {
		out, created, err := r.store.Create(ctx, rec)
		if err != nil {
			return nil, err
		}
		if created {
			log.Info().Str("sessionId", out.SessionID).Str("bucket", key.Identifier).Str("region", key.Region).Int("version", key.Version).Str("addr", out.Address).Int("port", out.Port).Msg("registry: server record created")
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	r.remember(stored)
	return stored, nil
}

// Admit finds or creates the ticket's record and queues accountIDs on it, in order.
// It returns the record after the write and how many ids were newly queued.
func (r *Registry) Admit(ctx context.Context, t *ticket.Ticket, accountIDs ...string) (*ServerRecord, int, error) {
	key := r.KeyFor(t)
	unlock := r.locks.lock(key.String())
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < admitAttempts; attempt++ {
		if _, err := r.findOrCreateLocked(ctx, key, t); err != nil {
			return nil, 0, err
		}
		rec, added, err := r.Enqueue(ctx, key, accountIDs...)
		if err == nil {
			return rec, added, nil
		}
		if !eris.Is(err, ErrNotFound) {
			return nil, 0, err
		}
		lastErr = err
		log.Debug().Str("bucket", key.Identifier).Msg("registry: record vanished before enqueue; recreating")
	}
	return nil, 0, lastErr
}

// Enqueue appends the ids not already queued. The queue never holds an id twice.
func (r *Registry) Enqueue(ctx context.Context, key Key, accountIDs ...string) (*ServerRecord, int, error) {
	var added int
	rec, err := withRetry(ctx, "enqueue", func() (*ServerRecord, error) {
		return r.store.Update(ctx, key, func(rec *ServerRecord) (bool, error) {
			rec.Queue, added = appendMissing(rec.Queue, accountIDs)
			return false, nil
		})
	})
	if err != nil {
		r.forget(key, "")
		return nil, 0, err
	}
	r.remember(rec)
	return rec, added, nil
}

// Dequeue removes the ids. When the queue ends up empty the record is deleted and nil is returned.
func (r *Registry) Dequeue(ctx context.Context, key Key, accountIDs ...string) (*ServerRecord, error) {
	unlock := r.locks.lock(key.String())
	defer unlock()

	var sessionID string
	rec, err := withRetry(ctx, "dequeue", func() (*ServerRecord, error) {
		return r.store.Update(ctx, key, func(rec *ServerRecord) (bool, error) {
			sessionID = rec.SessionID
			rec.Queue = removeAll(rec.Queue, accountIDs)
			return len(rec.Queue) == 0, nil
		})
	})
	if err != nil {
		r.forget(key, "")
		return nil, err
	}
	if rec == nil {
		r.forget(key, sessionID)
		log.Info().Str("sessionId", sessionID).Str("bucket", key.Identifier).Msg("registry: queue empty; server record deleted")
		return nil, nil
	}
	r.remember(rec)
	return rec, nil
}

// SetStatus is the operational status-set path; pollers observe it on their next read.
func (r *Registry) SetStatus(ctx context.Context, sessionID string, status Status) (*ServerRecord, error) {
	rec, err := r.updateBySession(ctx, "set_status", sessionID, func(rec *ServerRecord) (bool, error) {
		rec.Status = status
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("sessionId", sessionID).Str("status", string(status)).Msg("registry: status set")
	return rec, nil
}

// AttachMatch records the match id a dedicated server obtained for this session.
func (r *Registry) AttachMatch(ctx context.Context, sessionID, matchID string) (*ServerRecord, error) {
	return r.updateBySession(ctx, "attach_match", sessionID, func(rec *ServerRecord) (bool, error) {
		rec.Options.MatchID = matchID
		return false, nil
	})
}

// updateBySession resolves the key from the store, never the cache, and the mutator
// refuses to touch a record that has since been recreated under another session.
func (r *Registry) updateBySession(ctx context.Context, op, sessionID string, fn Mutator) (*ServerRecord, error) {
	current, err := withRetry(ctx, "get_session", func() (*ServerRecord, error) {
		return r.store.GetBySessionID(ctx, sessionID)
	})
	if err != nil {
		r.cache.Delete(cacheSessionKey(sessionID))
		return nil, err
	}
	key := current.Key()
	rec, err := withRetry(ctx, op, func() (*ServerRecord, error) {
		return r.store.Update(ctx, key, func(rec *ServerRecord) (bool, error) {
			if rec.SessionID != sessionID {
				return false, eris.Wrapf(ErrNotFound, "session %s", sessionID)
			}
			return fn(rec)
		})
	})
	if err != nil {
		r.forget(key, sessionID)
		return nil, err
	}
	r.remember(rec)
	return rec, nil
}

// GetByIdentifier may be answered from the cache.
func (r *Registry) GetByIdentifier(ctx context.Context, key Key) (*ServerRecord, error) {
	if v, ok := r.cache.Get(cacheKey(key)); ok {
		return v.(*ServerRecord).clone(), nil
	}
	return r.Refresh(ctx, key)
}

// Refresh always reads the store and updates the cache with what it found.
func (r *Registry) Refresh(ctx context.Context, key Key) (*ServerRecord, error) {
	rec, err := withRetry(ctx, "get", func() (*ServerRecord, error) {
		return r.store.Get(ctx, key)
	})
	if err != nil {
		if eris.Is(err, ErrNotFound) {
			r.forget(key, "")
		}
		return nil, err
	}
	r.remember(rec)
	return rec, nil
}

func (r *Registry) GetBySessionID(ctx context.Context, sessionID string) (*ServerRecord, error) {
	if v, ok := r.cache.Get(cacheSessionKey(sessionID)); ok {
		return v.(*ServerRecord).clone(), nil
	}
	rec, err := withRetry(ctx, "get_session", func() (*ServerRecord, error) {
		return r.store.GetBySessionID(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	r.remember(rec)
	return rec, nil
}

// Sweep deletes records whose queue is empty and which have not changed for maxAge.
// Such records are left behind when a process dies between create and enqueue.
func (r *Registry) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, rec := range recs {
		if len(rec.Queue) > 0 || rec.UpdatedAt.After(cutoff) {
			continue
		}
		key := rec.Key()
		deleted := false
		kept, err := r.store.Update(ctx, key, func(cur *ServerRecord) (bool, error) {
			if len(cur.Queue) > 0 || cur.UpdatedAt.After(cutoff) {
				return false, errNotStale
			}
			deleted = true
			return true, nil
		})
		switch {
		case eris.Is(err, errNotStale):
			continue
		case eris.Is(err, ErrNotFound):
			r.forget(key, rec.SessionID)
			continue
		case err != nil:
			log.Warn().Err(err).Str("sessionId", rec.SessionID).Msg("registry: sweep failed for record")
			continue
		}
		if !deleted || kept != nil {
			continue
		}
		r.forget(key, rec.SessionID)
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("registry: swept stale server records")
	}
	return removed, nil
}

func (r *Registry) remember(rec *ServerRecord) {
	if rec == nil {
		return
	}
	r.cache.SetDefault(cacheKey(rec.Key()), rec.clone())
	r.cache.SetDefault(cacheSessionKey(rec.SessionID), rec.clone())
}

func (r *Registry) forget(key Key, sessionID string) {
	r.cache.Delete(cacheKey(key))
	if sessionID != "" {
		r.cache.Delete(cacheSessionKey(sessionID))
	}
}

func cacheKey(k Key) string {
	return "key:" + k.String()
}

func cacheSessionKey(sessionID string) string {
	return "session:" + sessionID
}

// withRetry retries transient store failures. Not-found, hosting and context errors are final.
func withRetry(ctx context.Context, op string, fn func() (*ServerRecord, error)) (*ServerRecord, error) {
	var (
		rec *ServerRecord
		err error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec, err = fn()
		if err == nil || permanent(err) {
			break
		}
		if attempt == maxAttempts {
			break
		}
		log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("registry: store operation failed; retrying")
		select {
		case <-ctx.Done():
			metrics.RegistryOps.WithLabelValues(op, "error").Inc()
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	switch {
	case err == nil:
		metrics.RegistryOps.WithLabelValues(op, "ok").Inc()
	case eris.Is(err, ErrNotFound):
		metrics.RegistryOps.WithLabelValues(op, "not_found").Inc()
	default:
		metrics.RegistryOps.WithLabelValues(op, "error").Inc()
	}
	return rec, err
}

func permanent(err error) bool {
	return eris.Is(err, ErrNotFound) ||
		eris.Is(err, hoster.ErrNoHoster) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// keyLocks hands out one mutex per key and drops it when nobody holds or waits on it.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (l *keyLocks) lock(k string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*keyLock)
	}
	kl, ok := l.m[k]
	if !ok {
		kl = &keyLock{}
		l.m[k] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.Lock()
	return func() {
		kl.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.m, k)
		}
		l.mu.Unlock()
	}
}
