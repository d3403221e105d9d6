package sessions

import (
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

var (
	ErrInvalidBucket = eris.New("invalid bucket id")
	ErrConnInUse     = eris.New("connection already has a game session")
	ErrDuplicate     = eris.New("match id already registered")
)

// Bucket is the parsed form of "buildId:_:region:playlist".
type Bucket struct {
	ID       string
	BuildID  string
	Region   string
	Playlist string

	matches map[string]struct{}
}

func ParseBucketID(id string) (Bucket, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 4 {
		return Bucket{}, eris.Wrapf(ErrInvalidBucket, "%q has %d segments", id, len(parts))
	}
	if parts[0] == "" || parts[2] == "" || parts[3] == "" {
		return Bucket{}, eris.Wrapf(ErrInvalidBucket, "%q has an empty segment", id)
	}
	return Bucket{ID: id, BuildID: parts[0], Region: parts[2], Playlist: parts[3]}, nil
}

// GameSession is one dedicated server process registered over the handshake endpoint.
type GameSession struct {
	MatchID      string
	MMSSessionID string
	BucketID     string
	Region       string
	Playlist     string
	Teams        [][]string
	IsAssigned   bool
	IsAssigning  bool
	ConnID       string
	CreatedAt    time.Time
}

func (g *GameSession) copy() *GameSession {
	c := *g
	c.Teams = make([][]string, len(g.Teams))
	for i, team := range g.Teams {
		c.Teams[i] = append([]string(nil), team...)
	}
	return &c
}

// Directory indexes live game sessions by match id, session id and connection. It holds
// nothing durable and starts empty.
type Directory struct {
	mu        sync.RWMutex
	byMatch   map[string]*GameSession
	bySession map[string]string
	byConn    map[string]string
	buckets   map[string]*Bucket
}

func NewDirectory() *Directory {
	return &Directory{
		byMatch:   make(map[string]*GameSession),
		bySession: make(map[string]string),
		byConn:    make(map[string]string),
		buckets:   make(map[string]*Bucket),
	}
}

// Bucket validates id and returns the registered bucket, or its parsed form when no
// session holds it yet. Only Add creates bucket entries.
func (d *Directory) Bucket(id string) (Bucket, error) {
	parsed, err := ParseBucketID(id)
	if err != nil {
		return Bucket{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if b, ok := d.buckets[parsed.ID]; ok {
		return Bucket{ID: b.ID, BuildID: b.BuildID, Region: b.Region, Playlist: b.Playlist}, nil
	}
	return parsed, nil
}

func (d *Directory) bucketLocked(parsed Bucket) *Bucket {
	b, ok := d.buckets[parsed.ID]
	if !ok {
		parsed.matches = make(map[string]struct{})
		b = &parsed
		d.buckets[parsed.ID] = b
	}
	return b
}

// Add registers gs. A connection owns at most one session.
func (d *Directory) Add(gs *GameSession) error {
	parsed, err := ParseBucketID(gs.BucketID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byMatch[gs.MatchID]; ok {
		return eris.Wrapf(ErrDuplicate, "match %s", gs.MatchID)
	}
	if gs.ConnID != "" {
		if _, ok := d.byConn[gs.ConnID]; ok {
			return eris.Wrapf(ErrConnInUse, "connection %s", gs.ConnID)
		}
	}
	stored := gs.copy()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	d.byMatch[stored.MatchID] = stored
	if stored.MMSSessionID != "" {
		d.bySession[stored.MMSSessionID] = stored.MatchID
	}
	if stored.ConnID != "" {
		d.byConn[stored.ConnID] = stored.MatchID
	}
	d.bucketLocked(parsed).matches[stored.MatchID] = struct{}{}
	return nil
}

// Remove drops the session for matchID and reports whether one existed.
func (d *Directory) Remove(matchID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(matchID) != nil
}

func (d *Directory) RemoveByConn(connID string) *GameSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	matchID, ok := d.byConn[connID]
	if !ok {
		return nil
	}
	return d.removeLocked(matchID)
}

func (d *Directory) removeLocked(matchID string) *GameSession {
	gs, ok := d.byMatch[matchID]
	if !ok {
		return nil
	}
	delete(d.byMatch, matchID)
	if d.bySession[gs.MMSSessionID] == matchID {
		delete(d.bySession, gs.MMSSessionID)
	}
	if d.byConn[gs.ConnID] == matchID {
		delete(d.byConn, gs.ConnID)
	}
	if b, ok := d.buckets[gs.BucketID]; ok {
		delete(b.matches, matchID)
		if len(b.matches) == 0 {
			delete(d.buckets, gs.BucketID)
		}
	}
	return gs
}

func (d *Directory) ByMatchID(matchID string) (*GameSession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	gs, ok := d.byMatch[matchID]
	if !ok {
		return nil, false
	}
	return gs.copy(), true
}

func (d *Directory) BySessionID(sessionID string) (*GameSession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	matchID, ok := d.bySession[sessionID]
	if !ok {
		return nil, false
	}
	return d.byMatch[matchID].copy(), true
}

func (d *Directory) ByConn(connID string) (*GameSession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	matchID, ok := d.byConn[connID]
	if !ok {
		return nil, false
	}
	return d.byMatch[matchID].copy(), true
}

// MarkAssigning flags a session whose match assignment is in flight.
func (d *Directory) MarkAssigning(matchID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, ok := d.byMatch[matchID]
	if !ok || gs.IsAssigned {
		return false
	}
	gs.IsAssigning = true
	return true
}

func (d *Directory) MarkAssigned(matchID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	gs, ok := d.byMatch[matchID]
	if !ok {
		return false
	}
	gs.IsAssigning = false
	gs.IsAssigned = true
	return true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byMatch)
}

// Sessions lists the sessions registered under a bucket.
func (d *Directory) Sessions(bucketID string) []*GameSession {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.buckets[bucketID]
	if !ok {
		return nil
	}
	out := make([]*GameSession, 0, len(b.matches))
	for matchID := range b.matches {
		out = append(out, d.byMatch[matchID].copy())
	}
	return out
}
