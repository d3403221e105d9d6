package party

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

var ErrNotFound = eris.New("party not found")

type Role string

const (
	RoleCaptain Role = "CAPTAIN"
	RoleMember  Role = "MEMBER"
)

type Member struct {
	AccountID string `json:"accountId"`
	Role      Role   `json:"role"`
}

// Party is owned by the presence system; matchmaking only reads it.
type Party struct {
	ID      string   `json:"id"`
	Members []Member `json:"members"`
}

// Solo is the party-of-self used when an account is not grouped.
func Solo(accountID string) *Party {
	return &Party{ID: accountID, Members: []Member{{AccountID: accountID, Role: RoleCaptain}}}
}

// AccountIDs lists members in party order.
func (p *Party) AccountIDs() []string {
	out := make([]string, 0, len(p.Members))
	for _, m := range p.Members {
		out = append(out, m.AccountID)
	}
	return out
}

func (p *Party) Captain() string {
	for _, m := range p.Members {
		if m.Role == RoleCaptain {
			return m.AccountID
		}
	}
	return ""
}

func (p *Party) Has(accountID string) bool {
	for _, m := range p.Members {
		if m.AccountID == accountID {
			return true
		}
	}
	return false
}

// Resolver returns the current party of an account, or ErrNotFound.
type Resolver interface {
	Lookup(ctx context.Context, accountID string) (*Party, error)
}

const (
	memberKeyPrefix = "mm:party:member:"
	partyKeyPrefix  = "mm:party:"
)

// RedisResolver reads the membership the presence system publishes to redis.
type RedisResolver struct {
	rdb *redis.Client
}

func NewRedisResolver(rdb *redis.Client) *RedisResolver {
	return &RedisResolver{rdb: rdb}
}

func (r *RedisResolver) Lookup(ctx context.Context, accountID string) (*Party, error) {
	partyID, err := r.rdb.Get(ctx, memberKeyPrefix+accountID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(ErrNotFound, "account %s", accountID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "party membership read failed")
	}
	b, err := r.rdb.Get(ctx, partyKeyPrefix+partyID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(ErrNotFound, "party %s", partyID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "party read failed")
	}
	var p Party
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, eris.Wrapf(err, "party %s is corrupt", partyID)
	}
	if p.ID == "" {
		p.ID = partyID
	}
	// membership index can trail the party document
	if !p.Has(accountID) {
		return nil, eris.Wrapf(ErrNotFound, "account %s left party %s", accountID, partyID)
	}
	return &p, nil
}

// Store writes a party the way the presence system does. Used by tooling and tests.
func (r *RedisResolver) Store(ctx context.Context, p *Party) error {
	b, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "unable to encode party")
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, partyKeyPrefix+p.ID, b, 0)
		for _, m := range p.Members {
			pipe.Set(ctx, memberKeyPrefix+m.AccountID, p.ID, 0)
		}
		return nil
	})
	return eris.Wrap(err, "party write failed")
}

// Static resolves from a fixed set of parties.
type Static struct {
	byAccount map[string]*Party
}

func NewStatic(parties ...*Party) *Static {
	s := &Static{byAccount: map[string]*Party{}}
	for _, p := range parties {
		for _, m := range p.Members {
			s.byAccount[m.AccountID] = p
		}
	}
	return s
}

func (s *Static) Lookup(_ context.Context, accountID string) (*Party, error) {
	p, ok := s.byAccount[accountID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "account %s", accountID)
	}
	cp := *p
	cp.Members = append([]Member(nil), p.Members...)
	return &cp, nil
}
