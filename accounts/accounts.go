package accounts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gorm.io/gorm"
)

var ErrNotFound = eris.New("account not found")

// Account is the slice of the user record the matchmaker needs for admission.
type Account struct {
	AccountID string `gorm:"column:account_id;primaryKey" json:"accountId"`
	Username  string `gorm:"column:username;index" json:"username"`
	Banned    bool   `gorm:"column:banned;not null;default:false" json:"banned"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Account) TableName() string {
	return "accounts"
}

// Lookup finds accounts by id.
type Lookup interface {
	Find(ctx context.Context, accountID string) (*Account, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&Account{})
}

func (s *GormStore) Find(ctx context.Context, accountID string) (*Account, error) {
	var a Account
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "account %s", accountID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "account lookup failed")
	}
	return &a, nil
}

// MemoryStore is a fixed set of accounts, for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

func NewMemoryStore(accounts ...Account) *MemoryStore {
	m := &MemoryStore{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		m.accounts[a.AccountID] = a
	}
	return m
}

func (m *MemoryStore) Put(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.AccountID] = a
}

func (m *MemoryStore) Find(_ context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "account %s", accountID)
	}
	return &a, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
