package registry

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps records in postgres. The composite unique index on the key columns makes
// Create idempotent; Update locks the row for the duration of the transaction.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&ServerRecord{})
}

func whereKey(db *gorm.DB, k Key) *gorm.DB {
	return db.Where("identifier = ? AND option_region = ? AND version = ? AND game_port = ?", k.Identifier, k.Region, k.Version, k.GamePort)
}

func (s *GormStore) Create(ctx context.Context, rec *ServerRecord) (*ServerRecord, bool, error) {
	stored := rec.clone()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(stored)
	if res.Error != nil {
		return nil, false, eris.Wrap(res.Error, "server record insert failed")
	}
	if res.RowsAffected == 1 {
		return stored, true, nil
	}
	existing, err := s.Get(ctx, rec.Key())
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *GormStore) Get(ctx context.Context, key Key) (*ServerRecord, error) {
	var rec ServerRecord
	err := whereKey(s.db.WithContext(ctx), key).First(&rec).Error
	return found(&rec, err, "key "+key.String())
}

func (s *GormStore) GetBySessionID(ctx context.Context, sessionID string) (*ServerRecord, error) {
	var rec ServerRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error
	return found(&rec, err, "session "+sessionID)
}

func (s *GormStore) Update(ctx context.Context, key Key, fn Mutator) (*ServerRecord, error) {
	var out *ServerRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec ServerRecord
		err := whereKey(tx.Clauses(clause.Locking{Strength: "UPDATE"}), key).First(&rec).Error
		if _, err := found(&rec, err, "key "+key.String()); err != nil {
			return err
		}
		remove, err := fn(&rec)
		if err != nil {
			return err
		}
		if remove {
			out = nil
			return tx.Delete(&ServerRecord{}, "session_id = ?", rec.SessionID).Error
		}
		if err := tx.Save(&rec).Error; err != nil {
			return eris.Wrap(err, "server record save failed")
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, key Key) error {
	return whereKey(s.db.WithContext(ctx), key).Delete(&ServerRecord{}).Error
}

func (s *GormStore) List(ctx context.Context) ([]*ServerRecord, error) {
	var recs []*ServerRecord
	if err := s.db.WithContext(ctx).Order("created_at").Find(&recs).Error; err != nil {
		return nil, eris.Wrap(err, "server record list failed")
	}
	return recs, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func found(rec *ServerRecord, err error, what string) (*ServerRecord, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, eris.Wrapf(ErrNotFound, "%s", what)
	}
	if err != nil {
		return nil, eris.Wrap(err, "server record read failed")
	}
	return rec, nil
}
