package lock

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mirkobrombin/go-uniq/v1/clock"
)

const (
	defaultGormTableName = "uniq_locks"
	defaultGormOpTimeout = 5 * time.Second
)

// gormLock is the row stored per lock. Times are unix milliseconds; a zero
// ExpiresAt never expires.
type gormLock struct {
	Key        string `gorm:"primaryKey;column:lock_key"`
	Holder     string `gorm:"column:holder"`
	AcquiredAt int64  `gorm:"column:acquired_at"`
	ExpiresAt  int64  `gorm:"column:expires_at;index"`
}

func (g gormLock) record() Record {
	rec := Record{Key: g.Key, Holder: g.Holder, AcquiredAt: time.UnixMilli(g.AcquiredAt)}
	if g.ExpiresAt > 0 {
		rec.ExpiresAt = time.UnixMilli(g.ExpiresAt)
	}
	return rec
}

// Gorm implements Store on a SQL database through GORM. Acquisition relies
// on the primary key: an insert that conflicts with a live row does nothing.
type Gorm struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	clock     clock.Clock
}

// GormOption configures a Gorm store.
type GormOption func(*Gorm)

// WithGormTableName sets the table holding the locks.
func WithGormTableName(name string) GormOption {
	return func(s *Gorm) {
		if name != "" {
			s.tableName = name
		}
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(s *Gorm) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithGormClock sets the clock used to stamp and expire locks.
func WithGormClock(c clock.Clock) GormOption {
	return func(s *Gorm) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewGorm returns a Gorm store, creating its table when missing.
func NewGorm(db *gorm.DB, opts ...GormOption) (*Gorm, error) {
	s := &Gorm{
		db:        db,
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		clock:     clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !db.Migrator().HasTable(s.tableName) {
		if err := db.Table(s.tableName).AutoMigrate(&gormLock{}); err != nil {
			return nil, storeErr(err)
		}
	}
	return s, nil
}

func (s *Gorm) table(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.tableName)
}

// live restricts a query to rows that have not expired at now.
func live(now int64) clause.Expr {
	return gorm.Expr("(expires_at = 0 OR expires_at > ?)", now)
}

func expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

// TryAcquire implements Store.TryAcquire.
func (s *Gorm) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.clock.Now()
	row := gormLock{Key: key, Holder: token, AcquiredAt: now.UnixMilli(), ExpiresAt: expiresAt(now, ttl)}
	var acquired bool
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(s.tableName).
			Where("lock_key = ? AND expires_at > 0 AND expires_at <= ?", key, row.AcquiredAt).
			Delete(&gormLock{}).Error; err != nil {
			return err
		}
		res := tx.Table(s.tableName).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, storeErr(err)
	}
	return acquired, nil
}

// Release implements Store.Release.
func (s *Gorm) Release(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := s.table(cctx).
		Where("lock_key = ? AND holder = ?", key, token).
		Where(live(s.clock.Now().UnixMilli())).
		Delete(&gormLock{})
	if res.Error != nil {
		return false, storeErr(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Expire implements Store.Expire.
func (s *Gorm) Expire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, storeErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.clock.Now()
	res := s.table(cctx).
		Where("lock_key = ? AND holder = ?", key, token).
		Where(live(now.UnixMilli())).
		Update("expires_at", expiresAt(now, ttl))
	if res.Error != nil {
		return false, storeErr(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Exists implements Store.Exists.
func (s *Gorm) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Inspect(ctx, key)
	return ok, err
}

// Inspect implements Store.Inspect.
func (s *Gorm) Inspect(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, storeErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row gormLock
	err := s.table(cctx).
		Where("lock_key = ?", key).
		Where(live(s.clock.Now().UnixMilli())).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, storeErr(err)
	}
	return row.record(), true, nil
}

// Purge deletes every expired row and returns how many were removed.
func (s *Gorm) Purge(ctx context.Context) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res := s.table(cctx).
		Where("expires_at > 0 AND expires_at <= ?", s.clock.Now().UnixMilli()).
		Delete(&gormLock{})
	if res.Error != nil {
		return 0, storeErr(res.Error)
	}
	return res.RowsAffected, nil
}
