package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// lockRecord is the persisted lock row. Rows are created lazily and never
// deleted.
type lockRecord struct {
	Target     string `gorm:"primaryKey;size:191"`
	Running    bool   `gorm:"not null;default:false"`
	Owner      string `gorm:"size:320;not null;default:''"`
	Message    string `gorm:"type:text"`
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
}

func (lockRecord) TableName() string {
	return "run_locks"
}

func (r lockRecord) state() State {
	s := State{
		Target:    r.Target,
		Running:   r.Running,
		Owner:     r.Owner,
		Message:   r.Message,
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.StartedAt != nil {
		s.StartedAt = r.StartedAt.UTC()
	}
	if r.FinishedAt != nil {
		s.FinishedAt = r.FinishedAt.UTC()
	}
	return s
}

// GormStore keeps lock records in a SQL table through gorm.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm connects to driver ("sqlite" or "mysql") and migrates the lock
// table.
func OpenGorm(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("runlock: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("runlock: connect %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer at a time; an in-memory database also lives on a
		// single connection only.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("runlock: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return NewGormStore(db)
}

// NewGormStore migrates the lock table on db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&lockRecord{}); err != nil {
		return nil, fmt.Errorf("runlock: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) ensure(ctx context.Context, target string, now time.Time) error {
	rec := lockRecord{Target: target, Message: IdleMessage, UpdatedAt: now}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("runlock: create %s: %w", target, err)
	}
	return nil
}

// acquireAttempts bounds the retries when the lock is released between the
// conditional update and the read that follows it.
const acquireAttempts = 3

func (s *GormStore) Acquire(ctx context.Context, target, owner, message string, now time.Time) (State, Acquisition, error) {
	if err := s.ensure(ctx, target, now); err != nil {
		return State{}, Busy, err
	}

	for range acquireAttempts {
		res := s.db.WithContext(ctx).Model(&lockRecord{}).
			Where("target = ? AND running = ?", target, false).
			Updates(map[string]any{
				"running":     true,
				"owner":       owner,
				"message":     message,
				"started_at":  now,
				"finished_at": nil,
				"updated_at":  now,
			})
		if res.Error != nil {
			return State{}, Busy, fmt.Errorf("runlock: acquire %s: %w", target, res.Error)
		}

		state, _, err := s.Get(ctx, target)
		if err != nil {
			return State{}, Busy, err
		}
		switch {
		case res.RowsAffected > 0:
			return state, Acquired, nil
		case state.Running && state.Owner == owner:
			return state, Reentered, nil
		case state.Running:
			return state, Busy, nil
		}
	}
	return State{}, Busy, fmt.Errorf("runlock: acquire %s: lock changed %d times during acquisition", target, acquireAttempts)
}

func (s *GormStore) Update(ctx context.Context, target, message string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&lockRecord{}).
		Where("target = ? AND running = ?", target, true).
		Updates(map[string]any{"message": message, "updated_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("runlock: update %s: %w", target, res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	state, found, err := s.Get(ctx, target)
	if err != nil {
		return false, err
	}
	return found && state.Running, nil
}

func (s *GormStore) Release(ctx context.Context, target, message string, now time.Time) error {
	if err := s.ensure(ctx, target, now); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&lockRecord{}).
		Where("target = ?", target).
		Updates(map[string]any{
			"running":     false,
			"owner":       "",
			"message":     message,
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return fmt.Errorf("runlock: release %s: %w", target, res.Error)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, target string) (State, bool, error) {
	var rec lockRecord
	err := s.db.WithContext(ctx).Where("target = ?", target).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("runlock: get %s: %w", target, err)
	}
	return rec.state(), true, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
