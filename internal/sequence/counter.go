package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const counterRowID = 1

// Counter is the singleton row backing identifier allocation.
type Counter struct {
	ID            int       `gorm:"column:id;primaryKey;autoIncrement:false"`
	CurrentNumber int64     `gorm:"column:current_number;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "sequence_counter"
}

// GormCounterStore implements CounterStore on top of a relational database.
type GormCounterStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormCounterStore wraps db. A nil clock defaults to time.Now.
func NewGormCounterStore(db *gorm.DB, clock func() time.Time) (*GormCounterStore, error) {
	if db == nil {
		return nil, errors.New("sequence: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormCounterStore{db: db, clock: clock}, nil
}

// Current reads the counter row.
func (s *GormCounterStore) Current(ctx context.Context) (int64, error) {
	var counter Counter
	err := s.db.WithContext(ctx).Where("id = ?", counterRowID).Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUninitialized
	}
	if err != nil {
		return 0, fmt.Errorf("sequence: read counter: %w", err)
	}
	return counter.CurrentNumber, nil
}

// CompareAndSwap advances the counter only when it still holds expected.
func (s *GormCounterStore) CompareAndSwap(ctx context.Context, expected, next int64) (bool, error) {
	if next < expected {
		return false, fmt.Errorf("sequence: refusing to move counter backwards from %d to %d", expected, next)
	}
	result := s.db.WithContext(ctx).
		Model(&Counter{}).
		Where("id = ? AND current_number = ?", counterRowID, expected).
		Updates(map[string]any{
			"current_number": next,
			"updated_at":     s.clock().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("sequence: update counter: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Provision creates the counter row at start when it does not exist yet.
// It reports whether a row was created; an existing counter is left untouched.
func Provision(ctx context.Context, db *gorm.DB, start int64) (bool, error) {
	if db == nil {
		return false, errors.New("sequence: database handle is required")
	}
	if start < 0 {
		return false, fmt.Errorf("sequence: start offset must not be negative, got %d", start)
	}
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Counter{ID: counterRowID, CurrentNumber: start, UpdatedAt: time.Now().UTC()})
	if result.Error != nil {
		return false, fmt.Errorf("sequence: provision counter: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}
