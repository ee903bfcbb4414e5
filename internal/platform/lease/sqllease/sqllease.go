// Package sqllease stores leases as rows in the invite database.
package sqllease

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/lease"
)

type leaseRow struct {
	Name      string    `gorm:"primaryKey;size:128"`
	Holder    string    `gorm:"size:255;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

func (leaseRow) TableName() string { return "leases" }

// Locker implements lease.Locker on a gorm connection.
type Locker struct {
	db  *gorm.DB
	now func() time.Time
}

// New migrates the leases table and returns a Locker.
func New(ctx context.Context, db *gorm.DB) (*Locker, error) {
	if err := db.WithContext(ctx).AutoMigrate(&leaseRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate leases: %w", err)
	}
	return &Locker{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *Locker) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := l.now()
	row := leaseRow{Name: name, Holder: holder, ExpiresAt: now.Add(ttl)}

	acquired := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			acquired = true
			return nil
		}

		res = tx.Model(&leaseRow{}).
			Where("name = ? AND (expires_at <= ? OR holder = ?)", name, now, holder).
			Updates(map[string]any{"holder": holder, "expires_at": row.ExpiresAt})
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	return acquired, nil
}

func (l *Locker) Release(ctx context.Context, name, holder string) error {
	err := l.db.WithContext(ctx).
		Where("name = ? AND holder = ?", name, holder).
		Delete(&leaseRow{}).Error
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

var _ lease.Locker = (*Locker)(nil)
