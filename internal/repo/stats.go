// Package repo implements the attempt ledger, backed by GORM. This file
// provides small aggregate queries used for conditional responses (ETag
// generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

// AttemptsStats returns the number of ledger rows recorded under key and the
// greatest UpdatedAt among them. When there are no rows, count is 0 and
// maxUpdatedAt is nil.
func AttemptsStats(ctx context.Context, db *gorm.DB, key string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Attempt{}).Where("key = ?", key)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
