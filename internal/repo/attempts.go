// Package repo implements the attempt ledger, backed by GORM. This file
// provides the repository functions for the Attempt model.
//
// Every transport attempt made for a submission becomes one row. Rows that
// serve the same submission share the idempotency key and are ordered by
// Seq, so the ledger answers two questions: which transports ran for a key,
// and whether a key already produced a delivered reply.
//
// Error semantics:
//   - Lookups that match nothing return ErrNotFound.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateAttempt inserts a ledger row.
func CreateAttempt(ctx context.Context, db *gorm.DB, a *domain.Attempt) error {
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(a).Error
}

// FinishAttempt stores the terminal fields of a row created by
// CreateAttempt. It returns ErrNotFound when the row does not exist.
func FinishAttempt(ctx context.Context, db *gorm.DB, a *domain.Attempt) error {
	res := db.WithContext(ctx).Model(&domain.Attempt{}).
		Where("id = ?", a.ID).
		Updates(map[string]any{
			"outcome":     a.Outcome,
			"chunks":      a.Chunks,
			"error":       a.Error,
			"message_id":  a.MessageID,
			"finished_at": a.FinishedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAttemptsByKey returns every attempt made under key, oldest first.
func ListAttemptsByKey(ctx context.Context, db *gorm.DB, key string) ([]domain.Attempt, error) {
	var out []domain.Attempt
	err := db.WithContext(ctx).
		Where("key = ?", key).
		Order("started_at ASC, seq ASC").
		Find(&out).Error
	return out, err
}

// ListAttemptsBySession returns the newest attempts of a session, newest
// first. limit <= 0 means 50.
func ListAttemptsBySession(ctx context.Context, db *gorm.DB, sessionID string, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Attempt
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("started_at DESC, seq DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// FindSucceeded returns the succeeded attempt recorded for (sessionID, key)
// that started after since, or ErrNotFound.
func FindSucceeded(ctx context.Context, db *gorm.DB, sessionID, key string, since time.Time) (*domain.Attempt, error) {
	var a domain.Attempt
	err := db.WithContext(ctx).
		Where("session_id = ? AND key = ? AND outcome = ? AND started_at > ?", sessionID, key, domain.OutcomeSucceeded, since).
		Order("started_at DESC").
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// PruneAttempts deletes rows that started before cutoff and reports how many
// were removed.
func PruneAttempts(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("started_at < ?", cutoff).Delete(&domain.Attempt{})
	return res.RowsAffected, res.Error
}

// AttemptLedger adapts the repository functions to the delivery recorder
// interface.
type AttemptLedger struct {
	DB *gorm.DB
}

// Begin inserts a pending row.
func (l *AttemptLedger) Begin(ctx context.Context, a *domain.Attempt) error {
	return CreateAttempt(ctx, l.DB, a)
}

// Finish stores the attempt's terminal fields.
func (l *AttemptLedger) Finish(ctx context.Context, a *domain.Attempt) error {
	return FinishAttempt(ctx, l.DB, a)
}
