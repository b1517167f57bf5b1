// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to replay POST /applications retries.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-applications-backend/internal/domain"
)

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("key = ? AND expires_at > ?", key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIdempotency binds key to applicationID for ttl. An existing live
// binding for the same key yields ErrDuplicate; an expired one is replaced.
func CreateIdempotency(ctx context.Context, db *gorm.DB, key string, applicationID int64, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:            uuid.NewString(),
		Key:           key,
		ApplicationID: applicationID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key = ? AND expires_at <= ?", key, now).Delete(&domain.Idempotency{}).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// ReserveIdempotency claims key before its application exists. The
// reservation carries ApplicationID 0, which lookups do not treat as a replay,
// and lapses after ttl unless CompleteIdempotency binds it. A live binding or
// reservation for key yields ErrDuplicate.
func ReserveIdempotency(ctx context.Context, db *gorm.DB, key string, ttl time.Duration) (*domain.Idempotency, error) {
	return CreateIdempotency(ctx, db, key, 0, ttl)
}

// CompleteIdempotency binds a reserved key to applicationID for ttl. It
// returns ErrNotFound when no reservation for key is pending.
func CompleteIdempotency(ctx context.Context, db *gorm.DB, key string, applicationID int64, ttl time.Duration) error {
	res := db.WithContext(ctx).
		Model(&domain.Idempotency{}).
		Where("key = ? AND application_id = 0", key).
		Updates(map[string]any{
			"application_id": applicationID,
			"expires_at":     time.Now().UTC().Add(ttl),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseIdempotency forgets key, whether reserved or bound.
func ReleaseIdempotency(ctx context.Context, db *gorm.DB, key string) error {
	return db.WithContext(ctx).Where("key = ?", key).Delete(&domain.Idempotency{}).Error
}
