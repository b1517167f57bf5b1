// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Application model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only persistence
// and query composition.
//
// Error semantics:
//   - A missing application returns ErrNotFound.
//   - Write and read failures are wrapped in *StoreError carrying the
//     operation name and a Kind (constraint vs unavailable).
//
// Functions:
//
//   - CreateApplication(ctx, db, draft) -> *domain.Application, error
//     Inserts one row; id and created_at come from the database.
//
//   - GetApplication(ctx, db, id) -> *domain.Application, error
//
//   - ListApplications(ctx, db, filter) -> []domain.Application, error
//     Newest first (created_at DESC, id DESC), optional exact user_name match.
//
//   - CountApplications(ctx, db, userName) -> int64, error
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-applications-backend/internal/domain"
)

// MaxListLimit caps a single page regardless of what the caller asks for.
const MaxListLimit = 100

// ListFilter selects a page of applications. A nil UserName lists everyone.
type ListFilter struct {
	UserName *string
	Limit    int
	Offset   int
}

// CreateApplication inserts a single row and returns it as stored.
//
// The insert names only user_name and description so the store assigns both
// identity and created_at. The row is read back by id because SQLite's
// RETURNING output carries no column type to parse timestamps with.
func CreateApplication(ctx context.Context, db *gorm.DB, draft domain.ApplicationCreate) (*domain.Application, error) {
	var id int64
	err := db.WithContext(ctx).
		Raw(`INSERT INTO applications (user_name, description) VALUES (?, ?) RETURNING id`,
			draft.UserName, draft.Description).
		Scan(&id).Error
	if err != nil {
		return nil, storeErr("create", err)
	}
	if id == 0 {
		return nil, &StoreError{Op: "create", Kind: KindUnavailable, Err: errors.New("insert returned no id")}
	}

	app, err := GetApplication(ctx, db, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &StoreError{Op: "create", Kind: KindUnavailable, Err: err}
		}
		return nil, err
	}
	return app, nil
}

// GetApplication fetches a single application by id, or ErrNotFound.
func GetApplication(ctx context.Context, db *gorm.DB, id int64) (*domain.Application, error) {
	var a domain.Application
	err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get", err)
	}
	return &a, nil
}

// ListApplications returns one page of applications, newest first. Ties on
// created_at are broken by id so paging is stable. The limit is clamped to
// [1, MaxListLimit]; a negative offset is treated as zero.
func ListApplications(ctx context.Context, db *gorm.DB, f ListFilter) ([]domain.Application, error) {
	limit := f.Limit
	if limit < 1 {
		limit = 1
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	q := db.WithContext(ctx).Model(&domain.Application{})
	if f.UserName != nil {
		q = q.Where("user_name = ?", *f.UserName)
	}

	out := []domain.Application{}
	err := q.Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, storeErr("list", err)
	}
	return out, nil
}

// CountApplications returns the number of rows matching the optional
// user_name filter.
func CountApplications(ctx context.Context, db *gorm.DB, userName *string) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.Application{})
	if userName != nil {
		q = q.Where("user_name = ?", *userName)
	}
	if err := q.Count(&total).Error; err != nil {
		return 0, storeErr("count", err)
	}
	return total, nil
}
