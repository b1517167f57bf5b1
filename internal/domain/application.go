// Package domain defines the persistence models for application submissions
// and the event projection published to the broker. These types are mapped
// with GORM and shared across the repository, service, and broker layers.
package domain

import (
	"encoding/json"
	"time"
)

// Application is a persisted submission.
//
// Fields:
//   - ID: store-assigned auto-increment primary key; never reused. It is the
//     second column of the (created_at, id) listing index.
//   - UserName: author of the submission (indexed for exact-match filtering).
//   - Description: free-form content.
//   - CreatedAt: assigned by the database clock at insert time. Automatic
//     client-side timestamps are disabled so the server default always wins.
type Application struct {
	ID          int64     `json:"id"          gorm:"primaryKey;autoIncrement;index:idx_applications_created,priority:2"`
	UserName    string    `json:"user_name"   gorm:"type:varchar(255);not null;index:idx_applications_user"`
	Description string    `json:"description" gorm:"type:text;not null"`
	CreatedAt   time.Time `json:"created_at"  gorm:"not null;default:CURRENT_TIMESTAMP;autoCreateTime:false;index:idx_applications_created,priority:1"`
}

// TableName returns the database table name for Application.
func (Application) TableName() string { return "applications" }

// Persisted reports whether the store has assigned identity and timestamp.
func (a Application) Persisted() bool {
	return a.ID > 0 && !a.CreatedAt.IsZero()
}

// ApplicationCreate is the unvalidated draft decoded from a request body.
// It carries no identity and no timestamp; both belong to the store.
type ApplicationCreate struct {
	UserName    string `json:"user_name"   binding:"required" example:"alice"`
	Description string `json:"description" binding:"required" example:"hello"`
}

// PublishEvent is the broker payload for one persisted Application.
// CreatedAt is rendered in RFC 3339 (ISO-8601) with UTC offset.
type PublishEvent struct {
	ID          int64     `json:"id"`
	UserName    string    `json:"user_name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewPublishEvent projects a persisted Application onto its wire form.
func NewPublishEvent(a Application) PublishEvent {
	return PublishEvent{
		ID:          a.ID,
		UserName:    a.UserName,
		Description: a.Description,
		CreatedAt:   a.CreatedAt.UTC(),
	}
}

// Encode returns the JSON payload sent to the broker.
func (e PublishEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Application converts the event back to the entity it was projected from.
func (e PublishEvent) Application() Application {
	return Application{
		ID:          e.ID,
		UserName:    e.UserName,
		Description: e.Description,
		CreatedAt:   e.CreatedAt,
	}
}
