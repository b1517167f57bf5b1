package domain

import "time"

// Idempotency records the application produced by a POST carrying a given
// Idempotency-Key, so retries replay the original result instead of inserting
// and publishing a second time.
type Idempotency struct {
	ID            string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Key           string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_idempotency_key"`
	ApplicationID int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt     time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
