package model

import "time"

// Document ingestion statuses. A document contributes chunks to retrieval
// only once its status is succeeded.
const (
	DocumentStatusPending   = "pending"
	DocumentStatusSucceeded = "succeeded"
	DocumentStatusFailed    = "failed"
)

type Document struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"not null;index" json:"user_id"`
	Filename   string    `gorm:"size:256;not null" json:"filename"`
	Status     string    `gorm:"size:16;not null;index" json:"status"`
	FailReason string    `gorm:"size:512" json:"fail_reason,omitempty"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
