package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ThreadModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	OrgID     string    `gorm:"index"`
	Title     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID           string         `gorm:"primaryKey"`
	ThreadID     string         `gorm:"not null;uniqueIndex:idx_message_thread_seq"`
	Seq          int64          `gorm:"not null;uniqueIndex:idx_message_thread_seq"`
	Role         string         `gorm:"not null"`
	Content      datatypes.JSON `gorm:"type:jsonb"`
	FinishReason string
	Model        string
	CreatedAt    time.Time `gorm:"not null"`
}

type BlockModel struct {
	ID         string         `gorm:"primaryKey"`
	MessageID  string         `gorm:"not null;uniqueIndex:idx_block_message_index"`
	BlockIndex int            `gorm:"not null;uniqueIndex:idx_block_message_index"`
	Type       string         `gorm:"not null"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`
}

type ReportModel struct {
	ID              string `gorm:"primaryKey"`
	ReferenceNumber string `gorm:"not null;uniqueIndex"`
	ThreadID        string `gorm:"uniqueIndex"`
	UserID          string `gorm:"not null;index"`
	OrgID           string `gorm:"index"`
	Title           string
	Description     string `gorm:"type:text"`
	Timeline        string
	Impact          string
	Status          string         `gorm:"not null;index"`
	Categories      datatypes.JSON `gorm:"type:jsonb"`
	Location        datatypes.JSON `gorm:"type:jsonb"`
	Attachments     datatypes.JSON `gorm:"type:jsonb"`
	ConfidenceScore *float64
	IntentAction    string
	IntentScore     *float64
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null;index"`
	VerifiedAt      *time.Time
	VerifiedBy      string
	ResolvedAt      *time.Time
	ResolvedBy      string
}

type ReportJobModel struct {
	ID              string `gorm:"primaryKey"`
	// At most one fresh submitted job per report; retries returning to
	// submitted carry retry_count > 0 and stay outside the index.
	ReportID        string `gorm:"not null;index;index:idx_job_report_queued,unique,where:status = 'submitted' AND retry_count = 0"`
	ThreadID        string `gorm:"not null;index"`
	Status          string `gorm:"not null;index:idx_job_status_submitted"`
	ConfidenceScore *float64
	RetryCount      int `gorm:"not null;default:0"`
	LastAttemptAt   *time.Time
	NextAttemptAt   *time.Time
	ClaimToken      string
	ErrorMessage    string    `gorm:"type:text"`
	SubmittedAt     time.Time `gorm:"not null;index:idx_job_status_submitted"`
	ProcessedAt     *time.Time
}
