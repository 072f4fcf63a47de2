package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an asynchronous generation request, run by the job workers against
// the owner's workspace.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"job_id"` // ULID length

	UserID    uint64 `gorm:"index;not null;index:uniq_user_idempo,unique,priority:1" json:"-"`
	SessionID string `gorm:"size:64;index;not null" json:"session_id"`

	Prompt string `gorm:"type:text;not null" json:"prompt"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	// Filled when succeeded
	Model *string `gorm:"type:varchar(128)" json:"model,omitempty"`
	Reply *string `gorm:"type:text" json:"reply,omitempty"`

	// Filled when failed
	Error *string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }
