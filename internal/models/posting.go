package models

import (
	"time"

	"github.com/google/uuid"
)

// Posting status enums. A posting mirrors its task: open while the task is
// open, assigned once a bid is accepted, closed when the task terminates.
const (
	PostingStatusOpen     = "open"
	PostingStatusAssigned = "assigned"
	PostingStatusClosed   = "closed"
)

// JobPosting is the world-readable advertisement for a task. CreatorWallet is
// denormalized from the task for authorization checks.
type JobPosting struct {
	ID             uuid.UUID `json:"id"`
	TaskID         uuid.UUID `json:"task_id"`
	CreatorWallet  string    `json:"creator_wallet"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Budget         int64     `json:"budget"`
	RequiredSkills []string  `json:"required_skills"`
	Status         string    `json:"status"`
	PostedAt       time.Time `json:"posted_at"`
}

// PostingStatusForTask returns the posting status that mirrors a task status.
func PostingStatusForTask(taskStatus string) string {
	switch taskStatus {
	case TaskStatusOpen:
		return PostingStatusOpen
	case TaskStatusInProgress, TaskStatusSettlement, TaskStatusReview:
		return PostingStatusAssigned
	default:
		return PostingStatusClosed
	}
}
