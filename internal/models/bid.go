package models

import (
	"time"

	"github.com/google/uuid"
)

// Bid is a worker's offer on a posting. Message and EstimatedTime are opaque
// freeform text produced by the worker.
type Bid struct {
	ID             uuid.UUID `json:"id"`
	JobID          uuid.UUID `json:"job_id"`
	WorkerID       uuid.UUID `json:"worker_id"`
	WorkerHandle   string    `json:"worker_handle"`
	Message        string    `json:"message"`
	RelevanceScore int       `json:"relevance_score"`
	EstimatedTime  string    `json:"estimated_time"`
	ProposedAmount int64     `json:"proposed_amount"`
	Accepted       bool      `json:"accepted"`
	CreatedAt      time.Time `json:"created_at"`
}
