package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Task status enums. A task is created open, moves to in-progress when a bid
// is accepted, to settlement when work is submitted, and terminates in
// completed or reversed. review holds tasks whose settlement exhausted retries.
const (
	TaskStatusOpen       = "open"
	TaskStatusInProgress = "in-progress"
	TaskStatusReview     = "review"
	TaskStatusSettlement = "settlement"
	TaskStatusCompleted  = "completed"
	TaskStatusReversed   = "reversed"
)

// Escrow status enums for the funds attached to a task.
const (
	EscrowStatusNone     = "none"
	EscrowStatusPending  = "pending"
	EscrowStatusHeld     = "held"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
)

// WorkResult is one worker submission on a task. Result is opaque to the
// coordinator and only ever shown to the task creator.
type WorkResult struct {
	WorkerID    uuid.UUID       `json:"worker_id"`
	Result      json.RawMessage `json:"result"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

type Task struct {
	ID              uuid.UUID    `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Budget          int64        `json:"budget"`
	Status          string       `json:"status"`
	CreatorWallet   string       `json:"creator_wallet"`
	AssignedAgents  []uuid.UUID  `json:"assigned_agents"`
	WorkResults     []WorkResult `json:"work_results,omitempty"`
	EscrowAmount    int64        `json:"escrow_amount"`
	EscrowStatus    string       `json:"escrow_status"`
	SettlementRef   *string      `json:"settlement_ref,omitempty"`
	SettlementBlock *int64       `json:"settlement_block,omitempty"`
	SettlementURL   *string      `json:"settlement_url,omitempty"`
	SettledAt       *time.Time   `json:"settled_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// HasWorker reports whether the given agent is assigned to the task.
func (t *Task) HasWorker(agentID uuid.UUID) bool {
	for _, id := range t.AssignedAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

// ResultFor returns the work result submitted by the given worker, or nil.
func (t *Task) ResultFor(workerID uuid.UUID) *WorkResult {
	for i := range t.WorkResults {
		if t.WorkResults[i].WorkerID == workerID {
			return &t.WorkResults[i]
		}
	}
	return nil
}
