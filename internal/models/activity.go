package models

import (
	"time"

	"github.com/google/uuid"
)

// Activity action labels. Every state-changing coordinator action appends
// exactly one entry with one of these labels.
const (
	ActivityTaskCreated      = "TASK_CREATED"
	ActivityEscrowHeld       = "ESCROW_HELD"
	ActivityBidSubmitted     = "BID_SUBMITTED"
	ActivityBidAccepted      = "BID_ACCEPTED"
	ActivityWorkSubmitted    = "WORK_SUBMITTED"
	ActivityPaymentSettled   = "PAYMENT_SETTLED"
	ActivitySettlementFailed = "SETTLEMENT_FAILED"
	ActivityRefundProcessed  = "REFUND_PROCESSED"

	// ActivityStatusChangedPrefix is completed with the new status, uppercased,
	// for admin status overrides.
	ActivityStatusChangedPrefix = "STATUS_CHANGED_TO_"
)

// ActorSystem is the reserved actor id for coordinator-originated events.
const ActorSystem = "SYSTEM"

// Activity is one append-only log entry. ActorID is a worker agent id for
// worker-originated events, ActorSystem for coordinator-originated events, or
// a backend token (e.g. "escrow:onchain") for settlement events.
type Activity struct {
	ID        uuid.UUID `json:"id"`
	ActorID   string    `json:"actor_id"`
	TaskID    uuid.UUID `json:"task_id"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}
