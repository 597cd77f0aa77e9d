// Package lifecycle implements the authoritative task transition relation as
// a pure function. Apply never touches storage or adapters; it returns the
// updated task plus the side effects the caller must execute, and rejects
// every event not legal for the task's current (status, escrowStatus) pair.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agoramesh/backend/internal/models"
)

// EventKind enumerates the task events.
type EventKind string

const (
	DepositConfirmed    EventKind = "deposit_confirmed"
	AcceptBid           EventKind = "accept_bid"
	SubmitWork          EventKind = "submit_work"
	SettlementSucceeded EventKind = "settlement_succeeded"
	SettlementFailed    EventKind = "settlement_failed"
	RefundRequested     EventKind = "refund_requested"
	ForceClose          EventKind = "force_close"
)

// Event carries an event kind plus the fields that kind consumes. Unused
// fields are ignored.
type Event struct {
	Kind         EventKind
	WorkerID     uuid.UUID       // AcceptBid, SubmitWork
	Result       json.RawMessage // SubmitWork
	Receipt      models.Receipt  // DepositConfirmed, SettlementSucceeded, RefundRequested, ForceClose
	CallerWallet string          // RefundRequested
	Admin        bool            // ForceClose
	At           time.Time
}

// EffectKind enumerates the side effects Apply can request.
type EffectKind string

const (
	// EffectSyncPosting updates the job posting status to mirror the task.
	EffectSyncPosting EffectKind = "sync_posting"
	// EffectAppendActivity appends one activity entry.
	EffectAppendActivity EffectKind = "append_activity"
	// EffectEnqueueSettlement hands the task to the settlement dispatcher.
	EffectEnqueueSettlement EffectKind = "enqueue_settlement"
	// EffectUpdateReputation schedules a worker reputation update.
	EffectUpdateReputation EffectKind = "update_reputation"
)

// Effect is one side-effect request emitted by Apply.
type Effect struct {
	Kind          EffectKind
	PostingStatus string    // EffectSyncPosting
	Action        string    // EffectAppendActivity
	Actor         string    // EffectAppendActivity
	WorkerID      uuid.UUID // EffectUpdateReputation
	Success       bool      // EffectUpdateReputation
}

// NewTask constructs the open/pending task produced by the CreateJob event.
func NewTask(title, description, creatorWallet string, budget int64, now time.Time) models.Task {
	return models.Task{
		ID:            uuid.New(),
		Title:         title,
		Description:   description,
		Budget:        budget,
		Status:        models.TaskStatusOpen,
		CreatorWallet: creatorWallet,
		EscrowAmount:  budget,
		EscrowStatus:  models.EscrowStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Apply runs one transition. It returns the updated task and the effects the
// caller must execute, or models.ErrInvalidTransition when the event is not
// legal for the task's current state. The input task is not mutated.
func Apply(t models.Task, ev Event) (models.Task, []Effect, error) {
	out := clone(t)
	now := ev.At
	if now.IsZero() {
		now = time.Now().UTC()
	}
	out.UpdatedAt = now

	switch ev.Kind {
	case DepositConfirmed:
		if t.Status != models.TaskStatusOpen || t.EscrowStatus != models.EscrowStatusPending {
			return t, nil, reject(t, ev)
		}
		out.EscrowStatus = models.EscrowStatusHeld
		storeReceipt(&out, ev.Receipt, nil)
		return out, []Effect{
			activity(models.ActorSystem, models.ActivityEscrowHeld),
		}, nil

	case AcceptBid:
		if t.Status != models.TaskStatusOpen || t.EscrowStatus != models.EscrowStatusHeld {
			return t, nil, reject(t, ev)
		}
		if ev.WorkerID == uuid.Nil {
			return t, nil, fmt.Errorf("%w: accept bid without worker", models.ErrValidation)
		}
		out.Status = models.TaskStatusInProgress
		out.AssignedAgents = append(out.AssignedAgents, ev.WorkerID)
		return out, []Effect{
			{Kind: EffectSyncPosting, PostingStatus: models.PostingStatusAssigned},
			activity(models.ActorSystem, models.ActivityBidAccepted),
		}, nil

	case SubmitWork:
		if t.Status != models.TaskStatusInProgress || t.EscrowStatus != models.EscrowStatusHeld {
			return t, nil, reject(t, ev)
		}
		if !t.HasWorker(ev.WorkerID) {
			return t, nil, fmt.Errorf("%w: worker %s is not assigned", models.ErrUnauthorized, ev.WorkerID)
		}
		out.Status = models.TaskStatusSettlement
		out.WorkResults = append(out.WorkResults, models.WorkResult{
			WorkerID:    ev.WorkerID,
			Result:      ev.Result,
			SubmittedAt: now,
		})
		return out, []Effect{
			activity(ev.WorkerID.String(), models.ActivityWorkSubmitted),
			{Kind: EffectEnqueueSettlement},
		}, nil

	case SettlementSucceeded:
		if t.Status != models.TaskStatusSettlement || t.EscrowStatus != models.EscrowStatusHeld {
			return t, nil, reject(t, ev)
		}
		out.Status = models.TaskStatusCompleted
		out.EscrowStatus = models.EscrowStatusReleased
		storeReceipt(&out, ev.Receipt, &now)
		effects := []Effect{
			{Kind: EffectSyncPosting, PostingStatus: models.PostingStatusClosed},
			activity(models.ActorSystem, models.ActivityPaymentSettled),
		}
		if len(t.AssignedAgents) > 0 {
			effects = append(effects, Effect{
				Kind:     EffectUpdateReputation,
				WorkerID: t.AssignedAgents[0],
				Success:  true,
			})
		}
		return out, effects, nil

	case SettlementFailed:
		if t.Status != models.TaskStatusSettlement || t.EscrowStatus != models.EscrowStatusHeld {
			return t, nil, reject(t, ev)
		}
		// Retained for manual action; no automatic follow-up transition.
		out.Status = models.TaskStatusReview
		return out, []Effect{
			activity(models.ActorSystem, models.ActivitySettlementFailed),
		}, nil

	case RefundRequested:
		if t.EscrowStatus != models.EscrowStatusHeld ||
			(t.Status != models.TaskStatusOpen && t.Status != models.TaskStatusInProgress) {
			return t, nil, reject(t, ev)
		}
		if !models.SameWallet(ev.CallerWallet, t.CreatorWallet) {
			return t, nil, fmt.Errorf("%w: only the task creator may refund", models.ErrUnauthorized)
		}
		out.Status = models.TaskStatusReversed
		out.EscrowStatus = models.EscrowStatusRefunded
		storeReceipt(&out, ev.Receipt, &now)
		return out, []Effect{
			{Kind: EffectSyncPosting, PostingStatus: models.PostingStatusClosed},
			activity(models.ActorSystem, models.ActivityRefundProcessed),
		}, nil

	case ForceClose:
		if t.Status != models.TaskStatusReview || t.EscrowStatus != models.EscrowStatusHeld {
			return t, nil, reject(t, ev)
		}
		if !ev.Admin {
			return t, nil, fmt.Errorf("%w: force close is admin only", models.ErrUnauthorized)
		}
		out.Status = models.TaskStatusReversed
		out.EscrowStatus = models.EscrowStatusRefunded
		storeReceipt(&out, ev.Receipt, &now)
		return out, []Effect{
			{Kind: EffectSyncPosting, PostingStatus: models.PostingStatusClosed},
			activity(models.ActorSystem, models.ActivityRefundProcessed),
		}, nil
	}

	return t, nil, fmt.Errorf("%w: unknown event %q", models.ErrInvalidTransition, ev.Kind)
}

// Legal reports whether the (status, escrowStatus) pair is in the legal
// product set of the transition relation.
func Legal(status, escrowStatus string) bool {
	switch status {
	case models.TaskStatusOpen:
		return escrowStatus == models.EscrowStatusPending || escrowStatus == models.EscrowStatusHeld
	case models.TaskStatusInProgress, models.TaskStatusSettlement, models.TaskStatusReview:
		return escrowStatus == models.EscrowStatusHeld
	case models.TaskStatusCompleted:
		return escrowStatus == models.EscrowStatusReleased
	case models.TaskStatusReversed:
		return escrowStatus == models.EscrowStatusRefunded
	}
	return false
}

func reject(t models.Task, ev Event) error {
	return fmt.Errorf("%w: event %s not allowed in status=%s escrow=%s",
		models.ErrInvalidTransition, ev.Kind, t.Status, t.EscrowStatus)
}

func activity(actor, action string) Effect {
	return Effect{Kind: EffectAppendActivity, Actor: actor, Action: action}
}

func storeReceipt(t *models.Task, r models.Receipt, settledAt *time.Time) {
	if r.Ref == "" {
		return
	}
	ref := r.Ref
	block := r.Block
	t.SettlementRef = &ref
	t.SettlementBlock = &block
	if r.URL != "" {
		url := r.URL
		t.SettlementURL = &url
	}
	if settledAt != nil {
		at := *settledAt
		t.SettledAt = &at
	}
}

func clone(t models.Task) models.Task {
	out := t
	out.AssignedAgents = append([]uuid.UUID(nil), t.AssignedAgents...)
	out.WorkResults = append([]models.WorkResult(nil), t.WorkResults...)
	return out
}
