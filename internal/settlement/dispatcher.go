// Package settlement runs the money-moving side of the coordinator: escrow
// release after work submission, refunds, and the reputation updates that
// follow settlement outcomes. Jobs are durable River jobs; per-task ordering
// on top of River's at-least-once delivery comes from a keyed mutex plus the
// row lock held by the task store.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agoramesh/backend/internal/escrow"
	"github.com/agoramesh/backend/internal/identity"
	"github.com/agoramesh/backend/internal/lifecycle"
	"github.com/agoramesh/backend/internal/models"
)

const (
	escrowCallTimeout   = 30 * time.Second
	identityCallTimeout = 15 * time.Second
	identityRetryMax    = 3
)

type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	UpdateTransactional(ctx context.Context, id uuid.UUID, fn func(tx pgx.Tx, t models.Task) (models.Task, error)) (*models.Task, error)
	ListStranded(ctx context.Context) ([]*models.Task, error)
}

type AgentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	Update(ctx context.Context, ag *models.Agent) error
}

type PostingStore interface {
	UpdateStatusByTaskTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, status string) error
}

type ActivityStore interface {
	AppendTx(ctx context.Context, tx pgx.Tx, a *models.Activity) error
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Tasks    TaskStore
	Agents   AgentStore
	Postings PostingStore
	Activity ActivityStore
	Escrow   escrow.Adapter
	Identity identity.Adapter
	Queue    Enqueuer
	Logger   *slog.Logger

	RetryMax  int
	RetryBase time.Duration
}

// Dispatcher owns every escrow Release and Refund call in the process.
// Handlers never touch the escrow adapter for settlement; they enqueue (or,
// for refunds, call Refund synchronously so failures reach the caller).
type Dispatcher struct {
	tasks    TaskStore
	agents   AgentStore
	postings PostingStore
	activity ActivityStore
	escrow   escrow.Adapter
	identity identity.Adapter
	queue    Enqueuer
	logger   *slog.Logger

	retryMax  uint
	retryBase time.Duration

	taskLocks  *keyedMutex
	agentLocks *keyedMutex
}

func New(d Deps) *Dispatcher {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryMax := d.RetryMax
	if retryMax < 1 {
		retryMax = 1
	}
	retryBase := d.RetryBase
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}
	return &Dispatcher{
		tasks:      d.Tasks,
		agents:     d.Agents,
		postings:   d.Postings,
		activity:   d.Activity,
		escrow:     d.Escrow,
		identity:   d.Identity,
		queue:      d.Queue,
		logger:     logger,
		retryMax:   uint(retryMax),
		retryBase:  retryBase,
		taskLocks:  newKeyedMutex(),
		agentLocks: newKeyedMutex(),
	}
}

// Settle releases the task's escrow to the winning worker and completes the
// task. Safe to call more than once for the same task: replays against a
// completed or reversed task are no-ops.
func (d *Dispatcher) Settle(ctx context.Context, taskID uuid.UUID) error {
	unlock := d.taskLocks.Lock(taskID.String())
	defer unlock()

	task, err := d.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			d.logger.Warn("settle: task gone, discarding", "taskId", taskID)
			return nil
		}
		return err
	}

	switch task.Status {
	case models.TaskStatusSettlement:
	case models.TaskStatusCompleted, models.TaskStatusReversed:
		return nil
	default:
		d.logger.Warn("settle: task not in settlement, discarding",
			"taskId", taskID, "status", task.Status)
		return nil
	}

	if len(task.AssignedAgents) == 0 {
		return fmt.Errorf("settle task %s: no assigned worker", taskID)
	}
	worker, err := d.agents.GetByID(ctx, task.AssignedAgents[0])
	if err != nil {
		return fmt.Errorf("settle task %s: resolve worker: %w", taskID, err)
	}

	receipt, err := d.releaseWithRetry(ctx, taskID, worker.Wallet)
	switch {
	case err == nil:
	case errors.Is(err, escrow.ErrAlreadySettled):
		// Crash after Release but before commit: the backend already paid
		// out. Complete the task, keeping the deposit ref as the money trail.
		state, qerr := d.escrow.Query(ctx, taskID)
		if qerr != nil || !state.Released {
			return fmt.Errorf("settle task %s: %w", taskID, err)
		}
		receipt = recoveredReceipt(task)
		d.logger.Info("settle: deposit already released, completing", "taskId", taskID)
	case errors.Is(err, models.ErrBackendUnavailable):
		d.logger.Error("settle: retries exhausted, parking task for review",
			"taskId", taskID, "error", err)
		return d.markSettlementFailed(ctx, taskID)
	default:
		return fmt.Errorf("settle task %s: release: %w", taskID, err)
	}

	var followUps []lifecycle.Effect
	updated, err := d.tasks.UpdateTransactional(ctx, taskID, func(tx pgx.Tx, t models.Task) (models.Task, error) {
		next, effects, aerr := lifecycle.Apply(t, lifecycle.Event{
			Kind:    lifecycle.SettlementSucceeded,
			Receipt: receipt,
		})
		if aerr != nil {
			return t, aerr
		}
		if err := d.applyEffectsTx(ctx, tx, next, effects); err != nil {
			return t, err
		}
		followUps = effects
		return next, nil
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Another delivery won the race and completed the task.
			return nil
		}
		return fmt.Errorf("settle task %s: commit: %w", taskID, err)
	}

	for _, eff := range followUps {
		if eff.Kind != lifecycle.EffectUpdateReputation {
			continue
		}
		if err := d.queue.EnqueueReputation(ctx, taskID, eff.WorkerID, eff.Success); err != nil {
			d.logger.Error("settle: enqueue reputation update failed",
				"taskId", taskID, "workerId", eff.WorkerID, "error", err)
		}
	}

	d.logger.Info("settlement complete",
		"taskId", taskID, "workerId", worker.ID, "amount", updated.EscrowAmount,
		"ref", receipt.Ref, "backend", d.escrow.Backend())
	return nil
}

// Refund returns the held deposit to the task creator. It runs synchronously
// in the caller's request so adapter failures map to the HTTP response, with
// the same per-task lock and retry policy as queued work.
func (d *Dispatcher) Refund(ctx context.Context, taskID uuid.UUID, callerWallet string) (*models.Task, error) {
	unlock := d.taskLocks.Lock(taskID.String())
	defer unlock()

	return d.refundLocked(ctx, taskID, lifecycle.Event{
		Kind:         lifecycle.RefundRequested,
		CallerWallet: callerWallet,
	})
}

// ForceClose refunds a task parked in review and reverses it. Admin only;
// the caller is responsible for authorization.
func (d *Dispatcher) ForceClose(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	unlock := d.taskLocks.Lock(taskID.String())
	defer unlock()

	return d.refundLocked(ctx, taskID, lifecycle.Event{
		Kind:  lifecycle.ForceClose,
		Admin: true,
	})
}

// refundLocked validates the transition, moves the money, then commits the
// transition with the backend receipt. Caller holds the task lock.
func (d *Dispatcher) refundLocked(ctx context.Context, taskID uuid.UUID, ev lifecycle.Event) (*models.Task, error) {
	task, err := d.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	// Dry-run before touching the backend so an illegal request never
	// reaches the adapter.
	if _, _, err := lifecycle.Apply(*task, ev); err != nil {
		return nil, err
	}

	receipt, err := d.refundWithRetry(ctx, taskID)
	if err != nil {
		if errors.Is(err, escrow.ErrAlreadySettled) {
			state, qerr := d.escrow.Query(ctx, taskID)
			if qerr == nil && state.Refunded {
				// Crash after Refund but before commit; finish the transition.
				receipt = recoveredReceipt(task)
				err = nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("refund task %s: %w", taskID, err)
		}
	}
	ev.Receipt = receipt

	updated, err := d.tasks.UpdateTransactional(ctx, taskID, func(tx pgx.Tx, t models.Task) (models.Task, error) {
		next, effects, aerr := lifecycle.Apply(t, ev)
		if aerr != nil {
			return t, aerr
		}
		if err := d.applyEffectsTx(ctx, tx, next, effects); err != nil {
			return t, err
		}
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("refund task %s: commit: %w", taskID, err)
	}

	d.logger.Info("refund complete",
		"taskId", taskID, "amount", updated.EscrowAmount,
		"ref", receipt.Ref, "backend", d.escrow.Backend())
	return updated, nil
}

// UpdateReputation applies one settlement outcome to the worker's stored
// reputation and mirrors the new attributes to the identity backend. Identity
// write failures are logged, not fatal: the store is authoritative.
func (d *Dispatcher) UpdateReputation(ctx context.Context, workerID uuid.UUID, success bool) error {
	agent, err := d.agents.GetByID(ctx, workerID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			d.logger.Warn("reputation: worker gone, discarding", "workerId", workerID)
			return nil
		}
		return err
	}

	unlock := d.agentLocks.Lock(agent.Handle)
	defer unlock()

	// Re-read under the lock; another settlement may have moved the score.
	agent, err = d.agents.GetByID(ctx, workerID)
	if err != nil {
		return err
	}

	if success {
		agent.Reputation = models.ClampReputation(agent.Reputation + models.ReputationDeltaSuccess)
		agent.TasksCompleted++
	} else {
		agent.Reputation = models.ClampReputation(agent.Reputation + models.ReputationDeltaFailure)
		agent.TasksFailed++
	}
	if err := d.agents.Update(ctx, agent); err != nil {
		return fmt.Errorf("update reputation for %s: %w", agent.Handle, err)
	}

	if agent.IdentityRegistered && agent.IdentityNode != nil {
		attrs := identity.Attributes{
			identity.AttrReputation:     fmt.Sprintf("%d", agent.Reputation),
			identity.AttrTasksCompleted: fmt.Sprintf("%d", agent.TasksCompleted),
			identity.AttrTasksFailed:    fmt.Sprintf("%d", agent.TasksFailed),
		}
		err := retry.Do(func() error {
			callCtx, cancel := context.WithTimeout(ctx, identityCallTimeout)
			defer cancel()
			return d.identity.UpdateAttributes(callCtx, *agent.IdentityNode, attrs)
		},
			retry.Attempts(identityRetryMax),
			retry.Delay(d.retryBase),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		if err != nil {
			d.logger.Warn("reputation: identity attribute push failed",
				"handle", agent.Handle, "node", *agent.IdentityNode, "error", err)
		}
	}

	d.logger.Info("reputation updated",
		"handle", agent.Handle, "reputation", agent.Reputation, "success", success)
	return nil
}

// markSettlementFailed parks the task in review after exhausted retries. The
// escrow stays held for a manual refund or force close.
func (d *Dispatcher) markSettlementFailed(ctx context.Context, taskID uuid.UUID) error {
	_, err := d.tasks.UpdateTransactional(ctx, taskID, func(tx pgx.Tx, t models.Task) (models.Task, error) {
		next, effects, aerr := lifecycle.Apply(t, lifecycle.Event{Kind: lifecycle.SettlementFailed})
		if aerr != nil {
			return t, aerr
		}
		if err := d.applyEffectsTx(ctx, tx, next, effects); err != nil {
			return t, err
		}
		return next, nil
	})
	if errors.Is(err, models.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (d *Dispatcher) releaseWithRetry(ctx context.Context, taskID uuid.UUID, recipient string) (models.Receipt, error) {
	var receipt models.Receipt
	err := retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, escrowCallTimeout)
		defer cancel()
		r, err := d.escrow.Release(callCtx, taskID, recipient)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}, d.escrowRetryOpts(ctx)...)
	return receipt, err
}

func (d *Dispatcher) refundWithRetry(ctx context.Context, taskID uuid.UUID) (models.Receipt, error) {
	var receipt models.Receipt
	err := retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, escrowCallTimeout)
		defer cancel()
		r, err := d.escrow.Refund(callCtx, taskID)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}, d.escrowRetryOpts(ctx)...)
	return receipt, err
}

// escrowRetryOpts retries only transient backend faults, with exponential
// backoff plus jitter off the configured base delay.
func (d *Dispatcher) escrowRetryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, models.ErrBackendUnavailable)
		}),
		retry.Attempts(d.retryMax),
		retry.Delay(d.retryBase),
		retry.MaxJitter(d.retryBase / 2),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// applyEffectsTx executes the storage-bound effects of a transition inside
// its transaction. Queue-bound effects are the caller's job after commit.
func (d *Dispatcher) applyEffectsTx(ctx context.Context, tx pgx.Tx, t models.Task, effects []lifecycle.Effect) error {
	for _, eff := range effects {
		switch eff.Kind {
		case lifecycle.EffectSyncPosting:
			err := d.postings.UpdateStatusByTaskTx(ctx, tx, t.ID, eff.PostingStatus)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return err
			}
		case lifecycle.EffectAppendActivity:
			actor := eff.Actor
			if actor == models.ActorSystem && settlementAction(eff.Action) {
				actor = "escrow:" + d.escrow.Backend()
			}
			if err := d.activity.AppendTx(ctx, tx, &models.Activity{
				ActorID: actor,
				TaskID:  t.ID,
				Action:  eff.Action,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// recoveredReceipt reconstructs a settlement reference for a transition whose
// backend call succeeded before a crash. The deposit receipt recorded at
// confirmation is the best remaining pointer to the money trail; without one
// a synthetic ref still marks the task as settled.
func recoveredReceipt(t *models.Task) models.Receipt {
	r := models.Receipt{Ref: "recovered:" + t.ID.String()}
	if t.SettlementRef != nil {
		r.Ref = *t.SettlementRef
	}
	if t.SettlementBlock != nil {
		r.Block = *t.SettlementBlock
	}
	if t.SettlementURL != nil {
		r.URL = *t.SettlementURL
	}
	return r
}

func settlementAction(action string) bool {
	switch action {
	case models.ActivityPaymentSettled, models.ActivitySettlementFailed,
		models.ActivityRefundProcessed, models.ActivityEscrowHeld:
		return true
	}
	return false
}
