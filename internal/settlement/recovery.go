package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agoramesh/backend/internal/lifecycle"
	"github.com/agoramesh/backend/internal/models"
)

// Recover scans for tasks stranded by a crash and re-enqueues the pending
// action. Run once at startup before the HTTP server accepts traffic.
//
// Three stranded shapes exist: tasks stuck in settlement (work submitted,
// money not yet moved), open tasks whose deposit landed on the backend but
// whose confirmation never committed, and held tasks whose refund reached the
// backend without committing.
func (d *Dispatcher) Recover(ctx context.Context) error {
	stranded, err := d.tasks.ListStranded(ctx)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}

	var settles, confirms, refunds int
	for _, t := range stranded {
		switch {
		case t.Status == models.TaskStatusSettlement:
			if err := d.queue.EnqueueSettle(ctx, t.ID); err != nil {
				return fmt.Errorf("recovery: enqueue settle for %s: %w", t.ID, err)
			}
			settles++
		case t.Status == models.TaskStatusOpen && t.EscrowStatus == models.EscrowStatusPending:
			ok, err := d.confirmRecoveredDeposit(ctx, t)
			if err != nil {
				d.logger.Warn("recovery: deposit check failed", "taskId", t.ID, "error", err)
				continue
			}
			if ok {
				confirms++
			}
		case t.EscrowStatus == models.EscrowStatusHeld:
			ok, err := d.enqueueRecoveredRefund(ctx, t)
			if err != nil {
				d.logger.Warn("recovery: refund check failed", "taskId", t.ID, "error", err)
				continue
			}
			if ok {
				refunds++
			}
		}
	}

	if settles > 0 || confirms > 0 || refunds > 0 {
		d.logger.Info("recovery scan complete",
			"scanned", len(stranded), "settlementsEnqueued", settles,
			"depositsConfirmed", confirms, "refundsEnqueued", refunds)
	}
	return nil
}

// enqueueRecoveredRefund queues a refund replay for a task the store shows
// held while the backend reports the deposit refunded (crash between the
// backend Refund and the commit). Intact deposits are left alone.
func (d *Dispatcher) enqueueRecoveredRefund(ctx context.Context, t *models.Task) (bool, error) {
	state, err := d.escrow.Query(ctx, t.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !state.Refunded {
		return false, nil
	}
	if err := d.queue.EnqueueRefund(ctx, t.ID); err != nil {
		return false, err
	}
	d.logger.Info("recovery: queued interrupted refund", "taskId", t.ID)
	return true, nil
}

// confirmRecoveredDeposit confirms a deposit the backend holds but the store
// never recorded (crash between the escrow call and the commit). Tasks whose
// deposit genuinely hasn't arrived are left pending for the poster to confirm.
func (d *Dispatcher) confirmRecoveredDeposit(ctx context.Context, t *models.Task) (bool, error) {
	state, err := d.escrow.Query(ctx, t.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if state.Released || state.Refunded || state.Amount != t.EscrowAmount {
		return false, nil
	}
	if !models.SameWallet(state.Depositor, t.CreatorWallet) {
		return false, nil
	}

	unlock := d.taskLocks.Lock(t.ID.String())
	defer unlock()

	_, err = d.tasks.UpdateTransactional(ctx, t.ID, func(tx pgx.Tx, cur models.Task) (models.Task, error) {
		next, effects, aerr := lifecycle.Apply(cur, lifecycle.Event{Kind: lifecycle.DepositConfirmed})
		if aerr != nil {
			return cur, aerr
		}
		if err := d.applyEffectsTx(ctx, tx, next, effects); err != nil {
			return cur, err
		}
		return next, nil
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	d.logger.Info("recovery: confirmed stranded deposit", "taskId", t.ID, "amount", t.EscrowAmount)
	return true, nil
}
