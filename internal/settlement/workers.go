package settlement

import (
	"context"
	"errors"

	"github.com/riverqueue/river"

	"github.com/agoramesh/backend/internal/models"
)

// NewWorkers registers the settlement job workers on a fresh worker set.
func NewWorkers(d *Dispatcher) (*river.Workers, error) {
	workers := river.NewWorkers()
	if err := river.AddWorkerSafely(workers, &settleWorker{dispatcher: d}); err != nil {
		return nil, err
	}
	if err := river.AddWorkerSafely(workers, &refundWorker{dispatcher: d}); err != nil {
		return nil, err
	}
	if err := river.AddWorkerSafely(workers, &reputationWorker{dispatcher: d}); err != nil {
		return nil, err
	}
	return workers, nil
}

type settleWorker struct {
	river.WorkerDefaults[SettleArgs]
	dispatcher *Dispatcher
}

func (w *settleWorker) Work(ctx context.Context, job *river.Job[SettleArgs]) error {
	return w.dispatcher.Settle(ctx, job.Args.TaskID)
}

type refundWorker struct {
	river.WorkerDefaults[RefundArgs]
	dispatcher *Dispatcher
}

// Work replays a recovery refund. Tasks parked in review replay as a force
// close, everything else as a creator refund; transitions the task has
// already moved past are treated as done.
func (w *refundWorker) Work(ctx context.Context, job *river.Job[RefundArgs]) error {
	task, err := w.dispatcher.tasks.GetByID(ctx, job.Args.TaskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	if task.Status == models.TaskStatusReview {
		_, err = w.dispatcher.ForceClose(ctx, job.Args.TaskID)
	} else {
		_, err = w.dispatcher.Refund(ctx, job.Args.TaskID, task.CreatorWallet)
	}
	if errors.Is(err, models.ErrInvalidTransition) {
		return nil
	}
	return err
}

type reputationWorker struct {
	river.WorkerDefaults[ReputationArgs]
	dispatcher *Dispatcher
}

func (w *reputationWorker) Work(ctx context.Context, job *river.Job[ReputationArgs]) error {
	return w.dispatcher.UpdateReputation(ctx, job.Args.WorkerID, job.Args.Success)
}
