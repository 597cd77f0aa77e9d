package settlement

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// SettleArgs releases a task's escrow to the winning worker.
type SettleArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (SettleArgs) Kind() string { return "escrow_settle" }

// Unique by args: submitting the same work twice enqueues one settlement.
func (SettleArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// RefundArgs refunds a task's escrow to its depositor. Only enqueued by the
// restart recovery scan; interactive refunds run synchronously so failures
// reach the caller.
type RefundArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (RefundArgs) Kind() string { return "escrow_refund" }

func (RefundArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// ReputationArgs applies a settlement outcome to the worker's reputation and
// pushes the new attributes to the identity backend.
type ReputationArgs struct {
	TaskID   uuid.UUID `json:"task_id"`
	WorkerID uuid.UUID `json:"worker_id"`
	Success  bool      `json:"success"`
}

func (ReputationArgs) Kind() string { return "reputation_update" }

func (ReputationArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// Enqueuer abstracts queue insertion so handlers and the dispatcher don't
// depend on the River client directly (and tests can capture inserts).
type Enqueuer interface {
	EnqueueSettle(ctx context.Context, taskID uuid.UUID) error
	// EnqueueSettleTx inserts the settle job inside the transaction that
	// commits the SubmitWork transition, so a crash between the two cannot
	// lose the side effect.
	EnqueueSettleTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error
	EnqueueRefund(ctx context.Context, taskID uuid.UUID) error
	EnqueueReputation(ctx context.Context, taskID, workerID uuid.UUID, success bool) error
}

// Queue is the River-backed Enqueuer.
type Queue struct {
	client *river.Client[pgx.Tx]
}

func NewQueue(client *river.Client[pgx.Tx]) *Queue {
	return &Queue{client: client}
}

func (q *Queue) EnqueueSettle(ctx context.Context, taskID uuid.UUID) error {
	_, err := q.client.Insert(ctx, SettleArgs{TaskID: taskID}, nil)
	return err
}

func (q *Queue) EnqueueSettleTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error {
	_, err := q.client.InsertTx(ctx, tx, SettleArgs{TaskID: taskID}, nil)
	return err
}

func (q *Queue) EnqueueRefund(ctx context.Context, taskID uuid.UUID) error {
	_, err := q.client.Insert(ctx, RefundArgs{TaskID: taskID}, nil)
	return err
}

func (q *Queue) EnqueueReputation(ctx context.Context, taskID, workerID uuid.UUID, success bool) error {
	_, err := q.client.Insert(ctx, ReputationArgs{TaskID: taskID, WorkerID: workerID, Success: success}, nil)
	return err
}
