package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agoramesh/backend/internal/models"
)

const activityColumns = `id, actor_id, task_id, action, created_at`

// ActivityRepo is the append-only activity log. Entries are immutable after
// write; created_at is assigned by the database so entries committed in order
// carry monotonically non-decreasing timestamps per task.
type ActivityRepo struct {
	pool *pgxpool.Pool
}

func NewActivityRepo(pool *pgxpool.Pool) *ActivityRepo {
	return &ActivityRepo{pool: pool}
}

func (r *ActivityRepo) Append(ctx context.Context, a *models.Activity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO activities (id, actor_id, task_id, action)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, a.ID, a.ActorID, a.TaskID, a.Action).Scan(&a.CreatedAt)
}

// AppendTx appends within the transaction that commits the state transition
// the entry records.
func (r *ActivityRepo) AppendTx(ctx context.Context, tx pgx.Tx, a *models.Activity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO activities (id, actor_id, task_id, action)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, a.ID, a.ActorID, a.TaskID, a.Action).Scan(&a.CreatedAt)
}

// ListByTasks returns the newest entries across the given tasks.
func (r *ActivityRepo) ListByTasks(ctx context.Context, taskIDs []uuid.UUID, limit int) ([]*models.Activity, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE task_id = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2
	`, taskIDs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.ActorID, &a.TaskID, &a.Action, &a.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}

// CountByTaskAndAction reports how many entries with the given label exist
// for a task. Used by settlement to keep PAYMENT_SETTLED unique per task.
func (r *ActivityRepo) CountByTaskAndAction(ctx context.Context, taskID uuid.UUID, action string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM activities WHERE task_id = $1 AND action = $2
	`, taskID, action).Scan(&n)
	return n, err
}
