package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agoramesh/backend/internal/models"
)

const taskColumns = `id, title, description, budget, status, creator_wallet, assigned_agents, work_results, escrow_amount, escrow_status, settlement_ref, settlement_block, settlement_url, settled_at, created_at, updated_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *TaskRepo) Create(ctx context.Context, t *models.Task) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, title, description, budget, status, creator_wallet, assigned_agents, work_results, escrow_amount, escrow_status, settlement_ref, settlement_block, settlement_url, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, t.ID, t.Title, t.Description, t.Budget, t.Status, t.CreatorWallet, t.AssignedAgents, t.WorkResults, t.EscrowAmount, t.EscrowStatus, t.SettlementRef, t.SettlementBlock, t.SettlementURL, t.SettledAt).Scan(&t.CreatedAt, &t.UpdatedAt)
}

// CreateTx is Create within an existing transaction.
func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (id, title, description, budget, status, creator_wallet, assigned_agents, work_results, escrow_amount, escrow_status, settlement_ref, settlement_block, settlement_url, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`, t.ID, t.Title, t.Description, t.Budget, t.Status, t.CreatorWallet, t.AssignedAgents, t.WorkResults, t.EscrowAmount, t.EscrowStatus, t.SettlementRef, t.SettlementBlock, t.SettlementURL, t.SettledAt).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// GetByIDForUpdate loads the task under a row lock. Call within a transaction.
func (r *TaskRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	return scanTask(row)
}

func (r *TaskRepo) UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	_, err := tx.Exec(ctx, `
		UPDATE tasks SET title = $2, description = $3, budget = $4, status = $5, creator_wallet = $6, assigned_agents = $7, work_results = $8, escrow_amount = $9, escrow_status = $10, settlement_ref = $11, settlement_block = $12, settlement_url = $13, settled_at = $14, updated_at = now()
		WHERE id = $1
	`, t.ID, t.Title, t.Description, t.Budget, t.Status, t.CreatorWallet, t.AssignedAgents, t.WorkResults, t.EscrowAmount, t.EscrowStatus, t.SettlementRef, t.SettlementBlock, t.SettlementURL, t.SettledAt)
	return err
}

func (r *TaskRepo) ListByCreator(ctx context.Context, wallet string) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE creator_wallet = lower($1) ORDER BY created_at DESC
	`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListStranded returns tasks the settlement dispatcher must pick up after a
// restart: mid-settlement tasks, open tasks whose deposit was never confirmed,
// and held tasks whose refund may have reached the backend without committing.
func (r *TaskRepo) ListStranded(ctx context.Context) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1
		   OR (status = $2 AND escrow_status = $3)
		   OR (escrow_status = $4 AND status <> $1)
		ORDER BY created_at ASC
	`, models.TaskStatusSettlement, models.TaskStatusOpen, models.EscrowStatusPending, models.EscrowStatusHeld)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateTransactional runs one serialized state-machine step: it loads the
// task under a row lock, applies fn, persists the result, and commits. fn
// receives the open transaction so callers can write postings, bids, activity
// entries, and queue inserts atomically with the transition. Any fn error
// rolls everything back.
func (r *TaskRepo) UpdateTransactional(ctx context.Context, id uuid.UUID, fn func(tx pgx.Tx, t models.Task) (models.Task, error)) (*models.Task, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin task tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := r.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	updated, err := fn(tx, *current)
	if err != nil {
		return nil, err
	}
	if err := r.UpdateTx(ctx, tx, &updated); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit task tx: %w", err)
	}
	return &updated, nil
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Budget, &t.Status, &t.CreatorWallet,
		&t.AssignedAgents, &t.WorkResults, &t.EscrowAmount, &t.EscrowStatus,
		&t.SettlementRef, &t.SettlementBlock, &t.SettlementURL, &t.SettledAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*models.Task, error) {
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
