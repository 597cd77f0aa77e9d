package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agoramesh/backend/internal/models"
)

const postingColumns = `id, task_id, creator_wallet, title, description, budget, required_skills, status, posted_at`

type PostingRepo struct {
	pool *pgxpool.Pool
}

func NewPostingRepo(pool *pgxpool.Pool) *PostingRepo {
	return &PostingRepo{pool: pool}
}

// CreateTx inserts the posting in the same transaction that creates its task.
// The one-posting-per-task invariant is the unique constraint on task_id.
func (r *PostingRepo) CreateTx(ctx context.Context, tx pgx.Tx, p *models.JobPosting) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO postings (id, task_id, creator_wallet, title, description, budget, required_skills, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING posted_at
	`, p.ID, p.TaskID, p.CreatorWallet, p.Title, p.Description, p.Budget, p.RequiredSkills, p.Status).Scan(&p.PostedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrConflict
		}
		return err
	}
	return nil
}

func (r *PostingRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.JobPosting, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+postingColumns+` FROM postings WHERE id = $1`, id)
	return scanPosting(row)
}

func (r *PostingRepo) GetByTaskID(ctx context.Context, taskID uuid.UUID) (*models.JobPosting, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+postingColumns+` FROM postings WHERE task_id = $1`, taskID)
	return scanPosting(row)
}

func (r *PostingRepo) List(ctx context.Context) ([]*models.JobPosting, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+postingColumns+` FROM postings ORDER BY posted_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.JobPosting
	for rows.Next() {
		p, err := scanPosting(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *PostingRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE postings SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// UpdateStatusByTaskTx mirrors a task transition onto its posting within the
// transition's transaction.
func (r *PostingRepo) UpdateStatusByTaskTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, status string) error {
	tag, err := tx.Exec(ctx, `UPDATE postings SET status = $2 WHERE task_id = $1`, taskID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func scanPosting(row pgx.Row) (*models.JobPosting, error) {
	var p models.JobPosting
	err := row.Scan(&p.ID, &p.TaskID, &p.CreatorWallet, &p.Title, &p.Description,
		&p.Budget, &p.RequiredSkills, &p.Status, &p.PostedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}
