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

const bidColumns = `id, job_id, worker_id, worker_handle, message, relevance_score, estimated_time, proposed_amount, accepted, created_at`

type BidRepo struct {
	pool *pgxpool.Pool
}

func NewBidRepo(pool *pgxpool.Pool) *BidRepo {
	return &BidRepo{pool: pool}
}

func (r *BidRepo) Append(ctx context.Context, b *models.Bid) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO bids (id, job_id, worker_id, worker_handle, message, relevance_score, estimated_time, proposed_amount, accepted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		RETURNING created_at
	`, b.ID, b.JobID, b.WorkerID, b.WorkerHandle, b.Message, b.RelevanceScore, b.EstimatedTime, b.ProposedAmount).Scan(&b.CreatedAt)
}

func (r *BidRepo) Get(ctx context.Context, id uuid.UUID) (*models.Bid, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	return scanBid(row)
}

func (r *BidRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*models.Bid, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

// MarkAcceptedTx is the bid-acceptance compare-and-set: it flips the bid to
// accepted only while no other bid on the same job is accepted. The partial
// unique index on (job_id) WHERE accepted backstops concurrent winners.
func (r *BidRepo) MarkAcceptedTx(ctx context.Context, tx pgx.Tx, bidID, jobID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE bids SET accepted = TRUE
		WHERE id = $1 AND job_id = $2
		  AND NOT EXISTS (SELECT 1 FROM bids WHERE job_id = $2 AND accepted)
	`, bidID, jobID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrAlreadyAccepted
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.getTx(ctx, tx, bidID); err != nil {
			return err
		}
		return models.ErrAlreadyAccepted
	}
	return nil
}

func (r *BidRepo) getTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Bid, error) {
	row := tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	return scanBid(row)
}

func scanBid(row pgx.Row) (*models.Bid, error) {
	var b models.Bid
	err := row.Scan(&b.ID, &b.JobID, &b.WorkerID, &b.WorkerHandle, &b.Message,
		&b.RelevanceScore, &b.EstimatedTime, &b.ProposedAmount, &b.Accepted, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}
