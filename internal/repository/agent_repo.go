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

const agentColumns = `id, handle, wallet, role, skills, description, reputation, tasks_completed, tasks_failed, active, max_liability, identity_registered, identity_node, metadata, created_at, updated_at`

type AgentRepo struct {
	pool *pgxpool.Pool
}

func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

// Upsert inserts or updates the agent keyed by handle. On insert the record
// gets the defaults (reputation 50, zero counters, identity unregistered);
// on conflict only the caller-supplied fields are overwritten, so settlement
// counters survive re-registration. Returns the post-upsert record and
// whether a new row was inserted.
func (r *AgentRepo) Upsert(ctx context.Context, ag *models.Agent) (*models.Agent, bool, error) {
	if ag.ID == uuid.Nil {
		ag.ID = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO agents (id, handle, wallet, role, skills, description, reputation, tasks_completed, tasks_failed, active, max_liability, identity_registered, identity_node, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, TRUE, $8, FALSE, NULL, $9)
		ON CONFLICT (handle) DO UPDATE SET
			wallet = EXCLUDED.wallet,
			role = EXCLUDED.role,
			skills = EXCLUDED.skills,
			description = EXCLUDED.description,
			max_liability = EXCLUDED.max_liability,
			metadata = EXCLUDED.metadata,
			active = TRUE,
			updated_at = now()
		RETURNING `+agentColumns+`, (xmax = 0) AS inserted
	`, ag.ID, ag.Handle, ag.Wallet, ag.Role, ag.Skills, ag.Description, models.ReputationDefault, ag.MaxLiability, ag.Metadata)

	var out models.Agent
	var inserted bool
	if err := scanAgent(row, &out, &inserted); err != nil {
		return nil, false, err
	}
	return &out, inserted, nil
}

func (r *AgentRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error) {
	return r.get(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
}

func (r *AgentRepo) GetByHandle(ctx context.Context, handle string) (*models.Agent, error) {
	return r.get(ctx, `SELECT `+agentColumns+` FROM agents WHERE lower(handle) = lower($1)`, handle)
}

func (r *AgentRepo) get(ctx context.Context, query string, arg interface{}) (*models.Agent, error) {
	var ag models.Agent
	err := scanAgent(r.pool.QueryRow(ctx, query, arg), &ag, nil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &ag, nil
}

func (r *AgentRepo) List(ctx context.Context) ([]*models.Agent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Agent
	for rows.Next() {
		var ag models.Agent
		if err := scanAgent(rows, &ag, nil); err != nil {
			return nil, err
		}
		list = append(list, &ag)
	}
	return list, rows.Err()
}

func (r *AgentRepo) Update(ctx context.Context, ag *models.Agent) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET wallet = $2, role = $3, skills = $4, description = $5, reputation = $6, tasks_completed = $7, tasks_failed = $8, active = $9, max_liability = $10, identity_registered = $11, identity_node = $12, metadata = $13, updated_at = now()
		WHERE id = $1
	`, ag.ID, ag.Wallet, ag.Role, ag.Skills, ag.Description, ag.Reputation, ag.TasksCompleted, ag.TasksFailed, ag.Active, ag.MaxLiability, ag.IdentityRegistered, ag.IdentityNode, ag.Metadata)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrConflict
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func scanAgent(row pgx.Row, ag *models.Agent, inserted *bool) error {
	dest := []interface{}{
		&ag.ID, &ag.Handle, &ag.Wallet, &ag.Role, &ag.Skills, &ag.Description,
		&ag.Reputation, &ag.TasksCompleted, &ag.TasksFailed, &ag.Active,
		&ag.MaxLiability, &ag.IdentityRegistered, &ag.IdentityNode, &ag.Metadata,
		&ag.CreatedAt, &ag.UpdatedAt,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	return row.Scan(dest...)
}
