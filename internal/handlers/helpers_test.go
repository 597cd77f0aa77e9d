package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agoramesh/backend/internal/models"
)

func decodeBody(rr *httptest.ResponseRecorder, v interface{}) error {
	return json.Unmarshal(rr.Body.Bytes(), v)
}

// noopTx satisfies pgx.Tx for fakes that ignore the transaction.
type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) Conn() *pgx.Conn                                         { return nil }

type txBeginner struct{}

func (txBeginner) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

type fakeTasks struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]models.Task
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[uuid.UUID]models.Task)}
}

func (s *fakeTasks) put(t models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func (s *fakeTasks) CreateTx(_ context.Context, _ pgx.Tx, t *models.Task) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.put(*t)
	return nil
}

func (s *fakeTasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &t, nil
}

func (s *fakeTasks) ListByCreator(_ context.Context, wallet string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Task
	for _, t := range s.tasks {
		t := t
		if models.SameWallet(t.CreatorWallet, wallet) {
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeTasks) UpdateTransactional(_ context.Context, id uuid.UUID, fn func(tx pgx.Tx, t models.Task) (models.Task, error)) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	updated, err := fn(noopTx{}, t)
	if err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()
	s.tasks[id] = updated
	return &updated, nil
}

type fakePostings struct {
	mu       sync.Mutex
	postings map[uuid.UUID]models.JobPosting
}

func newFakePostings() *fakePostings {
	return &fakePostings{postings: make(map[uuid.UUID]models.JobPosting)}
}

func (s *fakePostings) CreateTx(_ context.Context, _ pgx.Tx, p *models.JobPosting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.postings {
		if existing.TaskID == p.TaskID {
			return models.ErrConflict
		}
	}
	p.PostedAt = time.Now().UTC()
	s.postings[p.ID] = *p
	return nil
}

func (s *fakePostings) GetByID(_ context.Context, id uuid.UUID) (*models.JobPosting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (s *fakePostings) List(_ context.Context) ([]*models.JobPosting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.JobPosting
	for _, p := range s.postings {
		p := p
		out = append(out, &p)
	}
	return out, nil
}

func (s *fakePostings) UpdateStatusByTaskTx(_ context.Context, _ pgx.Tx, taskID uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.postings {
		if p.TaskID == taskID {
			p.Status = status
			s.postings[id] = p
			return nil
		}
	}
	return models.ErrNotFound
}

func (s *fakePostings) byTask(taskID uuid.UUID) *models.JobPosting {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.postings {
		if p.TaskID == taskID {
			p := p
			return &p
		}
	}
	return nil
}

type fakeBids struct {
	mu   sync.Mutex
	bids map[uuid.UUID]models.Bid
}

func newFakeBids() *fakeBids {
	return &fakeBids{bids: make(map[uuid.UUID]models.Bid)}
}

func (s *fakeBids) Append(_ context.Context, b *models.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.CreatedAt = time.Now().UTC()
	s.bids[b.ID] = *b
	return nil
}

func (s *fakeBids) Get(_ context.Context, id uuid.UUID) (*models.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bids[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &b, nil
}

func (s *fakeBids) ListByJob(_ context.Context, jobID uuid.UUID) ([]*models.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Bid
	for _, b := range s.bids {
		b := b
		if b.JobID == jobID {
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeBids) MarkAcceptedTx(_ context.Context, _ pgx.Tx, bidID, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bids {
		if b.JobID == jobID && b.Accepted {
			return models.ErrAlreadyAccepted
		}
	}
	b, ok := s.bids[bidID]
	if !ok || b.JobID != jobID {
		return models.ErrNotFound
	}
	b.Accepted = true
	s.bids[bidID] = b
	return nil
}

type fakeActivity struct {
	mu      sync.Mutex
	entries []models.Activity
}

func (s *fakeActivity) Append(_ context.Context, a *models.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.CreatedAt = time.Now().UTC()
	s.entries = append(s.entries, *a)
	return nil
}

func (s *fakeActivity) AppendTx(ctx context.Context, _ pgx.Tx, a *models.Activity) error {
	return s.Append(ctx, a)
}

func (s *fakeActivity) ListByTasks(_ context.Context, taskIDs []uuid.UUID, limit int) ([]*models.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[uuid.UUID]bool, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = true
	}
	var out []*models.Activity
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if wanted[s.entries[i].TaskID] {
			a := s.entries[i]
			out = append(out, &a)
		}
	}
	return out, nil
}

func (s *fakeActivity) actions(taskID uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.entries {
		if a.TaskID == taskID {
			out = append(out, a.Action)
		}
	}
	return out
}

type fakeAgents struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]models.Agent
	byHandle map[string]uuid.UUID
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		byID:     make(map[uuid.UUID]models.Agent),
		byHandle: make(map[string]uuid.UUID),
	}
}

func (s *fakeAgents) Upsert(_ context.Context, ag *models.Agent) (*models.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byHandle[ag.Handle]; ok {
		existing := s.byID[id]
		existing.Wallet = ag.Wallet
		existing.Role = ag.Role
		existing.Skills = ag.Skills
		existing.Description = ag.Description
		existing.MaxLiability = ag.MaxLiability
		existing.Metadata = ag.Metadata
		existing.Active = true
		s.byID[id] = existing
		return &existing, false, nil
	}
	ag.ID = uuid.New()
	ag.Reputation = models.ReputationDefault
	ag.Active = true
	s.byID[ag.ID] = *ag
	s.byHandle[ag.Handle] = ag.ID
	out := *ag
	return &out, true, nil
}

func (s *fakeAgents) GetByID(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ag, ok := s.byID[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &ag, nil
}

func (s *fakeAgents) List(_ context.Context) ([]*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Agent
	for _, ag := range s.byID {
		ag := ag
		out = append(out, &ag)
	}
	return out, nil
}

func (s *fakeAgents) Update(_ context.Context, ag *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[ag.ID]; !ok {
		return models.ErrNotFound
	}
	s.byID[ag.ID] = *ag
	return nil
}

type fakeQueue struct {
	mu          sync.Mutex
	settles     []uuid.UUID
	reputations []uuid.UUID
}

func (q *fakeQueue) EnqueueSettle(_ context.Context, taskID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.settles = append(q.settles, taskID)
	return nil
}

func (q *fakeQueue) EnqueueSettleTx(ctx context.Context, _ pgx.Tx, taskID uuid.UUID) error {
	return q.EnqueueSettle(ctx, taskID)
}

func (q *fakeQueue) EnqueueRefund(context.Context, uuid.UUID) error { return nil }

func (q *fakeQueue) EnqueueReputation(_ context.Context, _ uuid.UUID, workerID uuid.UUID, _ bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reputations = append(q.reputations, workerID)
	return nil
}

type fakeSettler struct {
	refundErr  error
	refundTask *models.Task

	mu          sync.Mutex
	forceClosed []uuid.UUID
}

func (s *fakeSettler) Refund(_ context.Context, taskID uuid.UUID, _ string) (*models.Task, error) {
	if s.refundErr != nil {
		return nil, s.refundErr
	}
	return s.refundTask, nil
}

func (s *fakeSettler) ForceClose(_ context.Context, taskID uuid.UUID) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceClosed = append(s.forceClosed, taskID)
	return s.refundTask, nil
}
