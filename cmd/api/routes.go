package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agoramesh/backend/internal/config"
	"github.com/agoramesh/backend/internal/escrow"
	"github.com/agoramesh/backend/internal/handlers"
	"github.com/agoramesh/backend/internal/identity"
	"github.com/agoramesh/backend/internal/middleware"
	"github.com/agoramesh/backend/internal/repository"
	"github.com/agoramesh/backend/internal/services"
	"github.com/agoramesh/backend/internal/settlement"
)

type routeDeps struct {
	pool       *pgxpool.Pool
	tasks      *repository.TaskRepo
	agents     *repository.AgentRepo
	postings   *repository.PostingRepo
	bids       *repository.BidRepo
	activity   *repository.ActivityRepo
	escrow     escrow.Adapter
	identity   identity.Adapter
	queue      settlement.Enqueuer
	dispatcher *settlement.Dispatcher
	validator  *services.Validator
	cfg        *config.Config
	logger     *slog.Logger
}

// registerRoutes wires the REST surface. Admin routes sit behind AdminAuth;
// everything else is open, with wallet checks inside the handlers.
func registerRoutes(mux *http.ServeMux, d routeDeps) {
	requestLog := middleware.RequestLog(d.logger)
	adminAuth := middleware.AdminAuth(d.cfg.AdminJWTSecret)

	healthHandler := &handlers.HealthHandler{Store: d.pool, Logger: d.logger}
	agentHandler := &handlers.AgentHandler{
		Agents:    d.agents,
		Identity:  d.identity,
		Validator: d.validator,
		Logger:    d.logger,
	}
	jobBoardHandler := &handlers.JobBoardHandler{
		Pool:      d.pool,
		Tasks:     d.tasks,
		Postings:  d.postings,
		Bids:      d.bids,
		Activity:  d.activity,
		Agents:    d.agents,
		Escrow:    d.escrow,
		Validator: d.validator,
		Logger:    d.logger,
	}
	taskHandler := &handlers.TaskHandler{
		Tasks:     d.tasks,
		Postings:  d.postings,
		Activity:  d.activity,
		Queue:     d.queue,
		Settler:   d.dispatcher,
		Validator: d.validator,
		Logger:    d.logger,
	}
	identityHandler := &handlers.IdentityHandler{Identity: d.identity, Logger: d.logger}

	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, requestLog(h))
	}

	handle("GET /health", healthHandler.Health)

	handle("GET /agents", agentHandler.List)
	handle("POST /agents", agentHandler.Upsert)
	handle("GET /agents/{id}", agentHandler.Get)
	handle("PATCH /agents/{id}", agentHandler.Patch)

	handle("GET /jobboard", jobBoardHandler.List)
	handle("POST /jobboard", jobBoardHandler.Create)
	handle("POST /jobboard/{id}/confirm-escrow", jobBoardHandler.ConfirmEscrow)
	handle("POST /jobboard/{id}/bid", jobBoardHandler.SubmitBid)
	handle("POST /jobboard/{id}/accept", jobBoardHandler.AcceptBid)
	handle("GET /jobboard/{id}/escrow", jobBoardHandler.EscrowState)

	handle("GET /tasks", taskHandler.List)
	handle("GET /tasks/activity/feed", taskHandler.ActivityFeed)
	handle("GET /tasks/{id}", taskHandler.Get)
	handle("POST /tasks/{id}/work", taskHandler.SubmitWork)
	handle("POST /tasks/{id}/refund", taskHandler.Refund)
	mux.Handle("PATCH /tasks/{id}/status", requestLog(adminAuth(http.HandlerFunc(taskHandler.StatusOverride))))

	handle("GET /identity/lookup/{handle}", identityHandler.Lookup)
}

// lazyQueue breaks the dispatcher <-> River client construction cycle: the
// dispatcher gets the queue handle first, the real queue is set once the
// client exists. Enqueues before set would be a programming error.
type lazyQueue struct {
	mu    sync.RWMutex
	inner settlement.Enqueuer
}

func (q *lazyQueue) set(inner settlement.Enqueuer) {
	q.mu.Lock()
	q.inner = inner
	q.mu.Unlock()
}

func (q *lazyQueue) get() settlement.Enqueuer {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.inner == nil {
		panic("settlement queue used before River client init")
	}
	return q.inner
}

func (q *lazyQueue) EnqueueSettle(ctx context.Context, taskID uuid.UUID) error {
	return q.get().EnqueueSettle(ctx, taskID)
}

func (q *lazyQueue) EnqueueSettleTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) error {
	return q.get().EnqueueSettleTx(ctx, tx, taskID)
}

func (q *lazyQueue) EnqueueRefund(ctx context.Context, taskID uuid.UUID) error {
	return q.get().EnqueueRefund(ctx, taskID)
}

func (q *lazyQueue) EnqueueReputation(ctx context.Context, taskID, workerID uuid.UUID, success bool) error {
	return q.get().EnqueueReputation(ctx, taskID, workerID, success)
}
