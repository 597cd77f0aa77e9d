package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agoramesh/backend/internal/escrow"
	"github.com/agoramesh/backend/internal/lifecycle"
	"github.com/agoramesh/backend/internal/models"
	"github.com/agoramesh/backend/internal/services"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TaskStore is the task repository subset used by the HTTP surface.
type TaskStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	ListByCreator(ctx context.Context, wallet string) ([]*models.Task, error)
	UpdateTransactional(ctx context.Context, id uuid.UUID, fn func(tx pgx.Tx, t models.Task) (models.Task, error)) (*models.Task, error)
}

// PostingStore is the posting repository subset used by the HTTP surface.
type PostingStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, p *models.JobPosting) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.JobPosting, error)
	List(ctx context.Context) ([]*models.JobPosting, error)
	UpdateStatusByTaskTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, status string) error
}

// BidStore is the bid repository subset used by the HTTP surface.
type BidStore interface {
	Append(ctx context.Context, b *models.Bid) error
	Get(ctx context.Context, id uuid.UUID) (*models.Bid, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*models.Bid, error)
	MarkAcceptedTx(ctx context.Context, tx pgx.Tx, bidID, jobID uuid.UUID) error
}

// ActivityStore is the activity log subset used by the HTTP surface.
type ActivityStore interface {
	Append(ctx context.Context, a *models.Activity) error
	AppendTx(ctx context.Context, tx pgx.Tx, a *models.Activity) error
	ListByTasks(ctx context.Context, taskIDs []uuid.UUID, limit int) ([]*models.Activity, error)
}

// JobBoardHandler serves /jobboard endpoints.
type JobBoardHandler struct {
	Pool      TxBeginner
	Tasks     TaskStore
	Postings  PostingStore
	Bids      BidStore
	Activity  ActivityStore
	Agents    AgentStore
	Escrow    escrow.Adapter
	Validator *services.Validator
	Logger    *slog.Logger
}

type jobBoardEntry struct {
	models.JobPosting
	Bids         []*models.Bid `json:"bids"`
	EscrowStatus string        `json:"escrow_status"`
}

// List handles GET /jobboard: every posting with its bids and the escrow
// status of the backing task.
func (h *JobBoardHandler) List(w http.ResponseWriter, r *http.Request) {
	postings, err := h.Postings.List(r.Context())
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}

	entries := make([]jobBoardEntry, 0, len(postings))
	for _, p := range postings {
		bids, err := h.Bids.ListByJob(r.Context(), p.ID)
		if err != nil {
			respondError(w, h.Logger, err)
			return
		}
		if bids == nil {
			bids = []*models.Bid{}
		}
		escrowStatus := models.EscrowStatusNone
		if task, err := h.Tasks.GetByID(r.Context(), p.TaskID); err == nil {
			escrowStatus = task.EscrowStatus
		}
		entries = append(entries, jobBoardEntry{
			JobPosting:   *p,
			Bids:         bids,
			EscrowStatus: escrowStatus,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

type createJobRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Budget         int64    `json:"budget"`
	RequiredSkills []string `json:"requiredSkills"`
	CreatorWallet  string   `json:"creatorWallet"`
}

type createJobResponse struct {
	Task    *models.Task       `json:"task"`
	Posting *models.JobPosting `json:"posting"`
}

// Create handles POST /jobboard. The task and its posting commit atomically;
// on custodial escrow backends the deposit follows immediately, otherwise the
// task waits in open/pending for confirm-escrow.
func (h *JobBoardHandler) Create(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.Validate(services.SchemaCreateJob, raw); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	var req createJobRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	wallet, err := models.NormalizeWallet(req.CreatorWallet)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	skills := req.RequiredSkills
	if skills == nil {
		skills = []string{}
	}

	task := lifecycle.NewTask(req.Title, req.Description, wallet, req.Budget, nowUTC())
	posting := &models.JobPosting{
		ID:             uuid.New(),
		TaskID:         task.ID,
		CreatorWallet:  wallet,
		Title:          req.Title,
		Description:    req.Description,
		Budget:         req.Budget,
		RequiredSkills: skills,
		Status:         models.PostingStatusOpen,
	}

	tx, err := h.Pool.Begin(r.Context())
	if err != nil {
		h.Logger.Error("begin create job tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback(r.Context())

	if err := h.Tasks.CreateTx(r.Context(), tx, &task); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if err := h.Postings.CreateTx(r.Context(), tx, posting); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if err := h.Activity.AppendTx(r.Context(), tx, &models.Activity{
		ActorID: models.ActorSystem,
		TaskID:  task.ID,
		Action:  models.ActivityTaskCreated,
	}); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		h.Logger.Error("commit create job tx", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	out := &task
	if h.Escrow.Custodial() {
		if confirmed, err := h.depositAndConfirm(r.Context(), &task); err != nil {
			// Task stays open/pending; the recovery scan or confirm-escrow
			// picks it up.
			h.Logger.Warn("custodial deposit failed",
				"taskId", task.ID, "backend", h.Escrow.Backend(), "error", err)
		} else {
			out = confirmed
		}
	}

	writeJSON(w, http.StatusCreated, createJobResponse{Task: out, Posting: posting})
}

// depositAndConfirm moves the budget into escrow and commits DepositConfirmed.
func (h *JobBoardHandler) depositAndConfirm(ctx context.Context, task *models.Task) (*models.Task, error) {
	receipt, err := h.Escrow.Deposit(ctx, task.ID, task.EscrowAmount, task.CreatorWallet)
	if err != nil {
		return nil, err
	}
	return h.Tasks.UpdateTransactional(ctx, task.ID, func(tx pgx.Tx, t models.Task) (models.Task, error) {
		next, effects, err := lifecycle.Apply(t, lifecycle.Event{
			Kind:    lifecycle.DepositConfirmed,
			Receipt: receipt,
		})
		if err != nil {
			return t, err
		}
		if err := h.applyEffectsTx(ctx, tx, next, effects); err != nil {
			return t, err
		}
		return next, nil
	})
}

type confirmEscrowRequest struct {
	ExternalRef     string `json:"externalRef"`
	DepositorWallet string `json:"depositorWallet"`
}

// ConfirmEscrow handles POST /jobboard/{id}/confirm-escrow: the poster attests
// a deposit made from their own wallet. The adapter verifies ref, amount, and
// depositor before the task moves to held.
func (h *JobBoardHandler) ConfirmEscrow(w http.ResponseWriter, r *http.Request) {
	posting, ok := h.postingFromPath(w, r)
	if !ok {
		return
	}
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.Validate(services.SchemaConfirmEscrow, raw); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	var req confirmEscrowRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	task, err := h.Tasks.GetByID(r.Context(), posting.TaskID)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if !models.SameWallet(req.DepositorWallet, task.CreatorWallet) {
		respondError(w, h.Logger, escrow.ErrDepositorMismatch)
		return
	}

	receipt, err := h.Escrow.VerifyDeposit(r.Context(), task.ID, req.ExternalRef, task.CreatorWallet, task.EscrowAmount)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}

	updated, err := h.Tasks.UpdateTransactional(r.Context(), task.ID, func(tx pgx.Tx, t models.Task) (models.Task, error) {
		next, effects, err := lifecycle.Apply(t, lifecycle.Event{
			Kind:    lifecycle.DepositConfirmed,
			Receipt: receipt,
		})
		if err != nil {
			return t, err
		}
		if err := h.applyEffectsTx(r.Context(), tx, next, effects); err != nil {
			return t, err
		}
		return next, nil
	})
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type submitBidRequest struct {
	WorkerID       uuid.UUID `json:"workerId"`
	WorkerHandle   string    `json:"workerHandle"`
	Message        string    `json:"message"`
	RelevanceScore int       `json:"relevanceScore"`
	EstimatedTime  string    `json:"estimatedTime"`
	ProposedAmount int64     `json:"proposedAmount"`
}

// SubmitBid handles POST /jobboard/{id}/bid.
func (h *JobBoardHandler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	posting, ok := h.postingFromPath(w, r)
	if !ok {
		return
	}
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.Validate(services.SchemaSubmitBid, raw); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	var req submitBidRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if posting.Status != models.PostingStatusOpen {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "posting is not open for bids",
			"status": posting.Status,
		})
		return
	}
	if _, err := h.Agents.GetByID(r.Context(), req.WorkerID); err != nil {
		respondError(w, h.Logger, err)
		return
	}

	bid := &models.Bid{
		ID:             uuid.New(),
		JobID:          posting.ID,
		WorkerID:       req.WorkerID,
		WorkerHandle:   req.WorkerHandle,
		Message:        req.Message,
		RelevanceScore: req.RelevanceScore,
		EstimatedTime:  req.EstimatedTime,
		ProposedAmount: req.ProposedAmount,
	}
	if err := h.Bids.Append(r.Context(), bid); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if err := h.Activity.Append(r.Context(), &models.Activity{
		ActorID: req.WorkerID.String(),
		TaskID:  posting.TaskID,
		Action:  models.ActivityBidSubmitted,
	}); err != nil {
		h.Logger.Error("append bid activity", "taskId", posting.TaskID, "error", err)
	}
	writeJSON(w, http.StatusCreated, bid)
}

type acceptBidRequest struct {
	BidID        uuid.UUID `json:"bidId"`
	CallerWallet string    `json:"callerWallet"`
}

// AcceptBid handles POST /jobboard/{id}/accept. The winner is decided by a
// compare-and-set on the posting's bids: with concurrent accepts exactly one
// caller gets 200, every other gets 409.
func (h *JobBoardHandler) AcceptBid(w http.ResponseWriter, r *http.Request) {
	posting, ok := h.postingFromPath(w, r)
	if !ok {
		return
	}
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.Validate(services.SchemaAcceptBid, raw); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	var req acceptBidRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if !models.SameWallet(req.CallerWallet, posting.CreatorWallet) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "only the job creator may accept bids"})
		return
	}

	bid, err := h.Bids.Get(r.Context(), req.BidID)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if bid.JobID != posting.ID {
		respondError(w, h.Logger, models.ErrNotFound)
		return
	}

	updated, err := h.Tasks.UpdateTransactional(r.Context(), posting.TaskID, func(tx pgx.Tx, t models.Task) (models.Task, error) {
		if err := h.Bids.MarkAcceptedTx(r.Context(), tx, bid.ID, posting.ID); err != nil {
			return t, err
		}
		next, effects, err := lifecycle.Apply(t, lifecycle.Event{
			Kind:     lifecycle.AcceptBid,
			WorkerID: bid.WorkerID,
		})
		if err != nil {
			return t, err
		}
		if err := h.applyEffectsTx(r.Context(), tx, next, effects); err != nil {
			return t, err
		}
		return next, nil
	})
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}

	bid.Accepted = true
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": updated, "bid": bid})
}

// EscrowState handles GET /jobboard/{id}/escrow: the backend's live view of
// the posting's deposit.
func (h *JobBoardHandler) EscrowState(w http.ResponseWriter, r *http.Request) {
	posting, ok := h.postingFromPath(w, r)
	if !ok {
		return
	}
	state, err := h.Escrow.Query(r.Context(), posting.TaskID)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *JobBoardHandler) postingFromPath(w http.ResponseWriter, r *http.Request) (*models.JobPosting, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return nil, false
	}
	posting, err := h.Postings.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, h.Logger, err)
		return nil, false
	}
	return posting, true
}

// applyEffectsTx executes storage-bound transition effects inside the step's
// transaction. The handlers only ever see posting syncs and activity appends;
// queue effects belong to the work-submission path.
func (h *JobBoardHandler) applyEffectsTx(ctx context.Context, tx pgx.Tx, t models.Task, effects []lifecycle.Effect) error {
	for _, eff := range effects {
		switch eff.Kind {
		case lifecycle.EffectSyncPosting:
			if err := h.Postings.UpdateStatusByTaskTx(ctx, tx, t.ID, eff.PostingStatus); err != nil {
				return err
			}
		case lifecycle.EffectAppendActivity:
			actor := eff.Actor
			if actor == models.ActorSystem && eff.Action == models.ActivityEscrowHeld {
				actor = "escrow:" + h.Escrow.Backend()
			}
			if err := h.Activity.AppendTx(ctx, tx, &models.Activity{
				ActorID: actor,
				TaskID:  t.ID,
				Action:  eff.Action,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
