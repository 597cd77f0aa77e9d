package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agoramesh/backend/internal/lifecycle"
	"github.com/agoramesh/backend/internal/middleware"
	"github.com/agoramesh/backend/internal/models"
	"github.com/agoramesh/backend/internal/services"
	"github.com/agoramesh/backend/internal/settlement"
)

// Settler is the dispatcher subset the task handler calls synchronously.
type Settler interface {
	Refund(ctx context.Context, taskID uuid.UUID, callerWallet string) (*models.Task, error)
	ForceClose(ctx context.Context, taskID uuid.UUID) (*models.Task, error)
}

// TaskHandler serves /tasks endpoints.
type TaskHandler struct {
	Tasks     TaskStore
	Postings  PostingStore
	Activity  ActivityStore
	Queue     settlement.Enqueuer
	Settler   Settler
	Validator *services.Validator
	Logger    *slog.Logger
}

// taskDetail is the task plus a results indicator. Work results themselves
// are stripped for everyone but the task creator.
type taskDetail struct {
	models.Task
	HasResults bool `json:"hasResults"`
}

// List handles GET /tasks?address=W: the creator's tasks, newest first.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		http.Error(w, `{"error":"address query parameter is required"}`, http.StatusBadRequest)
		return
	}
	tasks, err := h.Tasks.ListByCreator(r.Context(), address)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// Get handles GET /tasks/{id}?address=W. Non-creators see whether results
// exist but never their contents.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDFromPath(w, r)
	if !ok {
		return
	}
	task, err := h.Tasks.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}

	detail := taskDetail{Task: *task, HasResults: len(task.WorkResults) > 0}
	if !models.SameWallet(r.URL.Query().Get("address"), task.CreatorWallet) {
		detail.WorkResults = nil
	}
	writeJSON(w, http.StatusOK, detail)
}

type submitWorkRequest struct {
	WorkerID uuid.UUID       `json:"workerId"`
	Result   json.RawMessage `json:"result"`
}

// SubmitWork handles POST /tasks/{id}/work. The transition and the settlement
// enqueue commit in one transaction; replaying the identical submission after
// the task moved on returns 200 without enqueueing again.
func (h *TaskHandler) SubmitWork(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDFromPath(w, r)
	if !ok {
		return
	}
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.Validate(services.SchemaSubmitWork, raw); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	var req submitWorkRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	task, err := h.Tasks.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if replayedSubmission(task, req.WorkerID, req.Result) {
		writeJSON(w, http.StatusOK, task)
		return
	}

	updated, err := h.Tasks.UpdateTransactional(r.Context(), id, func(tx pgx.Tx, t models.Task) (models.Task, error) {
		next, effects, aerr := lifecycle.Apply(t, lifecycle.Event{
			Kind:     lifecycle.SubmitWork,
			WorkerID: req.WorkerID,
			Result:   req.Result,
		})
		if aerr != nil {
			return t, aerr
		}
		for _, eff := range effects {
			switch eff.Kind {
			case lifecycle.EffectAppendActivity:
				if err := h.Activity.AppendTx(r.Context(), tx, &models.Activity{
					ActorID: eff.Actor,
					TaskID:  t.ID,
					Action:  eff.Action,
				}); err != nil {
					return t, err
				}
			case lifecycle.EffectEnqueueSettlement:
				if err := h.Queue.EnqueueSettleTx(r.Context(), tx, t.ID); err != nil {
					return t, err
				}
			}
		}
		return next, nil
	})
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// replayedSubmission reports whether this exact submission already moved the
// task past in-progress.
func replayedSubmission(t *models.Task, workerID uuid.UUID, result json.RawMessage) bool {
	switch t.Status {
	case models.TaskStatusSettlement, models.TaskStatusCompleted:
	default:
		return false
	}
	prev := t.ResultFor(workerID)
	return prev != nil && bytes.Equal(prev.Result, result)
}

type refundRequest struct {
	CallerWallet string `json:"callerWallet"`
}

// Refund handles POST /tasks/{id}/refund. Runs the dispatcher's refund
// routine synchronously: the creator sees adapter failures and retries.
func (h *TaskHandler) Refund(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDFromPath(w, r)
	if !ok {
		return
	}
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.Validate(services.SchemaRefund, raw); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	var req refundRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	updated, err := h.Settler.Refund(r.Context(), id, req.CallerWallet)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type statusOverrideRequest struct {
	Status  string     `json:"status"`
	AgentID *uuid.UUID `json:"agentId"`
}

// StatusOverride handles PATCH /tasks/{id}/status, the admin escape hatch.
// Overriding a reviewed task to reversed refunds its escrow; naming an agent
// additionally books the failure against their reputation.
func (h *TaskHandler) StatusOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDFromPath(w, r)
	if !ok {
		return
	}
	var req statusOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if !knownTaskStatus(req.Status) {
		http.Error(w, `{"error":"unknown status"}`, http.StatusBadRequest)
		return
	}

	actor := middleware.AdminFromCtx(r.Context())
	if actor == "" {
		actor = models.ActorSystem
	}

	var updated *models.Task
	var err error
	if req.Status == models.TaskStatusReversed {
		updated, err = h.Settler.ForceClose(r.Context(), id)
	} else {
		updated, err = h.overrideStatus(r.Context(), id, req.Status)
	}
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}

	if err := h.Activity.Append(r.Context(), &models.Activity{
		ActorID: actor,
		TaskID:  id,
		Action:  models.ActivityStatusChangedPrefix + strings.ToUpper(strings.ReplaceAll(req.Status, "-", "_")),
	}); err != nil {
		h.Logger.Error("append status override activity", "taskId", id, "error", err)
	}

	if req.AgentID != nil {
		if err := h.Queue.EnqueueReputation(r.Context(), id, *req.AgentID, false); err != nil {
			h.Logger.Error("enqueue failure reputation", "taskId", id, "agentId", *req.AgentID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, updated)
}

// overrideStatus forces a status while keeping the (status, escrowStatus)
// pair legal and the assignment invariant intact: only open tasks carry no
// assigned worker. No money moves here.
func (h *TaskHandler) overrideStatus(ctx context.Context, id uuid.UUID, status string) (*models.Task, error) {
	return h.Tasks.UpdateTransactional(ctx, id, func(tx pgx.Tx, t models.Task) (models.Task, error) {
		if !lifecycle.Legal(status, t.EscrowStatus) {
			return t, models.ErrInvalidTransition
		}
		if status == models.TaskStatusOpen {
			t.AssignedAgents = nil
		} else if len(t.AssignedAgents) == 0 {
			return t, fmt.Errorf("%w: status %s requires an assigned worker", models.ErrInvalidTransition, status)
		}
		t.Status = status
		if err := h.Postings.UpdateStatusByTaskTx(ctx, tx, t.ID, models.PostingStatusForTask(status)); err != nil {
			return t, err
		}
		return t, nil
	})
}

// ActivityFeed handles GET /tasks/activity/feed?address=W: the newest entries
// across all of the creator's tasks.
func (h *TaskHandler) ActivityFeed(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address == "" {
		http.Error(w, `{"error":"address query parameter is required"}`, http.StatusBadRequest)
		return
	}
	tasks, err := h.Tasks.ListByCreator(r.Context(), address)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	ids := make([]uuid.UUID, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	feed, err := h.Activity.ListByTasks(r.Context(), ids, 30)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if feed == nil {
		feed = []*models.Activity{}
	}
	writeJSON(w, http.StatusOK, feed)
}

func knownTaskStatus(status string) bool {
	switch status {
	case models.TaskStatusOpen, models.TaskStatusInProgress, models.TaskStatusReview,
		models.TaskStatusSettlement, models.TaskStatusCompleted, models.TaskStatusReversed:
		return true
	}
	return false
}

func taskIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}
