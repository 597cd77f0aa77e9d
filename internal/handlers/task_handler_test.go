package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh/backend/internal/models"
	"github.com/agoramesh/backend/internal/services"
)

type taskFixture struct {
	handler  *TaskHandler
	tasks    *fakeTasks
	postings *fakePostings
	activity *fakeActivity
	queue    *fakeQueue
	settler  *fakeSettler
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	validator, err := services.NewValidator()
	require.NoError(t, err)

	f := &taskFixture{
		tasks:    newFakeTasks(),
		postings: newFakePostings(),
		activity: &fakeActivity{},
		queue:    &fakeQueue{},
		settler:  &fakeSettler{},
	}
	f.handler = &TaskHandler{
		Tasks:     f.tasks,
		Postings:  f.postings,
		Activity:  f.activity,
		Queue:     f.queue,
		Settler:   f.settler,
		Validator: validator,
		Logger:    slog.Default(),
	}
	return f
}

// seedTask stores an in-progress task with a held deposit and one assigned
// worker, the state work submission expects.
func (f *taskFixture) seedTask(workerID uuid.UUID) models.Task {
	task := models.Task{
		ID:             uuid.New(),
		Title:          "Summarize",
		Budget:         100,
		Status:         models.TaskStatusInProgress,
		CreatorWallet:  strings.ToLower(testCreator),
		AssignedAgents: []uuid.UUID{workerID},
		EscrowAmount:   100,
		EscrowStatus:   models.EscrowStatusHeld,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	f.tasks.put(task)
	return task
}

func doGet(h http.HandlerFunc, path, id string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if id != "" {
		req.SetPathValue("id", id)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestGetTaskRedactsResultsForStrangers(t *testing.T) {
	f := newTaskFixture(t)
	worker := uuid.New()
	task := f.seedTask(worker)
	task.Status = models.TaskStatusCompleted
	task.EscrowStatus = models.EscrowStatusReleased
	task.WorkResults = []models.WorkResult{{
		WorkerID:    worker,
		Result:      json.RawMessage(`{"summary":"done"}`),
		SubmittedAt: time.Now().UTC(),
	}}
	f.tasks.put(task)

	asCreator := doGet(f.handler.Get, "/tasks/x?address="+testCreator, task.ID.String())
	require.Equal(t, http.StatusOK, asCreator.Code)
	var creatorView taskDetail
	require.NoError(t, decodeBody(asCreator, &creatorView))
	require.True(t, creatorView.HasResults)
	require.Len(t, creatorView.WorkResults, 1)

	asStranger := doGet(f.handler.Get, "/tasks/x?address="+testWorker, task.ID.String())
	require.Equal(t, http.StatusOK, asStranger.Code)
	var strangerView taskDetail
	require.NoError(t, decodeBody(asStranger, &strangerView))
	require.True(t, strangerView.HasResults)
	require.Nil(t, strangerView.WorkResults)
}

func TestGetTaskNotFound(t *testing.T) {
	f := newTaskFixture(t)
	rr := doGet(f.handler.Get, "/tasks/x", uuid.NewString())
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListTasksRequiresAddress(t *testing.T) {
	f := newTaskFixture(t)
	rr := doGet(f.handler.List, "/tasks", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmitWorkEnqueuesSettlementOnce(t *testing.T) {
	f := newTaskFixture(t)
	worker := uuid.New()
	task := f.seedTask(worker)

	body := fmt.Sprintf(`{"workerId":%q,"result":{"summary":"done"}}`, worker)
	rr := postJSON(f.handler.SubmitWork, "/tasks/x/work", task.ID.String(), body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var updated models.Task
	require.NoError(t, decodeBody(rr, &updated))
	require.Equal(t, models.TaskStatusSettlement, updated.Status)
	require.Len(t, f.queue.settles, 1)
	require.Contains(t, f.activity.actions(task.ID), models.ActivityWorkSubmitted)

	// The identical submission replayed after the transition is a no-op.
	replay := postJSON(f.handler.SubmitWork, "/tasks/x/work", task.ID.String(), body)
	require.Equal(t, http.StatusOK, replay.Code)
	require.Len(t, f.queue.settles, 1, "replay must not enqueue settlement again")
}

func TestSubmitWorkRejectsUnassignedWorker(t *testing.T) {
	f := newTaskFixture(t)
	task := f.seedTask(uuid.New())

	body := fmt.Sprintf(`{"workerId":%q,"result":{}}`, uuid.New())
	rr := postJSON(f.handler.SubmitWork, "/tasks/x/work", task.ID.String(), body)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Empty(t, f.queue.settles)
}

func TestSubmitWorkRejectsWrongState(t *testing.T) {
	f := newTaskFixture(t)
	worker := uuid.New()
	task := f.seedTask(worker)
	task.Status = models.TaskStatusOpen
	f.tasks.put(task)

	body := fmt.Sprintf(`{"workerId":%q,"result":{}}`, worker)
	rr := postJSON(f.handler.SubmitWork, "/tasks/x/work", task.ID.String(), body)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRefundErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not the creator", models.ErrUnauthorized, http.StatusForbidden},
		{"wrong state", models.ErrInvalidTransition, http.StatusBadRequest},
		{"backend down", models.ErrBackendUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTaskFixture(t)
			f.settler.refundErr = tc.err

			body := fmt.Sprintf(`{"callerWallet":%q}`, testCreator)
			rr := postJSON(f.handler.Refund, "/tasks/x/refund", uuid.NewString(), body)
			require.Equal(t, tc.code, rr.Code)
		})
	}
}

func TestRefundReturnsUpdatedTask(t *testing.T) {
	f := newTaskFixture(t)
	task := f.seedTask(uuid.New())
	task.Status = models.TaskStatusReversed
	task.EscrowStatus = models.EscrowStatusRefunded
	f.settler.refundTask = &task

	body := fmt.Sprintf(`{"callerWallet":%q}`, testCreator)
	rr := postJSON(f.handler.Refund, "/tasks/x/refund", task.ID.String(), body)
	require.Equal(t, http.StatusOK, rr.Code)

	var out models.Task
	require.NoError(t, decodeBody(rr, &out))
	require.Equal(t, models.TaskStatusReversed, out.Status)
}

func patchStatus(f *taskFixture, id, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPatch, "/tasks/x/status", strings.NewReader(body))
	req.SetPathValue("id", id)
	rr := httptest.NewRecorder()
	f.handler.StatusOverride(rr, req)
	return rr
}

func TestStatusOverrideReversedForceCloses(t *testing.T) {
	f := newTaskFixture(t)
	worker := uuid.New()
	task := f.seedTask(worker)
	closed := task
	closed.Status = models.TaskStatusReversed
	closed.EscrowStatus = models.EscrowStatusRefunded
	f.settler.refundTask = &closed

	body := fmt.Sprintf(`{"status":"reversed","agentId":%q}`, worker)
	rr := patchStatus(f, task.ID.String(), body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	require.Equal(t, []uuid.UUID{task.ID}, f.settler.forceClosed)
	require.Contains(t, f.activity.actions(task.ID), "STATUS_CHANGED_TO_REVERSED")
	require.Equal(t, []uuid.UUID{worker}, f.queue.reputations, "named agent books a failure")
}

func TestStatusOverrideKeepsEscrowPairLegal(t *testing.T) {
	f := newTaskFixture(t)
	task := f.seedTask(uuid.New())

	// completed with escrow still held is not a legal pair.
	rr := patchStatus(f, task.ID.String(), `{"status":"completed"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	stored, err := f.tasks.GetByID(t.Context(), task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusInProgress, stored.Status)
}

func TestStatusOverrideToReview(t *testing.T) {
	f := newTaskFixture(t)
	task := f.seedTask(uuid.New())
	posting := &models.JobPosting{ID: uuid.New(), TaskID: task.ID, Status: models.PostingStatusAssigned}
	require.NoError(t, f.postings.CreateTx(t.Context(), noopTx{}, posting))

	rr := patchStatus(f, task.ID.String(), `{"status":"review"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	stored, err := f.tasks.GetByID(t.Context(), task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusReview, stored.Status)
	require.Contains(t, f.activity.actions(task.ID), "STATUS_CHANGED_TO_REVIEW")
	require.Empty(t, f.settler.forceClosed)
}

func TestStatusOverrideToOpenClearsAssignments(t *testing.T) {
	f := newTaskFixture(t)
	task := f.seedTask(uuid.New())
	posting := &models.JobPosting{ID: uuid.New(), TaskID: task.ID, Status: models.PostingStatusAssigned}
	require.NoError(t, f.postings.CreateTx(t.Context(), noopTx{}, posting))

	rr := patchStatus(f, task.ID.String(), `{"status":"open"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	stored, err := f.tasks.GetByID(t.Context(), task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusOpen, stored.Status)
	require.Empty(t, stored.AssignedAgents, "open tasks must not carry assignments")
	require.Equal(t, models.PostingStatusOpen, f.postings.byTask(task.ID).Status)
}

func TestStatusOverrideRequiresAssignedWorker(t *testing.T) {
	f := newTaskFixture(t)
	task := f.seedTask(uuid.New())
	task.Status = models.TaskStatusOpen
	task.AssignedAgents = nil
	f.tasks.put(task)

	rr := patchStatus(f, task.ID.String(), `{"status":"review"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	stored, err := f.tasks.GetByID(t.Context(), task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusOpen, stored.Status)
}

func TestStatusOverrideUnknownStatus(t *testing.T) {
	f := newTaskFixture(t)
	rr := patchStatus(f, uuid.NewString(), `{"status":"paused"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestActivityFeed(t *testing.T) {
	f := newTaskFixture(t)
	task := f.seedTask(uuid.New())
	other := f.seedTask(uuid.New())
	other.CreatorWallet = strings.ToLower(testWorker)
	f.tasks.put(other)

	require.NoError(t, f.activity.Append(t.Context(), &models.Activity{
		ActorID: models.ActorSystem, TaskID: task.ID, Action: models.ActivityTaskCreated,
	}))
	require.NoError(t, f.activity.Append(t.Context(), &models.Activity{
		ActorID: models.ActorSystem, TaskID: other.ID, Action: models.ActivityTaskCreated,
	}))

	rr := doGet(f.handler.ActivityFeed, "/tasks/activity/feed?address="+testCreator, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var feed []models.Activity
	require.NoError(t, decodeBody(rr, &feed))
	require.Len(t, feed, 1, "feed must only cover the caller's tasks")
	require.Equal(t, task.ID, feed[0].TaskID)

	missing := doGet(f.handler.ActivityFeed, "/tasks/activity/feed", "")
	require.Equal(t, http.StatusBadRequest, missing.Code)
}
