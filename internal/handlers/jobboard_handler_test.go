package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh/backend/internal/escrow"
	"github.com/agoramesh/backend/internal/models"
	"github.com/agoramesh/backend/internal/services"
)

const (
	testCreator = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	testWorker  = "0x2222222222222222222222222222222222222222"
)

// verifyingEscrow hides the simulated backend's custodial capability so the
// confirm-escrow path can be exercised.
type verifyingEscrow struct {
	*escrow.Simulated
}

func (verifyingEscrow) Custodial() bool { return false }

type boardFixture struct {
	handler  *JobBoardHandler
	tasks    *fakeTasks
	postings *fakePostings
	bids     *fakeBids
	activity *fakeActivity
	agents   *fakeAgents
	escrow   escrow.Adapter
}

func newBoardFixture(t *testing.T, adapter escrow.Adapter) *boardFixture {
	t.Helper()
	validator, err := services.NewValidator()
	require.NoError(t, err)

	f := &boardFixture{
		tasks:    newFakeTasks(),
		postings: newFakePostings(),
		bids:     newFakeBids(),
		activity: &fakeActivity{},
		agents:   newFakeAgents(),
		escrow:   adapter,
	}
	f.handler = &JobBoardHandler{
		Pool:      txBeginner{},
		Tasks:     f.tasks,
		Postings:  f.postings,
		Bids:      f.bids,
		Activity:  f.activity,
		Agents:    f.agents,
		Escrow:    adapter,
		Validator: validator,
		Logger:    slog.Default(),
	}
	return f
}

func (f *boardFixture) createJob(t *testing.T) createJobResponse {
	t.Helper()
	body := fmt.Sprintf(`{
		"title": "Summarize",
		"budget": 100,
		"requiredSkills": ["text-summarization"],
		"creatorWallet": %q
	}`, testCreator)
	rr := httptest.NewRecorder()
	f.handler.Create(rr, httptest.NewRequest(http.MethodPost, "/jobboard", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp createJobResponse
	require.NoError(t, decodeBody(rr, &resp))
	return resp
}

func (f *boardFixture) addWorker(t *testing.T) *models.Agent {
	t.Helper()
	ag, _, err := f.agents.Upsert(context.Background(), &models.Agent{
		Handle: "summariser.acn.eth",
		Wallet: strings.ToLower(testWorker),
		Role:   models.AgentRoleWorker,
	})
	require.NoError(t, err)
	return ag
}

func postJSON(h http.HandlerFunc, path, id, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.SetPathValue("id", id)
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestCreateJobCustodialDepositsImmediately(t *testing.T) {
	f := newBoardFixture(t, escrow.NewSimulated())

	resp := f.createJob(t)
	require.Equal(t, models.TaskStatusOpen, resp.Task.Status)
	require.Equal(t, models.EscrowStatusHeld, resp.Task.EscrowStatus)
	require.Equal(t, models.PostingStatusOpen, resp.Posting.Status)

	state, err := f.escrow.Query(context.Background(), resp.Task.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), state.Amount)

	actions := f.activity.actions(resp.Task.ID)
	require.Contains(t, actions, models.ActivityTaskCreated)
	require.Contains(t, actions, models.ActivityEscrowHeld)
}

func TestCreateJobRejectsZeroBudget(t *testing.T) {
	f := newBoardFixture(t, escrow.NewSimulated())
	body := fmt.Sprintf(`{"title":"t","budget":0,"creatorWallet":%q}`, testCreator)
	rr := httptest.NewRecorder()
	f.handler.Create(rr, httptest.NewRequest(http.MethodPost, "/jobboard", strings.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestConfirmEscrowVerifiesDeposit(t *testing.T) {
	sim := escrow.NewSimulated()
	f := newBoardFixture(t, verifyingEscrow{sim})

	resp := f.createJob(t)
	require.Equal(t, models.EscrowStatusPending, resp.Task.EscrowStatus)
	posting := f.postings.byTask(resp.Task.ID)
	require.NotNil(t, posting)

	confirmBody := fmt.Sprintf(`{"externalRef":"0xdeadbeef","depositorWallet":%q}`, testCreator)

	// Before the deposit lands the confirmation must fail.
	rr := postJSON(f.handler.ConfirmEscrow, "/jobboard/x/confirm-escrow", posting.ID.String(), confirmBody)
	require.Equal(t, http.StatusNotFound, rr.Code)

	_, err := sim.Deposit(context.Background(), resp.Task.ID, 100, testCreator)
	require.NoError(t, err)

	rr = postJSON(f.handler.ConfirmEscrow, "/jobboard/x/confirm-escrow", posting.ID.String(), confirmBody)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var task models.Task
	require.NoError(t, decodeBody(rr, &task))
	require.Equal(t, models.EscrowStatusHeld, task.EscrowStatus)
	require.Equal(t, "0xdeadbeef", *task.SettlementRef)
}

func TestConfirmEscrowRejectsForeignDepositor(t *testing.T) {
	sim := escrow.NewSimulated()
	f := newBoardFixture(t, verifyingEscrow{sim})

	resp := f.createJob(t)
	posting := f.postings.byTask(resp.Task.ID)

	body := fmt.Sprintf(`{"externalRef":"0x1","depositorWallet":%q}`, testWorker)
	rr := postJSON(f.handler.ConfirmEscrow, "/jobboard/x/confirm-escrow", posting.ID.String(), body)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmitBid(t *testing.T) {
	f := newBoardFixture(t, escrow.NewSimulated())
	resp := f.createJob(t)
	posting := f.postings.byTask(resp.Task.ID)
	worker := f.addWorker(t)

	body := fmt.Sprintf(`{
		"workerId": %q,
		"workerHandle": "summariser.acn.eth",
		"message": "can do",
		"relevanceScore": 80,
		"estimatedTime": "2h",
		"proposedAmount": 80
	}`, worker.ID)
	rr := postJSON(f.handler.SubmitBid, "/jobboard/x/bid", posting.ID.String(), body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var bid models.Bid
	require.NoError(t, decodeBody(rr, &bid))
	require.Equal(t, posting.ID, bid.JobID)
	require.False(t, bid.Accepted)
	require.Contains(t, f.activity.actions(resp.Task.ID), models.ActivityBidSubmitted)
}

func TestSubmitBidUnknownWorker(t *testing.T) {
	f := newBoardFixture(t, escrow.NewSimulated())
	resp := f.createJob(t)
	posting := f.postings.byTask(resp.Task.ID)

	body := fmt.Sprintf(`{"workerId":%q,"workerHandle":"ghost"}`, uuid.New())
	rr := postJSON(f.handler.SubmitBid, "/jobboard/x/bid", posting.ID.String(), body)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAcceptBid(t *testing.T) {
	f := newBoardFixture(t, escrow.NewSimulated())
	resp := f.createJob(t)
	posting := f.postings.byTask(resp.Task.ID)
	worker := f.addWorker(t)

	bid := &models.Bid{ID: uuid.New(), JobID: posting.ID, WorkerID: worker.ID, WorkerHandle: worker.Handle}
	require.NoError(t, f.bids.Append(context.Background(), bid))

	body := fmt.Sprintf(`{"bidId":%q,"callerWallet":%q}`, bid.ID, testCreator)
	rr := postJSON(f.handler.AcceptBid, "/jobboard/x/accept", posting.ID.String(), body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var out struct {
		Task models.Task `json:"task"`
		Bid  models.Bid  `json:"bid"`
	}
	require.NoError(t, decodeBody(rr, &out))
	require.Equal(t, models.TaskStatusInProgress, out.Task.Status)
	require.True(t, out.Bid.Accepted)
	require.Equal(t, models.PostingStatusAssigned, f.postings.byTask(resp.Task.ID).Status)
	require.Contains(t, f.activity.actions(resp.Task.ID), models.ActivityBidAccepted)
}

func TestAcceptBidRequiresCreator(t *testing.T) {
	f := newBoardFixture(t, escrow.NewSimulated())
	resp := f.createJob(t)
	posting := f.postings.byTask(resp.Task.ID)
	worker := f.addWorker(t)

	bid := &models.Bid{ID: uuid.New(), JobID: posting.ID, WorkerID: worker.ID}
	require.NoError(t, f.bids.Append(context.Background(), bid))

	body := fmt.Sprintf(`{"bidId":%q,"callerWallet":%q}`, bid.ID, testWorker)
	rr := postJSON(f.handler.AcceptBid, "/jobboard/x/accept", posting.ID.String(), body)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAcceptBidSecondWinnerConflicts(t *testing.T) {
	f := newBoardFixture(t, escrow.NewSimulated())
	resp := f.createJob(t)
	posting := f.postings.byTask(resp.Task.ID)
	worker := f.addWorker(t)

	b1 := &models.Bid{ID: uuid.New(), JobID: posting.ID, WorkerID: worker.ID}
	b2 := &models.Bid{ID: uuid.New(), JobID: posting.ID, WorkerID: worker.ID}
	require.NoError(t, f.bids.Append(context.Background(), b1))
	require.NoError(t, f.bids.Append(context.Background(), b2))

	first := postJSON(f.handler.AcceptBid, "/jobboard/x/accept", posting.ID.String(),
		fmt.Sprintf(`{"bidId":%q,"callerWallet":%q}`, b1.ID, testCreator))
	require.Equal(t, http.StatusOK, first.Code)

	second := postJSON(f.handler.AcceptBid, "/jobboard/x/accept", posting.ID.String(),
		fmt.Sprintf(`{"bidId":%q,"callerWallet":%q}`, b2.ID, testCreator))
	require.Equal(t, http.StatusConflict, second.Code)
}

func TestJobBoardList(t *testing.T) {
	f := newBoardFixture(t, escrow.NewSimulated())
	resp := f.createJob(t)

	rr := httptest.NewRecorder()
	f.handler.List(rr, httptest.NewRequest(http.MethodGet, "/jobboard", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var entries []struct {
		models.JobPosting
		Bids         []json.RawMessage `json:"bids"`
		EscrowStatus string            `json:"escrow_status"`
	}
	require.NoError(t, decodeBody(rr, &entries))
	require.Len(t, entries, 1)
	require.Equal(t, resp.Task.ID, entries[0].TaskID)
	require.Equal(t, models.EscrowStatusHeld, entries[0].EscrowStatus)
	require.NotNil(t, entries[0].Bids)
}
