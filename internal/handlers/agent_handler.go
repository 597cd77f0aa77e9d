package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/agoramesh/backend/internal/identity"
	"github.com/agoramesh/backend/internal/models"
	"github.com/agoramesh/backend/internal/services"
)

// AgentStore is the agent repository subset used by the handler.
type AgentStore interface {
	Upsert(ctx context.Context, ag *models.Agent) (*models.Agent, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)
	Update(ctx context.Context, ag *models.Agent) error
}

// AgentHandler serves /agents endpoints.
type AgentHandler struct {
	Agents    AgentStore
	Identity  identity.Adapter
	Validator *services.Validator
	Logger    *slog.Logger
}

// List handles GET /agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Agents.List(r.Context())
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	if agents == nil {
		agents = []*models.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// Get handles GET /agents/{id}.
func (h *AgentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid agent id"}`, http.StatusBadRequest)
		return
	}
	ag, err := h.Agents.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

type upsertAgentRequest struct {
	Handle       string            `json:"handle"`
	Wallet       string            `json:"wallet"`
	Role         string            `json:"role"`
	Skills       []string          `json:"skills"`
	Description  string            `json:"description"`
	MaxLiability int64             `json:"maxLiability"`
	Metadata     map[string]string `json:"metadata"`
}

// Upsert handles POST /agents. Re-registering an existing handle updates the
// record in place and keeps the agent id and settlement counters; a fresh
// handle additionally registers the worker with the identity backend.
func (h *AgentHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Validator.Validate(services.SchemaUpsertAgent, raw); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	var req upsertAgentRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	handle := strings.ToLower(strings.TrimSpace(req.Handle))
	if handle == "" {
		respondError(w, h.Logger, fmt.Errorf("%w: handle must not be blank", models.ErrValidation))
		return
	}
	wallet, err := models.NormalizeWallet(req.Wallet)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}
	role := req.Role
	if role == "" {
		role = models.AgentRoleWorker
	}
	skills := req.Skills
	if skills == nil {
		skills = []string{}
	}

	ag, inserted, err := h.Agents.Upsert(r.Context(), &models.Agent{
		Handle:       handle,
		Wallet:       wallet,
		Role:         role,
		Skills:       skills,
		Description:  req.Description,
		MaxLiability: req.MaxLiability,
		Metadata:     req.Metadata,
	})
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}

	if inserted {
		h.registerIdentity(r.Context(), ag)
	}
	writeJSON(w, http.StatusCreated, ag)
}

// registerIdentity publishes a new worker to the identity backend. Failure is
// logged and leaves identityRegistered false; the agent record still stands.
func (h *AgentHandler) registerIdentity(ctx context.Context, ag *models.Agent) {
	attrs := identityAttributes(ag)
	node, err := h.Identity.Register(ctx, ag.Handle, ag.Wallet, attrs)
	if err != nil {
		h.Logger.Warn("identity registration failed",
			"handle", ag.Handle, "backend", h.Identity.Backend(), "error", err)
		return
	}
	ag.IdentityRegistered = true
	ag.IdentityNode = &node
	if err := h.Agents.Update(ctx, ag); err != nil {
		h.Logger.Error("persist identity node failed", "handle", ag.Handle, "error", err)
	}
}

type patchAgentRequest struct {
	Wallet       *string           `json:"wallet"`
	Role         *string           `json:"role"`
	Skills       []string          `json:"skills"`
	Description  *string           `json:"description"`
	Active       *bool             `json:"active"`
	MaxLiability *int64            `json:"maxLiability"`
	Metadata     map[string]string `json:"metadata"`
}

// Patch handles PATCH /agents/{id}. Only the supplied fields change.
func (h *AgentHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid agent id"}`, http.StatusBadRequest)
		return
	}
	var req patchAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	ag, err := h.Agents.GetByID(r.Context(), id)
	if err != nil {
		respondError(w, h.Logger, err)
		return
	}

	if req.Wallet != nil {
		wallet, err := models.NormalizeWallet(*req.Wallet)
		if err != nil {
			respondError(w, h.Logger, err)
			return
		}
		ag.Wallet = wallet
	}
	if req.Role != nil {
		ag.Role = *req.Role
	}
	if req.Skills != nil {
		ag.Skills = req.Skills
	}
	if req.Description != nil {
		ag.Description = *req.Description
	}
	if req.Active != nil {
		ag.Active = *req.Active
	}
	if req.MaxLiability != nil {
		ag.MaxLiability = *req.MaxLiability
	}
	if req.Metadata != nil {
		ag.Metadata = req.Metadata
	}

	if err := h.Agents.Update(r.Context(), ag); err != nil {
		respondError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

// identityAttributes builds the standard attribute set for a worker, with any
// caller-supplied metadata keys passed through verbatim.
func identityAttributes(ag *models.Agent) identity.Attributes {
	attrs := identity.Attributes{
		identity.AttrRole:           ag.Role,
		identity.AttrSkills:         strings.Join(ag.Skills, ","),
		identity.AttrReputation:     strconv.Itoa(ag.Reputation),
		identity.AttrTasksCompleted: strconv.Itoa(ag.TasksCompleted),
		identity.AttrTasksFailed:    strconv.Itoa(ag.TasksFailed),
	}
	if ag.Description != "" {
		attrs[identity.AttrDescription] = ag.Description
	}
	for k, v := range ag.Metadata {
		if _, taken := attrs[k]; !taken {
			attrs[k] = v
		}
	}
	return attrs
}
