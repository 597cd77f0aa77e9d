package models

import (
	"time"

	"github.com/google/uuid"
)

// Agent role enums.
const (
	AgentRoleWorker    = "worker"
	AgentRoleRequester = "requester"
	AgentRoleBoth      = "both"
)

// Reputation bounds and deltas applied on settlement outcomes.
const (
	ReputationDefault = 50
	ReputationMin     = 0
	ReputationMax     = 100

	ReputationDeltaSuccess = 2
	ReputationDeltaFailure = -5
)

type Agent struct {
	ID                 uuid.UUID         `json:"id"`
	Handle             string            `json:"handle"`
	Wallet             string            `json:"wallet"`
	Role               string            `json:"role"`
	Skills             []string          `json:"skills"`
	Description        string            `json:"description,omitempty"`
	Reputation         int               `json:"reputation"`
	TasksCompleted     int               `json:"tasks_completed"`
	TasksFailed        int               `json:"tasks_failed"`
	Active             bool              `json:"active"`
	MaxLiability       int64             `json:"max_liability"`
	IdentityRegistered bool              `json:"identity_registered"`
	IdentityNode       *string           `json:"identity_node,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ClampReputation bounds a reputation score to [ReputationMin, ReputationMax].
func ClampReputation(rep int) int {
	if rep < ReputationMin {
		return ReputationMin
	}
	if rep > ReputationMax {
		return ReputationMax
	}
	return rep
}
