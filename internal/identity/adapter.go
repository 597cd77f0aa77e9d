// Package identity abstracts the name-resolution service that publishes each
// worker's role, skills, and reputation as globally readable text attributes.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Attribute keys written verbatim on every settlement. Unknown keys supplied
// at registration are passed through unchanged.
const (
	AttrRole           = "role"
	AttrSkills         = "skills"
	AttrReputation     = "reputation"
	AttrTasksCompleted = "tasksCompleted"
	AttrTasksFailed    = "tasksFailed"
	AttrDescription    = "description"
)

// ErrNotRegistered is returned by UpdateAttributes for an unknown node.
var ErrNotRegistered = errors.New("identity: node not registered")

// Attributes is a batch of text attributes.
type Attributes map[string]string

// Record is the resolved view of a handle.
type Record struct {
	Node       string     `json:"node"`
	Wallet     string     `json:"wallet"`
	Attributes Attributes `json:"attributes"`
}

// Adapter is the identity backend contract.
type Adapter interface {
	// Register creates the name record for a handle. Idempotent: when the
	// handle is already registered the existing node is returned unchanged.
	Register(ctx context.Context, handle, wallet string, initial Attributes) (node string, err error)

	// UpdateAttributes writes a batch of text attributes on the node.
	UpdateAttributes(ctx context.Context, node string, attrs Attributes) error

	// Lookup resolves a handle to its node, wallet, and attributes. Returns
	// models.ErrNotFound for unknown handles.
	Lookup(ctx context.Context, handle string) (Record, error)

	// Backend names the variant ("onchain", "simulated").
	Backend() string
}

// Namehash computes the hierarchical name hash of a dot-separated handle
// (labels hashed right to left, each folded into its parent's hash).
func Namehash(name string) [32]byte {
	var node [32]byte
	if name == "" {
		return node
	}
	labels := strings.Split(strings.ToLower(name), ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		copy(node[:], crypto.Keccak256(node[:], labelHash))
	}
	return node
}
