// Package escrow abstracts the value-bearing settlement backend. Three
// variants exist behind one interface: onchain (contract + RPC), channel
// (off-chain payment channel service), and simulated (in-memory, for tests
// and local development).
package escrow

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/agoramesh/backend/internal/models"
)

// Typed adapter failures. Transient backend faults are reported as
// models.ErrBackendUnavailable and retried by the settlement dispatcher;
// everything else aborts immediately.
var (
	ErrInsufficientFunds = errors.New("escrow: insufficient funds")
	ErrAlreadyDeposited  = errors.New("escrow: already deposited")
	ErrNotHeld           = errors.New("escrow: no held deposit")
	ErrAlreadySettled    = errors.New("escrow: already settled")
	ErrAmountMismatch    = errors.New("escrow: deposit amount mismatch")
	ErrDepositorMismatch = errors.New("escrow: depositor mismatch")
	ErrNotCustodial      = errors.New("escrow: adapter is not custodial")
)

// State is the backend's view of one task's escrow.
type State struct {
	Depositor string `json:"depositor"`
	Amount    int64  `json:"amount"`
	Released  bool   `json:"released"`
	Refunded  bool   `json:"refunded"`
}

// Adapter is the escrow backend contract. All operations take the task id;
// TaskKey maps it onto the backend's fixed-width key space.
type Adapter interface {
	// Deposit records a deposit on behalf of the depositor. Custodial
	// adapters only; verifying adapters return ErrNotCustodial.
	Deposit(ctx context.Context, taskID uuid.UUID, amount int64, depositor string) (models.Receipt, error)

	// VerifyDeposit checks a deposit the poster's own wallet already made,
	// identified by externalRef (e.g. a transaction hash).
	VerifyDeposit(ctx context.Context, taskID uuid.UUID, externalRef, expectedDepositor string, expectedAmount int64) (models.Receipt, error)

	// Release pays the held deposit out to the recipient wallet.
	Release(ctx context.Context, taskID uuid.UUID, recipient string) (models.Receipt, error)

	// Refund returns the held deposit to its depositor.
	Refund(ctx context.Context, taskID uuid.UUID) (models.Receipt, error)

	// Query returns the backend's current view of the task's escrow.
	Query(ctx context.Context, taskID uuid.UUID) (State, error)

	// Custodial reports whether this adapter holds the signing key and can
	// perform deposits itself.
	Custodial() bool

	// Backend names the variant ("onchain", "channel", "simulated") for
	// activity actor tokens and logs.
	Backend() string
}

// TaskKey encodes a task id into the backend's fixed-width bytes32 key: the
// UUID's 16 bytes left-padded with zeros. Deterministic and collision-free
// over the task id space.
func TaskKey(taskID uuid.UUID) [32]byte {
	var key [32]byte
	copy(key[16:], taskID[:])
	return key
}
