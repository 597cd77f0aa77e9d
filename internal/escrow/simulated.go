package escrow

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/agoramesh/backend/internal/models"
)

// Simulated is the in-memory escrow backend. Receipts are deterministic:
// keccak256 over (task key, action, sequence), so tests can assert on them.
type Simulated struct {
	mu    sync.Mutex
	seq   int64
	cells map[[32]byte]*simCell
}

type simCell struct {
	depositor string
	amount    int64
	released  bool
	refunded  bool
}

// NewSimulated returns an empty simulated backend.
func NewSimulated() *Simulated {
	return &Simulated{cells: make(map[[32]byte]*simCell)}
}

func (s *Simulated) Custodial() bool { return true }
func (s *Simulated) Backend() string { return "simulated" }

func (s *Simulated) Deposit(_ context.Context, taskID uuid.UUID, amount int64, depositor string) (models.Receipt, error) {
	if amount <= 0 {
		return models.Receipt{}, fmt.Errorf("%w: deposit of %d", ErrInsufficientFunds, amount)
	}
	wallet, err := models.NormalizeWallet(depositor)
	if err != nil {
		return models.Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := TaskKey(taskID)
	if _, ok := s.cells[key]; ok {
		return models.Receipt{}, ErrAlreadyDeposited
	}
	s.cells[key] = &simCell{depositor: wallet, amount: amount}
	return s.receipt(key, "deposit"), nil
}

func (s *Simulated) VerifyDeposit(_ context.Context, taskID uuid.UUID, externalRef, expectedDepositor string, expectedAmount int64) (models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := TaskKey(taskID)
	cell, ok := s.cells[key]
	if !ok {
		return models.Receipt{}, fmt.Errorf("%w: no deposit for task %s", models.ErrNotFound, taskID)
	}
	if cell.amount != expectedAmount {
		return models.Receipt{}, fmt.Errorf("%w: have %d, want %d", ErrAmountMismatch, cell.amount, expectedAmount)
	}
	if !models.SameWallet(cell.depositor, expectedDepositor) {
		return models.Receipt{}, ErrDepositorMismatch
	}
	ref := strings.TrimSpace(externalRef)
	if ref == "" {
		ref = s.receipt(key, "deposit").Ref
	}
	s.seq++
	return models.Receipt{Ref: ref, Block: s.seq}, nil
}

func (s *Simulated) Release(_ context.Context, taskID uuid.UUID, recipient string) (models.Receipt, error) {
	if _, err := models.NormalizeWallet(recipient); err != nil {
		return models.Receipt{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := TaskKey(taskID)
	cell, ok := s.cells[key]
	if !ok {
		return models.Receipt{}, ErrNotHeld
	}
	if cell.released || cell.refunded {
		return models.Receipt{}, ErrAlreadySettled
	}
	cell.released = true
	return s.receipt(key, "release"), nil
}

func (s *Simulated) Refund(_ context.Context, taskID uuid.UUID) (models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := TaskKey(taskID)
	cell, ok := s.cells[key]
	if !ok {
		return models.Receipt{}, ErrNotHeld
	}
	if cell.released || cell.refunded {
		return models.Receipt{}, ErrAlreadySettled
	}
	cell.refunded = true
	return s.receipt(key, "refund"), nil
}

func (s *Simulated) Query(_ context.Context, taskID uuid.UUID) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell, ok := s.cells[TaskKey(taskID)]
	if !ok {
		return State{}, fmt.Errorf("%w: no deposit for task %s", models.ErrNotFound, taskID)
	}
	return State{
		Depositor: cell.depositor,
		Amount:    cell.amount,
		Released:  cell.released,
		Refunded:  cell.refunded,
	}, nil
}

// receipt builds a deterministic receipt. Callers hold s.mu.
func (s *Simulated) receipt(key [32]byte, action string) models.Receipt {
	s.seq++
	h := sha3.NewLegacyKeccak256()
	h.Write(key[:])
	h.Write([]byte(action))
	fmt.Fprintf(h, "%d", s.seq)
	return models.Receipt{
		Ref:   "0x" + hex.EncodeToString(h.Sum(nil)),
		Block: s.seq,
	}
}
