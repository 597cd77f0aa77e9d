package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/agoramesh/backend/internal/models"
)

// Simulated is the in-memory identity backend. Nodes are the real namehash of
// the handle, so records survive a swap to the on-chain backend unchanged.
type Simulated struct {
	mu      sync.Mutex
	byNode  map[string]*Record
	nodeFor map[string]string // handle -> node
}

// NewSimulated returns an empty simulated identity backend.
func NewSimulated() *Simulated {
	return &Simulated{
		byNode:  make(map[string]*Record),
		nodeFor: make(map[string]string),
	}
}

func (s *Simulated) Backend() string { return "simulated" }

func (s *Simulated) Register(_ context.Context, handle, wallet string, initial Attributes) (string, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle == "" {
		return "", fmt.Errorf("%w: empty handle", models.ErrValidation)
	}
	normalized, err := models.NormalizeWallet(wallet)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.nodeFor[handle]; ok {
		return node, nil
	}
	hash := Namehash(handle)
	node := "0x" + hex.EncodeToString(hash[:])
	rec := &Record{Node: node, Wallet: normalized, Attributes: Attributes{}}
	for k, v := range initial {
		rec.Attributes[k] = v
	}
	s.byNode[node] = rec
	s.nodeFor[handle] = node
	return node, nil
}

func (s *Simulated) UpdateAttributes(_ context.Context, node string, attrs Attributes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byNode[node]
	if !ok {
		return ErrNotRegistered
	}
	for k, v := range attrs {
		rec.Attributes[k] = v
	}
	return nil
}

func (s *Simulated) Lookup(_ context.Context, handle string) (Record, error) {
	handle = strings.ToLower(strings.TrimSpace(handle))
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodeFor[handle]
	if !ok {
		return Record{}, fmt.Errorf("%w: handle %q", models.ErrNotFound, handle)
	}
	rec := s.byNode[node]
	out := Record{Node: rec.Node, Wallet: rec.Wallet, Attributes: Attributes{}}
	for k, v := range rec.Attributes {
		out.Attributes[k] = v
	}
	return out, nil
}
