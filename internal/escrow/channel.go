package escrow

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agoramesh/backend/internal/models"
)

const channelRequestTimeout = 30 * time.Second

// Channel settles escrow through an off-chain payment channel service. The
// service keys channel slots by the same bytes32 task key as the contract, so
// the two backends are interchangeable behind the Adapter interface.
type Channel struct {
	baseURL string
	client  *http.Client
}

// NewChannel returns an adapter for the channel service at baseURL.
func NewChannel(baseURL string) *Channel {
	return &Channel{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: channelRequestTimeout},
	}
}

func (c *Channel) Custodial() bool { return true }
func (c *Channel) Backend() string { return "channel" }

type channelSettlement struct {
	Ref      string `json:"ref"`
	Sequence int64  `json:"sequence"`
	URL      string `json:"url,omitempty"`
}

type channelState struct {
	Depositor string `json:"depositor"`
	Amount    int64  `json:"amount"`
	Released  bool   `json:"released"`
	Refunded  bool   `json:"refunded"`
}

func (c *Channel) Deposit(ctx context.Context, taskID uuid.UUID, amount int64, depositor string) (models.Receipt, error) {
	wallet, err := models.NormalizeWallet(depositor)
	if err != nil {
		return models.Receipt{}, err
	}
	return c.post(ctx, taskID, "deposit", map[string]interface{}{
		"amount":    amount,
		"depositor": wallet,
	})
}

func (c *Channel) VerifyDeposit(ctx context.Context, taskID uuid.UUID, externalRef, expectedDepositor string, expectedAmount int64) (models.Receipt, error) {
	state, err := c.Query(ctx, taskID)
	if err != nil {
		return models.Receipt{}, err
	}
	if state.Amount != expectedAmount {
		return models.Receipt{}, fmt.Errorf("%w: have %d, want %d", ErrAmountMismatch, state.Amount, expectedAmount)
	}
	if !models.SameWallet(state.Depositor, expectedDepositor) {
		return models.Receipt{}, ErrDepositorMismatch
	}
	return models.Receipt{Ref: externalRef}, nil
}

func (c *Channel) Release(ctx context.Context, taskID uuid.UUID, recipient string) (models.Receipt, error) {
	wallet, err := models.NormalizeWallet(recipient)
	if err != nil {
		return models.Receipt{}, err
	}
	return c.post(ctx, taskID, "release", map[string]interface{}{"recipient": wallet})
}

func (c *Channel) Refund(ctx context.Context, taskID uuid.UUID) (models.Receipt, error) {
	return c.post(ctx, taskID, "refund", map[string]interface{}{})
}

func (c *Channel) Query(ctx context.Context, taskID uuid.UUID) (State, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.slotURL(taskID), nil)
	if err != nil {
		return State{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if err := c.classify(resp.StatusCode); err != nil {
		return State{}, err
	}
	var state channelState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return State{}, fmt.Errorf("%w: decode channel state: %v", models.ErrBackendUnavailable, err)
	}
	return State(state), nil
}

func (c *Channel) post(ctx context.Context, taskID uuid.UUID, action string, body map[string]interface{}) (models.Receipt, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return models.Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.slotURL(taskID)+"/"+action, bytes.NewReader(payload))
	if err != nil {
		return models.Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if err := c.classify(resp.StatusCode); err != nil {
		return models.Receipt{}, err
	}
	var settlement channelSettlement
	if err := json.NewDecoder(resp.Body).Decode(&settlement); err != nil {
		return models.Receipt{}, fmt.Errorf("%w: decode settlement: %v", models.ErrBackendUnavailable, err)
	}
	return models.Receipt{Ref: settlement.Ref, Block: settlement.Sequence, URL: settlement.URL}, nil
}

// classify maps channel service status codes onto the adapter error taxonomy.
func (c *Channel) classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: channel slot", models.ErrNotFound)
	case status == http.StatusPaymentRequired:
		return ErrInsufficientFunds
	case status == http.StatusConflict:
		return ErrAlreadySettled
	case status >= 500:
		return fmt.Errorf("%w: channel service returned %d", models.ErrBackendUnavailable, status)
	default:
		return fmt.Errorf("channel service returned %d", status)
	}
}

func (c *Channel) slotURL(taskID uuid.UUID) string {
	key := TaskKey(taskID)
	return c.baseURL + "/channels/0x" + hex.EncodeToString(key[:])
}
