package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"

	"github.com/agoramesh/backend/internal/models"
)

// escrowABI is the coordinator-facing surface of the marketplace escrow
// contract. deposits() is the public mapping getter.
const escrowABI = `[
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[{"name":"taskKey","type":"bytes32"},{"name":"depositor","type":"address"}],"outputs":[]},
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"taskKey","type":"bytes32"},{"name":"recipient","type":"address"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"taskKey","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"deposits","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"depositor","type":"address"},{"name":"amount","type":"uint256"},{"name":"released","type":"bool"},{"name":"refunded","type":"bool"}]}
]`

// OnchainConfig configures the on-chain adapter. SignerKey is optional: with
// it the adapter is custodial and can deposit itself; without it the adapter
// only verifies deposits made by the poster's wallet (release and refund
// still require a signer, so a verifying deployment pairs this adapter with
// a contract that authorizes the coordinator address).
type OnchainConfig struct {
	RPCURL      string
	Contract    string
	ChainID     int64
	SignerKey   string // hex-encoded private key, may be empty
	ExplorerURL string // e.g. https://sepolia.etherscan.io
}

// Onchain settles escrow through the marketplace contract over JSON-RPC.
type Onchain struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	opts      *bind.TransactOpts
	explorer  string
	custodial bool

	// The coordinator signs with a single key; serialize transactions so
	// pending-nonce resolution stays consistent.
	txMu sync.Mutex
}

// NewOnchain dials the RPC endpoint and binds the escrow contract.
func NewOnchain(cfg OnchainConfig) (*Onchain, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("escrow contract address %q is invalid", cfg.Contract)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial escrow rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	contract := bind.NewBoundContract(common.HexToAddress(cfg.Contract), parsed, client, client, client)

	a := &Onchain{
		client:   client,
		contract: contract,
		explorer: strings.TrimRight(cfg.ExplorerURL, "/"),
	}
	if cfg.SignerKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse escrow signer key: %w", err)
		}
		a.opts, err = bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
		if err != nil {
			return nil, fmt.Errorf("build transactor: %w", err)
		}
		a.custodial = true
	}
	return a, nil
}

func (a *Onchain) Custodial() bool { return a.custodial }
func (a *Onchain) Backend() string { return "onchain" }

func (a *Onchain) Deposit(ctx context.Context, taskID uuid.UUID, amount int64, depositor string) (models.Receipt, error) {
	if !a.custodial {
		return models.Receipt{}, ErrNotCustodial
	}
	wallet, err := models.NormalizeWallet(depositor)
	if err != nil {
		return models.Receipt{}, err
	}
	state, err := a.Query(ctx, taskID)
	if err == nil && state.Amount > 0 {
		return models.Receipt{}, ErrAlreadyDeposited
	}
	return a.transact(ctx, big.NewInt(amount), "deposit", TaskKey(taskID), common.HexToAddress(wallet))
}

func (a *Onchain) VerifyDeposit(ctx context.Context, taskID uuid.UUID, externalRef, expectedDepositor string, expectedAmount int64) (models.Receipt, error) {
	if len(externalRef) != 66 || !strings.HasPrefix(externalRef, "0x") {
		return models.Receipt{}, fmt.Errorf("%w: external ref must be a transaction hash", models.ErrValidation)
	}
	txReceipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(externalRef))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return models.Receipt{}, fmt.Errorf("%w: transaction %s", models.ErrNotFound, externalRef)
		}
		return models.Receipt{}, fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}
	state, err := a.Query(ctx, taskID)
	if err != nil {
		return models.Receipt{}, err
	}
	if state.Amount != expectedAmount {
		return models.Receipt{}, fmt.Errorf("%w: have %d, want %d", ErrAmountMismatch, state.Amount, expectedAmount)
	}
	if !models.SameWallet(state.Depositor, expectedDepositor) {
		return models.Receipt{}, ErrDepositorMismatch
	}
	return models.Receipt{
		Ref:   externalRef,
		Block: txReceipt.BlockNumber.Int64(),
		URL:   a.txURL(externalRef),
	}, nil
}

func (a *Onchain) Release(ctx context.Context, taskID uuid.UUID, recipient string) (models.Receipt, error) {
	wallet, err := models.NormalizeWallet(recipient)
	if err != nil {
		return models.Receipt{}, err
	}
	if err := a.checkHeld(ctx, taskID); err != nil {
		return models.Receipt{}, err
	}
	return a.transact(ctx, nil, "release", TaskKey(taskID), common.HexToAddress(wallet))
}

func (a *Onchain) Refund(ctx context.Context, taskID uuid.UUID) (models.Receipt, error) {
	if err := a.checkHeld(ctx, taskID); err != nil {
		return models.Receipt{}, err
	}
	return a.transact(ctx, nil, "refund", TaskKey(taskID))
}

func (a *Onchain) Query(ctx context.Context, taskID uuid.UUID) (State, error) {
	var out []interface{}
	err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "deposits", TaskKey(taskID))
	if err != nil {
		return State{}, fmt.Errorf("%w: query deposits: %v", models.ErrBackendUnavailable, err)
	}
	if len(out) != 4 {
		return State{}, fmt.Errorf("%w: unexpected deposits() arity %d", models.ErrBackendUnavailable, len(out))
	}
	depositor, _ := out[0].(common.Address)
	amount, _ := out[1].(*big.Int)
	released, _ := out[2].(bool)
	refunded, _ := out[3].(bool)
	state := State{
		Depositor: strings.ToLower(depositor.Hex()),
		Released:  released,
		Refunded:  refunded,
	}
	if amount != nil {
		state.Amount = amount.Int64()
	}
	if state.Amount == 0 && depositor == (common.Address{}) {
		return State{}, fmt.Errorf("%w: no deposit for task %s", models.ErrNotFound, taskID)
	}
	return state, nil
}

func (a *Onchain) checkHeld(ctx context.Context, taskID uuid.UUID) error {
	state, err := a.Query(ctx, taskID)
	if err != nil {
		if strings.Contains(err.Error(), models.ErrNotFound.Error()) {
			return ErrNotHeld
		}
		return err
	}
	if state.Released || state.Refunded {
		return ErrAlreadySettled
	}
	return nil
}

func (a *Onchain) transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (models.Receipt, error) {
	if a.opts == nil {
		return models.Receipt{}, ErrNotCustodial
	}
	a.txMu.Lock()
	defer a.txMu.Unlock()

	opts := *a.opts
	opts.Context = ctx
	opts.Value = value

	tx, err := a.contract.Transact(&opts, method, args...)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("%w: %s: %v", models.ErrBackendUnavailable, method, err)
	}
	mined, err := bind.WaitMined(ctx, a.client, tx)
	if err != nil {
		return models.Receipt{}, fmt.Errorf("%w: wait %s tx %s: %v", models.ErrBackendUnavailable, method, tx.Hash(), err)
	}
	if mined.Status == 0 {
		return models.Receipt{}, fmt.Errorf("%s tx %s reverted", method, tx.Hash())
	}
	return models.Receipt{
		Ref:   tx.Hash().Hex(),
		Block: mined.BlockNumber.Int64(),
		URL:   a.txURL(tx.Hash().Hex()),
	}, nil
}

func (a *Onchain) txURL(hash string) string {
	if a.explorer == "" {
		return ""
	}
	return a.explorer + "/tx/" + hash
}
