package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agoramesh/backend/internal/models"
)

// registrarABI is the name registrar + resolver surface the coordinator uses.
// setTexts batches attribute writes into one transaction.
const registrarABI = `[
	{"type":"function","name":"register","stateMutability":"nonpayable","inputs":[{"name":"parent","type":"bytes32"},{"name":"label","type":"string"},{"name":"wallet","type":"address"}],"outputs":[{"name":"node","type":"bytes32"}]},
	{"type":"function","name":"setTexts","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"keys","type":"string[]"},{"name":"values","type":"string[]"}],"outputs":[]},
	{"type":"function","name":"recordExists","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"addr","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"text","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"outputs":[{"name":"","type":"string"}]}
]`

// lookupKeys are the attribute keys resolved on Lookup. On-chain text records
// cannot be enumerated, so unknown keys round-trip through writes but are not
// returned by Lookup on this backend.
var lookupKeys = []string{
	AttrRole, AttrSkills, AttrReputation, AttrTasksCompleted, AttrTasksFailed, AttrDescription,
}

// OnchainConfig configures the on-chain identity adapter.
type OnchainConfig struct {
	RPCURL          string
	Registrar       string
	ChainID         int64
	SignerKey       string
	ParentNamespace string // e.g. "acn.eth"
}

// Onchain publishes identity records as name-service text attributes.
type Onchain struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	opts     *bind.TransactOpts
	parent   string

	txMu sync.Mutex
}

// NewOnchain dials the RPC endpoint and binds the registrar contract.
func NewOnchain(cfg OnchainConfig) (*Onchain, error) {
	if !common.IsHexAddress(cfg.Registrar) {
		return nil, fmt.Errorf("registrar address %q is invalid", cfg.Registrar)
	}
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial identity rpc: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(registrarABI))
	if err != nil {
		return nil, fmt.Errorf("parse registrar abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse identity signer key: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	return &Onchain{
		client:   client,
		contract: bind.NewBoundContract(common.HexToAddress(cfg.Registrar), parsed, client, client, client),
		opts:     opts,
		parent:   strings.ToLower(strings.TrimSpace(cfg.ParentNamespace)),
	}, nil
}

func (a *Onchain) Backend() string { return "onchain" }

// node derives the namehash of a handle. Fully-qualified handles (containing
// a dot) hash as-is; bare labels hash under the parent namespace.
func (a *Onchain) node(handle string) [32]byte {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if !strings.Contains(handle, ".") && a.parent != "" {
		handle = handle + "." + a.parent
	}
	return Namehash(handle)
}

func (a *Onchain) Register(ctx context.Context, handle, wallet string, initial Attributes) (string, error) {
	normalized, err := models.NormalizeWallet(wallet)
	if err != nil {
		return "", err
	}
	node := a.node(handle)
	nodeHex := "0x" + hex.EncodeToString(node[:])

	exists, err := a.recordExists(ctx, node)
	if err != nil {
		return "", err
	}
	if exists {
		return nodeHex, nil
	}

	label := strings.ToLower(strings.TrimSpace(handle))
	if i := strings.IndexByte(label, '.'); i >= 0 {
		label = label[:i]
	}
	parentNode := Namehash(a.parent)
	if err := a.transact(ctx, "register", parentNode, label, common.HexToAddress(normalized)); err != nil {
		return "", err
	}
	if len(initial) > 0 {
		if err := a.UpdateAttributes(ctx, nodeHex, initial); err != nil {
			return "", err
		}
	}
	return nodeHex, nil
}

func (a *Onchain) UpdateAttributes(ctx context.Context, node string, attrs Attributes) error {
	nodeBytes, err := parseNode(node)
	if err != nil {
		return err
	}
	exists, err := a.recordExists(ctx, nodeBytes)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotRegistered
	}
	keys := make([]string, 0, len(attrs))
	values := make([]string, 0, len(attrs))
	for k, v := range attrs {
		keys = append(keys, k)
		values = append(values, v)
	}
	return a.transact(ctx, "setTexts", nodeBytes, keys, values)
}

func (a *Onchain) Lookup(ctx context.Context, handle string) (Record, error) {
	node := a.node(handle)
	exists, err := a.recordExists(ctx, node)
	if err != nil {
		return Record{}, err
	}
	if !exists {
		return Record{}, fmt.Errorf("%w: handle %q", models.ErrNotFound, handle)
	}

	var addrOut []interface{}
	if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &addrOut, "addr", node); err != nil {
		return Record{}, fmt.Errorf("%w: addr: %v", models.ErrBackendUnavailable, err)
	}
	wallet, _ := addrOut[0].(common.Address)

	rec := Record{
		Node:       "0x" + hex.EncodeToString(node[:]),
		Wallet:     strings.ToLower(wallet.Hex()),
		Attributes: Attributes{},
	}
	for _, key := range lookupKeys {
		var out []interface{}
		if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "text", node, key); err != nil {
			return Record{}, fmt.Errorf("%w: text(%s): %v", models.ErrBackendUnavailable, key, err)
		}
		if v, _ := out[0].(string); v != "" {
			rec.Attributes[key] = v
		}
	}
	return rec, nil
}

func (a *Onchain) recordExists(ctx context.Context, node [32]byte) (bool, error) {
	var out []interface{}
	if err := a.contract.Call(&bind.CallOpts{Context: ctx}, &out, "recordExists", node); err != nil {
		return false, fmt.Errorf("%w: recordExists: %v", models.ErrBackendUnavailable, err)
	}
	exists, _ := out[0].(bool)
	return exists, nil
}

func (a *Onchain) transact(ctx context.Context, method string, args ...interface{}) error {
	a.txMu.Lock()
	defer a.txMu.Unlock()

	opts := *a.opts
	opts.Context = ctx
	tx, err := a.contract.Transact(&opts, method, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrBackendUnavailable, method, err)
	}
	mined, err := bind.WaitMined(ctx, a.client, tx)
	if err != nil {
		return fmt.Errorf("%w: wait %s tx %s: %v", models.ErrBackendUnavailable, method, tx.Hash(), err)
	}
	if mined.Status == 0 {
		return fmt.Errorf("%s tx %s reverted", method, tx.Hash())
	}
	return nil
}

func parseNode(node string) ([32]byte, error) {
	var out [32]byte
	raw := strings.TrimPrefix(node, "0x")
	if len(raw) != 64 {
		return out, fmt.Errorf("%w: node %q", models.ErrValidation, node)
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, fmt.Errorf("%w: node %q", models.ErrValidation, node)
	}
	copy(out[:], decoded)
	return out, nil
}
