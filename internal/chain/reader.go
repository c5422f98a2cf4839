// Package chain reads maker positions from EVM contracts: ERC-1155 outcome
// token balances and approvals for sells, ERC-20 collateral balances for
// buys.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

const outcomeTokenABI = `[
 {"name":"balanceOf","type":"function","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"name":"isApprovedForAll","type":"function","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"},{"name":"operator","type":"address"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"name":"computeTokenId","type":"function","stateMutability":"view",
  "inputs":[{"name":"market","type":"address"},{"name":"outcomeIndex","type":"uint256"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

const erc20ABI = `[
 {"name":"balanceOf","type":"function","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	outcomeToken = mustABI(outcomeTokenABI)
	erc20        = mustABI(erc20ABI)
)

// ErrWrongChain is returned for queries against a chain the reader is not
// connected to.
var ErrWrongChain = errors.New("chain: unsupported chain id")

// Caller executes read-only contract calls. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config locates the contracts on one chain.
type Config struct {
	RPCURL       string
	ChainID      int64
	OutcomeToken string // ERC-1155
	Collateral   string // ERC-20, typically USDC
}

// Reader implements domain.InventorySource and domain.CollateralSource.
type Reader struct {
	caller       Caller
	chainID      int64
	outcomeToken common.Address
	collateral   common.Address
	hasOutcome   bool
	hasColl      bool
}

// Dial connects to cfg.RPCURL.
func Dial(ctx context.Context, cfg Config) (*Reader, func(), error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: dial: %w", err)
	}
	return NewReader(client, cfg), client.Close, nil
}

// NewReader creates a Reader on top of an existing caller.
func NewReader(caller Caller, cfg Config) *Reader {
	r := &Reader{caller: caller, chainID: cfg.ChainID}
	if common.IsHexAddress(cfg.OutcomeToken) {
		r.outcomeToken = common.HexToAddress(cfg.OutcomeToken)
		r.hasOutcome = true
	}
	if common.IsHexAddress(cfg.Collateral) {
		r.collateral = common.HexToAddress(cfg.Collateral)
		r.hasColl = true
	}
	return r
}

// Inventory returns the maker's outcome token balance and whether the
// market contract is approved to move it.
func (r *Reader) Inventory(ctx context.Context, q domain.InventoryQuery) (domain.Inventory, error) {
	if !r.hasOutcome {
		return domain.Inventory{}, errors.New("chain: outcome token not configured")
	}
	if err := r.checkChain(q.ChainID); err != nil {
		return domain.Inventory{}, err
	}
	maker := common.HexToAddress(q.Maker)
	market := common.HexToAddress(q.VerifyingContract)

	var tokenID *big.Int
	if err := r.call(ctx, outcomeToken, r.outcomeToken, "computeTokenId", &tokenID, market, big.NewInt(int64(q.OutcomeIndex))); err != nil {
		return domain.Inventory{}, err
	}
	var balance *big.Int
	if err := r.call(ctx, outcomeToken, r.outcomeToken, "balanceOf", &balance, maker, tokenID); err != nil {
		return domain.Inventory{}, err
	}
	var approved bool
	if err := r.call(ctx, outcomeToken, r.outcomeToken, "isApprovedForAll", &approved, maker, market); err != nil {
		return domain.Inventory{}, err
	}

	bal, overflow := uint256.FromBig(balance)
	if overflow {
		return domain.Inventory{}, fmt.Errorf("chain: balance overflow for %s", q.Maker)
	}
	return domain.Inventory{Balance: bal, Approved: approved}, nil
}

// CollateralBalance returns the maker's ERC-20 collateral balance in the
// token's base units (micro-USDC for USDC).
func (r *Reader) CollateralBalance(ctx context.Context, maker string, chainID int64) (*uint256.Int, error) {
	if !r.hasColl {
		return nil, errors.New("chain: collateral token not configured")
	}
	if err := r.checkChain(chainID); err != nil {
		return nil, err
	}
	var balance *big.Int
	if err := r.call(ctx, erc20, r.collateral, "balanceOf", &balance, common.HexToAddress(maker)); err != nil {
		return nil, err
	}
	bal, overflow := uint256.FromBig(balance)
	if overflow {
		return nil, fmt.Errorf("chain: collateral overflow for %s", maker)
	}
	return bal, nil
}

func (r *Reader) checkChain(chainID int64) error {
	if chainID != 0 && r.chainID != 0 && chainID != r.chainID {
		return fmt.Errorf("%w: %d (connected to %d)", ErrWrongChain, chainID, r.chainID)
	}
	return nil
}

func (r *Reader) call(ctx context.Context, parsed abi.ABI, to common.Address, method string, out any, args ...any) error {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("chain: call %s: %w", method, err)
	}
	if err := parsed.UnpackIntoInterface(out, method, raw); err != nil {
		return fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return nil
}

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Compile-time interface checks.
var (
	_ domain.InventorySource  = (*Reader)(nil)
	_ domain.CollateralSource = (*Reader)(nil)
)
