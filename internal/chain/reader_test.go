package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/matchcore/internal/domain"
)

const (
	tokenAddr  = "0x00000000000000000000000000000000000000e1"
	usdcAddr   = "0x00000000000000000000000000000000000000e2"
	marketAddr = "0x00000000000000000000000000000000000000c1"
	makerAddr  = "0x00000000000000000000000000000000000000aa"
)

// fakeCaller answers calls by method selector.
type fakeCaller struct {
	parsed  abi.ABI
	results map[string]any
	calls   []string
	err     error
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	for name, m := range f.parsed.Methods {
		if bytes.Equal(msg.Data[:4], m.ID) {
			f.calls = append(f.calls, name)
			return m.Outputs.Pack(f.results[name])
		}
	}
	return nil, errors.New("unknown selector")
}

func TestInventory(t *testing.T) {
	fc := &fakeCaller{parsed: outcomeToken, results: map[string]any{
		"computeTokenId":   big.NewInt(7),
		"balanceOf":        big.NewInt(25),
		"isApprovedForAll": true,
	}}
	r := NewReader(fc, Config{ChainID: 84532, OutcomeToken: tokenAddr})

	inv, err := r.Inventory(context.Background(), domain.InventoryQuery{
		Maker: makerAddr, VerifyingContract: marketAddr, OutcomeIndex: 1, ChainID: 84532,
	})
	require.NoError(t, err)
	assert.True(t, inv.Approved)
	assert.Equal(t, uint64(25), inv.Balance.Uint64())
	assert.Equal(t, []string{"computeTokenId", "balanceOf", "isApprovedForAll"}, fc.calls)
}

func TestInventoryErrors(t *testing.T) {
	q := domain.InventoryQuery{Maker: makerAddr, VerifyingContract: marketAddr, ChainID: 1}

	_, err := NewReader(&fakeCaller{}, Config{}).Inventory(context.Background(), q)
	assert.Error(t, err)

	r := NewReader(&fakeCaller{parsed: outcomeToken}, Config{ChainID: 84532, OutcomeToken: tokenAddr})
	_, err = r.Inventory(context.Background(), q)
	assert.ErrorIs(t, err, ErrWrongChain)

	boom := errors.New("rpc down")
	r = NewReader(&fakeCaller{parsed: outcomeToken, err: boom}, Config{OutcomeToken: tokenAddr})
	_, err = r.Inventory(context.Background(), q)
	assert.ErrorIs(t, err, boom)
}

func TestCollateralBalance(t *testing.T) {
	fc := &fakeCaller{parsed: erc20, results: map[string]any{"balanceOf": big.NewInt(6_000_000)}}
	r := NewReader(fc, Config{Collateral: usdcAddr})

	bal, err := r.CollateralBalance(context.Background(), makerAddr, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(6_000_000), bal.Uint64())
}
