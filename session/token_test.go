package session_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"disperse/chain"
	"disperse/session"
)

func TestLoadToken(t *testing.T) {
	fc := newFakeChain(chain.State{})
	fc.setToken(tokenAddr, &tokenFixture{
		name:      "USD Coin",
		symbol:    "USDC",
		decimals:  6,
		balance:   big.NewInt(2_500_000),
		allowance: big.NewInt(1_000_000),
	})
	spender := customAt

	info, err := session.LoadToken(context.Background(), fc, 1, tokenAddr, owner, &spender)
	require.NoError(t, err)
	require.Equal(t, tokenAddr, info.Address)
	require.Equal(t, "USD Coin", info.Name)
	require.Equal(t, "USDC", info.Symbol)
	require.Equal(t, uint8(6), info.Decimals)
	require.Equal(t, "2500000", info.Balance.String())
	require.Equal(t, "1000000", info.Allowance.String())
	require.Equal(t, 1, fc.batchCalls)

	info, err = session.LoadToken(context.Background(), fc, 1, tokenAddr, owner, nil)
	require.NoError(t, err)
	require.Nil(t, info.Allowance)
	require.NotNil(t, info.Balance)
}

func TestLoadToken_PartialMetadata(t *testing.T) {
	fc := newFakeChain(chain.State{})
	fc.setToken(tokenAddr, &tokenFixture{
		decimals: 0,
		balance:  big.NewInt(7),
		revert:   map[string]bool{"name": true, "symbol": true, "allowance": true},
	})
	spender := customAt

	info, err := session.LoadToken(context.Background(), fc, 1, tokenAddr, owner, &spender)
	require.NoError(t, err)
	require.Empty(t, info.Name)
	require.Empty(t, info.Symbol)
	require.Zero(t, info.Decimals)
	require.Equal(t, "7", info.Balance.String())
	require.Nil(t, info.Allowance)
}

func TestLoadToken_Failures(t *testing.T) {
	fc := newFakeChain(chain.State{})
	_, err := session.LoadToken(context.Background(), fc, 1, tokenAddr, owner, nil)
	require.ErrorIs(t, err, session.ErrNotToken)

	fc.setToken(tokenAddr, &tokenFixture{decimals: 18, revert: map[string]bool{"decimals": true}})
	_, err = session.LoadToken(context.Background(), fc, 1, tokenAddr, owner, nil)
	require.ErrorIs(t, err, session.ErrNotToken)

	transport := errors.New("connection refused")
	fc.batchErr = transport
	_, err = session.LoadToken(context.Background(), fc, 1, tokenAddr, owner, nil)
	require.ErrorIs(t, err, transport)
}

func TestReadAmounts(t *testing.T) {
	fc := newFakeChain(chain.State{})
	fc.setToken(tokenAddr, &tokenFixture{decimals: 18, balance: big.NewInt(10), allowance: big.NewInt(3)})
	spender := customAt

	balance, allowance, err := session.ReadAmounts(context.Background(), fc, 1, tokenAddr, owner, &spender)
	require.NoError(t, err)
	require.Equal(t, "10", balance.String())
	require.Equal(t, "3", allowance.String())
}
