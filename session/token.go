package session

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"disperse/chain"
	"disperse/contracts"
	"disperse/recipients"
)

// TokenInfo describes the selected ERC-20 token. Empty strings and nil
// amounts mean the value could not be read.
type TokenInfo struct {
	Address   common.Address `json:"address"`
	Name      string         `json:"name,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	Decimals  uint8          `json:"decimals"`
	Balance   *big.Int       `json:"balance,omitempty"`
	Allowance *big.Int       `json:"allowance,omitempty"`
}

// BatchCaller issues read-only calls as one round trip.
type BatchCaller interface {
	BatchCall(ctx context.Context, chainID uint64, calls []chain.Call) ([]chain.CallResult, error)
}

// LoadToken reads token metadata, the owner's balance and, when spender is
// set, the owner's allowance for spender in a single batch. decimals is the
// only required field; the rest is best effort.
func LoadToken(ctx context.Context, caller BatchCaller, chainID uint64, token, owner common.Address, spender *common.Address) (TokenInfo, error) {
	calls := make([]chain.Call, 0, 5)
	for _, method := range []string{contracts.MethodName, contracts.MethodSymbol, contracts.MethodDecimals} {
		data, err := contracts.PackMetadata(method)
		if err != nil {
			return TokenInfo{}, err
		}
		calls = append(calls, chain.Call{To: token, Data: data})
	}
	balanceCall, allowanceCall, err := balanceCalls(token, owner, spender)
	if err != nil {
		return TokenInfo{}, err
	}
	calls = append(calls, balanceCall...)
	calls = append(calls, allowanceCall...)

	results, err := caller.BatchCall(ctx, chainID, calls)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("session: load token %s: %w", token.Hex(), err)
	}
	if len(results) != len(calls) {
		return TokenInfo{}, fmt.Errorf("session: load token %s: %d results for %d calls", token.Hex(), len(results), len(calls))
	}

	if results[2].Err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %s: %v", ErrNotToken, token.Hex(), results[2].Err)
	}
	decimals, err := contracts.UnpackDecimals(results[2].Data)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %s: %v", ErrNotToken, token.Hex(), err)
	}
	info := TokenInfo{Address: token, Decimals: decimals}
	if results[0].Err == nil {
		info.Name, _ = contracts.UnpackString(contracts.MethodName, results[0].Data)
	}
	if results[1].Err == nil {
		info.Symbol, _ = contracts.UnpackString(contracts.MethodSymbol, results[1].Data)
	}
	info.Balance, info.Allowance = unpackAmounts(results[3:])
	return info, nil
}

// ReadAmounts re-reads the owner's token balance and allowance.
func ReadAmounts(ctx context.Context, caller BatchCaller, chainID uint64, token, owner common.Address, spender *common.Address) (balance, allowance *big.Int, err error) {
	balanceCall, allowanceCall, err := balanceCalls(token, owner, spender)
	if err != nil {
		return nil, nil, err
	}
	results, err := caller.BatchCall(ctx, chainID, append(balanceCall, allowanceCall...))
	if err != nil {
		return nil, nil, fmt.Errorf("session: read token amounts: %w", err)
	}
	balance, allowance = unpackAmounts(results)
	return balance, allowance, nil
}

func balanceCalls(token, owner common.Address, spender *common.Address) ([]chain.Call, []chain.Call, error) {
	data, err := contracts.PackBalanceOf(owner)
	if err != nil {
		return nil, nil, err
	}
	balance := []chain.Call{{To: token, Data: data}}
	if spender == nil {
		return balance, nil, nil
	}
	data, err = contracts.PackAllowance(owner, *spender)
	if err != nil {
		return nil, nil, err
	}
	return balance, []chain.Call{{To: token, Data: data}}, nil
}

func unpackAmounts(results []chain.CallResult) (balance, allowance *big.Int) {
	if len(results) > 0 && results[0].Err == nil {
		balance, _ = contracts.UnpackUint256(contracts.MethodBalanceOf, results[0].Data)
	}
	if len(results) > 1 && results[1].Err == nil {
		allowance, _ = contracts.UnpackUint256(contracts.MethodAllowance, results[1].Data)
	}
	return balance, allowance
}

func decimalsOf(token *TokenInfo) uint8 {
	if token == nil {
		return recipients.DefaultDecimals
	}
	return token.Decimals
}
