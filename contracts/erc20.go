package contracts

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ERC-20 methods used by the engine.
const (
	MethodName      = "name"
	MethodSymbol    = "symbol"
	MethodDecimals  = "decimals"
	MethodBalanceOf = "balanceOf"
	MethodAllowance = "allowance"
	MethodApprove   = "approve"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// ERC20ABI is the parsed ERC-20 subset.
var ERC20ABI = mustParseABI("erc20", erc20ABIJSON)

// PackApprove encodes approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil {
		amount = new(big.Int)
	}
	return ERC20ABI.Pack(MethodApprove, spender, amount)
}

// PackBalanceOf encodes balanceOf(owner).
func PackBalanceOf(owner common.Address) ([]byte, error) {
	return ERC20ABI.Pack(MethodBalanceOf, owner)
}

// PackAllowance encodes allowance(owner, spender).
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return ERC20ABI.Pack(MethodAllowance, owner, spender)
}

// PackMetadata encodes one of the argument-less metadata getters.
func PackMetadata(method string) ([]byte, error) {
	switch method {
	case MethodName, MethodSymbol, MethodDecimals:
		return ERC20ABI.Pack(method)
	default:
		return nil, fmt.Errorf("contracts: %s is not a metadata method", method)
	}
}

// UnpackString decodes a string return value.
func UnpackString(method string, data []byte) (string, error) {
	out, err := ERC20ABI.Unpack(method, data)
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", fmt.Errorf("contracts: %s returned %d values", method, len(out))
	}
	value, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("contracts: %s returned %T", method, out[0])
	}
	return value, nil
}

// UnpackDecimals decodes the decimals() return value.
func UnpackDecimals(data []byte) (uint8, error) {
	out, err := ERC20ABI.Unpack(MethodDecimals, data)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("contracts: decimals returned %d values", len(out))
	}
	value, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("contracts: decimals returned %T", out[0])
	}
	return value, nil
}

// UnpackUint256 decodes a uint256 return value from balanceOf or allowance.
func UnpackUint256(method string, data []byte) (*big.Int, error) {
	out, err := ERC20ABI.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("contracts: %s returned %d values", method, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("contracts: %s returned %T", method, out[0])
	}
	return value, nil
}
