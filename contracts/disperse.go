// Package contracts carries the on-chain surface the disperse engine talks to:
// the Disperse contract ABI, the ERC-20 subset it needs, the reference runtime
// bytecode and the well-known deployment addresses.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Disperse contract entry points.
const (
	MethodDisperseEther       = "disperseEther"
	MethodDisperseToken       = "disperseToken"
	MethodDisperseTokenSimple = "disperseTokenSimple"
)

const disperseABIJSON = `[
	{"constant":false,"inputs":[{"name":"token","type":"address"},{"name":"recipients","type":"address[]"},{"name":"values","type":"uint256[]"}],"name":"disperseTokenSimple","outputs":[],"payable":false,"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"token","type":"address"},{"name":"recipients","type":"address[]"},{"name":"values","type":"uint256[]"}],"name":"disperseToken","outputs":[],"payable":false,"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"recipients","type":"address[]"},{"name":"values","type":"uint256[]"}],"name":"disperseEther","outputs":[],"payable":true,"stateMutability":"payable","type":"function"}
]`

// DisperseABI is the parsed Disperse contract interface.
var DisperseABI = mustParseABI("disperse", disperseABIJSON)

// PackDisperseEther encodes a disperseEther call.
func PackDisperseEther(recipients []common.Address, values []*big.Int) ([]byte, error) {
	if err := checkParallel(recipients, values); err != nil {
		return nil, err
	}
	return DisperseABI.Pack(MethodDisperseEther, recipients, values)
}

// PackDisperseToken encodes a disperseToken call, which pulls the total into
// the contract before fanning out.
func PackDisperseToken(token common.Address, recipients []common.Address, values []*big.Int) ([]byte, error) {
	if err := checkParallel(recipients, values); err != nil {
		return nil, err
	}
	return DisperseABI.Pack(MethodDisperseToken, token, recipients, values)
}

// PackDisperseTokenSimple encodes a disperseTokenSimple call, which transfers
// directly from the sender to each recipient.
func PackDisperseTokenSimple(token common.Address, recipients []common.Address, values []*big.Int) ([]byte, error) {
	if err := checkParallel(recipients, values); err != nil {
		return nil, err
	}
	return DisperseABI.Pack(MethodDisperseTokenSimple, token, recipients, values)
}

func checkParallel(recipients []common.Address, values []*big.Int) error {
	if len(recipients) != len(values) {
		return fmt.Errorf("contracts: %d recipients but %d values", len(recipients), len(values))
	}
	return nil
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("contracts: parse %s abi: %v", name, err))
	}
	return parsed
}
