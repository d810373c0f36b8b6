package chain

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a connected sender account.
	ErrNotConnected = errors.New("chain: wallet not connected")
	// ErrUnknownChain is returned when no RPC endpoint is configured for a chain.
	ErrUnknownChain = errors.New("chain: no endpoint configured for chain")
	// ErrNoChain is returned when no chain is selected.
	ErrNoChain = errors.New("chain: no chain selected")
)
