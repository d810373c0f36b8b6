package session

import "errors"

var (
	ErrInvalidToken        = errors.New("session: token address required")
	ErrNotToken            = errors.New("session: address does not implement erc20 decimals")
	ErrSelectionSuperseded = errors.New("session: selection superseded by a newer change")
	ErrUnsupportedChain    = errors.New("session: chain not supported")
	ErrContractNotVerified = errors.New("session: no verified disperse contract on this chain")
	ErrNoToken             = errors.New("session: no token loaded")
	ErrNotReady            = errors.New("session: recipients required before dispersing")
	ErrAllowanceUnknown    = errors.New("session: allowance could not be read")
)
