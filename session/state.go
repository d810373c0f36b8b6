// Package session owns the disperse session context: wallet facts,
// contract verification, currency and token selection, the recipient list
// and allowance. It derives the application state from them and fans out
// snapshots whenever any input changes.
package session

import "fmt"

// AppState is the single discrete state of a session. The values are ordered
// by the priority of the condition producing them.
type AppState int

const (
	WalletRequired AppState = iota
	NetworkUnsupported
	ContractLoading
	ContractNotDeployed
	AwaitingInput
	ReadyToDisperse
)

var stateNames = [...]string{
	WalletRequired:      "WALLET_REQUIRED",
	NetworkUnsupported:  "NETWORK_UNSUPPORTED",
	ContractLoading:     "CONTRACT_LOADING",
	ContractNotDeployed: "CONTRACT_NOT_DEPLOYED",
	AwaitingInput:       "AWAITING_INPUT",
	ReadyToDisperse:     "READY_TO_DISPERSE",
}

func (s AppState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("AppState(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name.
func (s AppState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsReady reports whether the session can operate on the contract.
func (s AppState) IsReady() bool {
	return s == AwaitingInput || s == ReadyToDisperse
}

// StateNames lists every state name in priority order.
func StateNames() []string {
	return append([]string(nil), stateNames[:]...)
}

// Derive computes the application state. Conditions are checked in priority
// order and the first one that holds decides.
func Derive(connected, chainSupported, contractDeployed, contractLoading bool, recipientCount int) AppState {
	switch {
	case !connected:
		return WalletRequired
	case !chainSupported:
		return NetworkUnsupported
	case contractLoading:
		return ContractLoading
	case !contractDeployed:
		return ContractNotDeployed
	case recipientCount <= 0:
		return AwaitingInput
	default:
		return ReadyToDisperse
	}
}
