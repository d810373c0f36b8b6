package session

import (
	"math/big"

	"disperse/contracts"
	"disperse/txflow"
	"disperse/verifier"
)

// Currency selects what a disperse transfers.
type Currency string

const (
	CurrencyEther Currency = "ether"
	CurrencyToken Currency = "token"
)

// AllowanceState is the token allowance sub-state beneath a ready session.
type AllowanceState string

const (
	AllowanceUnknown AllowanceState = "unknown"
	NeedsAllowance   AllowanceState = "needs_allowance"
	HasAllowance     AllowanceState = "has_allowance"
)

// TxPhase reports whether a transaction is in flight.
type TxPhase string

const (
	TxIdle    TxPhase = "idle"
	TxPending TxPhase = "pending"
)

// Phase is the full machine position. Allowance is only meaningful for a
// ready session in token mode; Action is set while a transaction is pending.
type Phase struct {
	State     AppState       `json:"state"`
	Currency  Currency       `json:"currency"`
	Allowance AllowanceState `json:"allowance"`
	Tx        TxPhase        `json:"tx"`
	Action    txflow.Action  `json:"action,omitempty"`
}

// EventKind enumerates machine inputs.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventChainChanged
	EventVerificationChanged
	EventCurrencySelected
	EventTokenLoaded
	EventRecipientsChanged
	EventAllowanceUpdated
	EventTxSubmitted
	EventTxSucceeded
	EventTxFailed
)

// Event is a machine input. Only the fields relevant to Kind are read.
type Event struct {
	Kind           EventKind
	ChainSupported bool
	Deployed       bool
	Loading        bool
	Currency       Currency
	Allowance      *big.Int
	Recipients     int
	Total          *big.Int
	Action         txflow.Action
}

// Connected reports a wallet connection on a chain.
func Connected(chainSupported bool) Event {
	return Event{Kind: EventConnected, ChainSupported: chainSupported}
}

// Disconnected reports the wallet going away.
func Disconnected() Event { return Event{Kind: EventDisconnected} }

// ChainChanged reports a switch to another chain.
func ChainChanged(chainSupported bool) Event {
	return Event{Kind: EventChainChanged, ChainSupported: chainSupported}
}

// VerificationChanged carries a new verification result.
func VerificationChanged(res verifier.Result) Event {
	return Event{Kind: EventVerificationChanged, Deployed: res.Deployed, Loading: res.Loading}
}

// CurrencySelected switches between ether and token mode.
func CurrencySelected(c Currency) Event {
	return Event{Kind: EventCurrencySelected, Currency: c}
}

// TokenLoaded reports resolved token metadata with the current allowance,
// nil when it could not be read.
func TokenLoaded(allowance *big.Int) Event {
	return Event{Kind: EventTokenLoaded, Allowance: allowance}
}

// RecipientsChanged carries the size and total of a new recipient list.
func RecipientsChanged(count int, total *big.Int) Event {
	return Event{Kind: EventRecipientsChanged, Recipients: count, Total: total}
}

// AllowanceUpdated carries a freshly read allowance.
func AllowanceUpdated(allowance *big.Int) Event {
	return Event{Kind: EventAllowanceUpdated, Allowance: allowance}
}

// TxSubmitted reports that action is awaiting signature or inclusion.
func TxSubmitted(action txflow.Action) Event {
	return Event{Kind: EventTxSubmitted, Action: action}
}

// TxSucceeded reports a confirmed action.
func TxSucceeded(action txflow.Action) Event {
	return Event{Kind: EventTxSucceeded, Action: action}
}

// TxFailed reports a failed action.
func TxFailed(action txflow.Action) Event {
	return Event{Kind: EventTxFailed, Action: action}
}

type facts struct {
	connected      bool
	chainSupported bool
	deployed       bool
	loading        bool
	currency       Currency
	tokenLoaded    bool
	allowance      *big.Int
	recipients     int
	total          *big.Int
}

// Machine combines session facts into a Phase. It is not safe for
// concurrent use.
type Machine struct {
	facts  facts
	tx     TxPhase
	action txflow.Action
	phase  Phase
}

// NewMachine returns a machine for a disconnected session in ether mode.
func NewMachine() *Machine {
	m := &Machine{facts: facts{currency: CurrencyEther}, tx: TxIdle}
	m.phase = m.derive()
	return m
}

// Phase returns the current position.
func (m *Machine) Phase() Phase { return m.phase }

// Apply feeds ev through the transition table and returns the new phase.
// Unknown events leave the machine unchanged.
func (m *Machine) Apply(ev Event) Phase {
	step, ok := transitions[ev.Kind]
	if !ok {
		return m.phase
	}
	step(m, ev)
	m.phase = m.derive()
	return m.phase
}

var transitions = map[EventKind]func(*Machine, Event){
	EventConnected: func(m *Machine, ev Event) {
		m.facts.connected = true
		m.facts.chainSupported = ev.ChainSupported
	},
	EventDisconnected: func(m *Machine, _ Event) {
		m.facts.connected = false
		m.facts.deployed = false
		m.facts.loading = false
		m.clearToken()
	},
	EventChainChanged: func(m *Machine, ev Event) {
		m.facts.chainSupported = ev.ChainSupported
		m.facts.deployed = false
		m.facts.loading = false
		m.clearToken()
	},
	EventVerificationChanged: func(m *Machine, ev Event) {
		m.facts.deployed = ev.Deployed
		m.facts.loading = ev.Loading
	},
	EventCurrencySelected: func(m *Machine, ev Event) {
		m.facts.currency = ev.Currency
		m.clearToken()
	},
	EventTokenLoaded: func(m *Machine, ev Event) {
		m.facts.tokenLoaded = true
		m.facts.allowance = copyInt(ev.Allowance)
	},
	EventRecipientsChanged: func(m *Machine, ev Event) {
		m.facts.recipients = ev.Recipients
		m.facts.total = copyInt(ev.Total)
	},
	EventAllowanceUpdated: func(m *Machine, ev Event) {
		if m.facts.tokenLoaded {
			m.facts.allowance = copyInt(ev.Allowance)
		}
	},
	EventTxSubmitted: func(m *Machine, ev Event) {
		m.tx = TxPending
		m.action = ev.Action
	},
	EventTxSucceeded: func(m *Machine, ev Event) {
		m.tx = TxIdle
		m.action = ""
		if !m.facts.tokenLoaded {
			return
		}
		switch ev.Action {
		case txflow.ActionApprove:
			m.facts.allowance = contracts.MaxUint256()
		case txflow.ActionDeny:
			m.facts.allowance = new(big.Int)
		}
	},
	// A failed transaction changes no facts, so the derived phase is the
	// pre-submission one and the action can be retried.
	EventTxFailed: func(m *Machine, _ Event) {
		m.tx = TxIdle
		m.action = ""
	},
}

func (m *Machine) clearToken() {
	m.facts.tokenLoaded = false
	m.facts.allowance = nil
}

func (m *Machine) derive() Phase {
	f := m.facts
	p := Phase{
		State:     Derive(f.connected, f.chainSupported, f.deployed, f.loading, f.recipients),
		Currency:  f.currency,
		Allowance: AllowanceUnknown,
		Tx:        m.tx,
		Action:    m.action,
	}
	if p.State.IsReady() && f.currency == CurrencyToken && f.tokenLoaded && f.allowance != nil {
		total := f.total
		if total == nil {
			total = new(big.Int)
		}
		if f.allowance.Cmp(total) < 0 {
			p.Allowance = NeedsAllowance
		} else {
			p.Allowance = HasAllowance
		}
	}
	return p
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
