package session_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"disperse/session"
	"disperse/txflow"
	"disperse/verifier"
)

func readyMachine(t *testing.T) *session.Machine {
	t.Helper()
	m := session.NewMachine()
	m.Apply(session.Connected(true))
	m.Apply(session.VerificationChanged(verifier.Result{ChainID: 1, Deployed: true}))
	phase := m.Apply(session.RecipientsChanged(2, big.NewInt(100)))
	require.Equal(t, session.ReadyToDisperse, phase.State)
	return m
}

func TestMachine_WalletAndVerification(t *testing.T) {
	m := session.NewMachine()
	require.Equal(t, session.Phase{
		State:     session.WalletRequired,
		Currency:  session.CurrencyEther,
		Allowance: session.AllowanceUnknown,
		Tx:        session.TxIdle,
	}, m.Phase())

	require.Equal(t, session.NetworkUnsupported, m.Apply(session.Connected(false)).State)
	require.Equal(t, session.ContractNotDeployed, m.Apply(session.ChainChanged(true)).State)
	require.Equal(t, session.ContractLoading, m.Apply(session.VerificationChanged(verifier.Result{Loading: true})).State)
	require.Equal(t, session.AwaitingInput, m.Apply(session.VerificationChanged(verifier.Result{Deployed: true})).State)
	require.Equal(t, session.ReadyToDisperse, m.Apply(session.RecipientsChanged(1, big.NewInt(5))).State)

	require.Equal(t, session.ContractNotDeployed, m.Apply(session.ChainChanged(true)).State)
	require.Equal(t, session.WalletRequired, m.Apply(session.Disconnected()).State)

	before := m.Phase()
	require.Equal(t, before, m.Apply(session.Event{Kind: session.EventKind(99)}))
}

func TestMachine_AllowanceSubState(t *testing.T) {
	m := readyMachine(t)

	phase := m.Apply(session.CurrencySelected(session.CurrencyToken))
	require.Equal(t, session.CurrencyToken, phase.Currency)
	require.Equal(t, session.AllowanceUnknown, phase.Allowance)

	require.Equal(t, session.NeedsAllowance, m.Apply(session.TokenLoaded(big.NewInt(99))).Allowance)
	require.Equal(t, session.HasAllowance, m.Apply(session.AllowanceUpdated(big.NewInt(100))).Allowance)
	require.Equal(t, session.NeedsAllowance, m.Apply(session.RecipientsChanged(3, big.NewInt(101))).Allowance)

	// Below ready there is no allowance sub-state.
	require.Equal(t, session.AllowanceUnknown, m.Apply(session.VerificationChanged(verifier.Result{Loading: true})).Allowance)
	require.Equal(t, session.NeedsAllowance, m.Apply(session.VerificationChanged(verifier.Result{Deployed: true})).Allowance)

	phase = m.Apply(session.CurrencySelected(session.CurrencyEther))
	require.Equal(t, session.AllowanceUnknown, phase.Allowance)
	require.Equal(t, session.AllowanceUnknown, m.Apply(session.AllowanceUpdated(big.NewInt(1000))).Allowance)
}

func TestMachine_TransactionLifecycle(t *testing.T) {
	m := readyMachine(t)
	m.Apply(session.CurrencySelected(session.CurrencyToken))
	preSubmit := m.Apply(session.TokenLoaded(big.NewInt(0)))
	require.Equal(t, session.NeedsAllowance, preSubmit.Allowance)

	pending := m.Apply(session.TxSubmitted(txflow.ActionApprove))
	require.Equal(t, session.TxPending, pending.Tx)
	require.Equal(t, txflow.ActionApprove, pending.Action)
	require.Equal(t, session.NeedsAllowance, pending.Allowance)

	require.Equal(t, preSubmit, m.Apply(session.TxFailed(txflow.ActionApprove)))

	m.Apply(session.TxSubmitted(txflow.ActionApprove))
	phase := m.Apply(session.TxSucceeded(txflow.ActionApprove))
	require.Equal(t, session.TxIdle, phase.Tx)
	require.Empty(t, phase.Action)
	require.Equal(t, session.HasAllowance, phase.Allowance)

	m.Apply(session.TxSubmitted(txflow.ActionDisperseToken))
	phase = m.Apply(session.TxSucceeded(txflow.ActionDisperseToken))
	require.Equal(t, session.ReadyToDisperse, phase.State)
	require.Equal(t, session.HasAllowance, phase.Allowance)

	m.Apply(session.TxSubmitted(txflow.ActionDeny))
	require.Equal(t, session.NeedsAllowance, m.Apply(session.TxSucceeded(txflow.ActionDeny)).Allowance)
}

func TestMachine_ReconnectRequiresTokenReload(t *testing.T) {
	m := readyMachine(t)
	m.Apply(session.CurrencySelected(session.CurrencyToken))
	m.Apply(session.TokenLoaded(big.NewInt(500)))

	m.Apply(session.Disconnected())
	m.Apply(session.Connected(true))
	phase := m.Apply(session.VerificationChanged(verifier.Result{Deployed: true}))
	require.Equal(t, session.ReadyToDisperse, phase.State)
	require.Equal(t, session.CurrencyToken, phase.Currency)
	require.Equal(t, session.AllowanceUnknown, phase.Allowance)
}
