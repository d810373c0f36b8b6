package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"disperse/chain"
	"disperse/contracts"
	"disperse/observability"
	"disperse/recipients"
	"disperse/txflow"
	"disperse/verifier"
)

// DefaultAllowanceInterval is how often token balance and allowance are
// re-read while a token is selected.
const DefaultAllowanceInterval = 5 * time.Second

// Provider supplies wallet facts and read access to the selected chain.
type Provider interface {
	BatchCaller
	State() chain.State
	Subscribe() (<-chan chain.Event, func())
	BalanceAt(ctx context.Context, chainID uint64, addr common.Address) (*big.Int, error)
}

// Snapshot is the session context at one instant.
type Snapshot struct {
	Connected           bool                   `json:"connected"`
	Account             *common.Address        `json:"account,omitempty"`
	ChainID             uint64                 `json:"chain_id"`
	ChainSupported      bool                   `json:"chain_supported"`
	Verification        verifier.Result        `json:"verification"`
	CustomContract      *common.Address        `json:"custom_contract,omitempty"`
	Currency            Currency               `json:"currency"`
	TokenAddress        *common.Address        `json:"token_address,omitempty"`
	Token               *TokenInfo             `json:"token,omitempty"`
	Balance             *big.Int               `json:"balance,omitempty"`
	Recipients          []recipients.Recipient `json:"recipients"`
	Total               *big.Int               `json:"total"`
	Remaining           *big.Int               `json:"remaining,omitempty"`
	InsufficientBalance bool                   `json:"insufficient_balance"`
	State               AppState               `json:"state"`
	Ready               bool                   `json:"is_ready"`
	Phase               Phase                  `json:"phase"`
	LastTx              *txflow.Operation      `json:"last_tx,omitempty"`
}

// Engine owns the session context. Every input change recomputes the phase
// synchronously and publishes a Snapshot to subscribers.
type Engine struct {
	provider  Provider
	tracker   *verifier.Tracker
	supported map[uint64]struct{}
	interval  time.Duration
	logger    *slog.Logger
	metrics   *observability.SessionMetrics
	legacy    common.Address
	createx   common.Address

	mu           sync.Mutex
	ctx          context.Context
	wallet       chain.State
	verification verifier.Result
	currency     Currency
	tokenAddr    *common.Address
	token        *TokenInfo
	tokenGen     uint64
	etherBalance *big.Int
	text         string
	list         []recipients.Recipient
	total        *big.Int
	machine      *Machine
	lastTx       *txflow.Operation
	pollCancel   context.CancelFunc
	pollGen      uint64
	bg           sync.WaitGroup

	customMu sync.RWMutex
	custom   map[uint64]common.Address

	pubMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithSupportedChains restricts the chains the session operates on. By
// default every chain is supported.
func WithSupportedChains(ids ...uint64) EngineOption {
	return func(e *Engine) {
		e.supported = make(map[uint64]struct{}, len(ids))
		for _, id := range ids {
			e.supported[id] = struct{}{}
		}
	}
}

// WithAllowanceInterval sets the token balance and allowance polling cadence.
func WithAllowanceInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.interval = d }
}

// WithDeployments overrides the built-in legacy and createx addresses.
func WithDeployments(legacy, createx common.Address) EngineOption {
	return func(e *Engine) {
		e.legacy = legacy
		e.createx = createx
	}
}

// WithCustomContracts registers per-chain custom deployments.
func WithCustomContracts(custom map[uint64]common.Address) EngineOption {
	return func(e *Engine) {
		for id, addr := range custom {
			e.custom[id] = addr
		}
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithSessionMetrics overrides the metrics registry.
func WithSessionMetrics(m *observability.SessionMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine constructs an engine reading through provider and verifying
// deployments with v.
func NewEngine(provider Provider, v *verifier.Verifier, opts ...EngineOption) *Engine {
	e := &Engine{
		provider: provider,
		interval: DefaultAllowanceInterval,
		logger:   slog.Default(),
		metrics:  observability.Session(),
		legacy:   contracts.LegacyAddress,
		createx:  contracts.CreateXAddress,
		ctx:      context.Background(),
		currency: CurrencyEther,
		total:    new(big.Int),
		machine:  NewMachine(),
		custom:   make(map[uint64]common.Address),
		subs:     make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.interval <= 0 {
		e.interval = DefaultAllowanceInterval
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.tracker = verifier.NewTracker(v, verifier.CustomCandidates(e.legacy, e.createx, e.customContract))
	e.tracker.OnChange(e.onVerification)
	return e
}

// Run consumes wallet events until ctx is cancelled or the provider closes
// the subscription.
func (e *Engine) Run(ctx context.Context) error {
	events, release := e.provider.Subscribe()
	defer release()

	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.handle(e.provider.State())
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case ev, ok := <-events:
			if !ok {
				e.shutdown()
				return nil
			}
			e.handle(ev.State)
		}
	}
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	e.stopPollerLocked()
	e.mu.Unlock()
	e.tracker.Close()
	e.bg.Wait()
}

// Snapshot returns the current session context.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe returns a channel receiving the current snapshot followed by one
// per change, and a function releasing it. A slow reader skips intermediate
// snapshots but always receives the latest.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	e.nextSub++
	id := e.nextSub
	ch := make(chan Snapshot, 8)
	ch <- e.Snapshot()
	e.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.pubMu.Lock()
			defer e.pubMu.Unlock()
			delete(e.subs, id)
			close(ch)
		})
	}
}

// SetRecipientsText replaces the recipient input and re-parses it with the
// current unit scale.
func (e *Engine) SetRecipientsText(text string) Snapshot {
	e.mu.Lock()
	e.text = text
	e.reparseLocked()
	e.mu.Unlock()
	return e.publish()
}

// SelectEther switches to native currency.
func (e *Engine) SelectEther() Snapshot {
	e.mu.Lock()
	e.currency = CurrencyEther
	e.tokenAddr = nil
	e.token = nil
	e.tokenGen++
	e.stopPollerLocked()
	e.machine.Apply(CurrencySelected(CurrencyEther))
	e.reparseLocked()
	e.mu.Unlock()
	return e.publish()
}

// SelectToken switches to token mode and loads the token's metadata, balance
// and allowance. The load is discarded if the chain, account or selection
// changes before it completes.
func (e *Engine) SelectToken(ctx context.Context, token common.Address) (Snapshot, error) {
	if token == (common.Address{}) {
		return e.Snapshot(), ErrInvalidToken
	}
	e.mu.Lock()
	if !e.wallet.Connected {
		e.mu.Unlock()
		return e.Snapshot(), chain.ErrNotConnected
	}
	if !e.isSupported(e.wallet.ChainID) {
		e.mu.Unlock()
		return e.Snapshot(), fmt.Errorf("%w: %d", ErrUnsupportedChain, e.wallet.ChainID)
	}
	e.currency = CurrencyToken
	e.tokenAddr = &token
	e.token = nil
	e.tokenGen++
	gen := e.tokenGen
	e.stopPollerLocked()
	e.machine.Apply(CurrencySelected(CurrencyToken))
	e.reparseLocked()
	wallet := e.wallet
	spender := e.spenderLocked()
	e.mu.Unlock()
	e.publish()

	return e.loadToken(ctx, gen, wallet, token, spender)
}

func (e *Engine) loadToken(ctx context.Context, gen uint64, wallet chain.State, token common.Address, spender *common.Address) (Snapshot, error) {
	info, err := LoadToken(ctx, e.provider, wallet.ChainID, token, wallet.Account, spender)

	e.mu.Lock()
	if gen != e.tokenGen || e.wallet != wallet {
		e.mu.Unlock()
		return e.Snapshot(), ErrSelectionSuperseded
	}
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("token load failed",
			slog.String("token", token.Hex()),
			slog.Uint64("chain_id", wallet.ChainID),
			slog.Any("error", err))
		return e.Snapshot(), err
	}
	e.token = &info
	e.reparseLocked()
	e.machine.Apply(TokenLoaded(info.Allowance))
	e.restartPollerLocked()
	e.mu.Unlock()
	return e.publish(), nil
}

// SetCustomContract registers addr as the custom deployment for the current
// chain, or clears it when addr is nil, and re-runs verification.
func (e *Engine) SetCustomContract(addr *common.Address) (Snapshot, error) {
	e.mu.Lock()
	wallet := e.wallet
	ctx := e.ctx
	supported := e.isSupported(wallet.ChainID)
	e.mu.Unlock()
	if wallet.ChainID == 0 {
		return e.Snapshot(), chain.ErrNoChain
	}

	e.customMu.Lock()
	if addr == nil || *addr == (common.Address{}) {
		delete(e.custom, wallet.ChainID)
	} else {
		e.custom[wallet.ChainID] = *addr
	}
	e.customMu.Unlock()

	e.tracker.Refresh(ctx, wallet.ChainID, wallet.Connected && supported)
	return e.Snapshot(), nil
}

func (e *Engine) customContract(chainID uint64) *common.Address {
	e.customMu.RLock()
	defer e.customMu.RUnlock()
	addr, ok := e.custom[chainID]
	if !ok {
		return nil
	}
	return &addr
}

// DisperseAction returns the disperse action for the selected currency.
func (e *Engine) DisperseAction() txflow.Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currency == CurrencyToken {
		return txflow.ActionDisperseToken
	}
	return txflow.ActionDisperseEther
}

// Request assembles an orchestrator request for action from the session.
func (e *Engine) Request(action txflow.Action) (txflow.Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.wallet.Connected {
		return txflow.Request{}, chain.ErrNotConnected
	}
	spender := e.spenderLocked()
	if spender == nil {
		return txflow.Request{}, ErrContractNotVerified
	}
	req := txflow.Request{Action: action, Contract: *spender}
	switch action {
	case txflow.ActionDisperseEther, txflow.ActionDisperseToken:
		if len(e.list) == 0 {
			return txflow.Request{}, ErrNotReady
		}
		req.Recipients = append([]recipients.Recipient(nil), e.list...)
	}
	switch action {
	case txflow.ActionDisperseToken, txflow.ActionApprove, txflow.ActionDeny:
		if e.token == nil {
			return txflow.Request{}, ErrNoToken
		}
		req.Token = e.token.Address
	}
	return req, nil
}

// Allowance reads the connected account's allowance of token for spender.
func (e *Engine) Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	e.mu.Lock()
	wallet := e.wallet
	e.mu.Unlock()
	if !wallet.Connected {
		return nil, chain.ErrNotConnected
	}
	_, allowance, err := ReadAmounts(ctx, e.provider, wallet.ChainID, token, wallet.Account, &spender)
	if err != nil {
		return nil, err
	}
	if allowance == nil {
		return nil, ErrAllowanceUnknown
	}
	return allowance, nil
}

// OnOperation folds orchestrator progress into the session. Confirmed
// operations trigger a balance and allowance refresh.
func (e *Engine) OnOperation(op txflow.Operation) {
	e.mu.Lock()
	last := op
	e.lastTx = &last
	refresh := false
	switch op.Status {
	case txflow.StatusSigning:
		e.machine.Apply(TxSubmitted(op.Action))
	case txflow.StatusSuccess:
		e.machine.Apply(TxSucceeded(op.Action))
		e.restartPollerLocked()
		refresh = true
	case txflow.StatusError:
		e.machine.Apply(TxFailed(op.Action))
	}
	e.mu.Unlock()
	e.publish()
	if refresh {
		e.refreshBalance()
	}
}

// Wait blocks until background balance reads and pollers have stopped.
func (e *Engine) Wait() {
	e.bg.Wait()
}

func (e *Engine) handle(st chain.State) {
	e.mu.Lock()
	prev := e.wallet
	chainChanged := prev.ChainID != st.ChainID
	connChanged := prev.Connected != st.Connected
	accountChanged := prev.Connected && st.Connected && prev.Account != st.Account
	if !chainChanged && !connChanged && !accountChanged {
		e.mu.Unlock()
		return
	}
	e.wallet = st
	supported := e.isSupported(st.ChainID)

	e.stopPollerLocked()
	e.etherBalance = nil
	e.token = nil
	e.tokenGen++
	if chainChanged {
		e.tokenAddr = nil
	}

	switch {
	case !st.Connected:
		e.machine.Apply(Disconnected())
	case connChanged:
		e.machine.Apply(Connected(supported))
	case accountChanged:
		e.machine.Apply(Disconnected())
		e.machine.Apply(Connected(supported))
		if !chainChanged {
			e.machine.Apply(VerificationChanged(e.verification))
		}
	default:
		e.machine.Apply(ChainChanged(supported))
	}
	// The tracker reports the outcome after this snapshot goes out, so the
	// pending check is recorded first.
	if (chainChanged || connChanged) && st.Connected && supported {
		e.verification = verifier.Result{ChainID: st.ChainID, Loading: true}
		e.machine.Apply(VerificationChanged(e.verification))
	}
	e.reparseLocked()

	reload := st.Connected && supported && e.currency == CurrencyToken && e.tokenAddr != nil
	var token common.Address
	var spender *common.Address
	gen := e.tokenGen
	if reload {
		token = *e.tokenAddr
		spender = e.spenderLocked()
	}
	ctx := e.ctx
	e.mu.Unlock()

	e.logger.Info("wallet state changed",
		slog.Bool("connected", st.Connected),
		slog.String("account", st.Account.Hex()),
		slog.Uint64("chain_id", st.ChainID),
		slog.Bool("chain_supported", supported))
	e.publish()

	if chainChanged || connChanged {
		e.tracker.Refresh(ctx, st.ChainID, st.Connected && supported)
	}
	if st.Connected && supported {
		e.refreshBalance()
	}
	if reload {
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			_, _ = e.loadToken(ctx, gen, st, token, spender)
		}()
	}
}

func (e *Engine) onVerification(res verifier.Result) {
	e.mu.Lock()
	if res.ChainID != e.wallet.ChainID {
		e.mu.Unlock()
		return
	}
	e.verification = res
	e.machine.Apply(VerificationChanged(res))
	e.restartPollerLocked()
	e.mu.Unlock()
	e.publish()
}

func (e *Engine) refreshBalance() {
	e.mu.Lock()
	wallet := e.wallet
	ctx := e.ctx
	e.mu.Unlock()
	if !wallet.Connected {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		balance, err := e.provider.BalanceAt(ctx, wallet.ChainID, wallet.Account)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Debug("balance read failed", slog.Any("error", err))
			}
			return
		}
		e.mu.Lock()
		if e.wallet != wallet {
			e.mu.Unlock()
			return
		}
		e.etherBalance = balance
		e.mu.Unlock()
		e.publish()
	}()
}

// restartPollerLocked starts polling token amounts when a token is loaded on
// a verified deployment. The first read happens immediately.
func (e *Engine) restartPollerLocked() {
	e.stopPollerLocked()
	spender := e.spenderLocked()
	if e.currency != CurrencyToken || e.token == nil || !e.wallet.Connected || spender == nil {
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.pollCancel = cancel
	e.pollGen++
	gen := e.pollGen
	wallet := e.wallet
	token := e.token.Address

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			e.pollOnce(ctx, gen, wallet, token, *spender)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (e *Engine) stopPollerLocked() {
	if e.pollCancel != nil {
		e.pollCancel()
		e.pollCancel = nil
	}
	e.pollGen++
}

func (e *Engine) pollOnce(ctx context.Context, gen uint64, wallet chain.State, token, spender common.Address) {
	balance, allowance, err := ReadAmounts(ctx, e.provider, wallet.ChainID, token, wallet.Account, &spender)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Debug("allowance poll failed",
				slog.String("token", token.Hex()),
				slog.Any("error", err))
		}
		return
	}
	e.mu.Lock()
	if gen != e.pollGen || ctx.Err() != nil || e.token == nil || e.token.Address != token {
		e.mu.Unlock()
		return
	}
	changed := !sameInt(e.token.Balance, balance) || !sameInt(e.token.Allowance, allowance)
	if changed {
		info := *e.token
		info.Balance = balance
		info.Allowance = allowance
		e.token = &info
		e.machine.Apply(AllowanceUpdated(allowance))
	}
	e.mu.Unlock()
	if changed {
		e.publish()
	}
}

func (e *Engine) reparseLocked() {
	e.list = recipients.Parse(e.text, decimalsOf(e.token), recipients.WithLogger(e.logger))
	e.total = recipients.Total(e.list)
	e.machine.Apply(RecipientsChanged(len(e.list), e.total))
	e.metrics.SetRecipients(len(e.list))
}

func (e *Engine) spenderLocked() *common.Address {
	if e.verification.Verified == nil || e.verification.ChainID != e.wallet.ChainID {
		return nil
	}
	addr := e.verification.Verified.Address
	return &addr
}

func (e *Engine) isSupported(chainID uint64) bool {
	if chainID == 0 {
		return false
	}
	if len(e.supported) == 0 {
		return true
	}
	_, ok := e.supported[chainID]
	return ok
}

func (e *Engine) snapshotLocked() Snapshot {
	phase := e.machine.Phase()
	s := Snapshot{
		Connected:      e.wallet.Connected,
		ChainID:        e.wallet.ChainID,
		ChainSupported: e.isSupported(e.wallet.ChainID),
		Verification:   e.verification,
		Currency:       e.currency,
		Recipients:     append([]recipients.Recipient{}, e.list...),
		Total:          new(big.Int).Set(e.total),
		State:          phase.State,
		Ready:          phase.State.IsReady(),
		Phase:          phase,
	}
	if e.wallet.Connected {
		account := e.wallet.Account
		s.Account = &account
	}
	if e.verification.ChainID != e.wallet.ChainID {
		s.Verification = verifier.Result{ChainID: e.wallet.ChainID}
	}
	s.CustomContract = e.customContract(e.wallet.ChainID)
	if e.tokenAddr != nil {
		addr := *e.tokenAddr
		s.TokenAddress = &addr
	}
	if e.token != nil {
		info := *e.token
		s.Token = &info
	}
	if e.lastTx != nil {
		op := *e.lastTx
		s.LastTx = &op
	}
	balance := e.etherBalance
	if e.currency == CurrencyToken {
		balance = nil
		if e.token != nil {
			balance = e.token.Balance
		}
	}
	if balance != nil {
		s.Balance = new(big.Int).Set(balance)
		s.Remaining = new(big.Int).Sub(balance, e.total)
		s.InsufficientBalance = s.Remaining.Sign() < 0
	}
	return s
}

// publish sends the latest snapshot to every subscriber. Publishing is
// serialised so subscribers never observe snapshots out of order.
func (e *Engine) publish() Snapshot {
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	snap := e.Snapshot()
	e.metrics.SetState(StateNames(), snap.State.String())
	for _, ch := range e.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

func sameInt(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}
