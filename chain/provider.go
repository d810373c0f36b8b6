// Package chain is the wallet/chain provider the disperse engine consumes:
// bytecode and contract reads, transaction submission and confirmation, and
// notifications when the sender account or selected chain changes.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"disperse/crypto"
	"disperse/observability"
)

// Backend is the subset of the Ethereum JSON-RPC surface used by the provider.
// *ethclient.Client plus batch support satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BatchCallContext(ctx context.Context, batch []rpc.BatchElem) error
	Close()
}

// Dialer opens a Backend for an RPC endpoint.
type Dialer func(ctx context.Context, endpoint string) (Backend, error)

type ethBackend struct {
	*ethclient.Client
	rpc *rpc.Client
}

func (b *ethBackend) BatchCallContext(ctx context.Context, batch []rpc.BatchElem) error {
	return b.rpc.BatchCallContext(ctx, batch)
}

// DialEthereum connects to an Ethereum JSON-RPC endpoint.
func DialEthereum(ctx context.Context, endpoint string) (Backend, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	client, err := rpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	return &ethBackend{Client: ethclient.NewClient(client), rpc: client}, nil
}

// Network describes a chain the provider can connect to.
type Network struct {
	ID   uint64
	Name string
	RPC  string
}

// Call is a read-only contract call.
type Call struct {
	To   common.Address
	Data []byte
}

// CallResult carries the outcome of one call in a batch.
type CallResult struct {
	Data []byte
	Err  error
}

// RPCProvider implements the wallet/chain provider over JSON-RPC endpoints and
// a locally held sender key.
type RPCProvider struct {
	networks     map[uint64]Network
	dial         Dialer
	limiter      *rate.Limiter
	pollInterval time.Duration
	gasBuffer    uint64
	logger       *slog.Logger
	metrics      *observability.RPCMetrics

	mu       sync.RWMutex
	backends map[uint64]Backend
	key      *crypto.PrivateKey
	chainID  uint64
	sent     map[common.Hash]uint64
	subs     subscribers
}

// ProviderOption customises the provider.
type ProviderOption func(*RPCProvider)

// WithDialer overrides how backends are opened.
func WithDialer(d Dialer) ProviderOption {
	return func(p *RPCProvider) { p.dial = d }
}

// WithRateLimit bounds the upstream request rate.
func WithRateLimit(perSecond float64, burst int) ProviderOption {
	return func(p *RPCProvider) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithPollInterval sets the receipt polling cadence.
func WithPollInterval(d time.Duration) ProviderOption {
	return func(p *RPCProvider) { p.pollInterval = d }
}

// WithDefaultChain selects the initial chain.
func WithDefaultChain(id uint64) ProviderOption {
	return func(p *RPCProvider) { p.chainID = id }
}

// WithProviderLogger sets the provider logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *RPCProvider) { p.logger = logger }
}

// WithRPCMetrics overrides the metrics registry.
func WithRPCMetrics(m *observability.RPCMetrics) ProviderOption {
	return func(p *RPCProvider) { p.metrics = m }
}

// NewRPCProvider constructs a provider for the supplied networks.
func NewRPCProvider(networks []Network, opts ...ProviderOption) (*RPCProvider, error) {
	p := &RPCProvider{
		networks:     make(map[uint64]Network, len(networks)),
		dial:         DialEthereum,
		pollInterval: 2 * time.Second,
		gasBuffer:    20,
		logger:       slog.Default(),
		metrics:      observability.RPC(),
		backends:     make(map[uint64]Backend),
		sent:         make(map[common.Hash]uint64),
	}
	for _, n := range networks {
		if n.ID == 0 {
			return nil, fmt.Errorf("chain: network %q has no chain id", n.Name)
		}
		if _, dup := p.networks[n.ID]; dup {
			return nil, fmt.Errorf("chain: duplicate network %d", n.ID)
		}
		p.networks[n.ID] = n
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.chainID != 0 {
		if _, ok := p.networks[p.chainID]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownChain, p.chainID)
		}
	}
	if p.pollInterval <= 0 {
		p.pollInterval = 2 * time.Second
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// State returns the current wallet facts.
func (p *RPCProvider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stateLocked()
}

func (p *RPCProvider) stateLocked() State {
	st := State{ChainID: p.chainID}
	if p.key != nil {
		st.Connected = true
		st.Account = p.key.Address()
	}
	return st
}

// Subscribe returns a channel receiving wallet and chain change events and a
// function releasing it.
func (p *RPCProvider) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ch := p.subs.add()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.subs.remove(id)
		})
	}
}

// Connect installs key as the sender account.
func (p *RPCProvider) Connect(key *crypto.PrivateKey) error {
	if key == nil || key.PrivateKey == nil {
		return fmt.Errorf("chain: sender key required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
	p.subs.publish(Event{Kind: EventConnected, State: p.stateLocked()})
	p.logger.Info("wallet connected", slog.String("account", key.Address().Hex()))
	return nil
}

// ConnectKeystore decrypts the keystore at path and connects its account.
func (p *RPCProvider) ConnectKeystore(path, passphrase string) error {
	key, err := crypto.LoadFromKeystore(path, passphrase)
	if err != nil {
		return err
	}
	return p.Connect(key)
}

// Disconnect drops the sender account.
func (p *RPCProvider) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.key == nil {
		return
	}
	p.key = nil
	p.subs.publish(Event{Kind: EventDisconnected, State: p.stateLocked()})
	p.logger.Info("wallet disconnected")
}

// SwitchChain selects chainID after checking its endpoint reports that id.
func (p *RPCProvider) SwitchChain(ctx context.Context, chainID uint64) error {
	backend, err := p.backend(ctx, chainID)
	if err != nil {
		return err
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	reported, err := backend.ChainID(ctx)
	p.metrics.Observe("eth_chainId", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("chain: query chain id: %w", err)
	}
	if reported.Uint64() != chainID {
		return fmt.Errorf("chain: endpoint for %d reports chain %s", chainID, reported)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.chainID == chainID {
		return nil
	}
	p.chainID = chainID
	p.subs.publish(Event{Kind: EventChainChanged, State: p.stateLocked()})
	p.logger.Info("chain switched", slog.Uint64("chain_id", chainID))
	return nil
}

// CodeAt returns the runtime bytecode at addr on chainID.
func (p *RPCProvider) CodeAt(ctx context.Context, chainID uint64, addr common.Address) ([]byte, error) {
	backend, err := p.backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	code, err := backend.CodeAt(ctx, addr, nil)
	p.metrics.Observe("eth_getCode", time.Since(start), err)
	return code, err
}

// BalanceAt returns the native balance of addr on chainID.
func (p *RPCProvider) BalanceAt(ctx context.Context, chainID uint64, addr common.Address) (*big.Int, error) {
	backend, err := p.backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	balance, err := backend.BalanceAt(ctx, addr, nil)
	p.metrics.Observe("eth_getBalance", time.Since(start), err)
	return balance, err
}

// CallContract performs a read-only call on chainID.
func (p *RPCProvider) CallContract(ctx context.Context, chainID uint64, call Call) ([]byte, error) {
	backend, err := p.backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	to := call.To
	start := time.Now()
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: call.Data}, nil)
	p.metrics.Observe("eth_call", time.Since(start), err)
	return out, err
}

// BatchCall sends calls as a single JSON-RPC batch. The returned error covers
// transport failures; per-call failures are reported in each CallResult.
func (p *RPCProvider) BatchCall(ctx context.Context, chainID uint64, calls []Call) ([]CallResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	backend, err := p.backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	batch := make([]rpc.BatchElem, len(calls))
	outputs := make([]hexutil.Bytes, len(calls))
	for i, call := range calls {
		batch[i] = rpc.BatchElem{
			Method: "eth_call",
			Args: []any{map[string]any{
				"to":   call.To,
				"data": hexutil.Bytes(call.Data),
			}, "latest"},
			Result: &outputs[i],
		}
	}
	start := time.Now()
	err = backend.BatchCallContext(ctx, batch)
	p.metrics.Observe("eth_call_batch", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	results := make([]CallResult, len(calls))
	for i := range batch {
		results[i] = CallResult{Data: outputs[i], Err: batch[i].Error}
	}
	return results, nil
}

// SendTransaction signs and broadcasts a call to `to` from the connected
// account on the selected chain.
func (p *RPCProvider) SendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int) (common.Hash, error) {
	p.mu.RLock()
	key := p.key
	chainID := p.chainID
	p.mu.RUnlock()
	if key == nil {
		return common.Hash{}, ErrNotConnected
	}
	if chainID == 0 {
		return common.Hash{}, ErrNoChain
	}
	if value == nil {
		value = new(big.Int)
	}
	backend, err := p.backend(ctx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	from := key.Address()

	if err := p.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pending nonce: %w", err)
	}
	if err := p.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	gas, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: estimate gas: %w", err)
	}
	gas += gas * p.gasBuffer / 100

	tx, err := p.buildTx(ctx, backend, chainID, nonce, gas, to, data, value)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := key.SignTx(tx, new(big.Int).SetUint64(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	if err := p.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	start := time.Now()
	err = backend.SendTransaction(ctx, signed)
	p.metrics.Observe("eth_sendRawTransaction", time.Since(start), err)
	if err != nil {
		return common.Hash{}, err
	}
	p.mu.Lock()
	p.sent[signed.Hash()] = chainID
	p.mu.Unlock()
	return signed.Hash(), nil
}

func (p *RPCProvider) buildTx(ctx context.Context, backend Backend, chainID, nonce, gas uint64, to common.Address, data []byte, value *big.Int) (*types.Transaction, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch head: %w", err)
	}
	if head != nil && head.BaseFee != nil {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		tip, err := backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain: suggest tip: %w", err)
		}
		feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(chainID),
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      data,
		}), nil
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	price, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	}), nil
}

// WaitMined polls for the receipt of hash on the chain it was sent to until it
// is included or ctx ends.
func (p *RPCProvider) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	p.mu.RLock()
	chainID, ok := p.sent[hash]
	if !ok {
		chainID = p.chainID
	}
	p.mu.RUnlock()
	backend, err := p.backend(ctx, chainID)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		start := time.Now()
		receipt, err := backend.TransactionReceipt(ctx, hash)
		p.metrics.Observe("eth_getTransactionReceipt", time.Since(start), err)
		switch {
		case err == nil && receipt != nil:
			p.mu.Lock()
			delete(p.sent, hash)
			p.mu.Unlock()
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("chain: fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases every open backend.
func (p *RPCProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, b := range p.backends {
		b.Close()
		delete(p.backends, id)
	}
}

func (p *RPCProvider) backend(ctx context.Context, chainID uint64) (Backend, error) {
	if chainID == 0 {
		return nil, ErrNoChain
	}
	p.mu.RLock()
	b, ok := p.backends[chainID]
	network, known := p.networks[chainID]
	p.mu.RUnlock()
	if ok {
		return b, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	dialed, err := p.dial(ctx, network.RPC)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", network.Name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.backends[chainID]; ok {
		dialed.Close()
		return existing, nil
	}
	p.backends[chainID] = dialed
	return dialed, nil
}

func (p *RPCProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}
