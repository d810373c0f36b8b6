package chain_test

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"disperse/chain"
	"disperse/crypto"
)

type fakeBackend struct {
	mu            sync.Mutex
	chainID       uint64
	code          map[common.Address][]byte
	nonce         uint64
	baseFee       *big.Int
	estimate      uint64
	sent          []*types.Transaction
	receiptAfter  int
	receiptPolls  int
	batchOverride func([]rpc.BatchElem) error
	closed        bool
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(f.chainID), nil
}

func (f *fakeBackend) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[addr], nil
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(1_000), nil
}

func (f *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return append([]byte{}, call.Data...), nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(7), nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls++
	if f.receiptPolls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(101)}, nil
}

func (f *fakeBackend) BatchCallContext(_ context.Context, batch []rpc.BatchElem) error {
	if f.batchOverride != nil {
		return f.batchOverride(batch)
	}
	for i := range batch {
		out := batch[i].Result.(*hexutil.Bytes)
		*out = hexutil.Bytes{byte(i)}
	}
	return nil
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func newProvider(t *testing.T, backends map[uint64]*fakeBackend, opts ...chain.ProviderOption) *chain.RPCProvider {
	t.Helper()
	networks := make([]chain.Network, 0, len(backends))
	for id := range backends {
		networks = append(networks, chain.Network{ID: id, Name: "test", RPC: "fake://" + new(big.Int).SetUint64(id).String()})
	}
	dial := func(_ context.Context, endpoint string) (chain.Backend, error) {
		for id, b := range backends {
			if endpoint == "fake://"+new(big.Int).SetUint64(id).String() {
				return b, nil
			}
		}
		return nil, errors.New("unknown endpoint")
	}
	opts = append([]chain.ProviderOption{chain.WithDialer(dial), chain.WithPollInterval(time.Millisecond)}, opts...)
	p, err := chain.NewRPCProvider(networks, opts...)
	require.NoError(t, err)
	return p
}

func TestNewRPCProvider_Validates(t *testing.T) {
	_, err := chain.NewRPCProvider([]chain.Network{{ID: 0, Name: "bad"}})
	require.Error(t, err)
	_, err = chain.NewRPCProvider([]chain.Network{{ID: 1}, {ID: 1}})
	require.Error(t, err)
	_, err = chain.NewRPCProvider([]chain.Network{{ID: 1}}, chain.WithDefaultChain(2))
	require.ErrorIs(t, err, chain.ErrUnknownChain)
}

func TestConnectDisconnect_PublishesEvents(t *testing.T) {
	p := newProvider(t, map[uint64]*fakeBackend{1: {chainID: 1}}, chain.WithDefaultChain(1))
	events, release := p.Subscribe()
	defer release()

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, p.Connect(key))

	ev := <-events
	require.Equal(t, chain.EventConnected, ev.Kind)
	require.Equal(t, chain.State{Connected: true, Account: key.Address(), ChainID: 1}, ev.State)

	p.Disconnect()
	ev = <-events
	require.Equal(t, chain.EventDisconnected, ev.Kind)
	require.False(t, ev.State.Connected)
	require.False(t, p.State().Connected)
}

func TestConnectKeystore(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "sender.json")
	require.NoError(t, crypto.SaveToKeystore(path, key, "pw", crypto.LightScryptN, crypto.LightScryptP))

	p := newProvider(t, map[uint64]*fakeBackend{1: {chainID: 1}})
	require.Error(t, p.ConnectKeystore(path, "nope"))
	require.NoError(t, p.ConnectKeystore(path, "pw"))
	require.Equal(t, key.Address(), p.State().Account)
}

func TestSwitchChain(t *testing.T) {
	p := newProvider(t, map[uint64]*fakeBackend{1: {chainID: 1}, 10: {chainID: 10}, 56: {chainID: 97}}, chain.WithDefaultChain(1))
	events, release := p.Subscribe()
	defer release()

	require.NoError(t, p.SwitchChain(context.Background(), 10))
	ev := <-events
	require.Equal(t, chain.EventChainChanged, ev.Kind)
	require.Equal(t, uint64(10), ev.State.ChainID)

	require.ErrorIs(t, p.SwitchChain(context.Background(), 42), chain.ErrUnknownChain)
	require.Error(t, p.SwitchChain(context.Background(), 56), "endpoint reporting another chain is rejected")
	require.Equal(t, uint64(10), p.State().ChainID)
}

func TestSubscribe_KeepsLatestWhenFull(t *testing.T) {
	p := newProvider(t, map[uint64]*fakeBackend{1: {chainID: 1}}, chain.WithDefaultChain(1))
	events, release := p.Subscribe()
	defer release()

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.NoError(t, p.Connect(key))
		p.Disconnect()
	}
	var last chain.Event
	for len(events) > 0 {
		last = <-events
	}
	require.Equal(t, chain.EventDisconnected, last.Kind)
}

func TestSendTransaction_DynamicFee(t *testing.T) {
	backend := &fakeBackend{chainID: 1, nonce: 9, baseFee: big.NewInt(10), estimate: 100_000}
	p := newProvider(t, map[uint64]*fakeBackend{1: backend}, chain.WithDefaultChain(1))

	_, err := p.SendTransaction(context.Background(), common.HexToAddress("0x01"), nil, nil)
	require.ErrorIs(t, err, chain.ErrNotConnected)

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, p.Connect(key))

	to := common.HexToAddress("0xd15")
	hash, err := p.SendTransaction(context.Background(), to, []byte{0xe6, 0x3d}, big.NewInt(42))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	require.Equal(t, uint64(9), tx.Nonce())
	require.Equal(t, uint64(120_000), tx.Gas())
	require.Equal(t, big.NewInt(22), tx.GasFeeCap())
	require.Equal(t, big.NewInt(2), tx.GasTipCap())
	require.Equal(t, big.NewInt(42), tx.Value())
	require.Equal(t, &to, tx.To())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	require.Equal(t, key.Address(), sender)
}

func TestSendTransaction_LegacyChain(t *testing.T) {
	backend := &fakeBackend{chainID: 56, estimate: 50_000}
	p := newProvider(t, map[uint64]*fakeBackend{56: backend}, chain.WithDefaultChain(56))
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, p.Connect(key))

	_, err = p.SendTransaction(context.Background(), common.HexToAddress("0x01"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, uint8(types.LegacyTxType), backend.sent[0].Type())
	require.Equal(t, big.NewInt(7), backend.sent[0].GasPrice())
}

func TestWaitMined_PollsUntilIncluded(t *testing.T) {
	backend := &fakeBackend{chainID: 1, receiptAfter: 3}
	p := newProvider(t, map[uint64]*fakeBackend{1: backend}, chain.WithDefaultChain(1))

	hash := common.HexToHash("0xabc")
	receipt, err := p.WaitMined(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, hash, receipt.TxHash)
	require.Equal(t, 4, backend.receiptPolls)
}

func TestWaitMined_ContextCancelled(t *testing.T) {
	backend := &fakeBackend{chainID: 1, receiptAfter: 1 << 30}
	p := newProvider(t, map[uint64]*fakeBackend{1: backend}, chain.WithDefaultChain(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.WaitMined(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBatchCall(t *testing.T) {
	backend := &fakeBackend{chainID: 1}
	p := newProvider(t, map[uint64]*fakeBackend{1: backend})
	calls := []chain.Call{{To: common.HexToAddress("0x01")}, {To: common.HexToAddress("0x02")}}

	results, err := p.BatchCall(context.Background(), 1, calls)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, []byte{1}, results[1].Data)

	backend.batchOverride = func(batch []rpc.BatchElem) error {
		batch[0].Error = errors.New("execution reverted")
		return nil
	}
	results, err = p.BatchCall(context.Background(), 1, calls)
	require.NoError(t, err)
	require.Error(t, results[0].Err)
	require.NoError(t, results[1].Err)

	_, err = p.BatchCall(context.Background(), 99, calls)
	require.ErrorIs(t, err, chain.ErrUnknownChain)
}

func TestCodeAtAndClose(t *testing.T) {
	addr := common.HexToAddress("0x0d15")
	backend := &fakeBackend{chainID: 1, code: map[common.Address][]byte{addr: {0x60, 0x80}}}
	p := newProvider(t, map[uint64]*fakeBackend{1: backend}, chain.WithRateLimit(1000, 10))

	code, err := p.CodeAt(context.Background(), 1, addr)
	require.NoError(t, err)
	require.Equal(t, []byte{0x60, 0x80}, code)

	_, err = p.CodeAt(context.Background(), 0, addr)
	require.ErrorIs(t, err, chain.ErrNoChain)

	p.Close()
	require.True(t, backend.closed)
}
