package session_test

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"disperse/chain"
	"disperse/contracts"
)

const reference = "0x608060405260043610603f57"

var (
	owner     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	customAt  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	errRevert = errors.New("execution reverted")
)

type tokenFixture struct {
	name      string
	symbol    string
	decimals  uint8
	balance   *big.Int
	allowance *big.Int
	revert    map[string]bool
}

// fakeChain implements session.Provider and verifier.CodeReader.
type fakeChain struct {
	mu         sync.Mutex
	state      chain.State
	subs       []chan chain.Event
	code       map[uint64]map[common.Address][]byte
	codeReads  map[uint64]int
	ether      *big.Int
	tokens     map[common.Address]*tokenFixture
	batchCalls int
	batchErr   error
	gate       chan struct{}
}

func newFakeChain(state chain.State) *fakeChain {
	return &fakeChain{
		state:     state,
		code:      make(map[uint64]map[common.Address][]byte),
		codeReads: make(map[uint64]int),
		ether:     big.NewInt(0),
		tokens:    make(map[common.Address]*tokenFixture),
	}
}

func (f *fakeChain) deploy(chainID uint64, addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.code[chainID] == nil {
		f.code[chainID] = make(map[common.Address][]byte)
	}
	f.code[chainID][addr] = hexutil.MustDecode(reference)
}

func (f *fakeChain) setToken(addr common.Address, tok *tokenFixture) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[addr] = tok
}

func (f *fakeChain) setAllowance(addr common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[addr].allowance = amount
}

func (f *fakeChain) reads(chainID uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codeReads[chainID]
}

func (f *fakeChain) emit(kind chain.EventKind, st chain.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = st
	for _, ch := range f.subs {
		ch <- chain.Event{Kind: kind, State: st}
	}
}

func (f *fakeChain) State() chain.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChain) Subscribe() (<-chan chain.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan chain.Event, 16)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeChain) BalanceAt(context.Context, uint64, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.ether), nil
}

func (f *fakeChain) CodeAt(_ context.Context, chainID uint64, addr common.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeReads[chainID]++
	return f.code[chainID][addr], nil
}

// hold makes every BatchCall block until the returned release is called.
func (f *fakeChain) hold() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	return func() {
		f.mu.Lock()
		f.gate = nil
		f.mu.Unlock()
		close(gate)
	}
}

func (f *fakeChain) BatchCall(_ context.Context, _ uint64, calls []chain.Call) ([]chain.CallResult, error) {
	f.mu.Lock()
	if gate := f.gate; gate != nil {
		f.mu.Unlock()
		<-gate
		f.mu.Lock()
	}
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([]chain.CallResult, len(calls))
	for i, call := range calls {
		tok, ok := f.tokens[call.To]
		if !ok {
			out[i].Err = errRevert
			continue
		}
		method, err := contracts.ERC20ABI.MethodById(call.Data[:4])
		if err != nil || tok.revert[method.Name] {
			out[i].Err = errRevert
			continue
		}
		var value any
		switch method.Name {
		case contracts.MethodName:
			value = tok.name
		case contracts.MethodSymbol:
			value = tok.symbol
		case contracts.MethodDecimals:
			value = tok.decimals
		case contracts.MethodBalanceOf:
			value = orZero(tok.balance)
		case contracts.MethodAllowance:
			value = orZero(tok.allowance)
		}
		data, err := method.Outputs.Pack(value)
		if err != nil {
			out[i].Err = err
			continue
		}
		out[i].Data = data
	}
	return out, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
