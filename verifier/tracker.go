package verifier

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"disperse/observability"
)

// CandidateFunc returns the candidates to check on a chain.
type CandidateFunc func(chainID uint64) []Candidate

// Tracker owns the verification result for the currently selected chain. Each
// Refresh supersedes the previous one: the earlier run is cancelled and its
// result, should it still arrive, is discarded.
type Tracker struct {
	verifier   *Verifier
	candidates CandidateFunc
	metrics    *observability.VerifierMetrics

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	result     Result
	listeners  []func(Result)
	inflight   sync.WaitGroup

	notifyMu sync.Mutex
}

// NewTracker constructs a tracker. A nil candidates func uses the built-in deployments.
func NewTracker(v *Verifier, candidates CandidateFunc) *Tracker {
	if candidates == nil {
		candidates = func(uint64) []Candidate { return DefaultCandidates(nil) }
	}
	return &Tracker{verifier: v, candidates: candidates, metrics: v.metrics}
}

// CustomCandidates returns a CandidateFunc appending the custom address
// registered for each chain.
func CustomCandidates(legacy, createx common.Address, custom func(chainID uint64) *common.Address) CandidateFunc {
	return func(chainID uint64) []Candidate {
		var addr *common.Address
		if custom != nil {
			addr = custom(chainID)
		}
		return Candidates(legacy, createx, addr)
	}
}

// OnChange registers fn to be called with the current result whenever it
// changes. Listeners must not call Refresh.
func (t *Tracker) OnChange(fn func(Result)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Result returns the current verification result.
func (t *Tracker) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Refresh starts verification for chainID. When disconnected or chainID is
// zero the result is reset without touching the network.
func (t *Tracker) Refresh(ctx context.Context, chainID uint64, connected bool) {
	t.mu.Lock()
	t.generation++
	gen := t.generation
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if !connected || chainID == 0 {
		t.result = Result{ChainID: chainID}
		t.mu.Unlock()
		t.notify()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.result = Result{ChainID: chainID, Loading: true}
	candidates := t.candidates(chainID)
	t.inflight.Add(1)
	t.mu.Unlock()
	t.notify()

	go func() {
		defer t.inflight.Done()
		defer cancel()
		res := t.verifier.Verify(runCtx, chainID, candidates)
		t.apply(gen, res)
	}()
}

// Wait blocks until every verification started so far has finished.
func (t *Tracker) Wait() {
	t.inflight.Wait()
}

// Close cancels any in-flight verification.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.generation++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
	t.inflight.Wait()
}

func (t *Tracker) apply(gen uint64, res Result) {
	t.mu.Lock()
	if gen != t.generation || t.result.ChainID != res.ChainID {
		t.mu.Unlock()
		t.metrics.RecordStale()
		return
	}
	res.Loading = false
	t.result = res
	t.cancel = nil
	t.mu.Unlock()
	t.notify()
}

// notify delivers the latest result, so a late delivery never carries an
// outdated value.
func (t *Tracker) notify() {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	t.mu.Lock()
	res := t.result
	listeners := append([]func(Result){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(res)
	}
}
