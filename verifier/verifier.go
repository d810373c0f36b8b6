// Package verifier decides which candidate address on a chain hosts a genuine
// Disperse deployment by comparing its runtime bytecode with a reference.
package verifier

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"disperse/contracts"
	"disperse/observability"
)

// CodeReader fetches the runtime bytecode stored at an address on a chain.
type CodeReader interface {
	CodeAt(ctx context.Context, chainID uint64, addr common.Address) ([]byte, error)
}

// Candidate is an address checked for a Disperse deployment.
type Candidate struct {
	Address common.Address
	Label   string
}

// VerifiedAddress is the candidate whose bytecode matched.
type VerifiedAddress struct {
	Address common.Address `json:"address"`
	Label   string         `json:"label"`
}

// Result summarises verification for a chain.
type Result struct {
	ChainID  uint64           `json:"chain_id"`
	Verified *VerifiedAddress `json:"verified_address,omitempty"`
	Deployed bool             `json:"is_contract_deployed"`
	Loading  bool             `json:"is_loading"`
}

type codeKey struct {
	chainID uint64
	address common.Address
}

// Verifier checks candidates in priority order against the reference bytecode.
type Verifier struct {
	reader    CodeReader
	reference string
	cache     Cache
	logger    *slog.Logger
	metrics   *observability.VerifierMetrics
	tracer    trace.Tracer

	anchorChains []uint64

	mu      sync.RWMutex
	code    map[codeKey]string
	anchors map[string]struct{}
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithReference overrides the reference bytecode.
func WithReference(reference string) Option {
	return func(v *Verifier) { v.reference = reference }
}

// WithCache injects the comparison cache.
func WithCache(cache Cache) Option {
	return func(v *Verifier) { v.cache = cache }
}

// WithLogger sets the logger used for per-candidate failures.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) { v.logger = logger }
}

// WithAnchorChains names chains whose built-in deployments are read to vouch
// for a custom deployment when none has been verified yet.
func WithAnchorChains(chainIDs ...uint64) Option {
	return func(v *Verifier) { v.anchorChains = append([]uint64(nil), chainIDs...) }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.VerifierMetrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// New constructs a Verifier reading code through reader.
func New(reader CodeReader, opts ...Option) *Verifier {
	v := &Verifier{
		reader:    reader,
		reference: contracts.ReferenceBytecode,
		cache:     SharedCache(),
		logger:    slog.Default(),
		metrics:   observability.Verifier(),
		tracer:    otel.Tracer("disperse/verifier"),
		code:      make(map[codeKey]string),
		anchors:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.cache == nil {
		v.cache = SharedCache()
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// Candidates builds the ordered candidate list: legacy, createx and, when
// supplied and distinct, a caller-provided custom address.
func Candidates(legacy, createx common.Address, custom *common.Address) []Candidate {
	out := []Candidate{
		{Address: legacy, Label: contracts.LabelLegacy},
		{Address: createx, Label: contracts.LabelCreateX},
	}
	if custom == nil || *custom == (common.Address{}) {
		return out
	}
	for _, c := range out {
		if c.Address == *custom {
			return out
		}
	}
	return append(out, Candidate{Address: *custom, Label: contracts.LabelCustom})
}

// DefaultCandidates uses the built-in deployment addresses.
func DefaultCandidates(custom *common.Address) []Candidate {
	return Candidates(contracts.LegacyAddress, contracts.CreateXAddress, custom)
}

// Verify fetches code for each candidate in order and returns the first one
// matching the reference. A read failure for a candidate counts as a
// non-match and the search continues.
//
// Built-in candidates are trusted by address and only need to match the
// reference. A custom candidate must also carry the same runtime as the full
// reference or as a deployment already verified at a built-in address, so a
// contract that copies the dispatcher over a different body is rejected.
func (v *Verifier) Verify(ctx context.Context, chainID uint64, candidates []Candidate) Result {
	ctx, span := v.tracer.Start(ctx, "verifier.Verify",
		trace.WithAttributes(attribute.Int64("chain_id", int64(chainID))))
	defer span.End()

	start := time.Now()
	result := Result{ChainID: chainID}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}
		code, err := v.codeAt(ctx, chainID, candidate.Address)
		if err != nil {
			v.logger.Warn("bytecode read failed",
				slog.Uint64("chain_id", chainID),
				slog.String("label", candidate.Label),
				slog.String("address", candidate.Address.Hex()),
				slog.Any("error", err))
			continue
		}
		matched := v.Matches(code)
		switch {
		case matched && candidate.Label == contracts.LabelCustom:
			if matched = v.trustedRuntime(ctx, chainID, code, candidates); !matched {
				v.logger.Warn("custom deployment rejected",
					slog.Uint64("chain_id", chainID),
					slog.String("address", candidate.Address.Hex()),
					slog.String("reason", "runtime differs from verified deployments"))
			}
		case matched:
			v.addAnchor(code)
		}
		if matched {
			result.Verified = &VerifiedAddress{Address: candidate.Address, Label: candidate.Label}
			result.Deployed = true
			break
		}
	}
	label := ""
	if result.Verified != nil {
		label = result.Verified.Label
		span.SetAttributes(attribute.String("label", label))
	}
	v.metrics.RecordVerification(strconv.FormatUint(chainID, 10), label, time.Since(start))
	return result
}

// Matches compares code with the reference, consulting the cache first.
func (v *Verifier) Matches(code string) bool {
	if matched, ok := v.cache.Lookup(v.reference, code); ok {
		v.metrics.RecordCache(true)
		return matched
	}
	v.metrics.RecordCache(false)
	matched := Match(code, v.reference)
	v.cache.Store(v.reference, code, matched)
	return matched
}

func (v *Verifier) trustedRuntime(ctx context.Context, chainID uint64, code string, candidates []Candidate) bool {
	if SameRuntime(code, v.reference) || v.hasAnchor(code) {
		return true
	}
	for _, anchorChain := range v.anchorChains {
		if anchorChain == chainID {
			continue
		}
		for _, candidate := range candidates {
			if candidate.Label == contracts.LabelCustom {
				continue
			}
			anchor, err := v.codeAt(ctx, anchorChain, candidate.Address)
			if err != nil || !v.Matches(anchor) {
				continue
			}
			v.addAnchor(anchor)
			break
		}
	}
	return v.hasAnchor(code)
}

func (v *Verifier) addAnchor(code string) {
	body := stripMetadata(normalizeHex(code))
	v.mu.Lock()
	v.anchors[body] = struct{}{}
	v.mu.Unlock()
}

func (v *Verifier) hasAnchor(code string) bool {
	body := stripMetadata(normalizeHex(code))
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.anchors[body]
	return ok
}

func (v *Verifier) codeAt(ctx context.Context, chainID uint64, addr common.Address) (string, error) {
	key := codeKey{chainID: chainID, address: addr}
	v.mu.RLock()
	code, ok := v.code[key]
	v.mu.RUnlock()
	if ok {
		return code, nil
	}
	raw, err := v.reader.CodeAt(ctx, chainID, addr)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "0x", nil
	}
	code = hexutil.Encode(raw)
	v.mu.Lock()
	v.code[key] = code
	v.mu.Unlock()
	return code, nil
}
