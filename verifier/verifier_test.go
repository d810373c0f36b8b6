package verifier_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"disperse/contracts"
	"disperse/verifier"
)

const reference = "0x6080604052deadbeef"

type fakeReader struct {
	mu    sync.Mutex
	code  map[uint64]map[common.Address]string
	errs  map[common.Address]error
	calls int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		code: make(map[uint64]map[common.Address]string),
		errs: make(map[common.Address]error),
	}
}

func (f *fakeReader) set(chainID uint64, addr common.Address, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.code[chainID] == nil {
		f.code[chainID] = make(map[common.Address]string)
	}
	f.code[chainID][addr] = code
}

func (f *fakeReader) CodeAt(_ context.Context, chainID uint64, addr common.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[addr]; err != nil {
		return nil, err
	}
	code, ok := f.code[chainID][addr]
	if !ok {
		return nil, nil
	}
	return hexutil.MustDecode(code), nil
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestMatch(t *testing.T) {
	require.True(t, verifier.Match(reference, reference))
	require.True(t, verifier.Match("0X6080604052DEADBEEF", reference))
	require.True(t, verifier.Match("6080604052deadbeef", reference))
	require.True(t, verifier.Match(reference+"a165627a7a72305820", reference))
	require.False(t, verifier.Match("0x", reference))
	require.False(t, verifier.Match("", reference))
	require.False(t, verifier.Match("0x6080604052", reference))
	require.False(t, verifier.Match("0x6080604052cafebabe", reference))
	require.False(t, verifier.Match(reference, ""))
}

func TestVerify_FirstMatchWins(t *testing.T) {
	reader := newFakeReader()
	custom := common.HexToAddress("0xc0ffee")
	reader.set(1, contracts.CreateXAddress, reference)
	reader.set(1, custom, reference)

	v := verifier.New(reader, verifier.WithReference(reference), verifier.WithCache(verifier.NewMemoryCache(0)))
	res := v.Verify(context.Background(), 1, verifier.DefaultCandidates(&custom))
	require.True(t, res.Deployed)
	require.False(t, res.Loading)
	require.Equal(t, &verifier.VerifiedAddress{Address: contracts.CreateXAddress, Label: contracts.LabelCreateX}, res.Verified)
}

func TestVerify_ReadErrorIsNonMatch(t *testing.T) {
	reader := newFakeReader()
	reader.errs[contracts.LegacyAddress] = errors.New("rpc unavailable")
	reader.set(10, contracts.LegacyAddress, reference)
	reader.set(10, contracts.CreateXAddress, reference+"00")

	v := verifier.New(reader, verifier.WithReference(reference), verifier.WithCache(verifier.NewMemoryCache(0)))
	res := v.Verify(context.Background(), 10, verifier.DefaultCandidates(nil))
	require.True(t, res.Deployed)
	require.Equal(t, contracts.LabelCreateX, res.Verified.Label)
}

func TestVerify_NoMatch(t *testing.T) {
	reader := newFakeReader()
	reader.set(5, contracts.LegacyAddress, "0x60016002")

	v := verifier.New(reader, verifier.WithReference(reference), verifier.WithCache(verifier.NewMemoryCache(0)))
	res := v.Verify(context.Background(), 5, verifier.DefaultCandidates(nil))
	require.False(t, res.Deployed)
	require.Nil(t, res.Verified)
	require.Equal(t, uint64(5), res.ChainID)
}

func TestVerify_DoesNotRefetchKnownCode(t *testing.T) {
	reader := newFakeReader()
	reader.set(1, contracts.LegacyAddress, reference)

	v := verifier.New(reader, verifier.WithReference(reference), verifier.WithCache(verifier.NewMemoryCache(0)))
	first := v.Verify(context.Background(), 1, verifier.DefaultCandidates(nil))
	require.True(t, first.Deployed)
	calls := reader.callCount()

	second := v.Verify(context.Background(), 1, verifier.DefaultCandidates(nil))
	require.Equal(t, first, second)
	require.Equal(t, calls, reader.callCount())
}

func TestMatches_UsesCache(t *testing.T) {
	cache := verifier.NewMemoryCache(0)
	v := verifier.New(newFakeReader(), verifier.WithReference(reference), verifier.WithCache(cache))

	require.True(t, v.Matches(reference))
	require.False(t, v.Matches("0x00"))
	require.Equal(t, 2, cache.Len())

	matched, ok := cache.Lookup(reference, reference)
	require.True(t, ok)
	require.True(t, matched)

	// A poisoned entry proves the second comparison is served from the cache.
	poisoned := verifier.NewMemoryCache(0)
	poisoned.Store(reference, reference, false)
	v = verifier.New(newFakeReader(), verifier.WithReference(reference), verifier.WithCache(poisoned))
	require.False(t, v.Matches(reference))
}

func TestMatches_SharedCacheKeepsReferencesApart(t *testing.T) {
	cache := verifier.NewMemoryCache(0)
	code := reference + "00"
	strict := verifier.New(newFakeReader(), verifier.WithReference("0x6080604052cafebabe"), verifier.WithCache(cache))
	loose := verifier.New(newFakeReader(), verifier.WithReference(reference), verifier.WithCache(cache))

	require.False(t, strict.Matches(code))
	require.True(t, loose.Matches(code))
	require.False(t, strict.Matches(code))
	require.Equal(t, 2, cache.Len())

	_, ok := cache.Lookup("0X6080604052DEADBEEF", code)
	require.True(t, ok, "references are normalised before keying")
}

func TestMemoryCache_Bounded(t *testing.T) {
	cache := verifier.NewMemoryCache(1)
	cache.Store(reference, "0x01", true)
	cache.Store(reference, "0x02", true)
	require.Equal(t, 1, cache.Len())
	_, ok := cache.Lookup(reference, "0x02")
	require.False(t, ok)

	cache.Store(reference, "0x01", false)
	matched, _ := cache.Lookup(reference, "0x01")
	require.True(t, matched, "entries are append-only")
}

func TestSameRuntime(t *testing.T) {
	body := reference + "0011223344"
	require.True(t, verifier.SameRuntime(body+metadata("aa"), body+metadata("bb")))
	require.True(t, verifier.SameRuntime(body+metadata("aa"), "0X"+body[2:]))
	require.False(t, verifier.SameRuntime(body+metadata("aa"), reference+"ffffffffff"+metadata("aa")))
	require.False(t, verifier.SameRuntime("0x", "0x"))
}

func TestVerify_CustomLookalikeRejected(t *testing.T) {
	genuine := reference + "0011223344"
	lookalike := reference + "ffffffffff"
	custom := common.HexToAddress("0xc0ffee")

	reader := newFakeReader()
	reader.set(7, custom, lookalike+metadata("aa"))

	v := verifier.New(reader, verifier.WithReference(reference), verifier.WithCache(verifier.NewMemoryCache(0)))
	res := v.Verify(context.Background(), 7, verifier.DefaultCandidates(&custom))
	require.False(t, res.Deployed, "dispatcher prefix alone does not vouch for a custom address")

	reader.set(1, contracts.LegacyAddress, genuine+metadata("01"))
	res = v.Verify(context.Background(), 1, verifier.DefaultCandidates(nil))
	require.True(t, res.Deployed)

	res = v.Verify(context.Background(), 7, verifier.DefaultCandidates(&custom))
	require.False(t, res.Deployed)

	copyAt := common.HexToAddress("0xbeef")
	reader.set(7, copyAt, genuine+metadata("02"))
	res = v.Verify(context.Background(), 7, verifier.DefaultCandidates(&copyAt))
	require.True(t, res.Deployed)
	require.Equal(t, &verifier.VerifiedAddress{Address: copyAt, Label: contracts.LabelCustom}, res.Verified)
}

func TestVerify_CustomVouchedByAnchorChain(t *testing.T) {
	genuine := reference + "0011223344"
	custom := common.HexToAddress("0xc0ffee")

	reader := newFakeReader()
	reader.set(1, contracts.CreateXAddress, genuine+metadata("01"))
	reader.set(7, custom, genuine+metadata("02"))

	v := verifier.New(reader,
		verifier.WithReference(reference),
		verifier.WithCache(verifier.NewMemoryCache(0)),
		verifier.WithAnchorChains(1, 7))
	res := v.Verify(context.Background(), 7, verifier.DefaultCandidates(&custom))
	require.True(t, res.Deployed)
	require.Equal(t, contracts.LabelCustom, res.Verified.Label)
}

func TestVerify_CustomMatchingFullReference(t *testing.T) {
	full := reference + "0011223344"
	custom := common.HexToAddress("0xc0ffee")

	reader := newFakeReader()
	reader.set(7, custom, full+metadata("aa"))

	v := verifier.New(reader, verifier.WithReference(full), verifier.WithCache(verifier.NewMemoryCache(0)))
	res := v.Verify(context.Background(), 7, verifier.DefaultCandidates(&custom))
	require.True(t, res.Deployed)
	require.Equal(t, custom, res.Verified.Address)
}

// metadata builds a solc bzzr0 trailer whose swarm hash repeats fill.
func metadata(fill string) string {
	hash := ""
	for len(hash) < 64 {
		hash += fill
	}
	return "a165627a7a72305820" + hash[:64] + "0029"
}

func TestCandidates(t *testing.T) {
	require.Len(t, verifier.DefaultCandidates(nil), 2)
	zero := common.Address{}
	require.Len(t, verifier.DefaultCandidates(&zero), 2)
	legacy := contracts.LegacyAddress
	require.Len(t, verifier.DefaultCandidates(&legacy), 2)

	custom := common.HexToAddress("0x1234")
	got := verifier.DefaultCandidates(&custom)
	require.Len(t, got, 3)
	require.Equal(t, contracts.LabelLegacy, got[0].Label)
	require.Equal(t, contracts.LabelCreateX, got[1].Label)
	require.Equal(t, verifier.Candidate{Address: custom, Label: contracts.LabelCustom}, got[2])
}
