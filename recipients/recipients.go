// Package recipients turns free-form text into the validated address/amount
// pairs handed to the Disperse contract.
package recipients

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/text/width"
)

const (
	// MaxInputLength bounds the number of bytes of input that are scanned.
	MaxInputLength = 100_000
	// MaxMatches bounds the number of address/amount matches examined per call.
	MaxMatches = 5_000
)

var entryPattern = regexp.MustCompile(`(0x[0-9a-fA-F]{40})[,\s=:;]+([0-9]+(?:\.[0-9]+)?)`)

// Recipient is a single payout destination and its smallest-unit amount.
type Recipient struct {
	Address common.Address
	Value   *uint256.Int
}

type recipientJSON struct {
	Address string `json:"address"`
	Value   string `json:"value"`
}

// MarshalJSON renders the address in lower case and the value as a decimal string.
func (r Recipient) MarshalJSON() ([]byte, error) {
	value := "0"
	if r.Value != nil {
		value = r.Value.Dec()
	}
	return json.Marshal(recipientJSON{
		Address: strings.ToLower(r.Address.Hex()),
		Value:   value,
	})
}

// Option customises a Parse call.
type Option func(*parseConfig)

type parseConfig struct {
	logger *slog.Logger
}

// WithLogger routes diagnostics for skipped entries to the supplied logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *parseConfig) { c.logger = logger }
}

// Parse scans text for address/amount pairs and converts each amount into
// smallest units using decimals fractional digits. Entries with malformed
// amounts or addresses already seen earlier in the text are skipped. Input
// beyond MaxInputLength bytes or MaxMatches matches is ignored.
func Parse(text string, decimals uint8, opts ...Option) []Recipient {
	cfg := parseConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	// Only full-width forms are folded. Other compatibility characters such as
	// vulgar fractions or superscripts stay as typed and never match an amount.
	text = width.Narrow.String(truncate(text, MaxInputLength))
	matches := entryPattern.FindAllStringSubmatchIndex(text, MaxMatches)
	if len(matches) == 0 {
		return []Recipient{}
	}

	seen := make(map[common.Address]struct{}, len(matches))
	out := make([]Recipient, 0, len(matches))
	for _, m := range matches {
		raw := strings.ToLower(text[m[2]:m[3]])
		amount := text[m[4]:m[5]]
		if !common.IsHexAddress(raw) {
			continue
		}
		addr := common.HexToAddress(raw)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if !amountEnds(text, m[5]) {
			cfg.logger.Debug("skipping recipient",
				slog.String("address", raw),
				slog.String("amount", amount),
				slog.String("reason", "malformed amount"))
			continue
		}
		value, err := ParseUnits(amount, decimals)
		if err != nil {
			cfg.logger.Debug("skipping recipient",
				slog.String("address", raw),
				slog.String("amount", amount),
				slog.Any("error", err))
			continue
		}
		out = append(out, Recipient{Address: addr, Value: value})
	}
	return out
}

// Total returns the exact sum of all recipient values.
func Total(rs []Recipient) *big.Int {
	total := new(big.Int)
	for _, r := range rs {
		if r.Value == nil {
			continue
		}
		total.Add(total, r.Value.ToBig())
	}
	return total
}

// Addresses returns the recipient addresses in order.
func Addresses(rs []Recipient) []common.Address {
	out := make([]common.Address, len(rs))
	for i, r := range rs {
		out[i] = r.Address
	}
	return out
}

// Values returns the recipient amounts in order, as required by the ABI encoder.
func Values(rs []Recipient) []*big.Int {
	out := make([]*big.Int, len(rs))
	for i, r := range rs {
		if r.Value == nil {
			out[i] = new(big.Int)
			continue
		}
		out[i] = r.Value.ToBig()
	}
	return out
}

// amountEnds reports whether the amount ending at offset i is followed by the
// end of input, whitespace or a list separator.
func amountEnds(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return r == ',' || r == ';' || unicode.IsSpace(r)
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
