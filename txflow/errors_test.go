package txflow_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"disperse/txflow"
)

type rpcDataError struct {
	msg  string
	data any
}

func (e rpcDataError) Error() string  { return e.msg }
func (e rpcDataError) ErrorCode() int { return 3 }
func (e rpcDataError) ErrorData() any { return e.data }

func encodeRevert(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	selector := []byte{0x08, 0xc3, 0x79, 0xa0}
	return hexutil.Encode(append(selector, packed...))
}

func TestShortMessage(t *testing.T) {
	revert := rpcDataError{msg: "execution reverted", data: encodeRevert(t, "insufficient balance")}

	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: txflow.DefaultErrorMessage},
		{name: "plain", err: errors.New("nonce too low"), want: "nonce too low"},
		{name: "multiline", err: errors.New("gas required exceeds allowance\nVersion: 1.0"), want: "gas required exceeds allowance"},
		{name: "blank", err: errors.New("   "), want: txflow.DefaultErrorMessage},
		{name: "short message", err: fmt.Errorf("send: %w", rejection{}), want: "User rejected the request."},
		{name: "revert reason", err: fmt.Errorf("estimate gas: %w", revert), want: "Execution reverted: insufficient balance"},
		{name: "undecodable data", err: rpcDataError{msg: "execution reverted", data: "0x1234"}, want: "execution reverted"},
		{name: "reverted receipt", err: &txflow.RevertError{}, want: "Transaction reverted"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, txflow.ShortMessage(tc.err))
		})
	}
}
