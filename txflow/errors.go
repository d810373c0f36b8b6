package txflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// DefaultErrorMessage is surfaced when a failure carries no usable text.
const DefaultErrorMessage = "An unexpected error occurred"

var (
	ErrUnknownAction         = errors.New("txflow: unknown action")
	ErrNoContract            = errors.New("txflow: disperse contract address required")
	ErrNoToken               = errors.New("txflow: token address required")
	ErrNoRecipients          = errors.New("txflow: no recipients")
	ErrTotalOverflow         = errors.New("txflow: total amount exceeds uint256")
	ErrInsufficientAllowance = errors.New("txflow: allowance below total amount")
)

// RevertError reports a transaction that was mined with a failed status.
type RevertError struct {
	TxHash common.Hash
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("txflow: transaction %s reverted", e.TxHash.Hex())
}

// ShortMessage implements the short-message convention used by ShortMessage.
func (e *RevertError) ShortMessage() string { return "Transaction reverted" }

// ShortMessage normalises err into a short human-readable string. A
// ShortMessage() method on any error in the chain wins, then a decoded revert
// reason, then the first line of the error text.
func ShortMessage(err error) string {
	if err == nil {
		return DefaultErrorMessage
	}
	var short interface{ ShortMessage() string }
	if errors.As(err, &short) {
		if msg := strings.TrimSpace(short.ShortMessage()); msg != "" {
			return msg
		}
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := revertReason(dataErr.ErrorData()); ok {
			return "Execution reverted: " + reason
		}
	}
	msg := strings.TrimSpace(err.Error())
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = strings.TrimSpace(msg[:idx])
	}
	if msg == "" {
		return DefaultErrorMessage
	}
	return msg
}

func revertReason(data any) (string, bool) {
	encoded, ok := data.(string)
	if !ok {
		return "", false
	}
	raw, err := hexutil.Decode(encoded)
	if err != nil {
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil || reason == "" {
		return "", false
	}
	return reason, true
}
