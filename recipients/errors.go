package recipients

import "errors"

var (
	// ErrInvalidAmount is returned when an amount string is not a non-negative decimal number.
	ErrInvalidAmount = errors.New("recipients: invalid amount")
	// ErrAmountOverflow indicates the amount does not fit in an unsigned 256-bit integer.
	ErrAmountOverflow = errors.New("recipients: amount exceeds uint256")
)
