package mining

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Caller-input errors are deterministic and never retried by the system.
// ErrInsufficientReserve is a capacity condition: the caller should retry
// once the treasury is topped up or sessions close.
var (
	ErrAlreadyMining       = errors.New("identity already has an open session")
	ErrCannotReferSelf     = errors.New("referral target must not be the caller")
	ErrInsufficientReserve = errors.New("treasury reserve insufficient for new session")
	ErrSessionNotOpen      = errors.New("no open session for caller")
	ErrCooldownNotElapsed  = errors.New("session cooldown has not elapsed")
)

// InvalidStakeAmountError reports a stake outside the configured bounds.
type InvalidStakeAmountError struct {
	Amount decimal.Decimal
	Min    decimal.Decimal
	Max    decimal.Decimal
}

func (e *InvalidStakeAmountError) Error() string {
	return fmt.Sprintf("invalid stake amount %s: must be between %s and %s", e.Amount, e.Min, e.Max)
}
