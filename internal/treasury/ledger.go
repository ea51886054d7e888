package treasury

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrAccountNotFound       = errors.New("account not found")
)

// TokenLedger is the fungible-token contract the mining engine needs. One
// instance per token: the spend token collects stakes, the reward token
// pays out. TransferFrom moves a holder's funds under an authorization the
// holder granted beforehand; the engine works with either transfer form.
type TokenLedger interface {
	BalanceOf(ctx context.Context, holder string) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error
	TransferFrom(ctx context.Context, holder, to string, amount decimal.Decimal) error
}
