package treasury

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryLedger is an in-process TokenLedger for tests and development
// wiring. Same contract as the Postgres ledger, maps under one mutex.
type MemoryLedger struct {
	mu         sync.Mutex
	balances   map[string]decimal.Decimal
	allowances map[string]decimal.Decimal // holder -> remaining for the single spender
	failNext   error
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]decimal.Decimal),
	}
}

// Mint credits a holder.
func (l *MemoryLedger) Mint(holder string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[holder] = l.balances[holder].Add(amount)
}

// Approve sets the spender allowance for a holder.
func (l *MemoryLedger) Approve(holder string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[holder] = amount
}

// FailNext makes the next transfer fail with err. Tests use it to force
// the rollback paths.
func (l *MemoryLedger) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

// BalanceOf implements TokenLedger.
func (l *MemoryLedger) BalanceOf(ctx context.Context, holder string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[holder], nil
}

// Transfer implements TokenLedger.
func (l *MemoryLedger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.takeFailure(); err != nil {
		return err
	}
	if l.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, l.balances[from], amount)
	}
	l.balances[from] = l.balances[from].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

// TransferFrom implements TokenLedger.
func (l *MemoryLedger) TransferFrom(ctx context.Context, holder, to string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.takeFailure(); err != nil {
		return err
	}
	if l.allowances[holder].LessThan(amount) {
		return fmt.Errorf("%w: %s allows %s, needs %s", ErrInsufficientAllowance, holder, l.allowances[holder], amount)
	}
	if l.balances[holder].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, holder, l.balances[holder], amount)
	}
	l.allowances[holder] = l.allowances[holder].Sub(amount)
	l.balances[holder] = l.balances[holder].Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *MemoryLedger) takeFailure() error {
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return err
	}
	return nil
}
