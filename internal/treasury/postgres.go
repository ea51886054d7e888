package treasury

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresLedger is a TokenLedger backed by Postgres. Balance rows are
// locked FOR UPDATE in holder order and carry an optimistic version
// column; every movement writes an audit entry in the same transaction.
type PostgresLedger struct {
	db      *sql.DB
	token   string
	spender string // principal whose allowances TransferFrom consumes
}

// NewPostgresLedger creates a ledger for one token. spender is the
// operator principal on whose authority TransferFrom acts.
func NewPostgresLedger(db *sql.DB, token, spender string) *PostgresLedger {
	return &PostgresLedger{db: db, token: token, spender: spender}
}

// Schema is the DDL for the ledger tables.
const Schema = `
CREATE TABLE IF NOT EXISTS token_accounts (
    token      TEXT        NOT NULL,
    holder     TEXT        NOT NULL,
    balance    NUMERIC     NOT NULL DEFAULT 0,
    version    INTEGER     NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (token, holder)
);

CREATE TABLE IF NOT EXISTS token_allowances (
    token     TEXT    NOT NULL,
    holder    TEXT    NOT NULL,
    spender   TEXT    NOT NULL,
    remaining NUMERIC NOT NULL DEFAULT 0,
    PRIMARY KEY (token, holder, spender)
);

CREATE TABLE IF NOT EXISTS token_entries (
    id         UUID        PRIMARY KEY,
    token      TEXT        NOT NULL,
    holder     TEXT        NOT NULL,
    entry_type TEXT        NOT NULL,
    amount     NUMERIC     NOT NULL,
    balance    NUMERIC     NOT NULL,
    reference  TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the ledger tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate treasury schema: %w", err)
	}
	return nil
}

// BalanceOf returns the holder's balance; absent accounts read as zero.
func (l *PostgresLedger) BalanceOf(ctx context.Context, holder string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM token_accounts WHERE token = $1 AND holder = $2`,
		l.token, holder,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Transfer moves amount from one holder to another.
func (l *PostgresLedger) Transfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	return l.transfer(ctx, from, to, amount, "")
}

// TransferFrom moves a holder's funds on the spender's prior authorization.
func (l *PostgresLedger) TransferFrom(ctx context.Context, holder, to string, amount decimal.Decimal) error {
	return l.transfer(ctx, holder, to, amount, l.spender)
}

func (l *PostgresLedger) transfer(ctx context.Context, from, to string, amount decimal.Decimal, spender string) error {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if spender != "" {
		var remaining decimal.Decimal
		err = tx.QueryRowContext(ctx,
			`SELECT remaining FROM token_allowances
			 WHERE token = $1 AND holder = $2 AND spender = $3 FOR UPDATE`,
			l.token, from, spender,
		).Scan(&remaining)
		if err == sql.ErrNoRows || (err == nil && remaining.LessThan(amount)) {
			return ErrInsufficientAllowance
		}
		if err != nil {
			return fmt.Errorf("failed to lock allowance: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE token_allowances SET remaining = remaining - $4
			 WHERE token = $1 AND holder = $2 AND spender = $3`,
			l.token, from, spender, amount,
		)
		if err != nil {
			return fmt.Errorf("failed to consume allowance: %w", err)
		}
	}

	// Lock both rows in holder order regardless of direction so two
	// opposing transfers cannot deadlock.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	balances := map[string]decimal.Decimal{}
	versions := map[string]int{}
	for _, holder := range []string{first, second} {
		var bal decimal.Decimal
		var ver int
		err = tx.QueryRowContext(ctx,
			`SELECT balance, version FROM token_accounts
			 WHERE token = $1 AND holder = $2 FOR UPDATE`,
			l.token, holder,
		).Scan(&bal, &ver)
		if err == sql.ErrNoRows {
			if holder == from {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, holder)
			}
			// Receiving side may not exist yet.
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO token_accounts (token, holder) VALUES ($1, $2)`,
				l.token, holder,
			); err != nil {
				return fmt.Errorf("failed to create account: %w", err)
			}
			bal, ver = decimal.Zero, 1
		} else if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}
		balances[holder] = bal
		versions[holder] = ver
	}

	if balances[from].LessThan(amount) {
		return ErrInsufficientBalance
	}

	newFrom := balances[from].Sub(amount)
	newTo := balances[to].Add(amount)
	now := time.Now()

	for holder, newBal := range map[string]decimal.Decimal{from: newFrom, to: newTo} {
		res, err := tx.ExecContext(ctx,
			`UPDATE token_accounts SET balance = $3, version = version + 1, updated_at = $4
			 WHERE token = $1 AND holder = $2 AND version = $5`,
			l.token, holder, newBal, now, versions[holder],
		)
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return fmt.Errorf("concurrent modification of account %s", holder)
		}
	}

	reference := uuid.New().String()
	for _, e := range []struct {
		holder, entryType string
		balance           decimal.Decimal
	}{
		{from, "debit", newFrom},
		{to, "credit", newTo},
	} {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO token_entries (id, token, holder, entry_type, amount, balance, reference, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			uuid.New(), l.token, e.holder, e.entryType, amount, e.balance, reference, now,
		)
		if err != nil {
			return fmt.Errorf("failed to write ledger entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer: %w", err)
	}
	return nil
}

// Mint credits newly issued tokens to a holder. Deployment/funding only.
func (l *PostgresLedger) Mint(ctx context.Context, holder string, amount decimal.Decimal) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO token_accounts (token, holder, balance)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (token, holder)
		 DO UPDATE SET balance = token_accounts.balance + $3, version = token_accounts.version + 1`,
		l.token, holder, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to mint: %w", err)
	}
	return nil
}

// Approve grants the configured spender authority over a holder's funds.
func (l *PostgresLedger) Approve(ctx context.Context, holder string, amount decimal.Decimal) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO token_allowances (token, holder, spender, remaining)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (token, holder, spender) DO UPDATE SET remaining = $4`,
		l.token, holder, l.spender, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to approve: %w", err)
	}
	return nil
}
