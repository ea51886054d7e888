package mining

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fingerprint is the opaque per-person-per-action identity value produced
// by the external proof system. It substitutes for KYC: one fingerprint,
// one concurrent session.
type Fingerprint string

// Address identifies a calling account.
type Address string

// None is the zero Address.
const None Address = ""

// SessionRecord is the per-identity session ledger entry. A record exists
// exactly while its session is open: created on open, deleted on close, so
// OpenedAt is never the zero time while stored.
type SessionRecord struct {
	Caller         Address
	OpenedAt       time.Time
	StakedAmount   decimal.Decimal
	ReferralTarget Address
}

// StreakRecord tracks consecutive closes per identity. It is mutated only
// on close and persists across sessions.
type StreakRecord struct {
	LastFinishedAt   time.Time
	ConsecutiveCount int
}

// PoolState aggregates all open sessions.
type PoolState struct {
	ActiveSessions int
	ActiveStake    decimal.Decimal
}

// Phase is the lifecycle position of a caller's session.
type Phase string

const (
	PhaseNone      Phase = "none"
	PhaseMining    Phase = "mining"
	PhaseClaimable Phase = "claimable"
)

// SessionStatus is the read-model answer for a phase query.
type SessionStatus struct {
	Phase        Phase           `json:"phase"`
	OpenedAt     time.Time       `json:"opened_at,omitempty"`
	ClaimableAt  time.Time       `json:"claimable_at,omitempty"`
	StakedAmount decimal.Decimal `json:"staked_amount,omitempty"`
}

// RewardEstimate is the payout range for a hypothetical stake across all
// levels of the cycle.
type RewardEstimate struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// AbandonedSession describes a session that has been claimable for longer
// than a cutoff. Such sessions hold their pool slot indefinitely.
type AbandonedSession struct {
	Caller       Address         `json:"caller"`
	OpenedAt     time.Time       `json:"opened_at"`
	StakedAmount decimal.Decimal `json:"staked_amount"`
}
