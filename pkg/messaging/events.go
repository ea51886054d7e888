package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	EventTypeSessionOpened   = "session.opened"
	EventTypeSessionFinished = "session.finished"
	EventTypeConfigUpdated   = "config.updated"
)

// SessionOpenedEvent is published after a mining session is admitted and
// its stake transfer has settled.
type SessionOpenedEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	Caller         string    `json:"caller"`
	ReferralTarget string    `json:"referral_target,omitempty"`
	Identity       string    `json:"identity"`
	StakedAmount   string    `json:"staked_amount"`
	ActiveSessions int       `json:"active_sessions"`
	OpenedAt       time.Time `json:"opened_at"`
}

// SessionFinishedEvent carries the full reward breakdown for a closed
// session. Amounts are decimal strings.
type SessionFinishedEvent struct {
	EventID        uuid.UUID `json:"event_id"`
	Caller         string    `json:"caller"`
	ReferralTarget string    `json:"referral_target,omitempty"`
	Identity       string    `json:"identity"`
	Total          string    `json:"total"`
	Payout         string    `json:"payout"`
	ReferralBonus  string    `json:"referral_bonus"`
	StreakBonus    string    `json:"streak_bonus"`
	StreakCount    int       `json:"streak_count"`
	RewardLevel    int       `json:"reward_level"`
	StakedAmount   string    `json:"staked_amount"`
	ClosedAt       time.Time `json:"closed_at"`
}

// ConfigUpdatedEvent is published after an admin parameter change.
type ConfigUpdatedEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	Field     string    `json:"field"`
	Admin     string    `json:"admin"`
	UpdatedAt time.Time `json:"updated_at"`
}
