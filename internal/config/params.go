package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lodeworks/orepool/pkg/amount"
)

var (
	ErrStakeBoundsInverted = errors.New("stake minimum exceeds stake maximum")
	ErrNegativeReward      = errors.New("reward parameters must not be negative")
	ErrLevelCount          = errors.New("level count must be at least 1")
	ErrBadBps              = errors.New("basis-point parameter out of range")
	ErrBadStakeUnit        = errors.New("stake unit must be positive")
	ErrBadWindow           = errors.New("cooldown and streak window must be positive")
)

// Params are the tunable game parameters. The reward engine and solvency
// guard take a Params value as an explicit argument; they never read the
// store directly.
type Params struct {
	StakeMin decimal.Decimal `json:"stake_min"`
	StakeMax decimal.Decimal `json:"stake_max"`

	// Reward curve: base payout for one stake unit at level L is
	// MinReward + PerLevelBonus*L, with L cycling through LevelCount tiers.
	MinReward     decimal.Decimal `json:"min_reward"`
	PerLevelBonus decimal.Decimal `json:"per_level_bonus"`
	LevelCount    int             `json:"level_count"`

	ReferralBonusBps int64 `json:"referral_bonus_bps"`

	Cooldown     time.Duration   `json:"cooldown"`
	StreakWindow time.Duration   `json:"streak_window"`
	StreakBonus  decimal.Decimal `json:"streak_bonus"`

	// SafetyMarginBps discounts the worst-case reserve (<10000).
	// ReferralLoadBps is the assumed fraction of sessions that earn the
	// full referral bonus when sizing the reserve.
	SafetyMarginBps int64 `json:"safety_margin_bps"`
	ReferralLoadBps int64 `json:"referral_load_bps"`

	StakeUnit decimal.Decimal `json:"stake_unit"`
}

// Defaults returns the launch parameters.
func Defaults() Params {
	return Params{
		StakeMin:         amount.FromInt(1),
		StakeMax:         amount.FromInt(1000),
		MinReward:        amount.MustParse("0.1"),
		PerLevelBonus:    amount.MustParse("0.09"),
		LevelCount:       10,
		ReferralBonusBps: 500,
		Cooldown:         24 * time.Hour,
		StreakWindow:     48 * time.Hour,
		StreakBonus:      amount.MustParse("0.05"),
		SafetyMarginBps:  8000,
		ReferralLoadBps:  2500,
		StakeUnit:        amount.FromInt(1),
	}
}

// Validate checks internal consistency.
func (p Params) Validate() error {
	if p.StakeMin.GreaterThan(p.StakeMax) {
		return fmt.Errorf("%w: min %s max %s", ErrStakeBoundsInverted, p.StakeMin, p.StakeMax)
	}
	if p.StakeMin.IsNegative() {
		return fmt.Errorf("stake minimum must not be negative: %s", p.StakeMin)
	}
	if p.MinReward.IsNegative() || p.PerLevelBonus.IsNegative() || p.StreakBonus.IsNegative() {
		return ErrNegativeReward
	}
	if p.LevelCount < 1 {
		return fmt.Errorf("%w: got %d", ErrLevelCount, p.LevelCount)
	}
	if p.ReferralBonusBps < 0 || p.ReferralBonusBps > 10000 {
		return fmt.Errorf("%w: referral_bonus_bps %d", ErrBadBps, p.ReferralBonusBps)
	}
	if p.SafetyMarginBps <= 0 || p.SafetyMarginBps >= 10000 {
		return fmt.Errorf("%w: safety_margin_bps %d must be in (0,10000)", ErrBadBps, p.SafetyMarginBps)
	}
	if p.ReferralLoadBps < 0 || p.ReferralLoadBps > 10000 {
		return fmt.Errorf("%w: referral_load_bps %d", ErrBadBps, p.ReferralLoadBps)
	}
	if p.Cooldown <= 0 || p.StreakWindow <= 0 {
		return ErrBadWindow
	}
	if !p.StakeUnit.IsPositive() {
		return fmt.Errorf("%w: %s", ErrBadStakeUnit, p.StakeUnit)
	}
	return nil
}

// Store holds the current Params. Setters are bounded field mutators; the
// admin restriction is enforced at the API layer.
type Store struct {
	mu     sync.RWMutex
	params Params
}

// NewStore creates a store with validated initial parameters.
func NewStore(initial Params) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial parameters: %w", err)
	}
	return &Store{params: initial}, nil
}

// Snapshot returns a copy of the current parameters.
func (s *Store) Snapshot() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

func (s *Store) update(mutate func(*Params)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.params
	mutate(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.params = next
	return nil
}

// SetStakeBounds updates the admissible stake range.
func (s *Store) SetStakeBounds(min, max decimal.Decimal) error {
	return s.update(func(p *Params) { p.StakeMin, p.StakeMax = min, max })
}

// SetRewardCurve updates the level reward curve.
func (s *Store) SetRewardCurve(minReward, perLevelBonus decimal.Decimal, levelCount int) error {
	return s.update(func(p *Params) {
		p.MinReward, p.PerLevelBonus, p.LevelCount = minReward, perLevelBonus, levelCount
	})
}

// SetReferralBonusBps updates the referral bonus fraction.
func (s *Store) SetReferralBonusBps(bps int64) error {
	return s.update(func(p *Params) { p.ReferralBonusBps = bps })
}

// SetCooldown updates the session cooldown.
func (s *Store) SetCooldown(d time.Duration) error {
	return s.update(func(p *Params) { p.Cooldown = d })
}

// SetStreak updates the streak window and flat bonus.
func (s *Store) SetStreak(window time.Duration, bonus decimal.Decimal) error {
	return s.update(func(p *Params) { p.StreakWindow, p.StreakBonus = window, bonus })
}

// SetSafetyMarginBps updates the solvency safety discount.
func (s *Store) SetSafetyMarginBps(bps int64) error {
	return s.update(func(p *Params) { p.SafetyMarginBps = bps })
}

// SetReferralLoadBps updates the assumed referral load for reserve sizing.
func (s *Store) SetReferralLoadBps(bps int64) error {
	return s.update(func(p *Params) { p.ReferralLoadBps = bps })
}
