package mining

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/lodeworks/orepool/internal/config"
	"github.com/lodeworks/orepool/pkg/amount"
)

// Breakdown is the full reward computation for one close.
type Breakdown struct {
	Level           int
	Payout          decimal.Decimal
	ReferralBonus   decimal.Decimal
	StreakBonus     decimal.Decimal
	Total           decimal.Decimal
	StreakCount     int
	ReferralApplied bool
}

// RewardLevel derives the cyclic reward tier from the number of open
// sessions, counted before the closing session is removed (the closing
// session includes itself). The level wraps rather than saturating, so
// rewards are never starved at high concurrency.
func RewardLevel(activeSessions, levelCount int) int {
	if activeSessions <= 0 {
		return 0
	}
	return (activeSessions - 1) % levelCount
}

// BaseReward is the per-stake-unit payout at a level.
func BaseReward(p config.Params, level int) decimal.Decimal {
	return p.MinReward.Add(p.PerLevelBonus.Mul(decimal.NewFromInt(int64(level))))
}

// StakeAdjusted scales the base reward linearly by the staked amount.
func StakeAdjusted(p config.Params, level int, stake decimal.Decimal) decimal.Decimal {
	return BaseReward(p, level).Mul(stake).Div(p.StakeUnit)
}

// ReferralEligible reports whether a session's referral nomination earns
// the bonus: the target must be someone else, must have an open session of
// their own, and that session must have started strictly inside the
// referrer's cooldown window. Equality at either bound does not qualify.
func ReferralEligible(caller, target Address, openedAt time.Time, cooldown time.Duration, targetOpen bool, targetOpenedAt time.Time) bool {
	if target == None || target == caller {
		return false
	}
	if !targetOpen {
		return false
	}
	windowEnd := openedAt.Add(cooldown)
	return targetOpenedAt.After(openedAt) && targetOpenedAt.Before(windowEnd)
}

// NextStreak advances a streak for a close at now. Closing exactly at
// lastFinishedAt+streakWindow still maintains the streak; one tick later
// breaks it. A maintained streak earns the flat configured bonus, a fresh
// one earns nothing.
func NextStreak(rec StreakRecord, now time.Time, window time.Duration) (count int, maintained bool) {
	if rec.LastFinishedAt.IsZero() {
		return 1, false
	}
	if now.Sub(rec.LastFinishedAt) <= window {
		return rec.ConsecutiveCount + 1, true
	}
	return 1, false
}

// ComputeClose runs the full reward computation for closing a session.
// It is pure: all inputs are explicit and no state is read or written.
// activeSessions is the pool count before this close is applied.
func ComputeClose(p config.Params, s SessionRecord, activeSessions int, targetOpen bool, targetOpenedAt time.Time, streak StreakRecord, now time.Time) Breakdown {
	level := RewardLevel(activeSessions, p.LevelCount)
	payout := StakeAdjusted(p, level, s.StakedAmount)

	bd := Breakdown{
		Level:         level,
		Payout:        payout,
		ReferralBonus: decimal.Zero,
		StreakBonus:   decimal.Zero,
	}

	if ReferralEligible(s.Caller, s.ReferralTarget, s.OpenedAt, p.Cooldown, targetOpen, targetOpenedAt) {
		bd.ReferralBonus = amount.ApplyBps(payout, p.ReferralBonusBps)
		bd.ReferralApplied = true
	}

	count, maintained := NextStreak(streak, now, p.StreakWindow)
	bd.StreakCount = count
	if maintained {
		bd.StreakBonus = p.StreakBonus
	}

	bd.Total = bd.Payout.Add(bd.ReferralBonus).Add(bd.StreakBonus)
	return bd
}

// EstimateReward returns the payout range for a stake across the level
// cycle, bonuses excluded.
func EstimateReward(p config.Params, stake decimal.Decimal) RewardEstimate {
	return RewardEstimate{
		Min: StakeAdjusted(p, 0, stake),
		Max: StakeAdjusted(p, p.LevelCount-1, stake),
	}
}
