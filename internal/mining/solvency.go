package mining

import (
	"github.com/shopspring/decimal"

	"github.com/lodeworks/orepool/internal/config"
	"github.com/lodeworks/orepool/pkg/amount"
)

// RequiredReserve computes the minimum reward-token balance the treasury
// must hold before admitting sessions totalling totalStake.
//
// Every session is priced at the top of the level cycle, then scaled by an
// expected referral load (a fixed, less-than-100% fraction of sessions is
// assumed to earn the full referral bonus; reserving against all of them
// earning it would over-reserve against an unlikely fully-correlated
// worst case) and by the safety discount. The result is linear, hence
// monotonic non-decreasing, in totalStake, and zero only at zero.
func RequiredReserve(p config.Params, totalStake decimal.Decimal) decimal.Decimal {
	if !totalStake.IsPositive() {
		return decimal.Zero
	}

	topLevel := decimal.NewFromInt(int64(p.LevelCount - 1))
	worstPerUnit := p.MinReward.Add(p.PerLevelBonus.Mul(topLevel))
	worstCaseBase := worstPerUnit.Mul(totalStake).Div(p.StakeUnit)

	referralLoad := amount.BpsFactor(p.ReferralBonusBps).Mul(amount.BpsFactor(p.ReferralLoadBps))
	withReferrals := worstCaseBase.Mul(decimal.NewFromInt(1).Add(referralLoad))

	return amount.ApplyBps(withReferrals, p.SafetyMarginBps)
}
