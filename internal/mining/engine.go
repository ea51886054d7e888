package mining

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lodeworks/orepool/internal/config"
	"github.com/lodeworks/orepool/internal/identity"
	"github.com/lodeworks/orepool/internal/treasury"
	"github.com/lodeworks/orepool/pkg/amount"
	"github.com/lodeworks/orepool/pkg/messaging"
	"github.com/lodeworks/orepool/pkg/metrics"
)

// EventPublisher publishes session signals. messaging.Client satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Engine is the session orchestrator. All four ledgers (sessions, caller
// index, streaks, pool) live behind one mutex; every public operation
// either fully commits or fully aborts under it, re-evaluating all
// preconditions fresh against current state.
type Engine struct {
	cfg      *config.Store
	verifier identity.BindingVerifier
	spend    treasury.TokenLedger
	reward   treasury.TokenLedger
	events   EventPublisher
	rec      *metrics.Recorder
	log      *zap.Logger
	now      func() time.Time

	poolAccount     string
	treasuryAccount string

	mu       sync.Mutex
	sessions map[Fingerprint]*SessionRecord
	callers  map[Address]Fingerprint
	streaks  map[Fingerprint]*StreakRecord
	pool     PoolState
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Config          *config.Store
	Verifier        identity.Verifier
	ProofScope      string
	SpendToken      treasury.TokenLedger
	RewardToken     treasury.TokenLedger
	PoolAccount     string
	TreasuryAccount string
	Events          EventPublisher
	Metrics         *metrics.Recorder
	Logger          *zap.Logger
	Now             func() time.Time
}

// NewEngine creates an engine with empty ledgers.
func NewEngine(opts EngineOptions) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:             opts.Config,
		verifier:        identity.BindingVerifier{Inner: opts.Verifier, Scope: opts.ProofScope},
		spend:           opts.SpendToken,
		reward:          opts.RewardToken,
		events:          opts.Events,
		rec:             opts.Metrics,
		log:             log,
		now:             now,
		poolAccount:     opts.PoolAccount,
		treasuryAccount: opts.TreasuryAccount,
		sessions:        make(map[Fingerprint]*SessionRecord),
		callers:         make(map[Address]Fingerprint),
		streaks:         make(map[Fingerprint]*StreakRecord),
		pool:            PoolState{ActiveStake: decimal.Zero},
	}
}

// OpenResult reports an admitted session.
type OpenResult struct {
	Identity     Fingerprint     `json:"identity"`
	Caller       Address         `json:"caller"`
	Referral     Address         `json:"referral,omitempty"`
	StakedAmount decimal.Decimal `json:"staked_amount"`
	OpenedAt     time.Time       `json:"opened_at"`
}

// CloseResult reports the reward breakdown for a finished session.
type CloseResult struct {
	Identity        Fingerprint     `json:"identity"`
	Caller          Address         `json:"caller"`
	Referral        Address         `json:"referral,omitempty"`
	RewardLevel     int             `json:"reward_level"`
	Payout          decimal.Decimal `json:"payout"`
	ReferralBonus   decimal.Decimal `json:"referral_bonus"`
	StreakBonus     decimal.Decimal `json:"streak_bonus"`
	Total           decimal.Decimal `json:"total"`
	StreakCount     int             `json:"streak_count"`
	ReferralApplied bool            `json:"referral_applied"`
	StakedAmount    decimal.Decimal `json:"staked_amount"`
	ClosedAt        time.Time       `json:"closed_at"`
}

// OpenSession admits a new mining session. Local checks run first, then
// the external proof verification, then the ledger mutation, then the
// external stake transfer; a failure at any point leaves no state change
// behind. Ledger mutation precedes the transfer so a reentrant call
// observes the session as already open.
func (e *Engine) OpenSession(ctx context.Context, caller Address, referral Address, stake decimal.Decimal, proof identity.Proof) (*OpenResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.cfg.Snapshot()
	fp := Fingerprint(proof.Fingerprint)

	if _, open := e.sessions[fp]; open {
		return nil, ErrAlreadyMining
	}
	// The caller index holds at most one entry per address. Admitting a
	// second open under a fresh fingerprint would overwrite it and leave
	// the first session unreachable by any close.
	if _, open := e.callers[caller]; open {
		return nil, ErrAlreadyMining
	}
	if referral != None && referral == caller {
		return nil, ErrCannotReferSelf
	}
	if stake.LessThan(p.StakeMin) || stake.GreaterThan(p.StakeMax) {
		return nil, &InvalidStakeAmountError{Amount: stake, Min: p.StakeMin, Max: p.StakeMax}
	}

	balance, err := e.reward.BalanceOf(ctx, e.treasuryAccount)
	if err != nil {
		return nil, fmt.Errorf("failed to read treasury balance: %w", err)
	}
	required := RequiredReserve(p, e.pool.ActiveStake.Add(stake))
	if balance.LessThan(required) {
		return nil, ErrInsufficientReserve
	}

	// Local checks done; now the external verifier. Its failure aborts
	// with nothing mutated.
	if err := e.verifier.VerifyBound(ctx, proof, string(caller)); err != nil {
		return nil, err
	}

	openedAt := e.now()
	record := &SessionRecord{
		Caller:         caller,
		OpenedAt:       openedAt,
		StakedAmount:   stake,
		ReferralTarget: referral,
	}
	e.sessions[fp] = record
	e.callers[caller] = fp
	e.pool.ActiveSessions++
	e.pool.ActiveStake = e.pool.ActiveStake.Add(stake)

	if err := e.spend.TransferFrom(ctx, string(caller), e.poolAccount, stake); err != nil {
		delete(e.sessions, fp)
		delete(e.callers, caller)
		e.pool.ActiveSessions--
		e.pool.ActiveStake = amount.FloorZero(e.pool.ActiveStake.Sub(stake))
		e.releaseProof(ctx, proof)
		return nil, fmt.Errorf("stake transfer failed: %w", err)
	}

	e.publish(ctx, messaging.EventTypeSessionOpened, messaging.SessionOpenedEvent{
		EventID:        uuid.New(),
		Caller:         string(caller),
		ReferralTarget: string(referral),
		Identity:       string(fp),
		StakedAmount:   stake.String(),
		ActiveSessions: e.pool.ActiveSessions,
		OpenedAt:       openedAt,
	})
	e.rec.RecordPool(e.pool.ActiveSessions, e.pool.ActiveStake.String(),
		RequiredReserve(p, e.pool.ActiveStake).String())
	e.log.Info("session opened",
		zap.String("caller", string(caller)),
		zap.String("identity", string(fp)),
		zap.String("stake", stake.String()),
		zap.Int("active_sessions", e.pool.ActiveSessions))

	return &OpenResult{
		Identity:     fp,
		Caller:       caller,
		Referral:     referral,
		StakedAmount: stake,
		OpenedAt:     openedAt,
	}, nil
}

// CloseSession closes the caller's session after the cooldown and pays
// the reward. The reward level reflects the pool count before this close
// is applied (the closing session counts itself). A transfer failure
// reverts every mutation.
func (e *Engine) CloseSession(ctx context.Context, caller Address) (*CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.cfg.Snapshot()

	fp, ok := e.callers[caller]
	if !ok {
		return nil, ErrSessionNotOpen
	}
	record := e.sessions[fp]
	if record == nil {
		// CallerIndex and SessionRecord are mutated together; this
		// would mean the invariant is broken.
		delete(e.callers, caller)
		return nil, ErrSessionNotOpen
	}

	now := e.now()
	claimableAt := record.OpenedAt.Add(p.Cooldown)
	if now.Before(claimableAt) {
		return nil, fmt.Errorf("%w: claimable at %s", ErrCooldownNotElapsed, claimableAt.Format(time.RFC3339))
	}

	targetOpen, targetOpenedAt := e.referralSession(record.ReferralTarget)
	prevStreak := StreakRecord{}
	if s := e.streaks[fp]; s != nil {
		prevStreak = *s
	}

	bd := ComputeClose(p, *record, e.pool.ActiveSessions, targetOpen, targetOpenedAt, prevStreak, now)

	prevPool := e.pool
	delete(e.sessions, fp)
	delete(e.callers, caller)
	e.pool.ActiveSessions--
	if e.pool.ActiveSessions < 0 {
		e.pool.ActiveSessions = 0
	}
	e.pool.ActiveStake = amount.FloorZero(e.pool.ActiveStake.Sub(record.StakedAmount))
	e.streaks[fp] = &StreakRecord{LastFinishedAt: now, ConsecutiveCount: bd.StreakCount}

	if err := e.reward.Transfer(ctx, e.treasuryAccount, string(caller), bd.Total); err != nil {
		e.sessions[fp] = record
		e.callers[caller] = fp
		e.pool = prevPool
		if prevStreak == (StreakRecord{}) {
			delete(e.streaks, fp)
		} else {
			restored := prevStreak
			e.streaks[fp] = &restored
		}
		return nil, fmt.Errorf("reward transfer failed: %w", err)
	}

	e.publish(ctx, messaging.EventTypeSessionFinished, messaging.SessionFinishedEvent{
		EventID:        uuid.New(),
		Caller:         string(caller),
		ReferralTarget: string(record.ReferralTarget),
		Identity:       string(fp),
		Total:          bd.Total.String(),
		Payout:         bd.Payout.String(),
		ReferralBonus:  bd.ReferralBonus.String(),
		StreakBonus:    bd.StreakBonus.String(),
		StreakCount:    bd.StreakCount,
		RewardLevel:    bd.Level,
		StakedAmount:   record.StakedAmount.String(),
		ClosedAt:       now,
	})
	e.rec.RecordPool(e.pool.ActiveSessions, e.pool.ActiveStake.String(),
		RequiredReserve(p, e.pool.ActiveStake).String())
	e.rec.RecordPayout(string(caller), bd.Level, bd.Total.String(),
		bd.Payout.String(), bd.ReferralBonus.String(), bd.StreakBonus.String())
	e.log.Info("session finished",
		zap.String("caller", string(caller)),
		zap.String("identity", string(fp)),
		zap.Int("reward_level", bd.Level),
		zap.String("total", bd.Total.String()),
		zap.Bool("referral_applied", bd.ReferralApplied),
		zap.Int("streak", bd.StreakCount))

	return &CloseResult{
		Identity:        fp,
		Caller:          caller,
		Referral:        record.ReferralTarget,
		RewardLevel:     bd.Level,
		Payout:          bd.Payout,
		ReferralBonus:   bd.ReferralBonus,
		StreakBonus:     bd.StreakBonus,
		Total:           bd.Total,
		StreakCount:     bd.StreakCount,
		ReferralApplied: bd.ReferralApplied,
		StakedAmount:    record.StakedAmount,
		ClosedAt:        now,
	}, nil
}

// releaseProof gives a consumed nullifier back when an admitted open is
// rolled back. The verify already burned it; leaving it burned would turn
// a retryable transfer failure into a replay-window lockout.
func (e *Engine) releaseProof(ctx context.Context, proof identity.Proof) {
	rel, ok := e.verifier.Inner.(identity.Releaser)
	if !ok {
		return
	}
	if err := rel.Release(ctx, proof); err != nil {
		e.log.Warn("failed to release proof nullifier",
			zap.String("identity", proof.Fingerprint),
			zap.Error(err))
	}
}

// referralSession resolves the referral target's current session, if any.
func (e *Engine) referralSession(target Address) (open bool, openedAt time.Time) {
	if target == None {
		return false, time.Time{}
	}
	fp, ok := e.callers[target]
	if !ok {
		return false, time.Time{}
	}
	s := e.sessions[fp]
	if s == nil {
		return false, time.Time{}
	}
	return true, s.OpenedAt
}

func (e *Engine) publish(ctx context.Context, subject string, data interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, subject, data); err != nil {
		e.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// SessionPhase answers the lifecycle query for a caller.
func (e *Engine) SessionPhase(caller Address) SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.cfg.Snapshot()
	fp, ok := e.callers[caller]
	if !ok {
		return SessionStatus{Phase: PhaseNone}
	}
	record := e.sessions[fp]
	if record == nil {
		return SessionStatus{Phase: PhaseNone}
	}

	status := SessionStatus{
		Phase:        PhaseMining,
		OpenedAt:     record.OpenedAt,
		ClaimableAt:  record.OpenedAt.Add(p.Cooldown),
		StakedAmount: record.StakedAmount,
	}
	if !e.now().Before(status.ClaimableAt) {
		status.Phase = PhaseClaimable
	}
	return status
}

// EstimateReward returns the payout range for a stake amount.
func (e *Engine) EstimateReward(stake decimal.Decimal) RewardEstimate {
	return EstimateReward(e.cfg.Snapshot(), stake)
}

// ReferralEligible answers the referral query for a caller's open
// session against current state.
func (e *Engine) ReferralEligible(caller Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.cfg.Snapshot()
	fp, ok := e.callers[caller]
	if !ok {
		return false
	}
	record := e.sessions[fp]
	if record == nil {
		return false
	}
	targetOpen, targetOpenedAt := e.referralSession(record.ReferralTarget)
	return ReferralEligible(record.Caller, record.ReferralTarget, record.OpenedAt, p.Cooldown, targetOpen, targetOpenedAt)
}

// RequiredReserveFor is the reserve estimate for a hypothetical total
// active stake.
func (e *Engine) RequiredReserveFor(totalStake decimal.Decimal) decimal.Decimal {
	return RequiredReserve(e.cfg.Snapshot(), totalStake)
}

// Pool returns a snapshot of the aggregate counters.
func (e *Engine) Pool() PoolState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool
}

// Abandoned lists sessions that have been claimable for longer than
// olderThan. They hold their slot in the pool indefinitely, inflating the
// reserve requirement and depressing other participants' levels; there is
// no forced expiry, so operators watch this instead.
func (e *Engine) Abandoned(olderThan time.Duration) []AbandonedSession {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.cfg.Snapshot()
	cutoff := e.now().Add(-(p.Cooldown + olderThan))

	var out []AbandonedSession
	for _, s := range e.sessions {
		if s.OpenedAt.Before(cutoff) {
			out = append(out, AbandonedSession{
				Caller:       s.Caller,
				OpenedAt:     s.OpenedAt,
				StakedAmount: s.StakedAmount,
			})
		}
	}
	return out
}
