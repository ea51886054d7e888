package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard wraps a Verifier with a Redis seen-nullifier set. A
// fingerprint that verified a proof within the window cannot verify
// another, which is what limits one session per person per cooldown even
// across open/close cycles.
type ReplayGuard struct {
	inner  Verifier
	rdb    *redis.Client
	window time.Duration
	prefix string
}

// NewReplayGuard creates a replay guard over inner.
func NewReplayGuard(inner Verifier, rdb *redis.Client, window time.Duration) *ReplayGuard {
	return &ReplayGuard{
		inner:  inner,
		rdb:    rdb,
		window: window,
		prefix: "orepool:nullifier:",
	}
}

// Verify delegates, then burns the nullifier. The SETNX happens after the
// inner verify so an invalid proof does not consume the fingerprint.
func (g *ReplayGuard) Verify(ctx context.Context, proof Proof) error {
	if err := g.inner.Verify(ctx, proof); err != nil {
		return err
	}

	set, err := g.rdb.SetNX(ctx, g.key(proof), time.Now().Unix(), g.window).Result()
	if err != nil {
		return fmt.Errorf("replay guard unavailable: %w", err)
	}
	if !set {
		return ErrProofReplayed
	}
	return nil
}

// Release frees a burned nullifier. The engine calls it when an open the
// proof admitted is rolled back; without it a transient transfer failure
// would lock the fingerprint out for the whole window.
func (g *ReplayGuard) Release(ctx context.Context, proof Proof) error {
	if err := g.rdb.Del(ctx, g.key(proof)).Err(); err != nil {
		return fmt.Errorf("failed to release nullifier: %w", err)
	}
	return nil
}

func (g *ReplayGuard) key(proof Proof) string {
	return g.prefix + proof.Scope + ":" + proof.Fingerprint
}

// StaticVerifier accepts every structurally complete proof. Development
// and test wiring only.
type StaticVerifier struct {
	// Reject lists fingerprints to refuse, simulating oracle rejection.
	Reject map[string]bool
}

// Verify implements Verifier.
func (s StaticVerifier) Verify(ctx context.Context, proof Proof) error {
	if s.Reject[proof.Fingerprint] {
		return ErrProofInvalid
	}
	if len(proof.Points) == 0 {
		return fmt.Errorf("%w: missing proof points", ErrProofInvalid)
	}
	return nil
}
