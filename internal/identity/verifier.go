package identity

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrProofInvalid means the oracle rejected the proof. Deterministic
	// for a given proof; the caller must obtain a fresh one.
	ErrProofInvalid = errors.New("identity proof rejected")
	// ErrProofReplayed means this fingerprint already consumed a proof
	// within the replay window.
	ErrProofReplayed = errors.New("identity proof already used")
)

// Proof is a zero-knowledge membership proof from the personhood oracle.
// Signal binds the proof to the caller address and Scope to a fixed
// application/action pair, so a proof cannot be replayed for another
// caller or another action.
type Proof struct {
	Root        string   `json:"root"`
	GroupID     uint64   `json:"group_id"`
	Signal      string   `json:"signal"`
	Fingerprint string   `json:"fingerprint"`
	Scope       string   `json:"scope"`
	Points      []string `json:"points"`
}

// Verifier checks identity proofs. Verification failure aborts the whole
// operation with no state change.
type Verifier interface {
	Verify(ctx context.Context, proof Proof) error
}

// Releaser is implemented by verifiers that consume per-proof state on
// Verify and can give it back. Callers invoke Release when the operation
// the proof admitted is rolled back, so the abort leaves no external
// state behind.
type Releaser interface {
	Release(ctx context.Context, proof Proof) error
}

// BindingVerifier wraps a Verifier with the local binding checks that do
// not need the oracle: signal must match the expected caller and scope the
// deployment's action scope.
type BindingVerifier struct {
	Inner Verifier
	Scope string
}

// VerifyBound checks the signal/scope binding, then delegates.
func (b BindingVerifier) VerifyBound(ctx context.Context, proof Proof, expectedSignal string) error {
	if proof.Signal != expectedSignal {
		return fmt.Errorf("%w: signal does not bind caller", ErrProofInvalid)
	}
	if proof.Scope != b.Scope {
		return fmt.Errorf("%w: wrong proof scope", ErrProofInvalid)
	}
	if proof.Fingerprint == "" {
		return fmt.Errorf("%w: empty fingerprint", ErrProofInvalid)
	}
	return b.Inner.Verify(ctx, proof)
}
