package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lodeworks/orepool/pkg/circuit"
)

// OracleClient verifies proofs against an external HTTP personhood oracle.
// Calls run behind a circuit breaker so a down oracle fails fast instead
// of stalling every open.
type OracleClient struct {
	url     string
	client  *http.Client
	breaker *circuit.Breaker
	log     *zap.Logger
}

// OracleConfig holds oracle client configuration.
type OracleConfig struct {
	URL         string
	Timeout     time.Duration
	MaxFailures int
	OpenTimeout time.Duration
}

// NewOracleClient creates an oracle verifier client.
func NewOracleClient(cfg OracleConfig, log *zap.Logger) *OracleClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout == 0 {
		openTimeout = 30 * time.Second
	}

	return &OracleClient{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "identity-oracle",
			MaxFailures: maxFailures,
			Timeout:     openTimeout,
			HalfOpenMax: 3,
			OnStateChange: func(from, to circuit.State) {
				log.Warn("identity oracle breaker state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		log: log,
	}
}

// Verify posts the proof to the oracle. A 2xx response accepts; 4xx maps
// to ErrProofInvalid; anything else is a collaborator failure. Rejections
// do not count against the breaker.
func (o *OracleClient) Verify(ctx context.Context, proof Proof) error {
	var rejected bool

	err := o.breaker.Execute(ctx, func() error {
		payload, err := json.Marshal(proof)
		if err != nil {
			return fmt.Errorf("failed to marshal proof: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/v1/verify", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build oracle request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return fmt.Errorf("oracle request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			rejected = true
			return nil
		default:
			return fmt.Errorf("oracle returned status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return err
	}
	if rejected {
		return ErrProofInvalid
	}
	return nil
}
