package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lodeworks/orepool/pkg/circuit"
)

func newOracleServer(t *testing.T, status int, capture *Proof) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/verify", r.URL.Path)
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOracleClientVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts on 2xx and sends the proof body", func(t *testing.T) {
		var got Proof
		srv := newOracleServer(t, http.StatusOK, &got)
		client := NewOracleClient(OracleConfig{URL: srv.URL}, zap.NewNop())

		require.NoError(t, client.Verify(ctx, validProof()))
		assert.Equal(t, validProof(), got)
	})

	t.Run("maps 4xx to a proof rejection", func(t *testing.T) {
		srv := newOracleServer(t, http.StatusUnprocessableEntity, nil)
		client := NewOracleClient(OracleConfig{URL: srv.URL}, zap.NewNop())

		assert.ErrorIs(t, client.Verify(ctx, validProof()), ErrProofInvalid)
	})

	t.Run("5xx is a collaborator failure, not a rejection", func(t *testing.T) {
		srv := newOracleServer(t, http.StatusBadGateway, nil)
		client := NewOracleClient(OracleConfig{URL: srv.URL}, zap.NewNop())

		err := client.Verify(ctx, validProof())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrProofInvalid)
	})

	t.Run("repeated failures trip the breaker", func(t *testing.T) {
		srv := newOracleServer(t, http.StatusInternalServerError, nil)
		client := NewOracleClient(OracleConfig{URL: srv.URL, MaxFailures: 2}, zap.NewNop())

		require.Error(t, client.Verify(ctx, validProof()))
		require.Error(t, client.Verify(ctx, validProof()))

		err := client.Verify(ctx, validProof())
		assert.ErrorIs(t, err, circuit.ErrCircuitOpen)
	})

	t.Run("rejections do not trip the breaker", func(t *testing.T) {
		srv := newOracleServer(t, http.StatusForbidden, nil)
		client := NewOracleClient(OracleConfig{URL: srv.URL, MaxFailures: 2}, zap.NewNop())

		for i := 0; i < 5; i++ {
			assert.ErrorIs(t, client.Verify(ctx, validProof()), ErrProofInvalid)
		}
	})
}
