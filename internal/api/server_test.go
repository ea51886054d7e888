package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lodeworks/orepool/internal/auth"
	"github.com/lodeworks/orepool/internal/config"
	"github.com/lodeworks/orepool/internal/identity"
	"github.com/lodeworks/orepool/internal/mining"
	"github.com/lodeworks/orepool/internal/treasury"
	"github.com/lodeworks/orepool/pkg/amount"
)

const (
	testScope  = "orepool:open-session:v1"
	testSecret = "test-secret"
	testAdmin  = "orepool-admin"
)

type serverFixture struct {
	server *Server
	store  *config.Store
	auth   *auth.Service
	spend  *treasury.MemoryLedger
	reward *treasury.MemoryLedger
	now    time.Time
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := config.NewStore(config.Defaults())
	require.NoError(t, err)

	f := &serverFixture{
		store:  store,
		auth:   auth.NewService(testSecret, testAdmin),
		spend:  treasury.NewMemoryLedger(),
		reward: treasury.NewMemoryLedger(),
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.reward.Mint("treasury", amount.FromInt(1_000_000))

	engine := mining.NewEngine(mining.EngineOptions{
		Config:          store,
		Verifier:        identity.StaticVerifier{},
		ProofScope:      testScope,
		SpendToken:      f.spend,
		RewardToken:     f.reward,
		PoolAccount:     "pool",
		TreasuryAccount: "treasury",
		Now:             func() time.Time { return f.now },
	})

	f.server = NewServer(Options{
		Engine: engine,
		Config: store,
		Auth:   f.auth,
		Logger: zap.NewNop(),
	})
	return f
}

func (f *serverFixture) request(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) openBody(caller, referral, amt string) map[string]interface{} {
	return map[string]interface{}{
		"caller":   caller,
		"referral": referral,
		"amount":   amt,
		"proof": map[string]interface{}{
			"root":        "root",
			"group_id":    1,
			"signal":      caller,
			"fingerprint": "fp-" + caller,
			"scope":       testScope,
			"points":      []string{"p0"},
		},
	}
}

// openSession opens a funded session and returns the close token.
func (f *serverFixture) openSession(t *testing.T, caller, referral, amt string) string {
	t.Helper()
	stake := amount.MustParse(amt)
	f.spend.Mint(caller, stake)
	f.spend.Approve(caller, stake)

	rec := f.request(t, http.MethodPost, "/api/v1/sessions", f.openBody(caller, referral, amt), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	token, _ := decode(t, rec)["close_token"].(string)
	require.NotEmpty(t, token)
	return token
}

func (f *serverFixture) closeSession(t *testing.T, token string) *httptest.ResponseRecorder {
	t.Helper()
	return f.request(t, http.MethodPost, "/api/v1/sessions/close", nil,
		map[string]string{"Authorization": "Bearer " + token})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.request(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenSessionEndpoint(t *testing.T) {
	t.Run("creates a session", func(t *testing.T) {
		f := newServerFixture(t)
		f.spend.Mint("alice", amount.FromInt(5))
		f.spend.Approve("alice", amount.FromInt(5))

		rec := f.request(t, http.MethodPost, "/api/v1/sessions", f.openBody("alice", "", "5"), nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		body := decode(t, rec)
		assert.Equal(t, "alice", body["caller"])
		assert.Equal(t, "5", body["staked_amount"])
		assert.NotEmpty(t, body["close_token"])
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		f := newServerFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects an unparseable amount", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.request(t, http.MethodPost, "/api/v1/sessions", f.openBody("alice", "", "five"), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps stake bounds to 400", func(t *testing.T) {
		f := newServerFixture(t)
		f.spend.Mint("alice", amount.FromInt(5000))
		f.spend.Approve("alice", amount.FromInt(5000))

		rec := f.request(t, http.MethodPost, "/api/v1/sessions", f.openBody("alice", "", "5000"), nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_stake_amount", decode(t, rec)["error"])
	})

	t.Run("maps self referral to 400", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.request(t, http.MethodPost, "/api/v1/sessions", f.openBody("alice", "alice", "5"), nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "cannot_refer_self", decode(t, rec)["error"])
	})

	t.Run("maps a duplicate session to 409", func(t *testing.T) {
		f := newServerFixture(t)
		f.openSession(t, "alice", "", "5")

		f.spend.Mint("alice", amount.FromInt(5))
		f.spend.Approve("alice", amount.FromInt(5))
		rec := f.request(t, http.MethodPost, "/api/v1/sessions", f.openBody("alice", "", "5"), nil)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "already_mining", decode(t, rec)["error"])
	})

	t.Run("maps an empty treasury to 503", func(t *testing.T) {
		f := newServerFixture(t)
		require.NoError(t, f.reward.Transfer(context.Background(), "treasury", "elsewhere", amount.FromInt(1_000_000)))

		rec := f.request(t, http.MethodPost, "/api/v1/sessions", f.openBody("alice", "", "5"), nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "insufficient_reserve", decode(t, rec)["error"])
	})

	t.Run("maps a proof for another caller to 401", func(t *testing.T) {
		f := newServerFixture(t)
		body := f.openBody("alice", "", "5")
		body["proof"].(map[string]interface{})["signal"] = "bob"

		rec := f.request(t, http.MethodPost, "/api/v1/sessions", body, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "proof_invalid", decode(t, rec)["error"])
	})
}

func TestCloseSessionEndpoint(t *testing.T) {
	t.Run("pays out after the cooldown", func(t *testing.T) {
		f := newServerFixture(t)
		token := f.openSession(t, "alice", "", "1")
		f.now = f.now.Add(25 * time.Hour)

		rec := f.closeSession(t, token)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		body := decode(t, rec)
		assert.Equal(t, "0.1", body["total"])
		assert.Equal(t, float64(0), body["reward_level"])
	})

	t.Run("rejects a close without a token", func(t *testing.T) {
		f := newServerFixture(t)
		f.openSession(t, "alice", "", "1")
		f.now = f.now.Add(25 * time.Hour)

		rec := f.request(t, http.MethodPost, "/api/v1/sessions/close", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects an admin token on close", func(t *testing.T) {
		f := newServerFixture(t)
		f.openSession(t, "alice", "", "1")
		f.now = f.now.Add(25 * time.Hour)

		adminToken, err := f.auth.IssueToken(time.Hour)
		require.NoError(t, err)
		rec := f.closeSession(t, adminToken)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("a token closes only its own session", func(t *testing.T) {
		f := newServerFixture(t)
		f.openSession(t, "alice", "", "1")
		bobToken := f.openSession(t, "bob", "", "1")
		f.now = f.now.Add(25 * time.Hour)

		rec := f.closeSession(t, bobToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "bob", decode(t, rec)["caller"])

		rec = f.request(t, http.MethodGet, "/api/v1/sessions/alice", nil, nil)
		assert.Equal(t, "claimable", decode(t, rec)["phase"])
	})

	t.Run("maps a token for an unknown caller to 404", func(t *testing.T) {
		f := newServerFixture(t)
		token, err := f.auth.IssueCallerToken("nobody", time.Hour)
		require.NoError(t, err)

		rec := f.closeSession(t, token)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "session_not_open", decode(t, rec)["error"])
	})

	t.Run("maps an early close to 409", func(t *testing.T) {
		f := newServerFixture(t)
		token := f.openSession(t, "alice", "", "1")
		f.now = f.now.Add(time.Hour)

		rec := f.closeSession(t, token)
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "cooldown_not_elapsed", decode(t, rec)["error"])
	})
}

func TestSessionPhaseEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.request(t, http.MethodGet, "/api/v1/sessions/alice", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "none", decode(t, rec)["phase"])

	f.openSession(t, "alice", "", "2")
	rec = f.request(t, http.MethodGet, "/api/v1/sessions/alice", nil, nil)
	assert.Equal(t, "mining", decode(t, rec)["phase"])

	f.now = f.now.Add(25 * time.Hour)
	rec = f.request(t, http.MethodGet, "/api/v1/sessions/alice", nil, nil)
	assert.Equal(t, "claimable", decode(t, rec)["phase"])
}

func TestQueryEndpoints(t *testing.T) {
	t.Run("estimate", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.request(t, http.MethodGet, "/api/v1/estimate?amount=10", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode(t, rec)
		assert.Equal(t, "1", body["min"])
		assert.Equal(t, "9.1", body["max"])

		rec = f.request(t, http.MethodGet, "/api/v1/estimate?amount=junk", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("referral", func(t *testing.T) {
		f := newServerFixture(t)
		f.openSession(t, "alice", "bob", "1")

		rec := f.request(t, http.MethodGet, "/api/v1/referral/alice", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, decode(t, rec)["eligible"])

		f.openSession(t, "bob", "", "1")
		rec = f.request(t, http.MethodGet, "/api/v1/referral/alice", nil, nil)
		assert.Equal(t, true, decode(t, rec)["eligible"])
	})

	t.Run("reserve", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.request(t, http.MethodGet, "/api/v1/reserve?total_stake=1", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "0.7371", decode(t, rec)["required_reserve"])

		rec = f.request(t, http.MethodGet, "/api/v1/reserve?total_stake=", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("pool", func(t *testing.T) {
		f := newServerFixture(t)
		f.openSession(t, "alice", "", "3")

		rec := f.request(t, http.MethodGet, "/api/v1/pool", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode(t, rec)
		assert.Equal(t, float64(1), body["active_sessions"])
		assert.Equal(t, "3", body["active_stake"])
	})

	t.Run("abandoned", func(t *testing.T) {
		f := newServerFixture(t)
		f.openSession(t, "alice", "", "1")

		rec := f.request(t, http.MethodGet, "/api/v1/pool/abandoned", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(0), decode(t, rec)["count"])

		f.now = f.now.Add(24*time.Hour + 10*24*time.Hour)
		rec = f.request(t, http.MethodGet, "/api/v1/pool/abandoned?older_than=168h", nil, nil)
		assert.Equal(t, float64(1), decode(t, rec)["count"])

		rec = f.request(t, http.MethodGet, "/api/v1/pool/abandoned?older_than=sometime", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAdminEndpoints(t *testing.T) {
	t.Run("rejects a missing token", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.request(t, http.MethodGet, "/api/v1/admin/params", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects a bad token", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.request(t, http.MethodGet, "/api/v1/admin/params", nil,
			map[string]string{"Authorization": "Bearer bogus"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("returns params for the admin", func(t *testing.T) {
		f := newServerFixture(t)
		token, err := f.auth.IssueToken(time.Hour)
		require.NoError(t, err)

		rec := f.request(t, http.MethodGet, "/api/v1/admin/params", nil,
			map[string]string{"Authorization": fmt.Sprintf("Bearer %s", token)})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(10), decode(t, rec)["level_count"])
	})

	t.Run("updates stake bounds", func(t *testing.T) {
		f := newServerFixture(t)
		token, err := f.auth.IssueToken(time.Hour)
		require.NoError(t, err)
		headers := map[string]string{"Authorization": "Bearer " + token}

		rec := f.request(t, http.MethodPut, "/api/v1/admin/params/stake-bounds",
			map[string]string{"min": "2", "max": "500"}, headers)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		p := f.store.Snapshot()
		assert.True(t, p.StakeMin.Equal(amount.FromInt(2)))
		assert.True(t, p.StakeMax.Equal(amount.FromInt(500)))
	})

	t.Run("rejects an inconsistent update", func(t *testing.T) {
		f := newServerFixture(t)
		token, err := f.auth.IssueToken(time.Hour)
		require.NoError(t, err)
		headers := map[string]string{"Authorization": "Bearer " + token}

		rec := f.request(t, http.MethodPut, "/api/v1/admin/params/stake-bounds",
			map[string]string{"min": "500", "max": "2"}, headers)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		// State unchanged on rejection.
		assert.True(t, f.store.Snapshot().StakeMin.Equal(amount.FromInt(1)))
	})

	t.Run("updates the cooldown", func(t *testing.T) {
		f := newServerFixture(t)
		token, err := f.auth.IssueToken(time.Hour)
		require.NoError(t, err)
		headers := map[string]string{"Authorization": "Bearer " + token}

		rec := f.request(t, http.MethodPut, "/api/v1/admin/params/cooldown",
			map[string]int64{"seconds": 3600}, headers)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, time.Hour, f.store.Snapshot().Cooldown)
	})
}
