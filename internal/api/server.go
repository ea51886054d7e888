package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lodeworks/orepool/internal/auth"
	"github.com/lodeworks/orepool/internal/config"
	"github.com/lodeworks/orepool/internal/identity"
	"github.com/lodeworks/orepool/internal/mining"
	"github.com/lodeworks/orepool/pkg/amount"
	"github.com/lodeworks/orepool/pkg/messaging"
)

const phaseCacheTTL = 5 * time.Second

// Server is the HTTP surface: the two session operations, the read-only
// queries, the admin parameter setters and a websocket event stream.
type Server struct {
	router *gin.Engine
	engine *mining.Engine
	cfg    *config.Store
	auth   *auth.Service
	events *messaging.Client
	cache  *redis.Client
	log    *zap.Logger

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient
}

// Options wires the server.
type Options struct {
	Engine *mining.Engine
	Config *config.Store
	Auth   *auth.Service
	Events *messaging.Client
	Cache  *redis.Client
	Logger *zap.Logger
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	s := &Server{
		router:    gin.New(),
		engine:    opts.Engine,
		cfg:       opts.Config,
		auth:      opts.Auth,
		events:    opts.Events,
		cache:     opts.Cache,
		log:       opts.Logger,
		wsClients: make(map[uuid.UUID]*wsClient),
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/sessions", s.openSession)
		v1.POST("/sessions/close", s.closeSession)
		v1.GET("/sessions/:caller", s.sessionPhase)

		v1.GET("/estimate", s.estimateReward)
		v1.GET("/referral/:caller", s.referralEligible)
		v1.GET("/reserve", s.requiredReserve)
		v1.GET("/pool", s.poolState)
		v1.GET("/pool/abandoned", s.abandonedSessions)

		v1.GET("/ws", s.handleWebSocket)

		admin := v1.Group("/admin", s.adminMiddleware())
		{
			admin.GET("/params", s.getParams)
			admin.PUT("/params/stake-bounds", s.setStakeBounds)
			admin.PUT("/params/reward-curve", s.setRewardCurve)
			admin.PUT("/params/referral-bonus", s.setReferralBonus)
			admin.PUT("/params/cooldown", s.setCooldown)
			admin.PUT("/params/streak", s.setStreak)
			admin.PUT("/params/safety-margin", s.setSafetyMargin)
			admin.PUT("/params/referral-load", s.setReferralLoad)
		}
	}
}

// Handler exposes the router for the HTTP server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start subscribes the websocket relay to session events. Call once after
// construction when an event bus is wired.
func (s *Server) Start() error {
	if s.events == nil {
		return nil
	}
	for _, subject := range []string{messaging.EventTypeSessionOpened, messaging.EventTypeSessionFinished} {
		subj := subject
		if err := s.events.Subscribe(subj, func(msg *nats.Msg) {
			s.broadcast(subj, msg.Data)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Operations

type openSessionRequest struct {
	Caller   string         `json:"caller" binding:"required"`
	Referral string         `json:"referral"`
	Amount   string         `json:"amount" binding:"required"`
	Proof    identity.Proof `json:"proof" binding:"required"`
}

// openSessionResponse carries the open result plus the caller-bound token
// that authorizes the matching close.
type openSessionResponse struct {
	*mining.OpenResult
	CloseToken string `json:"close_token"`
}

func (s *Server) openSession(c *gin.Context) {
	var req openSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	stake, err := amount.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Issued before the open so a signing failure cannot leave an open
	// session whose close token was never delivered. No expiry: sessions
	// have no deadline.
	closeToken, err := s.auth.IssueCallerToken(req.Caller, 0)
	if err != nil {
		s.log.Error("failed to issue close token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	result, err := s.engine.OpenSession(c.Request.Context(),
		mining.Address(req.Caller), mining.Address(req.Referral), stake, req.Proof)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}

	s.invalidatePhase(c.Request.Context(), req.Caller)
	c.JSON(http.StatusCreated, openSessionResponse{OpenResult: result, CloseToken: closeToken})
}

// closeSession resolves the caller from the bearer token issued at open,
// so only the session holder can pick the moment their session closes.
func (s *Server) closeSession(c *gin.Context) {
	caller, ok := s.callerFromBearer(c)
	if !ok {
		return
	}

	result, err := s.engine.CloseSession(c.Request.Context(), mining.Address(caller))
	if err != nil {
		s.writeEngineError(c, err)
		return
	}

	s.invalidatePhase(c.Request.Context(), caller)
	c.JSON(http.StatusOK, result)
}

func (s *Server) callerFromBearer(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
		return "", false
	}

	caller, err := s.auth.ValidateCaller(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return "", false
	}
	return caller, true
}

// Queries

func (s *Server) sessionPhase(c *gin.Context) {
	caller := c.Param("caller")

	if cached, ok := s.cachedPhase(c.Request.Context(), caller); ok {
		c.Data(http.StatusOK, "application/json", cached)
		return
	}

	status := s.engine.SessionPhase(mining.Address(caller))
	c.JSON(http.StatusOK, status)
	s.storePhase(c.Request.Context(), caller, status)
}

func (s *Server) estimateReward(c *gin.Context) {
	stake, err := amount.Parse(c.Query("amount"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.engine.EstimateReward(stake))
}

func (s *Server) referralEligible(c *gin.Context) {
	eligible := s.engine.ReferralEligible(mining.Address(c.Param("caller")))
	c.JSON(http.StatusOK, gin.H{"eligible": eligible})
}

func (s *Server) requiredReserve(c *gin.Context) {
	total, err := amount.Parse(c.Query("total_stake"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"required_reserve": s.engine.RequiredReserveFor(total)})
}

func (s *Server) poolState(c *gin.Context) {
	pool := s.engine.Pool()
	c.JSON(http.StatusOK, gin.H{
		"active_sessions": pool.ActiveSessions,
		"active_stake":    pool.ActiveStake,
	})
}

func (s *Server) abandonedSessions(c *gin.Context) {
	olderThan := 7 * 24 * time.Hour
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than duration"})
			return
		}
		olderThan = d
	}
	sessions := s.engine.Abandoned(olderThan)
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// Error mapping: caller-input errors are 4xx and deterministic, capacity
// errors are 503 so integrators can tell "retry later" from "fix your
// input", collaborator failures surface as 502.
func (s *Server) writeEngineError(c *gin.Context, err error) {
	var stakeErr *mining.InvalidStakeAmountError
	switch {
	case errors.As(err, &stakeErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid_stake_amount",
			"amount": stakeErr.Amount,
			"min":    stakeErr.Min,
			"max":    stakeErr.Max,
		})
	case errors.Is(err, mining.ErrCannotReferSelf):
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot_refer_self"})
	case errors.Is(err, mining.ErrAlreadyMining):
		c.JSON(http.StatusConflict, gin.H{"error": "already_mining"})
	case errors.Is(err, mining.ErrSessionNotOpen):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_open"})
	case errors.Is(err, mining.ErrCooldownNotElapsed):
		c.JSON(http.StatusConflict, gin.H{"error": "cooldown_not_elapsed", "detail": err.Error()})
	case errors.Is(err, mining.ErrInsufficientReserve):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "insufficient_reserve"})
	case errors.Is(err, identity.ErrProofInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "proof_invalid"})
	case errors.Is(err, identity.ErrProofReplayed):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "proof_replayed"})
	default:
		s.log.Error("operation failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "operation_failed"})
	}
}

// Phase cache

func (s *Server) cachedPhase(ctx context.Context, caller string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, err := s.cache.Get(ctx, phaseCacheKey(caller)).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (s *Server) storePhase(ctx context.Context, caller string, status mining.SessionStatus) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	s.cache.Set(ctx, phaseCacheKey(caller), payload, phaseCacheTTL)
}

func (s *Server) invalidatePhase(ctx context.Context, caller string) {
	if s.cache == nil {
		return
	}
	s.cache.Del(ctx, phaseCacheKey(caller))
}

func phaseCacheKey(caller string) string {
	return "orepool:phase:" + caller
}

// Admin

func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		admin, err := s.auth.ValidateAdmin(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("admin", admin)
		c.Next()
	}
}

func (s *Server) getParams(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Snapshot())
}

func (s *Server) applyParamChange(c *gin.Context, field string, apply func() error) {
	if err := apply(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.events != nil {
		event := messaging.ConfigUpdatedEvent{
			EventID:   uuid.New(),
			Field:     field,
			Admin:     c.GetString("admin"),
			UpdatedAt: time.Now(),
		}
		if err := s.events.Publish(c.Request.Context(), messaging.EventTypeConfigUpdated, event); err != nil {
			s.log.Warn("failed to publish config event", zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, s.cfg.Snapshot())
}

func (s *Server) setStakeBounds(c *gin.Context) {
	var req struct {
		Min string `json:"min" binding:"required"`
		Max string `json:"max" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	min, err := amount.Parse(req.Min)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	max, err := amount.Parse(req.Max)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.applyParamChange(c, "stake_bounds", func() error { return s.cfg.SetStakeBounds(min, max) })
}

func (s *Server) setRewardCurve(c *gin.Context) {
	var req struct {
		MinReward     string `json:"min_reward" binding:"required"`
		PerLevelBonus string `json:"per_level_bonus" binding:"required"`
		LevelCount    int    `json:"level_count" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	minReward, err := amount.Parse(req.MinReward)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	perLevel, err := amount.Parse(req.PerLevelBonus)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.applyParamChange(c, "reward_curve", func() error {
		return s.cfg.SetRewardCurve(minReward, perLevel, req.LevelCount)
	})
}

func (s *Server) setReferralBonus(c *gin.Context) {
	var req struct {
		Bps int64 `json:"bps"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	s.applyParamChange(c, "referral_bonus_bps", func() error { return s.cfg.SetReferralBonusBps(req.Bps) })
}

func (s *Server) setCooldown(c *gin.Context) {
	var req struct {
		Seconds int64 `json:"seconds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	s.applyParamChange(c, "cooldown", func() error {
		return s.cfg.SetCooldown(time.Duration(req.Seconds) * time.Second)
	})
}

func (s *Server) setStreak(c *gin.Context) {
	var req struct {
		WindowSeconds int64  `json:"window_seconds" binding:"required"`
		Bonus         string `json:"bonus" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	bonus, err := amount.Parse(req.Bonus)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.applyParamChange(c, "streak", func() error {
		return s.cfg.SetStreak(time.Duration(req.WindowSeconds)*time.Second, bonus)
	})
}

func (s *Server) setSafetyMargin(c *gin.Context) {
	var req struct {
		Bps int64 `json:"bps" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	s.applyParamChange(c, "safety_margin_bps", func() error { return s.cfg.SetSafetyMarginBps(req.Bps) })
}

func (s *Server) setReferralLoad(c *gin.Context) {
	var req struct {
		Bps int64 `json:"bps"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	s.applyParamChange(c, "referral_load_bps", func() error { return s.cfg.SetReferralLoadBps(req.Bps) })
}
