package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lodeworks/orepool/internal/api"
	"github.com/lodeworks/orepool/internal/auth"
	"github.com/lodeworks/orepool/internal/config"
	"github.com/lodeworks/orepool/internal/identity"
	"github.com/lodeworks/orepool/internal/mining"
	"github.com/lodeworks/orepool/internal/treasury"
	"github.com/lodeworks/orepool/pkg/messaging"
	"github.com/lodeworks/orepool/pkg/metrics"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	v := viper.New()
	v.SetEnvPrefix("OREPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigName("orepool")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orepool")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Fatal("failed to read config file", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, v, log); err != nil {
		log.Fatal("service exited", zap.Error(err))
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("nats.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("influx.url", "")
	v.SetDefault("oracle.url", "")
	v.SetDefault("proof.scope", "orepool:open-session:v1")
	v.SetDefault("accounts.pool", "orepool:pool")
	v.SetDefault("accounts.treasury", "orepool:treasury")
	v.SetDefault("admin.subject", "orepool-admin")
}

func run(ctx context.Context, v *viper.Viper, log *zap.Logger) error {
	params := config.Defaults()
	store, err := config.NewStore(params)
	if err != nil {
		return err
	}

	var events *messaging.Client
	if url := v.GetString("nats.url"); url != "" {
		events, err = messaging.NewClient(url, messaging.ClientOptions{
			Name:          "orepool",
			ReconnectWait: time.Second,
			MaxReconnects: 10,
		})
		if err != nil {
			return err
		}
		defer events.Close()
	} else {
		log.Warn("no NATS URL configured, events disabled")
	}

	var cache *redis.Client
	if addr := v.GetString("redis.addr"); addr != "" {
		cache = redis.NewClient(&redis.Options{Addr: addr})
		defer cache.Close()
	}

	var rec *metrics.Recorder
	if url := v.GetString("influx.url"); url != "" {
		rec = metrics.NewRecorder(url,
			v.GetString("influx.token"),
			v.GetString("influx.org"),
			v.GetString("influx.bucket"))
		defer rec.Close()
	}

	spendToken, rewardToken, err := buildLedgers(ctx, v, log)
	if err != nil {
		return err
	}

	var verifier identity.Verifier
	if url := v.GetString("oracle.url"); url != "" {
		verifier = identity.NewOracleClient(identity.OracleConfig{URL: url}, log)
	} else {
		log.Warn("no oracle URL configured, using static verifier")
		verifier = identity.StaticVerifier{}
	}
	if cache != nil {
		verifier = identity.NewReplayGuard(verifier, cache, store.Snapshot().Cooldown)
	}

	engine := mining.NewEngine(mining.EngineOptions{
		Config:          store,
		Verifier:        verifier,
		ProofScope:      v.GetString("proof.scope"),
		SpendToken:      spendToken,
		RewardToken:     rewardToken,
		PoolAccount:     v.GetString("accounts.pool"),
		TreasuryAccount: v.GetString("accounts.treasury"),
		Events:          events,
		Metrics:         rec,
		Logger:          log,
	})

	adminAuth := auth.NewService(v.GetString("admin.jwt_secret"), v.GetString("admin.subject"))

	server := api.NewServer(api.Options{
		Engine: engine,
		Config: store,
		Auth:   adminAuth,
		Events: events,
		Cache:  cache,
		Logger: log,
	})
	if err := server.Start(); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    v.GetString("http.addr"),
		Handler: server.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildLedgers wires the spend and reward token ledgers: Postgres when a
// DSN is configured, in-memory otherwise (development only).
func buildLedgers(ctx context.Context, v *viper.Viper, log *zap.Logger) (treasury.TokenLedger, treasury.TokenLedger, error) {
	dsn := v.GetString("postgres.dsn")
	if dsn == "" {
		log.Warn("no Postgres DSN configured, using in-memory ledgers")
		return treasury.NewMemoryLedger(), treasury.NewMemoryLedger(), nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := treasury.Migrate(ctx, db); err != nil {
		return nil, nil, err
	}

	operator := v.GetString("accounts.pool")
	spend := treasury.NewPostgresLedger(db, "SPEND", operator)
	reward := treasury.NewPostgresLedger(db, "ORE", operator)
	return spend, reward, nil
}
