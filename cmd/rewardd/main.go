package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/admin"
	"github.com/celerix-dev/celerix-rewards/internal/audit"
	"github.com/celerix-dev/celerix-rewards/internal/config"
	"github.com/celerix-dev/celerix-rewards/internal/handler"
	"github.com/celerix-dev/celerix-rewards/internal/identity"
	"github.com/celerix-dev/celerix-rewards/internal/ledger"
	"github.com/celerix-dev/celerix-rewards/internal/logging"
	"github.com/celerix-dev/celerix-rewards/internal/membership"
	"github.com/celerix-dev/celerix-rewards/internal/quota"
	"github.com/celerix-dev/celerix-rewards/internal/rewards"
	"github.com/celerix-dev/celerix-rewards/internal/token"
	"github.com/celerix-dev/celerix-rewards/internal/vault"
	"github.com/celerix-dev/celerix-rewards/internal/withdrawal"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logging.Must(cfg.Log.Production)
	defer log.Sync()

	if cfg.Telegram.BotToken == "" {
		log.Fatal("telegram.bot_token is required to verify init data")
	}
	if cfg.Admin.ID == "" {
		log.Warn("admin.id is empty, admin operations are disabled")
	}

	store, err := sdk.New(sdk.Config{
		Addr:       cfg.Store.Addr,
		DataDir:    cfg.Store.DataDir,
		Timeout:    cfg.Store.Timeout,
		DisableTLS: cfg.Store.DisableTLS,
	}, log.Named("store"))
	if err != nil {
		log.Fatal("failed to open ledger store", zap.Error(err))
	}

	l := ledger.New(store, ledger.Options{
		Quotas: map[string]quota.Policy{
			quota.KindAd:   {Cap: cfg.Quota.AdsCap, Period: cfg.Quota.Window},
			quota.KindSpin: {Cap: cfg.Quota.SpinCap, Period: cfg.Quota.Window},
		},
		Pacing: cfg.Rewards.Pacing,
	}, log.Named("ledger"))

	tokens := token.NewAuthority(store, cfg.Rewards.TokenTTL, log.Named("tokens"))

	sealer, err := vault.NewSealer(cfg.Withdrawal.VaultKey)
	if err != nil {
		log.Fatal("invalid withdrawal.vault_key", zap.Error(err))
	}

	var journal audit.Journal = audit.NewStoreJournal(store)
	if cfg.Audit.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		pg, err := audit.OpenPostgres(ctx, cfg.Audit.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatal("failed to open audit database", zap.Error(err))
		}
		defer pg.Close()
		journal = pg
		log.Info("audit journal in postgres")
	}
	rec := audit.NewRecorder(journal, log.Named("audit"))

	policy := admin.SingleAdmin{ID: cfg.Admin.ID}
	withdrawals := withdrawal.New(store, l, policy, sealer, rec,
		withdrawal.Options{Minimum: cfg.Withdrawal.Minimum}, log.Named("withdrawals"))

	oracle, err := membership.NewTelegram(cfg.Telegram.BotToken, log.Named("membership"))
	if err != nil {
		log.Fatal("failed to create telegram client", zap.Error(err))
	}

	sectors := make([]rewards.Sector, len(cfg.Rewards.SpinPrizes))
	for i, p := range cfg.Rewards.SpinPrizes {
		sectors[i] = rewards.Sector{Prize: p, Weight: cfg.Rewards.SpinWeights[i]}
	}

	svc := rewards.New(rewards.Deps{
		Store:       store,
		Ledger:      l,
		Tokens:      tokens,
		Withdrawals: withdrawals,
		Policy:      policy,
		Oracle:      oracle,
		Audit:       rec,
		Logger:      log.Named("rewards"),
	}, rewards.Config{
		AdReward:       cfg.Rewards.Ad,
		TaskReward:     cfg.Rewards.Task,
		CommissionRate: cfg.Rewards.CommissionRate,
		Epsilon:        cfg.Rewards.Epsilon,
		Sectors:        sectors,
		TaskChannel:    cfg.Telegram.Channel,
	})

	if cfg.Service.JWTSecret == "" {
		log.Warn("service.jwt_secret is empty, request-commission is unauthenticated")
	}
	verifier := identity.NewVerifier(cfg.Telegram.BotToken, cfg.Telegram.InitTTL)
	h := handler.New(svc, verifier, cfg.Service.JWTSecret, log.Named("api"))
	h.StrictAdmin = cfg.Admin.RequireInitData

	if cfg.Log.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler.NewRouter(h, cfg.Server.AllowedOrigins, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("reward API listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}

	switch s := store.(type) {
	case sdk.Embedded:
		s.Wait()
	case *sdk.Client:
		_ = s.Close()
	}
	log.Info("bye")
}
