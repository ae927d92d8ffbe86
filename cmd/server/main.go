// Command server runs the codex gateway: a manually-wired process, per the
// design note that this module carries no dependency-injection container.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aicodex-proxy/gateway/internal/config"
	"github.com/aicodex-proxy/gateway/internal/crypto"
	"github.com/aicodex-proxy/gateway/internal/dashboard"
	"github.com/aicodex-proxy/gateway/internal/handler"
	"github.com/aicodex-proxy/gateway/internal/logger"
	"github.com/aicodex-proxy/gateway/internal/pkg/openai"
	"github.com/aicodex-proxy/gateway/internal/repository"
	"github.com/aicodex-proxy/gateway/internal/server/middleware"
	"github.com/aicodex-proxy/gateway/internal/server/routes"
	"github.com/aicodex-proxy/gateway/internal/service"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	zapLogger, err := logger.Init(false, "info")
	if err != nil {
		return err
	}
	defer zapLogger.Sync()

	ctx := context.Background()

	db, err := repository.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repository.ApplyMigrations(ctx, db); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	accountStore := repository.NewAccountStore(db)
	allowlistStore := repository.NewAllowlistStore(db)
	stickyStore := repository.NewStickyStore(redisClient, 30*time.Minute)

	encryptor, err := crypto.NewTokenEncryptor(cfg.DatabaseEncryptionKey)
	if err != nil {
		return err
	}

	refreshTimeout := time.Duration(cfg.TokenRefreshTimeoutSeconds) * time.Second
	tokenRefresher := service.NewTokenRefresher(accountStore, encryptor, "", cfg.OAuthClientID, refreshTimeout, zapLogger)
	authManager := service.NewAuthManager(accountStore, tokenRefresher)

	accountant := service.NewRateLimitAccountant(accountStore)
	balancer := service.NewBalancer(accountStore, stickyStore)
	translator := service.NewTranslator()
	upstreamClient := service.NewUpstreamClient(openai.ResponsesBaseURL)
	usageWorkers := service.NewUsageWorkerPool(accountant, 0, zapLogger)

	orchestrator := service.NewOrchestrator(
		translator, balancer, authManager, accountant, usageWorkers,
		upstreamClient, encryptor, accountStore,
		cfg.Gateway.MaxAccountSwitches, zapLogger,
	)

	if err := tokenRefresher.StartSweep(ctx, accountStore.ListActive, everyNDays(cfg.TokenRefreshIntervalDays), func(ctx context.Context, id, reason string) error {
		return accountStore.UpdateStatus(ctx, id, "DEACTIVATED", reason)
	}); err != nil {
		return err
	}
	defer tokenRefresher.StopSweep()

	gwHandler := handler.NewGatewayHandler(translator, orchestrator, accountStore, accountant, zapLogger)

	firewall := middleware.Firewall(middleware.FirewallConfig{
		TrustProxyHeaders: cfg.Firewall.TrustProxyHeaders,
		TrustedProxyCIDRs: parseCIDRs(cfg.Firewall.TrustedProxyCIDRs),
		Allowlist: func() []string {
			entries, err := allowlistStore.List(ctx)
			if err != nil {
				zapLogger.Warn("failed to load IP allowlist", zap.Error(err))
				return nil
			}
			patterns := make([]string, 0, len(entries))
			for _, e := range entries {
				patterns = append(patterns, e.IPAddress)
			}
			return patterns
		},
	})

	totpGate := dashboard.NewTOTPGate(cfg.Dashboard.TOTPSecret, cfg.Dashboard.TOTPIssuer, cfg.Dashboard.TOTPCodeCacheTTL, cfg.Dashboard.SessionTTL)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	routes.Register(engine, gwHandler, firewall, totpGate)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: engine}

	go func() {
		var err error
		if cfg.TLS.CertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			zapLogger.Error("server exited", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	usageWorkers.StopAndWait()
	return srv.Shutdown(shutdownCtx)
}

// everyNDays builds a robfig/cron "@every" spec from
// token_refresh_interval_days, since the standard 5-field cron syntax
// can't express a multi-day period directly.
func everyNDays(days int) string {
	if days <= 0 {
		days = 8
	}
	return "@every " + (time.Duration(days) * 24 * time.Hour).String()
}

func parseCIDRs(raw []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(raw))
	for _, r := range raw {
		_, n, err := net.ParseCIDR(r)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
