// Command server runs the relay: it opens the store, restores connection
// sessions for known accounts, starts the dispatch and reconciliation
// machinery, and serves the HTTP API and websocket event stream.
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
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/relaydesk/go-relay-backend/internal/config"
	"github.com/relaydesk/go-relay-backend/internal/dedup"
	"github.com/relaydesk/go-relay-backend/internal/dispatch"
	"github.com/relaydesk/go-relay-backend/internal/fanout"
	"github.com/relaydesk/go-relay-backend/internal/governor"
	httpapi "github.com/relaydesk/go-relay-backend/internal/http"
	"github.com/relaydesk/go-relay-backend/internal/inbound"
	"github.com/relaydesk/go-relay-backend/internal/observability"
	"github.com/relaydesk/go-relay-backend/internal/repo"
	"github.com/relaydesk/go-relay-backend/internal/session"
	"github.com/relaydesk/go-relay-backend/internal/sysutil"
	"github.com/relaydesk/go-relay-backend/internal/transport"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		if err := shutdownOTel(context.Background()); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}

	hub := fanout.NewHub(log.With().Str("component", "fanout").Logger())

	gov := governor.New(governor.Config{
		Window:            cfg.Governor.Window,
		WindowCap:         cfg.Governor.WindowCap,
		MinTargetSpacing:  cfg.Governor.MinTargetSpacing,
		BatchSize:         cfg.Governor.BatchSize,
		BatchCooldown:     cfg.Governor.BatchCooldown,
		WarmupDays:        cfg.Governor.WarmupDays,
		DailyTiers:        cfg.Governor.DailyTiers,
		MaxTrackedTargets: cfg.Governor.MaxTrackedTargets,
	})

	sessions := session.NewManager(db, hub, cfg.ReconnectBackoff,
		log.With().Str("component", "session").Logger())
	// The loopback transport keeps the relay fully operable without channel
	// credentials; real channel transports register alongside it.
	sessions.RegisterTransport("loopback", &transport.Loopback{})

	dispatcher := dispatch.New(db, gov, sessions, hub, cfg.PendingReconcileAfter,
		log.With().Str("component", "dispatch").Logger())

	dd := dedup.New(cfg.DedupCacheSize, func(ctx context.Context, accountID, channelMessageID string) (bool, error) {
		return repo.MessageExists(ctx, db, accountID, channelMessageID)
	})
	router := inbound.New(db, dd, hub, log.With().Str("component", "inbound").Logger())

	sessions.Bind(router, dispatcher)

	reconnectAccounts(ctx, db, sessions)

	// Periodic sweep for pending messages whose ack or worker was lost.
	sched := cron.New()
	if _, err := sched.AddFunc("@every "+cfg.ReconcileEvery.String(), func() {
		dispatcher.Reconcile(context.Background())
	}); err != nil {
		log.Fatal().Err(err).Msg("schedule reconcile failed")
	}
	sched.Start()

	engine := gin.New()
	httpapi.RegisterRoutes(engine, httpapi.Deps{
		DB:         db,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Governor:   gov,
		Hub:        hub,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	sched.Stop()
	dispatcher.Shutdown()
	// Sessions close without persisting terminated: accounts reconnect on the
	// next start.
	sessions.Shutdown()

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("bye")
}

// reconnectAccounts restores sessions for accounts that were live before the
// last shutdown. Failures are logged and skipped; one broken account must not
// block the rest.
func reconnectAccounts(ctx context.Context, db *gorm.DB, sessions *session.Manager) {
	accounts, err := repo.ListResumableAccounts(ctx, db)
	if err != nil {
		log.Error().Err(err).Msg("list resumable accounts failed")
		return
	}
	for i := range accounts {
		acc := accounts[i]
		go func() {
			if err := sessions.Start(context.Background(), &acc); err != nil {
				log.Warn().Err(err).
					Str("account_id", acc.ID).
					Str("channel", acc.Channel).
					Msg("session resume failed")
			}
		}()
	}
	if len(accounts) > 0 {
		log.Info().Int("count", len(accounts)).Msg("resuming account sessions")
	}
}
