package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/go-multierror"
	"github.com/npezzotti/classroom-relay/internal/activity"
	"github.com/npezzotti/classroom-relay/internal/api"
	"github.com/npezzotti/classroom-relay/internal/auth"
	"github.com/npezzotti/classroom-relay/internal/config"
	"github.com/npezzotti/classroom-relay/internal/database"
	"github.com/npezzotti/classroom-relay/internal/directory"
	"github.com/npezzotti/classroom-relay/internal/notify"
	"github.com/npezzotti/classroom-relay/internal/server"
	"github.com/npezzotti/classroom-relay/internal/stats"
	"github.com/npezzotti/classroom-relay/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogJSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Str("service", "classroom-relay").Logger()
}

func newStore(ctx context.Context, cfg *config.Config) (store.StoreBus, error) {
	if cfg.RedisAddr == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewRedisStore(ctx, &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func main() {
	fs := pflag.NewFlagSet("classroom-relay", pflag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}

	logger := newLogger(cfg)

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := newStore(startCtx, cfg)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("store open")
	}

	dbConn, err := database.NewPgRelayRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	dir := directory.New(dbConn, cfg.DirectoryCacheTTL, logger)

	hub, err := server.NewHub(logger, st, dir, dbConn, statsUpdater, server.Options{
		NodeId:          cfg.NodeId,
		PresenceTTL:     cfg.PresenceTTL,
		PresenceRefresh: cfg.PresenceRefresh,
		ReconnectGrace:  cfg.ReconnectGrace,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("new hub")
	}
	hub.UseActivityRelay(activity.New(dbConn, st, dir, hub, cfg.PositionTTL, logger))

	tokens := auth.NewJWTVerifier(cfg.SigningKey, dbConn)
	gate := auth.NewGate(tokens, auth.NewGuestVerifier(dbConn), logger)
	dispatcher := notify.NewDispatcher(dbConn, hub, logger)

	srv := api.NewRelayApp(mux, logger, hub, gate, tokens, dispatcher, dbConn, cfg)

	statsUpdater.Run()
	go hub.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info().Str("addr", cfg.ServerAddr).Str("node_id", hub.NodeId()).Msg("relay started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx, logger, srv, hub, statsUpdater, st, dbConn); err != nil {
		logger.Fatal().Err(err).Msg("shutdown")
	}

	logger.Info().Msg("shutdown complete")
}

type closer interface {
	Close() error
}

// shutdown stops accepting connections first, then drains the hub and
// releases the store and database. Every step runs even if an earlier one
// failed.
func shutdown(ctx context.Context, logger zerolog.Logger, srv *api.RelayApp, hub *server.Hub,
	su *stats.StatsUpdater, st closer, db closer) error {
	var result *multierror.Error

	logger.Info().Msg("shutting down http server...")
	if err := srv.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	logger.Info().Msg("shutting down hub...")
	if err := hub.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
		// clients still holding the updater may send on its channels
		logger.Warn().Err(err).Msg("hub did not drain, leaving stats updater running")
	} else {
		su.Stop()
	}

	if err := st.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := db.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
