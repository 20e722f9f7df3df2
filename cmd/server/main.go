package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Call/internal/adapters/httpapi"
	"github.com/dkeye/Call/internal/adapters/signal/hub"
	"github.com/dkeye/Call/internal/adapters/store/gormstore"
	memstore "github.com/dkeye/Call/internal/adapters/store/memory"
	"github.com/dkeye/Call/internal/app"
	"github.com/dkeye/Call/internal/config"
	"github.com/dkeye/Call/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	var store core.Store
	if cfg.DSN != "" {
		store, err = gormstore.Open(cfg.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
	} else {
		log.Warn().Msg("no dsn configured, using in-memory store")
		store = memstore.New()
	}

	svc := app.NewCallService(store, app.NewHistoryRecorder(store))
	h := hub.New(cfg.ReadLimit, cfg.PingPeriod)

	r := httpapi.SetupRouter(ctx, cfg, svc, h)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Call server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
