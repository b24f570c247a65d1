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

	"github.com/yaront1111/mandarin-dating-app-sub003/internal/adapters/bridge"
	router "github.com/yaront1111/mandarin-dating-app-sub003/internal/adapters/http"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/adapters/media"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/adapters/relay"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/adapters/rtc"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/app"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/config"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/core"
	"github.com/yaront1111/mandarin-dating-app-sub003/internal/domain"
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
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Identity == "" {
		log.Fatal().Msg("identity must be configured")
	}

	capture, err := media.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize capture")
	}

	connect := rtc.NewConnector(cfg.STUNServers, capture)
	dialer := relay.NewDialer(cfg.Relay, cfg.HeartbeatPeriod)

	var events core.EventBridge
	if cfg.BridgeURL != "" {
		ws, err := bridge.DialWS(ctx, cfg.BridgeURL, domain.Identity(cfg.Identity))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to bridge")
		}
		defer ws.Close()
		events = ws
	} else {
		log.Warn().Msg("no bridge_url configured, using in-process bridge (loopback only)")
		events = bridge.NewMemory()
	}

	eng := app.NewEngine(cfg, dialer, connect, capture, events)
	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}
	defer eng.Close()

	r := router.SetupRouter(ctx, cfg, eng)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("identity", cfg.Identity).Msg("call daemon started")
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
