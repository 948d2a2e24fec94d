// Package main provides the playback server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/playdeck/internal/api/ws"
	"github.com/osa030/playdeck/internal/app/command"
	"github.com/osa030/playdeck/internal/app/session"
	"github.com/osa030/playdeck/internal/app/transport"
	"github.com/osa030/playdeck/internal/infra/audio"
	"github.com/osa030/playdeck/internal/infra/config"
	"github.com/osa030/playdeck/internal/infra/logger"
	"github.com/osa030/playdeck/internal/provider"

	// Providers register themselves at init.
	_ "github.com/osa030/playdeck/internal/provider/spotify"
)

var (
	app        = kingpin.New("playdeck-server", "playdeck playback server")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	listProvidersCmd = app.Command("list-providers", "List available provider types and exit")
)

func init() {
	app.Command("start", "Start the server (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))
	if cmd == listProvidersCmd.FullCommand() {
		fmt.Println("Available provider types:")
		fmt.Println("  " + strings.Join(provider.RegisteredTypes(), "\n  "))
		return
	}

	loggerConfig := logger.Config{Level: "info", Output: "stdout"}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}
	if !*verbose && *logfile == "" {
		// Logger settings from the config file apply unless flags
		// overrode them.
		if err := logger.Init(logger.Config{Level: cfg.Log.Level, Output: cfg.Log.Output}); err != nil {
			zlog.Fatal().Msgf("Failed to initialize logger: %v", err)
		}
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

// run executes the main server logic. A separate function ensures
// defer statements run even when returning with an error.
func run(cfg *config.Config) error {
	ctx := context.Background()

	specs := make([]provider.Spec, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		specs = append(specs, provider.Spec{Type: pc.Type, Settings: pc.Settings})
	}
	registry, err := provider.NewRegistryFromConfig(ctx, specs)
	if err != nil {
		return fmt.Errorf("failed to create providers: %w", err)
	}

	renderer, err := audio.New(audio.Config{
		PositionInterval: cfg.Playback.PositionUpdateInterval(),
		FetchTimeout:     cfg.Audio.FetchTimeout(),
		BufferSize:       cfg.Audio.Buffer(),
	})
	if err != nil {
		return fmt.Errorf("failed to open audio device: %w", err)
	}

	sup := session.New(command.Config{
		Transport: transport.Config{
			ResolveTimeout: cfg.Playback.ResolveTimeout(),
			AutoSkipLimit:  cfg.Playback.AutoSkipLimit,
			InitialVolume:  cfg.Playback.InitialVolume,
		},
		LookupTimeout: cfg.Playback.LookupTimeout(),
	}, registry, renderer)
	sup.Start()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewGateway(sup.Processor(), cfg.Playback.LookupTimeout()))

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case <-sup.Done():
		zlog.Info().Msg("Session ended, shutting down...")
	case err := <-serverErrCh:
		sup.Close()
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close the session first so controllers see the connection drop
	// after the last consistent snapshot.
	sup.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Server stopped")
	return nil
}
