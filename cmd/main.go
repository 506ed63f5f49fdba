package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"soundmachine/internal/api"
	"soundmachine/internal/audio"
	"soundmachine/internal/broadcast"
	"soundmachine/internal/clock"
	"soundmachine/internal/config"
	"soundmachine/internal/state"
	"soundmachine/internal/timer"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load environment variables before anything reads them
	envErr := godotenv.Load()

	bootLogger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.NewLoader("", bootLogger).Load()
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		bootLogger.Fatal("Failed to create logger", zap.Error(err))
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	capable, err := audio.DetectCapable(cfg.AudioMode, cfg.ProbePath)
	if err != nil {
		logger.Fatal("Invalid audio mode", zap.Error(err))
	}

	clk := clock.NewRealClock()
	supervisor := audio.NewSupervisor(audio.NewExecRunner(), clk, cfg.PlayerSettings(), logger)
	mixer := audio.NewAlsaMixer(cfg.MixerSettings(), capable, logger)
	scheduler := timer.NewScheduler(clk, logger)
	broadcaster := broadcast.NewBroadcaster(logger)
	store := state.NewStore(supervisor, mixer, scheduler, broadcaster, capable, logger)

	if capable {
		logger.Info("Server audio enabled, playing through the local player",
			zap.String("player", cfg.Player.Binary),
			zap.String("assets_dir", cfg.AssetsDir))
	} else {
		logger.Info("Client-only mode, browsers play audio locally",
			zap.String("audio_mode", cfg.AudioMode))
	}

	server := api.NewServer(store, logger, cfg.Addr(), cfg.PublicDir)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	logger.Info("Sound machine running",
		zap.String("addr", cfg.Addr()),
		zap.Bool("server_audio", capable))

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-sigChan
	logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))

	broadcaster.Close()
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP server", zap.Error(err))
	}
	store.Shutdown()
}

// newLogger builds a development logger for debug, otherwise a production
// logger at the given level
func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	return zapConfig.Build()
}
