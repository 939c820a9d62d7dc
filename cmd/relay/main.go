package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/bugsnag/panicwrap"
	"go.uber.org/zap"

	"relay/internal/app"
	"relay/internal/config"
)

var (
	Version = "development"
	Time    = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(2)
	}

	exitStatus, err := panicwrap.BasicWrap(func(s string) {
		zap.S().Errorw("panic detected",
			"panic", s,
		)
	})
	if err != nil {
		zap.S().Errorw("failed to setup panic handler",
			"error", err,
		)
		os.Exit(2)
	}

	if exitStatus >= 0 {
		os.Exit(exitStatus)
	}

	zap.S().Infow("relay",
		"version", Version,
		"build_time", Time,
		"max_procs", runtime.GOMAXPROCS(0),
	)

	if err := run(cfg); err != nil {
		zap.S().Errorw("relay exited with error",
			"error", err,
		)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	s := <-sig
	zap.S().Infow("shutting down",
		"signal", s.String(),
	)

	go func() {
		select {
		case <-time.After(time.Minute):
		case <-sig:
		}
		zap.S().Fatal("force shutdown")
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	return application.Stop(shutdownCtx)
}
