package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/screenpilot/internal/app"
	"github.com/ent0n29/screenpilot/internal/config"
	"github.com/ent0n29/screenpilot/internal/overlay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	log.Printf("agent: %s", built.Devices.Agent)
	log.Printf("audio: %s, screen: %s", built.Devices.Audio, built.Devices.Screen)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return built.Controller.Run(gctx)
	})
	g.Go(func() error {
		overlay.Pump(gctx, built.Bus, overlay.NewLogPresenter())
		return nil
	})
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		built.API.CloseStreams()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
		return nil
	})

	runErr := g.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := built.Cleanup(cleanupCtx); err != nil {
		log.Printf("cleanup failed: %v", err)
	}
	if runErr != nil {
		log.Fatalf("run error: %v", runErr)
	}
	log.Printf("shutdown complete")
}
