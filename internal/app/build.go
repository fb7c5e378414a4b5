package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/screenpilot/internal/changedetect"
	"github.com/ent0n29/screenpilot/internal/config"
	"github.com/ent0n29/screenpilot/internal/controller"
	"github.com/ent0n29/screenpilot/internal/history"
	"github.com/ent0n29/screenpilot/internal/httpapi"
	"github.com/ent0n29/screenpilot/internal/monitor"
	"github.com/ent0n29/screenpilot/internal/observability"
	"github.com/ent0n29/screenpilot/internal/session"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Controller *controller.Controller
	Bus        *session.Bus
	History    history.Store
	Metrics    *observability.Metrics
	Devices    DeviceInfo

	// Cleanup should be called after the controller has stopped to flush
	// history and release the store.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := history.NewStore(ctx, cfg.DatabaseURL, cfg.RedisURL, cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	devices, err := resolveDevices(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	detector, err := changedetect.New(changedetect.Config{
		CropTop: cfg.ChangeCropTop,
		Width:   cfg.ChangeWidth,
		Height:  cfg.ChangeHeight,
		Scaler:  cfg.ChangeScaler,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("change detector init failed: %w", err)
	}

	bus := session.NewBus()
	recorder := history.NewRecorder(store, 16)

	ctrl, err := controller.New(controller.Config{
		SessionTimeout: cfg.SessionTimeout,
		ResetDelay:     cfg.ResetDelay,
		AudioDir:       cfg.AudioDir,
		AudioExt:       cfg.AudioExt,
	}, controller.Deps{
		Device:  devices.audio,
		Bus:     bus,
		Metrics: metrics,
		History: recorder,
		NewMonitor: func(gate monitor.Gate, sink monitor.Sink) (controller.Monitor, error) {
			return monitor.New(monitor.Config{Interval: cfg.MonitorInterval}, devices.screen, detector, devices.uploader, gate, sink, metrics)
		},
	})
	if err != nil {
		_ = recorder.Close(ctx)
		_ = store.Close()
		return nil, fmt.Errorf("controller init failed: %w", err)
	}

	api := httpapi.New(cfg, ctrl, bus, store, metrics)

	cleanup := func(ctx context.Context) error {
		var errs []string
		flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := recorder.Close(flushCtx); err != nil {
			errs = append(errs, "history flush: "+err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Controller: ctrl,
		Bus:        bus,
		History:    store,
		Metrics:    metrics,
		Devices:    devices.detail,
		Cleanup:    cleanup,
	}, nil
}
