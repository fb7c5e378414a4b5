package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ent0n29/screenpilot/internal/config"
)

func mockConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		MetricsNamespace: "test_app",
		AgentMode:        "mock",
		AudioMode:        "mock",
		ScreenMode:       "dir",
		ScreenDir:        t.TempDir(),
		AudioDir:         t.TempDir(),
		AudioExt:         ".wav",
		MonitorInterval:  time.Second,
		SessionTimeout:   5 * time.Second,
		ResetDelay:       time.Second,
		ChangeCropTop:    80,
		ChangeWidth:      32,
		ChangeHeight:     64,
		ChangeScaler:     "nearest",
		MockMissionAfter: 2,
		HistoryLimit:     10,
	}
}

func TestBuildWiresMockStack(t *testing.T) {
	ctx := context.Background()
	res, err := Build(ctx, mockConfig(t))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer func() {
		if err := res.Cleanup(ctx); err != nil {
			t.Fatalf("Cleanup() error = %v", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = res.Controller.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	ts := httptest.NewServer(res.API.Router())
	defer ts.Close()
	r, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Fatalf("GET /readyz status = %d, want %d", r.StatusCode, http.StatusOK)
	}
	if res.Devices.Audio != "mock" {
		t.Fatalf("Devices.Audio = %q, want mock", res.Devices.Audio)
	}
}

func TestBuildRejectsUnknownScaler(t *testing.T) {
	cfg := mockConfig(t)
	cfg.ChangeScaler = "lanczos"
	if _, err := Build(context.Background(), cfg); err == nil {
		t.Fatalf("Build() with unknown scaler: expected error")
	}
}
