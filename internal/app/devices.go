package app

import (
	"fmt"
	"time"

	"github.com/ent0n29/screenpilot/internal/audio"
	"github.com/ent0n29/screenpilot/internal/config"
	"github.com/ent0n29/screenpilot/internal/screen"
	"github.com/ent0n29/screenpilot/internal/upload"
)

const captureTimeout = 10 * time.Second

type deviceSetup struct {
	audio    audio.Device
	screen   screen.Source
	uploader upload.Uploader
	detail   DeviceInfo
}

// DeviceInfo describes the collaborators chosen at startup.
type DeviceInfo struct {
	Agent  string
	Audio  string
	Screen string
}

func resolveDevices(cfg config.Config) (deviceSetup, error) {
	var out deviceSetup

	switch cfg.AgentMode {
	case "mock":
		out.uploader = upload.NewMockUploader(cfg.MockMissionAfter, 200*time.Millisecond)
		out.detail.Agent = fmt.Sprintf("mock (mission after %d uploads)", cfg.MockMissionAfter)
	case "http":
		client, err := upload.NewClient(upload.Config{
			URL:        cfg.AgentURL,
			Timeout:    cfg.UploadTimeout,
			MaxRetries: cfg.UploadMaxRetries,
			RetryBase:  cfg.UploadRetryBase,
		})
		if err != nil {
			return deviceSetup{}, fmt.Errorf("agent client init failed: %w", err)
		}
		out.uploader = client
		out.detail.Agent = "http " + cfg.AgentURL
	default:
		return deviceSetup{}, fmt.Errorf("invalid AGENT_MODE: %q (expected http|mock)", cfg.AgentMode)
	}

	switch cfg.AudioMode {
	case "mock":
		out.audio = audio.NewMockDevice(time.Second)
		out.detail.Audio = "mock"
	case "command":
		dev, err := audio.NewCommandDevice(cfg.AudioRecordCmd, cfg.AudioPlayCmd, "")
		if err != nil {
			return deviceSetup{}, fmt.Errorf("audio device init failed: %w", err)
		}
		out.audio = dev
		out.detail.Audio = "command"
	default:
		return deviceSetup{}, fmt.Errorf("invalid AUDIO_MODE: %q (expected command|mock)", cfg.AudioMode)
	}

	switch cfg.ScreenMode {
	case "dir":
		src, err := screen.NewDirSource(cfg.ScreenDir)
		if err != nil {
			return deviceSetup{}, fmt.Errorf("screen source init failed: %w", err)
		}
		out.screen = src
		out.detail.Screen = "dir " + cfg.ScreenDir
	case "command":
		src, err := screen.NewCommandSource(cfg.ScreenCaptureCmd, captureTimeout)
		if err != nil {
			return deviceSetup{}, fmt.Errorf("screen source init failed: %w", err)
		}
		out.screen = src
		out.detail.Screen = "command"
	default:
		return deviceSetup{}, fmt.Errorf("invalid SCREEN_MODE: %q (expected command|dir)", cfg.ScreenMode)
	}

	return out, nil
}
