package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the screen assistant client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	AgentMode        string
	AgentURL         string
	UploadTimeout    time.Duration
	UploadMaxRetries int
	UploadRetryBase  time.Duration
	MockMissionAfter int

	MonitorInterval time.Duration
	SessionTimeout  time.Duration
	ResetDelay      time.Duration

	ChangeCropTop int
	ChangeWidth   int
	ChangeHeight  int
	ChangeScaler  string

	AudioMode      string
	AudioRecordCmd string
	AudioPlayCmd   string
	AudioDir       string
	AudioExt       string

	ScreenMode       string
	ScreenCaptureCmd string
	ScreenDir        string

	DatabaseURL  string
	RedisURL     string
	HistoryLimit int
}

// Load reads an optional dotenv file, then environment variables, and applies
// safe defaults. Variables already set in the process win over the file.
func Load() (Config, error) {
	if err := loadEnvFile(envOrDefault("APP_ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", "127.0.0.1:8765"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "screenpilot"),
		AllowAnyOrigin:   false,
		AgentMode:        strings.ToLower(envOrDefault("AGENT_MODE", "http")),
		AgentURL:         envOrDefault("AGENT_URL", "http://127.0.0.1:5000/img"),
		UploadMaxRetries: 1,
		MockMissionAfter: 2,
		ChangeCropTop:    80,
		ChangeWidth:      32,
		ChangeHeight:     64,
		ChangeScaler:     envOrDefault("CHANGE_SCALER", "nearest"),
		AudioMode:        strings.ToLower(envOrDefault("AUDIO_MODE", "command")),
		AudioRecordCmd:   envOrDefault("AUDIO_RECORD_CMD", "arecord -q -f S16_LE -r 16000 -c 1 {path}"),
		AudioPlayCmd:     envOrDefault("AUDIO_PLAY_CMD", "ffplay -nodisp -autoexit -loglevel quiet {path}"),
		AudioDir:         envOrDefault("AUDIO_DIR", filepath.Join(os.TempDir(), "screenpilot")),
		AudioExt:         envOrDefault("AUDIO_EXT", ".wav"),
		ScreenMode:       strings.ToLower(envOrDefault("SCREEN_MODE", "command")),
		// Android devices over adb; the original client ran on the phone itself.
		ScreenCaptureCmd: envOrDefault("SCREEN_CAPTURE_CMD", "adb exec-out screencap -p"),
		ScreenDir:        envTrimmed("SCREEN_DIR"),
		DatabaseURL:      envTrimmed("DATABASE_URL"),
		RedisURL:         envTrimmed("REDIS_URL"),
		HistoryLimit:     50,
		ShutdownTimeout:  10 * time.Second,
		UploadTimeout:    30 * time.Second,
		UploadRetryBase:  500 * time.Millisecond,
		MonitorInterval:  7 * time.Second,
		SessionTimeout:   50 * time.Second,
		ResetDelay:       3 * time.Second,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"UPLOAD_TIMEOUT", &cfg.UploadTimeout},
		{"UPLOAD_RETRY_BASE", &cfg.UploadRetryBase},
		{"MONITOR_INTERVAL", &cfg.MonitorInterval},
		{"SESSION_TIMEOUT", &cfg.SessionTimeout},
		{"RESET_DELAY", &cfg.ResetDelay},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"UPLOAD_MAX_RETRIES", &cfg.UploadMaxRetries},
		{"MOCK_MISSION_AFTER", &cfg.MockMissionAfter},
		{"CHANGE_CROP_TOP", &cfg.ChangeCropTop},
		{"CHANGE_WIDTH", &cfg.ChangeWidth},
		{"CHANGE_HEIGHT", &cfg.ChangeHeight},
		{"HISTORY_LIMIT", &cfg.HistoryLimit},
	}
	for _, n := range ints {
		*n.dst, err = intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.AgentMode {
	case "http":
		if strings.TrimSpace(cfg.AgentURL) == "" {
			return fmt.Errorf("AGENT_URL is required when AGENT_MODE=http")
		}
	case "mock":
	default:
		return fmt.Errorf("invalid AGENT_MODE: %q (expected http|mock)", cfg.AgentMode)
	}
	switch cfg.AudioMode {
	case "command", "mock":
	default:
		return fmt.Errorf("invalid AUDIO_MODE: %q (expected command|mock)", cfg.AudioMode)
	}
	switch cfg.ScreenMode {
	case "command":
	case "dir":
		if cfg.ScreenDir == "" {
			return fmt.Errorf("SCREEN_DIR is required when SCREEN_MODE=dir")
		}
	default:
		return fmt.Errorf("invalid SCREEN_MODE: %q (expected command|dir)", cfg.ScreenMode)
	}

	if cfg.MonitorInterval < 100*time.Millisecond {
		return fmt.Errorf("MONITOR_INTERVAL must be at least 100ms")
	}
	if cfg.SessionTimeout < time.Second {
		return fmt.Errorf("SESSION_TIMEOUT must be at least 1s")
	}
	if cfg.ResetDelay <= 0 {
		return fmt.Errorf("RESET_DELAY must be positive")
	}
	if cfg.UploadTimeout <= 0 {
		return fmt.Errorf("UPLOAD_TIMEOUT must be positive")
	}
	if cfg.UploadMaxRetries < 0 {
		return fmt.Errorf("UPLOAD_MAX_RETRIES must be >= 0")
	}
	if cfg.ChangeCropTop < 0 {
		return fmt.Errorf("CHANGE_CROP_TOP must be >= 0")
	}
	if cfg.ChangeWidth <= 0 || cfg.ChangeHeight <= 0 {
		return fmt.Errorf("CHANGE_WIDTH and CHANGE_HEIGHT must be positive")
	}
	if cfg.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if !strings.HasPrefix(cfg.AudioExt, ".") {
		return fmt.Errorf("AUDIO_EXT must start with a dot")
	}
	return nil
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("APP_ENV_FILE %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
