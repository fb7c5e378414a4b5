package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"
)

type setupCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type setupStatusResponse struct {
	AgentMode    string       `json:"agent_mode"`
	AudioMode    string       `json:"audio_mode"`
	ScreenMode   string       `json:"screen_mode"`
	HistoryStore string       `json:"history_store"`
	Checks       []setupCheck `json:"checks"`
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]setupCheck, 0, 8)
	checks = append(checks, s.agentChecks()...)
	checks = append(checks, s.audioChecks()...)
	checks = append(checks, s.screenChecks()...)

	switch mode := s.historyMode(); mode {
	case "in-memory":
		checks = append(checks, setupCheck{
			ID:     "history_store",
			Status: "warn",
			Label:  "Session history",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL or REDIS_URL to keep history across restarts.",
		})
	default:
		checks = append(checks, setupCheck{
			ID:     "history_store",
			Status: "ok",
			Label:  "Session history",
			Detail: mode,
		})
	}

	respondJSON(w, http.StatusOK, setupStatusResponse{
		AgentMode:    s.cfg.AgentMode,
		AudioMode:    s.cfg.AudioMode,
		ScreenMode:   s.cfg.ScreenMode,
		HistoryStore: s.historyMode(),
		Checks:       checks,
	})
}

func (s *Server) agentChecks() []setupCheck {
	if s.cfg.AgentMode == "mock" {
		return []setupCheck{{
			ID:     "agent_mock",
			Status: "warn",
			Label:  "Agent (mock)",
			Detail: "Replies are generated locally.",
			Fix:    "Set AGENT_MODE=http and AGENT_URL to the agent's /img endpoint.",
		}}
	}
	if err := probeTCP(s.cfg.AgentURL); err != nil {
		return []setupCheck{{
			ID:     "agent_http",
			Status: "error",
			Label:  "Agent endpoint",
			Detail: fmt.Sprintf("not reachable (%s)", strings.TrimSpace(s.cfg.AgentURL)),
			Fix:    "Start the agent service or fix AGENT_URL.",
		}}
	}
	return []setupCheck{{
		ID:     "agent_http",
		Status: "ok",
		Label:  "Agent endpoint",
		Detail: "reachable",
	}}
}

func (s *Server) audioChecks() []setupCheck {
	if s.cfg.AudioMode == "mock" {
		return []setupCheck{{
			ID:     "audio_mock",
			Status: "warn",
			Label:  "Audio (mock)",
			Detail: "Recordings are silence and replies are not played.",
			Fix:    "Set AUDIO_MODE=command with AUDIO_RECORD_CMD and AUDIO_PLAY_CMD.",
		}}
	}
	return []setupCheck{
		commandCheck("audio_record", "Recorder", s.cfg.AudioRecordCmd, "error"),
		commandCheck("audio_play", "Player", s.cfg.AudioPlayCmd, "warn"),
	}
}

func (s *Server) screenChecks() []setupCheck {
	if s.cfg.ScreenMode == "dir" {
		if info, err := os.Stat(s.cfg.ScreenDir); err != nil || !info.IsDir() {
			return []setupCheck{{
				ID:     "screen_dir",
				Status: "error",
				Label:  "Screenshot directory",
				Detail: fmt.Sprintf("%s is not a directory", s.cfg.ScreenDir),
				Fix:    "Point SCREEN_DIR at the folder your capture tool writes PNGs to.",
			}}
		}
		return []setupCheck{{
			ID:     "screen_dir",
			Status: "ok",
			Label:  "Screenshot directory",
			Detail: "present",
		}}
	}
	return []setupCheck{commandCheck("screen_capture", "Screen capture", s.cfg.ScreenCaptureCmd, "error")}
}

func commandCheck(id, label, command, missing string) setupCheck {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return setupCheck{ID: id, Status: missing, Label: label, Detail: "command is empty"}
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return setupCheck{
			ID:     id,
			Status: missing,
			Label:  label,
			Detail: fmt.Sprintf("%s not found", fields[0]),
			Fix:    fmt.Sprintf("Install %s or change the configured command.", fields[0]),
		}
	}
	return setupCheck{ID: id, Status: "ok", Label: label, Detail: fmt.Sprintf("%s found", fields[0])}
}

func probeTCP(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return fmt.Errorf("host missing")
	}
	addr := host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return err
	}
	_ = c.Close()
	return nil
}
