package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Device records the spoken instruction and plays agent replies.
type Device interface {
	StartRecording(path string) error
	// StopRecording runs on the controller's event loop, so it must return
	// promptly even when the recorder ignores the stop request.
	StopRecording() error
	// PlayClip blocks until playback finishes or ctx is cancelled.
	PlayClip(ctx context.Context, clip []byte) error
}

const (
	pathPlaceholder = "{path}"
	recordStopGrace = time.Second
	defaultClipExt  = ".mp3"
)

// CommandDevice drives external recorder and player programs, e.g.
// "arecord -q -f S16_LE -r 16000 -c 1 {path}" and "ffplay -nodisp -autoexit {path}".
type CommandDevice struct {
	record    []string
	play      []string
	clipExt   string
	stopGrace time.Duration

	mu      sync.Mutex
	rec     *exec.Cmd
	recPath string
	recDone chan error
}

func NewCommandDevice(recordCmd, playCmd, clipExt string) (*CommandDevice, error) {
	record := strings.Fields(recordCmd)
	if len(record) == 0 {
		return nil, errors.New("audio record command is empty")
	}
	if _, err := exec.LookPath(record[0]); err != nil {
		return nil, fmt.Errorf("audio record command %q not found: %w", record[0], err)
	}
	play := strings.Fields(playCmd)
	if len(play) > 0 {
		if _, err := exec.LookPath(play[0]); err != nil {
			return nil, fmt.Errorf("audio play command %q not found: %w", play[0], err)
		}
	}
	if clipExt == "" {
		clipExt = defaultClipExt
	}
	return &CommandDevice{record: record, play: play, clipExt: clipExt, stopGrace: recordStopGrace}, nil
}

func (d *CommandDevice) StartRecording(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		return ErrAlreadyRecording
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}

	name, args := expandArgs(d.record, path)
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recorder: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	d.rec = cmd
	d.recPath = path
	d.recDone = done
	return nil
}

func (d *CommandDevice) StopRecording() error {
	d.mu.Lock()
	cmd, path, done := d.rec, d.recPath, d.recDone
	d.rec, d.recPath, d.recDone = nil, "", nil
	d.mu.Unlock()
	if cmd == nil {
		return ErrNotRecording
	}

	// Recorders finalise their container headers on SIGINT; one that ignores
	// it is killed after stopGrace.
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(d.stopGrace):
		_ = cmd.Process.Kill()
		<-done
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("recording missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("recording %s is empty", filepath.Base(path))
	}
	return nil
}

func (d *CommandDevice) PlayClip(ctx context.Context, clip []byte) error {
	if len(clip) == 0 || len(d.play) == 0 {
		return nil
	}
	f, err := os.CreateTemp("", "reply-*"+d.clipExt)
	if err != nil {
		return fmt.Errorf("create clip file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(clip); err != nil {
		f.Close()
		return fmt.Errorf("write clip file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close clip file: %w", err)
	}

	name, args := expandArgs(d.play, path)
	cmd := exec.CommandContext(ctx, name, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if text := strings.TrimSpace(string(out)); text != "" {
			return fmt.Errorf("play clip: %w: %s", err, text)
		}
		return fmt.Errorf("play clip: %w", err)
	}
	return nil
}

func expandArgs(tmpl []string, path string) (string, []string) {
	args := make([]string, 0, len(tmpl))
	replaced := false
	for _, a := range tmpl[1:] {
		if strings.Contains(a, pathPlaceholder) {
			a = strings.ReplaceAll(a, pathPlaceholder, path)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, path)
	}
	return tmpl[0], args
}

// MockDevice stands in for a microphone and speaker. Recordings are one
// second of PCM16 silence wrapped as WAV.
type MockDevice struct {
	mu       sync.Mutex
	path     string
	playTime time.Duration
}

func NewMockDevice(playTime time.Duration) *MockDevice {
	return &MockDevice{playTime: playTime}
}

func (d *MockDevice) StartRecording(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.path != "" {
		return ErrAlreadyRecording
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}
	d.path = path
	return nil
}

func (d *MockDevice) StopRecording() error {
	d.mu.Lock()
	path := d.path
	d.path = ""
	d.mu.Unlock()
	if path == "" {
		return ErrNotRecording
	}
	const sampleRate = 16000
	return WriteWAVPCM16LEFile(path, make([]byte, sampleRate*2), sampleRate)
}

func (d *MockDevice) PlayClip(ctx context.Context, clip []byte) error {
	if len(clip) == 0 || d.playTime <= 0 {
		return nil
	}
	timer := time.NewTimer(d.playTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
