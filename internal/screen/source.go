package screen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// CommandSource captures frames by running an external command that writes a
// PNG screenshot to stdout, e.g. "adb exec-out screencap -p".
type CommandSource struct {
	name    string
	args    []string
	timeout time.Duration
}

func NewCommandSource(command string, timeout time.Duration) (*CommandSource, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("screen capture command is empty")
	}
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, fmt.Errorf("screen capture command %q not found: %w", fields[0], err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CommandSource{name: fields[0], args: fields[1:], timeout: timeout}, nil
}

func (s *CommandSource) CaptureFrame(ctx context.Context) (Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.name, s.args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		if errText := strings.TrimSpace(stderr.String()); errText != "" {
			return Frame{}, fmt.Errorf("%w: %v: %s", ErrUnavailable, err, errText)
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	frame, err := DecodePNG(stdout.Bytes(), time.Now())
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return frame, nil
}

// DirSource returns the most recently modified PNG in a directory. It suits
// setups where another process drops screenshots into a shared folder.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) (*DirSource, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("screen directory is empty")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("screen directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("screen directory %q is not a directory", dir)
	}
	return &DirSource{dir: dir}, nil
}

func (s *DirSource) CaptureFrame(_ context.Context) (Frame, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var (
		newest     string
		newestTime time.Time
	)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = e.Name()
			newestTime = info.ModTime()
		}
	}
	if newest == "" {
		return Frame{}, ErrUnavailable
	}

	data, err := os.ReadFile(filepath.Join(s.dir, newest))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	frame, err := DecodePNG(data, newestTime)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return frame, nil
}
