// Command agentprobe sends one audio and screenshot pair to the agent
// endpoint and prints the typed result.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/ent0n29/screenpilot/internal/audio"
	"github.com/ent0n29/screenpilot/internal/changedetect"
	"github.com/ent0n29/screenpilot/internal/screen"
	"github.com/ent0n29/screenpilot/internal/upload"
)

type options struct {
	url       string
	audioPath string
	imagePath string
	timeout   time.Duration
	retries   int
	asJSON    bool
}

type probeOutput struct {
	OK              bool   `json:"ok"`
	Attempts        int    `json:"attempts"`
	LatencyMS       int64  `json:"latency_ms"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	AIText          string `json:"ai_text,omitempty"`
	AudioBytes      int    `json:"audio_bytes"`
	MissionAchieved bool   `json:"mission_achieved"`
	FailureKind     string `json:"failure_kind,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "agentprobe: %v\n", err)
		os.Exit(2)
	}
	ok, err := run(context.Background(), opts, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentprobe: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("agentprobe", pflag.ContinueOnError)
	fs.StringVar(&opts.url, "url", "http://127.0.0.1:5000/img", "agent upload endpoint")
	fs.StringVarP(&opts.audioPath, "audio", "a", "", "recorded instruction to send (default: one second of silence)")
	fs.StringVarP(&opts.imagePath, "image", "i", "", "PNG screenshot to attach")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	fs.IntVar(&opts.retries, "retries", 0, "retries for transient failures")
	fs.BoolVar(&opts.asJSON, "json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.url = strings.TrimSpace(opts.url)
	if opts.url == "" {
		return options{}, fmt.Errorf("--url is required")
	}
	if opts.timeout <= 0 {
		return options{}, fmt.Errorf("--timeout must be > 0")
	}
	if opts.retries < 0 {
		return options{}, fmt.Errorf("--retries must be >= 0")
	}
	return opts, nil
}

// run returns false when the agent answered with a failure.
func run(ctx context.Context, opts options, out io.Writer) (bool, error) {
	req := upload.Request{SessionID: "probe", Tick: 1}

	if opts.audioPath == "" {
		const sampleRate = 16000
		wav, err := audio.EncodeWAVPCM16LE(make([]byte, sampleRate*2), sampleRate)
		if err != nil {
			return false, err
		}
		req.AudioName, req.Audio = "input_probe.wav", wav
	} else {
		data, err := os.ReadFile(opts.audioPath)
		if err != nil {
			return false, fmt.Errorf("read audio: %w", err)
		}
		req.AudioName, req.Audio = filepath.Base(opts.audioPath), data
	}

	var fingerprint string
	if opts.imagePath != "" {
		data, err := os.ReadFile(opts.imagePath)
		if err != nil {
			return false, fmt.Errorf("read image: %w", err)
		}
		frame, err := screen.DecodePNG(data, time.Now())
		if err != nil {
			return false, fmt.Errorf("decode image: %w", err)
		}
		detector, err := changedetect.New(changedetect.Config{CropTop: changedetect.DefaultCropTop})
		if err != nil {
			return false, err
		}
		fp, err := detector.Fingerprint(frame)
		if err != nil {
			return false, fmt.Errorf("fingerprint image: %w", err)
		}
		fingerprint = fp.String()
		req.Image = data
	}

	client, err := upload.NewClient(upload.Config{
		URL:        opts.url,
		Timeout:    opts.timeout,
		MaxRetries: opts.retries,
	})
	if err != nil {
		return false, err
	}

	res := <-client.Send(ctx, req)
	report := probeOutput{
		OK:          res.OK(),
		Attempts:    res.Attempts,
		LatencyMS:   res.Latency.Milliseconds(),
		Fingerprint: fingerprint,
	}
	if res.OK() {
		report.AIText = res.Reply.AIText
		report.AudioBytes = len(res.Reply.Audio)
		report.MissionAchieved = res.Reply.MissionAchieved
	} else {
		var f *upload.Failure
		if errors.As(res.Err, &f) {
			report.FailureKind = string(f.Kind)
			report.FailureReason = f.Reason
		} else {
			report.FailureReason = res.Err.Error()
		}
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return report.OK, enc.Encode(report)
	}
	if report.OK {
		fmt.Fprintf(out, "agentprobe: ok attempts=%d latency_ms=%d mission_achieved=%t audio_bytes=%d\n",
			report.Attempts, report.LatencyMS, report.MissionAchieved, report.AudioBytes)
		fmt.Fprintf(out, "agentprobe: reply %q\n", report.AIText)
	} else {
		fmt.Fprintf(out, "agentprobe: failed attempts=%d kind=%s reason=%s\n",
			report.Attempts, report.FailureKind, report.FailureReason)
	}
	if fingerprint != "" {
		fmt.Fprintf(out, "agentprobe: image fingerprint %s\n", fingerprint)
	}
	return report.OK, nil
}
