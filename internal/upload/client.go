package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	"github.com/ent0n29/screenpilot/internal/protocol"
	"github.com/ent0n29/screenpilot/internal/reliability"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRetryBase = 500 * time.Millisecond
	maxRetryBackoff  = 5 * time.Second
	maxReplyBytes    = 32 << 20
)

type Config struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

// Client posts multipart uploads to the agent endpoint.
type Client struct {
	url        string
	client     *http.Client
	maxRetries int
	retryBase  time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		return nil, errors.New("agent url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	return &Client{
		url: u,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
	}, nil
}

// Send runs Do on its own goroutine and hands the result back on a channel.
func (c *Client) Send(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		out <- c.Do(ctx, req)
	}()
	return out
}

// Do performs the upload, retrying transient failures. It never returns a
// transport or parse error directly; they are folded into Result.Err.
func (c *Client) Do(ctx context.Context, req Request) Result {
	started := time.Now()
	res := Result{SessionID: req.SessionID, Tick: req.Tick}

	body, contentType, err := buildMultipart(req)
	if err != nil {
		res.Err = &Failure{Kind: KindNetwork, Reason: "network:encode", Err: err}
		return res
	}

	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		reply, failure, retryable := c.post(ctx, body, contentType)
		if failure == nil {
			res.Reply = reply
			res.Err = nil
			break
		}
		res.Err = failure
		if !retryable || attempt >= c.maxRetries {
			break
		}

		wait := reliability.ExponentialBackoff(attempt, c.retryBase, maxRetryBackoff)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = networkFailure(reliability.TransportCause(ctx.Err()), ctx.Err())
			res.Latency = time.Since(started)
			return res
		case <-timer.C:
		}
	}

	res.Latency = time.Since(started)
	return res
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) (Reply, *Failure, bool) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, networkFailure("request", err), false
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return Reply{}, networkFailure(reliability.TransportCause(err), err), reliability.IsRetryableTransportError(err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, networkFailure(reliability.TransportCause(err), fmt.Errorf("read response: %w", err)), reliability.IsRetryableTransportError(err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		cause := fmt.Sprintf("status %d", res.StatusCode)
		detail := protocol.AgentErrorDetail(raw)
		if detail != "" {
			cause += " " + detail
		}
		return Reply{}, networkFailure(cause, nil), reliability.IsRetryableHTTPStatus(res.StatusCode)
	}

	parsed, err := protocol.ParseAgentReply(raw)
	if err != nil {
		return Reply{}, parseFailure(err), false
	}
	return Reply{
		AIText:          parsed.AIResponse,
		Audio:           parsed.Audio,
		MissionAchieved: parsed.MissionAchieved,
	}, nil, false
}

func buildMultipart(req Request) ([]byte, string, error) {
	if len(req.Audio) == 0 {
		return nil, "", errors.New("audio is empty")
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	audioName := strings.TrimSpace(req.AudioName)
	if audioName == "" {
		audioName = "input.wav"
	}
	if err := writePart(w, protocol.PartAudio, filepath.Base(audioName), contentTypeFor(audioName), req.Audio); err != nil {
		return nil, "", err
	}
	if len(req.Image) > 0 {
		if err := writePart(w, protocol.PartImage, "screen.png", "image/png", req.Image); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func writePart(w *multipart.Writer, field, filename, contentType string, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write %s part: %w", field, err)
	}
	return nil
}

func contentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".3gp":
		return "audio/3gpp"
	case ".m4a":
		return "audio/mp4"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
