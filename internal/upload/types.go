package upload

import (
	"context"
	"fmt"
	"time"
)

// Kind classifies upload failures.
type Kind string

const (
	KindNetwork Kind = "network"
	KindParse   Kind = "parse"
)

// Failure is the error carried by a failed Result.
type Failure struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	}
	return f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

func networkFailure(cause string, err error) *Failure {
	return &Failure{Kind: KindNetwork, Reason: "network:" + cause, Err: err}
}

func parseFailure(err error) *Failure {
	return &Failure{Kind: KindParse, Reason: "parse", Err: err}
}

// Request is one upload for a monitoring tick. Audio is the full recorded
// instruction and is re-sent on every upload; Image is the PNG of a changed
// frame and may be nil.
type Request struct {
	SessionID string
	Tick      int
	AudioName string
	Audio     []byte
	Image     []byte
}

// Reply is the agent's answer for a successful upload.
type Reply struct {
	AIText          string
	Audio           []byte
	MissionAchieved bool
}

// Result is tagged with the session and tick it was issued for so late
// arrivals can be recognised and dropped.
type Result struct {
	SessionID string
	Tick      int
	Reply     Reply
	Err       error
	Attempts  int
	Latency   time.Duration
}

func (r Result) OK() bool { return r.Err == nil }

// Uploader sends requests asynchronously. The returned channel always yields
// exactly one Result and is then closed.
type Uploader interface {
	Send(ctx context.Context, req Request) <-chan Result
}
