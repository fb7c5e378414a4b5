package controller

import (
	"errors"
	"fmt"

	"github.com/ent0n29/screenpilot/internal/screen"
	"github.com/ent0n29/screenpilot/internal/upload"
)

var (
	ErrSessionBusy      = errors.New("session already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrPermissionDenied = errors.New("screen capture permission denied")
	ErrStaleSession     = errors.New("stale session")
	ErrStopped          = errors.New("controller stopped")
)

// Kind classifies why a session ended in the error state.
type Kind string

const (
	KindPermissionDenied   Kind = "permission_denied"
	KindCaptureUnavailable Kind = "capture_unavailable"
	KindRecordingDevice    Kind = "recording_device"
	KindNetwork            Kind = "network"
	KindParse              Kind = "parse"
	KindTimeout            Kind = "timeout"
)

// Failure is the cause recorded on a session that entered the error state.
type Failure struct {
	Kind   Kind
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason(), f.Err)
	}
	return f.Reason()
}

func (f *Failure) Unwrap() error { return f.Err }

// Reason is the short text shown to the user and published with the error
// notification.
func (f *Failure) Reason() string {
	if f.Detail != "" {
		return f.Detail
	}
	return string(f.Kind)
}

func newFailure(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// failureFromUpload maps an upload error onto the session taxonomy, keeping
// the upload's own reason text (e.g. "network:status 503").
func failureFromUpload(err error) *Failure {
	var uf *upload.Failure
	if errors.As(err, &uf) {
		kind := KindNetwork
		if uf.Kind == upload.KindParse {
			kind = KindParse
		}
		return &Failure{Kind: kind, Detail: uf.Reason, Err: err}
	}
	return &Failure{Kind: KindNetwork, Detail: "network:" + err.Error(), Err: err}
}

func failureFromCapture(err error) *Failure {
	if errors.Is(err, screen.ErrUnavailable) {
		return newFailure(KindCaptureUnavailable, err)
	}
	return newFailure(KindCaptureUnavailable, fmt.Errorf("%w: %v", screen.ErrUnavailable, err))
}
