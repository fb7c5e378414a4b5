package session

import (
	"errors"
	"fmt"
	"strings"
)

// State is the controller's lifecycle position.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateThinking  State = "thinking"
	StateResponse  State = "response"
	StateSuccess   State = "success"
	StateError     State = "error"
)

var ErrUnknownState = errors.New("unknown session state")

var allStates = []State{StateIdle, StateRecording, StateThinking, StateResponse, StateSuccess, StateError}

// ParseState converts a state tag back into a State. Unrecognised input is an
// error, never a silent fallback to idle.
func ParseState(raw string) (State, error) {
	v := State(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range allStates {
		if v == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, raw)
}

// CanStart reports whether a new session may begin from s.
func (s State) CanStart() bool {
	switch s {
	case StateIdle, StateResponse, StateSuccess, StateError:
		return true
	default:
		return false
	}
}

// Monitoring reports whether the monitoring loop runs in s.
func (s State) Monitoring() bool {
	return s == StateThinking || s == StateResponse
}

// Settling reports whether s waits for the auto-reset back to idle.
func (s State) Settling() bool {
	return s == StateSuccess || s == StateError
}
