package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/screenpilot/internal/session"
)

// MessageType identifies websocket payload variants on the local event stream.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeStateEvent    MessageType = "state_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionCancel = "cancel"
	ActionToggle = "toggle"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type              MessageType `json:"type"`
	Action            string      `json:"action"`
	PermissionGranted bool        `json:"permission_granted,omitempty"`
	TSMs              int64       `json:"ts_ms,omitempty"`
}

// StateEvent is pushed to overlay clients on every state change. It carries
// the state tag only; Reason is set for error states.
type StateEvent struct {
	Type   MessageType `json:"type"`
	Seq    uint64      `json:"seq"`
	State  string      `json:"state"`
	Reason string      `json:"reason,omitempty"`
	TSMs   int64       `json:"ts_ms"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionStart, ActionStop, ActionCancel, ActionToggle:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// NewStateEvent converts a bus notification into its wire form.
func NewStateEvent(n session.Notification) StateEvent {
	ev := StateEvent{
		Type:  TypeStateEvent,
		Seq:   n.Seq,
		State: string(n.State),
		TSMs:  n.At.UnixMilli(),
	}
	if n.State == session.StateError {
		ev.Reason = n.Reason
	}
	return ev
}

// ParseStateEvent decodes a state_event payload. The state tag is validated;
// an unknown tag is an error rather than a fallback to idle.
func ParseStateEvent(raw []byte) (StateEvent, session.State, error) {
	var ev StateEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return StateEvent{}, "", fmt.Errorf("invalid state_event: %w", err)
	}
	if ev.Type != TypeStateEvent {
		return StateEvent{}, "", ErrUnsupportedType
	}
	state, err := session.ParseState(ev.State)
	if err != nil {
		return StateEvent{}, "", err
	}
	return ev, state, nil
}
