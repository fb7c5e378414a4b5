package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Multipart part names expected by the agent endpoint.
const (
	PartAudio = "file"
	PartImage = "image"
)

var ErrMalformedReply = errors.New("malformed agent reply")

// AgentReply is the decoded body of a successful agent response.
type AgentReply struct {
	AIResponse      string
	Audio           []byte
	MissionAchieved bool
}

type agentReplyWire struct {
	AIResponse      *string `json:"ai_response"`
	AudioBase64     *string `json:"audio_base64"`
	MissionAchieved bool    `json:"mission_achieved"`
}

type agentErrorWire struct {
	Error string `json:"error"`
}

// ParseAgentReply validates a 2xx agent body. ai_response and audio_base64 are
// required; mission_achieved defaults to false.
func ParseAgentReply(raw []byte) (AgentReply, error) {
	var wire agentReplyWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return AgentReply{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if wire.AIResponse == nil {
		return AgentReply{}, fmt.Errorf("%w: missing ai_response", ErrMalformedReply)
	}
	if wire.AudioBase64 == nil {
		return AgentReply{}, fmt.Errorf("%w: missing audio_base64", ErrMalformedReply)
	}
	audio, err := base64.StdEncoding.DecodeString(strings.TrimSpace(*wire.AudioBase64))
	if err != nil {
		return AgentReply{}, fmt.Errorf("%w: audio_base64: %v", ErrMalformedReply, err)
	}
	return AgentReply{
		AIResponse:      *wire.AIResponse,
		Audio:           audio,
		MissionAchieved: wire.MissionAchieved,
	}, nil
}

// AgentErrorDetail extracts the {"error": "..."} message servers attach to
// non-2xx responses. It returns "" when the body has no such field.
func AgentErrorDetail(raw []byte) string {
	var wire agentErrorWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ""
	}
	return strings.TrimSpace(wire.Error)
}
