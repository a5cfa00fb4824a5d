package agent

import (
	"encoding/json"
	"fmt"
)

// Client-to-agent frame types.
const (
	typeInitiation = "conversation_initiation_client_data"
	typePong       = "pong"
)

// Agent-to-client frame types the bridge reacts to. Transcript and
// agent-response frames arrive on the same stream but the bridge ignores
// them.
const (
	TypeAudio              = "audio"
	TypeInterruption       = "interruption"
	TypePing               = "ping"
	TypeInitiationMetadata = "conversation_initiation_metadata"
	TypeAgentResponse      = "agent_response"
	TypeUserTranscript     = "user_transcript"
)

// InitiationData is the payload of the single initiation frame sent right
// after the agent socket opens. DynamicVariables carries the per-call
// context (name parts, email, phone, contact id, availability, address).
// FirstMessageOverride is set only on abrupt-ending retries.
type InitiationData struct {
	DynamicVariables     map[string]string
	FirstMessageOverride string
}

type initiationFrame struct {
	Type                 string            `json:"type"`
	DynamicVariables     map[string]string `json:"dynamic_variables"`
	FirstMessageOverride string            `json:"first_message_override,omitempty"`
}

type userAudioFrame struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type pongFrame struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// ServerFrame is one decoded frame from the agent. Only the fields relevant
// to the frame's Type are populated.
type ServerFrame struct {
	Type string `json:"type"`

	// audio arrives in one of two envelopes: nested under audio_event or
	// with the payload at the top level.
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
	} `json:"audio_event,omitempty"`
	AudioBase64 string `json:"audio_base_64,omitempty"`

	PingEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event,omitempty"`

	InitiationMetadata *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`
}

// Audio returns the base64 audio payload, unwrapping whichever envelope the
// provider used. ok is false when the frame carries no audio.
func (f *ServerFrame) Audio() (payload string, ok bool) {
	if f.AudioEvent != nil && f.AudioEvent.AudioBase64 != "" {
		return f.AudioEvent.AudioBase64, true
	}
	if f.AudioBase64 != "" {
		return f.AudioBase64, true
	}
	return "", false
}

// PingID returns the event id a pong reply must echo.
func (f *ServerFrame) PingID() int64 {
	if f.PingEvent == nil {
		return 0
	}
	return f.PingEvent.EventID
}

// ConversationID returns the agent-assigned conversation id from an
// initiation-metadata frame.
func (f *ServerFrame) ConversationID() string {
	if f.InitiationMetadata == nil {
		return ""
	}
	return f.InitiationMetadata.ConversationID
}

func decodeServerFrame(data []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding agent frame: %w", err)
	}
	return &f, nil
}
