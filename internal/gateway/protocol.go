// Package gateway implements the WebSocket call transport. The server
// upgrades each HTTP request into one call connection; the Input and Output
// stages bridge that connection onto the frame pipeline.
//
// Wire protocol: binary messages carry audio, 16-bit little-endian PCM by
// default or one Opus packet per message when negotiated. Text messages carry
// JSON control events in both directions.
package gateway

import (
	"encoding/json"
	"fmt"
)

// Control event types sent by the caller.
const (
	// EventStart declares the caller's audio codec and format. Optional;
	// without it the session defaults apply.
	EventStart = "start"

	// EventStop is a deliberate hang-up. The session finishes cleanly.
	EventStop = "stop"

	// EventAppMessage injects typed text as a complete user turn, bypassing
	// speech recognition.
	EventAppMessage = "app-message"
)

// Control event types sent to the caller.
const (
	// EventReady confirms the call is live and announces the call ID and
	// the audio format the caller will receive.
	EventReady = "ready"

	EventBotStartedSpeaking = "bot-started-speaking"
	EventBotStoppedSpeaking = "bot-stopped-speaking"

	// EventCallEnded is the last message before the server closes the
	// connection.
	EventCallEnded = "call-ended"
)

// Codec names accepted in a start event and announced in ready.
const (
	CodecPCM  = "pcm"
	CodecOpus = "opus"
)

// ClientEvent is a JSON control message from the caller.
type ClientEvent struct {
	Type string `json:"type"`

	// Message carries the typed text of an app-message event.
	Message string `json:"message,omitempty"`

	// Codec, SampleRate and Channels describe the caller's inbound audio
	// on a start event. Zero values keep the session defaults.
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// ServerEvent is a JSON control message to the caller.
type ServerEvent struct {
	Type string `json:"type"`

	// CallID identifies the call on a ready event.
	CallID string `json:"call_id,omitempty"`

	// Codec, SampleRate and Channels on a ready event describe the audio
	// the server will send.
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// parseClientEvent decodes one inbound control message.
func parseClientEvent(data []byte) (ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ClientEvent{}, fmt.Errorf("gateway: decode control message: %w", err)
	}
	if ev.Type == "" {
		return ClientEvent{}, fmt.Errorf("gateway: control message without type")
	}
	return ev, nil
}
