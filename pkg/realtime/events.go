// Package realtime implements the client side of the framed, event-oriented
// session protocol spoken by the remote streaming voice model.
//
// Every frame on the wire is a JSON object with a "type" discriminator.
// Outbound frames are modelled as one struct per event implementing
// [ClientEvent]; inbound frames are decoded into a single flattened
// [ServerEvent] that carries the union of fields the core consumes. Unknown
// inbound types are preserved with their raw payload so subscribers can log
// and drop them.
//
// Audio payloads are base64-encoded 16-bit LE mono PCM at 24 kHz
// (see [github.com/nevil-robotics/nevil/pkg/audio.DefaultFormat]).
package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Client (outbound) event types.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeInputAudioBufferClear  = "input_audio_buffer.clear"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
)

// Server (inbound) event types.
const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeSpeechStarted               = "input_audio_buffer.speech_started"
	TypeSpeechStopped               = "input_audio_buffer.speech_stopped"
	TypeConversationItemCreated     = "conversation.item.created"
	TypeResponseCreated             = "response.created"
	TypeResponseTextDelta           = "response.text.delta"
	TypeResponseTextDone            = "response.text.done"
	TypeResponseAudioDelta          = "response.audio.delta"
	TypeResponseAudioDone           = "response.audio.done"
	TypeResponseTranscriptDelta     = "response.audio_transcript.delta"
	TypeResponseTranscriptDone      = "response.audio_transcript.done"
	TypeFunctionCallArgumentsDelta  = "response.function_call_arguments.delta"
	TypeFunctionCallArgumentsDone   = "response.function_call_arguments.done"
	TypeResponseDone                = "response.done"
	TypeInputTranscriptionComplete  = "conversation.item.input_audio_transcription.completed"
	TypeError                       = "error"
)

// ClientEvent is implemented by every outbound frame.
type ClientEvent interface {
	// EventType returns the wire value of the "type" field.
	EventType() string
}

// ── Session configuration ─────────────────────────────────────────────────────

// Tool declares a callable function offered to the model in a session.update.
type Tool struct {
	Type        string         `json:"type"` // always "function"
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// TurnDetection configures server-side VAD. When nil in [SessionParams], the
// server performs no turn detection and the client is authoritative for
// utterance boundaries.
type TurnDetection struct {
	Type              string  `json:"type"` // "server_vad"
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// AudioTranscription enables server-side transcription of committed user
// audio. The server emits conversation.item.input_audio_transcription.completed
// only when a session.update carries this.
type AudioTranscription struct {
	Model string `json:"model"` // e.g. "whisper-1"
}

// SessionParams is the payload of a session.update event. Zero-valued
// optional fields are omitted on the wire, so repeating the same update is
// idempotent from the client's perspective.
type SessionParams struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Temperature             float64             `json:"temperature,omitempty"`
	MaxOutputTokens         int                 `json:"max_response_output_tokens,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *AudioTranscription `json:"input_audio_transcription,omitempty"`
	Tools                   []Tool              `json:"tools,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
}

// ── Outbound events ───────────────────────────────────────────────────────────

// SessionUpdate configures or reconfigures the session.
type SessionUpdate struct {
	Session SessionParams `json:"session"`
}

func (SessionUpdate) EventType() string { return TypeSessionUpdate }

// InputAudioAppend carries one base64-encoded PCM16 chunk of microphone audio.
type InputAudioAppend struct {
	Audio string `json:"audio"`
}

func (InputAudioAppend) EventType() string { return TypeInputAudioBufferAppend }

// NewInputAudioAppend encodes a raw PCM chunk for transmission.
func NewInputAudioAppend(pcm []byte) InputAudioAppend {
	return InputAudioAppend{Audio: base64.StdEncoding.EncodeToString(pcm)}
}

// InputAudioCommit finalises the uploaded audio buffer as one user utterance.
type InputAudioCommit struct{}

func (InputAudioCommit) EventType() string { return TypeInputAudioBufferCommit }

// InputAudioClear discards all audio the server has accumulated but not committed.
type InputAudioClear struct{}

func (InputAudioClear) EventType() string { return TypeInputAudioBufferClear }

// ContentPart is one element of a conversation item's content.
type ContentPart struct {
	Type string `json:"type"` // "input_text" or "text"
	Text string `json:"text,omitempty"`
}

// ConversationItem is a message or function-call-output added to the
// conversation via conversation.item.create.
type ConversationItem struct {
	Type    string        `json:"type"` // "message" or "function_call_output"
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

// ConversationItemCreate adds an item to the server-side conversation.
type ConversationItemCreate struct {
	Item ConversationItem `json:"item"`
}

func (ConversationItemCreate) EventType() string { return TypeConversationItemCreate }

// NewUserMessage builds a conversation.item.create carrying a user text message.
func NewUserMessage(text string) ConversationItemCreate {
	return ConversationItemCreate{Item: ConversationItem{
		Type:    "message",
		Role:    "user",
		Content: []ContentPart{{Type: "input_text", Text: text}},
	}}
}

// NewFunctionCallOutput builds a conversation.item.create carrying a tool result.
func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{Item: ConversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	}}
}

// ResponseParams customises a single response.create request.
type ResponseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Voice        string   `json:"voice,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// ResponseCreate asks the model to generate a reply.
type ResponseCreate struct {
	Response ResponseParams `json:"response,omitempty"`
}

func (ResponseCreate) EventType() string { return TypeResponseCreate }

// ResponseCancel aborts the in-flight response, if any.
type ResponseCancel struct{}

func (ResponseCancel) EventType() string { return TypeResponseCancel }

// MarshalClientEvent serialises ev into a single wire frame, injecting the
// "type" discriminator alongside the event's own fields.
func MarshalClientEvent(ev ClientEvent) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("realtime: marshal %s: %w", ev.EventType(), err)
	}

	// Splice the discriminator into the object.
	frame := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &frame); err != nil {
		return nil, fmt.Errorf("realtime: marshal %s: %w", ev.EventType(), err)
	}
	typeField, _ := json.Marshal(ev.EventType())
	frame["type"] = typeField
	return json.Marshal(frame)
}

// ── Inbound events ────────────────────────────────────────────────────────────

// ErrorDetail is the nested error object in an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ResponseInfo identifies the response a nested server event belongs to.
type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// ServerEvent is the flattened decoding of one inbound frame. Only the fields
// relevant to the received Type are populated; the rest stay zero. Raw holds
// the undecoded frame for unknown types and diagnostics.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// response.audio.delta / response.text.delta /
	// response.audio_transcript.delta / response.function_call_arguments.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// Events scoped to a response carry its id either flat or nested.
	ResponseID string        `json:"response_id,omitempty"`
	ItemID     string        `json:"item_id,omitempty"`
	Response   *ResponseInfo `json:"response,omitempty"`

	// error event
	Error *ErrorDetail `json:"error,omitempty"`

	// Raw is the complete undecoded frame. Never nil after ParseServerEvent.
	Raw json.RawMessage `json:"-"`
}

// ParseServerEvent decodes one inbound frame. A frame without a "type" field
// is malformed and returns an error; a frame with an unrecognised type parses
// successfully (callers decide whether to drop it).
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("realtime: parse server event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("realtime: server event missing type field")
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return &ev, nil
}

// ResponseIDOf returns the response id the event belongs to, preferring the
// flat response_id field and falling back to the nested response object.
func (ev *ServerEvent) ResponseIDOf() string {
	if ev.ResponseID != "" {
		return ev.ResponseID
	}
	if ev.Response != nil {
		return ev.Response.ID
	}
	return ""
}

// AudioPayload base64-decodes the Delta field of a response.audio.delta event.
func (ev *ServerEvent) AudioPayload() ([]byte, error) {
	if ev.Delta == "" {
		return nil, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
	if err != nil {
		return nil, fmt.Errorf("realtime: decode audio delta: %w", err)
	}
	return pcm, nil
}

// KnownServerTypes is the closed set of inbound event types the core handles.
// Events outside this set are logged and dropped by the transport dispatcher.
var KnownServerTypes = map[string]bool{
	TypeSessionCreated:             true,
	TypeSessionUpdated:             true,
	TypeSpeechStarted:              true,
	TypeSpeechStopped:              true,
	TypeConversationItemCreated:    true,
	TypeResponseCreated:            true,
	TypeResponseTextDelta:          true,
	TypeResponseTextDone:           true,
	TypeResponseAudioDelta:         true,
	TypeResponseAudioDone:          true,
	TypeResponseTranscriptDelta:    true,
	TypeResponseTranscriptDone:     true,
	TypeFunctionCallArgumentsDelta: true,
	TypeFunctionCallArgumentsDone:  true,
	TypeResponseDone:               true,
	TypeInputTranscriptionComplete: true,
	TypeError:                      true,
}
