package bus

import "time"

// Topic names the channel a [Message] is published on. The set is closed:
// every payload type below pairs with exactly one topic.
type Topic string

const (
	// TopicVoiceCommand carries recognised user speech (published by cognition).
	TopicVoiceCommand Topic = "voice_command"

	// TopicTextResponse carries assistant text that should be (or was) spoken.
	TopicTextResponse Topic = "text_response"

	// TopicRobotAction carries physical action requests (gestures, movement).
	TopicRobotAction Topic = "robot_action"

	// TopicSpeakingStatus signals playback lifecycle (published by synthesis).
	TopicSpeakingStatus Topic = "speaking_status"

	// TopicListeningStatus signals capture health (published by capture).
	TopicListeningStatus Topic = "listening_status"

	// TopicSpeechDetected signals VAD speech-start (published by capture).
	TopicSpeechDetected Topic = "speech_detected"

	// TopicVisualData carries a captured camera frame (consumed by cognition).
	TopicVisualData Topic = "visual_data"

	// TopicVisualRequest asks the camera subsystem for a snapshot.
	TopicVisualRequest Topic = "visual_request"

	// TopicSystemMode is an advisory mode broadcast from outside the core.
	TopicSystemMode Topic = "system_mode"
)

// VoiceCommand is the payload of [TopicVoiceCommand].
type VoiceCommand struct {
	Text       string
	Confidence float64
	Timestamp  time.Time
}

// TextResponse is the payload of [TopicTextResponse].
type TextResponse struct {
	Text      string
	Voice     string
	Priority  int
	Timestamp time.Time
}

// RobotAction is the payload of [TopicRobotAction].
type RobotAction struct {
	Actions   []string
	Priority  int
	Timestamp time.Time
}

// SpeakingStatus is the payload of [TopicSpeakingStatus].
type SpeakingStatus struct {
	Speaking  bool
	Text      string
	Timestamp time.Time
}

// ListeningStatus is the payload of [TopicListeningStatus]. A non-empty Fault
// means the capture actor has stopped due to persistent device errors.
type ListeningStatus struct {
	Listening bool
	Fault     string
	Timestamp time.Time
}

// SpeechDetected is the payload of [TopicSpeechDetected].
type SpeechDetected struct {
	RMS       float64
	Timestamp time.Time
}

// VisualData is the payload of [TopicVisualData]. ImageData is base64-encoded
// JPEG; it never crosses the realtime session as raw bytes.
type VisualData struct {
	ImageData string
	CaptureID string
}

// VisualRequest is the payload of [TopicVisualRequest].
type VisualRequest struct {
	CaptureID string
	Reason    string
}

// SystemMode is the payload of [TopicSystemMode].
type SystemMode struct {
	Mode string // idle | listening | thinking | speaking
}
