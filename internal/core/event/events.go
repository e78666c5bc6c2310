package event

import (
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/vad"
)

// EventType identifies a routed event.
type EventType string

const (
	// Telephony peer events, already normalized by the adapter.
	TelephonySessionInitiate EventType = "telephony.session.initiate"
	TelephonyStreamStart     EventType = "telephony.userStream.start"
	TelephonyStreamChunk     EventType = "telephony.userStream.chunk"
	TelephonyStreamStop      EventType = "telephony.userStream.stop"
	TelephonyActivities      EventType = "telephony.activities"
	TelephonySessionEnd      EventType = "telephony.session.end"
	TelephonyDisconnected    EventType = "telephony.disconnected"

	// Model peer events in the Realtime vocabulary.
	ModelSessionCreated    EventType = "model.session.created"
	ModelSessionUpdated    EventType = "model.session.updated"
	ModelResponseCreated   EventType = "model.response.created"
	ModelAudioDelta        EventType = "model.response.audio.delta"
	ModelAudioDone         EventType = "model.response.audio.done"
	ModelTranscriptDelta   EventType = "model.response.audio_transcript.delta"
	ModelTranscriptDone    EventType = "model.response.audio_transcript.done"
	ModelInputTranscript   EventType = "model.input_audio_transcription.completed"
	ModelFunctionArgsDelta EventType = "model.response.function_call_arguments.delta"
	ModelFunctionArgsDone  EventType = "model.response.function_call_arguments.done"
	ModelResponseDone      EventType = "model.response.done"
	ModelResponseCancelled EventType = "model.response.cancelled"
	ModelError             EventType = "model.error"
	ModelDisconnected      EventType = "model.disconnected"

	// Speech detection events from the ingress pipeline.
	SpeechStarted EventType = "vad.speech.started"
	SpeechStopped EventType = "vad.speech.stopped"

	// Call lifecycle.
	CallStatusChanged EventType = "call.status.changed"
)

// BridgeEvent is the envelope dispatched through the router.
type BridgeEvent struct {
	Type      EventType   `json:"type"`
	CallID    string      `json:"call_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     error       `json:"error,omitempty"`
}

// SessionInitiateData carries the negotiation request from telephony.
type SessionInitiateData struct {
	CallID      string       `json:"call_id"`
	BotName     string       `json:"bot_name,omitempty"`
	Caller      string       `json:"caller,omitempty"`
	MediaFormat audio.Format `json:"media_format"`
}

// AudioChunkData carries one decoded ingress frame.
type AudioChunkData struct {
	StreamID string `json:"stream_id,omitempty"`
	Audio    []byte `json:"-"`
}

// Activity is a non-audio telephony action, currently DTMF key presses.
type Activity struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// ActivitiesData wraps a batch of telephony activities.
type ActivitiesData struct {
	Activities []Activity `json:"activities"`
}

// SessionEndData carries the close reason from either direction.
type SessionEndData struct {
	ReasonCode string `json:"reasonCode,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// SessionCreatedData carries the model-side session identity.
type SessionCreatedData struct {
	PeerSessionID string `json:"peer_session_id"`
}

// ResponseData marks response lifecycle boundaries.
type ResponseData struct {
	ResponseID string         `json:"response_id"`
	Status     string         `json:"status,omitempty"`
	Usage      *ResponseUsage `json:"usage,omitempty"`
}

// ResponseUsage carries token accounting reported on response completion.
type ResponseUsage struct {
	TotalTokens  int `json:"total_tokens"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AudioDeltaData carries one egress audio fragment.
type AudioDeltaData struct {
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id,omitempty"`
	Audio      string `json:"-"` // base64 PCM16 at the model output rate
}

// TranscriptData carries a transcript fragment, model- or user-side.
type TranscriptData struct {
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	Role       string `json:"role"`
	Text       string `json:"text"`
	Final      bool   `json:"final"`
}

// FunctionCallData carries streamed tool-call argument fragments and the
// terminal done payload.
type FunctionCallData struct {
	FunctionCallID string `json:"function_call_id"`
	Name           string `json:"name,omitempty"`
	Delta          string `json:"delta,omitempty"`
	Arguments      string `json:"arguments,omitempty"`
	OutputItemID   string `json:"output_item_id,omitempty"`
}

// ModelErrorData carries a model-side error event.
type ModelErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// SpeechData carries a VAD transition observed on the ingress path.
type SpeechData struct {
	Result vad.Result `json:"result"`
}

// StatusChangeData reports a call status transition.
type StatusChangeData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NewBridgeEvent builds an event stamped with the current time.
func NewBridgeEvent(eventType EventType, callID string) *BridgeEvent {
	return &BridgeEvent{
		Type:      eventType,
		CallID:    callID,
		Timestamp: time.Now().UTC(),
	}
}

// WithData attaches a payload.
func (e *BridgeEvent) WithData(data interface{}) *BridgeEvent {
	e.Data = data
	return e
}

// WithError attaches an error.
func (e *BridgeEvent) WithError(err error) *BridgeEvent {
	e.Error = err
	return e
}

// IsError reports whether the event carries an error.
func (e *BridgeEvent) IsError() bool {
	return e.Error != nil
}

// GetAudioChunk returns the ingress chunk payload if present.
func (e *BridgeEvent) GetAudioChunk() (*AudioChunkData, bool) {
	data, ok := e.Data.(*AudioChunkData)
	return data, ok
}

// GetAudioDelta returns the egress delta payload if present.
func (e *BridgeEvent) GetAudioDelta() (*AudioDeltaData, bool) {
	data, ok := e.Data.(*AudioDeltaData)
	return data, ok
}

// GetFunctionCall returns the tool-call payload if present.
func (e *BridgeEvent) GetFunctionCall() (*FunctionCallData, bool) {
	data, ok := e.Data.(*FunctionCallData)
	return data, ok
}

// GetSpeech returns the VAD payload if present.
func (e *BridgeEvent) GetSpeech() (*SpeechData, bool) {
	data, ok := e.Data.(*SpeechData)
	return data, ok
}
