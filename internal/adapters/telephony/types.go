// Package telephony adapts platform wire protocols to the normalized event
// vocabulary the bridge core consumes. The AudioCodes-style adapter is a
// near-passthrough of the normalized JSON; the Twilio adapter translates
// Media Streams messages and converts mulaw at the edge, so the core only
// ever sees the normalized vocabulary.
package telephony

import (
	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
)

// Normalized wire message types.
const (
	MsgSessionInitiate   = "session.initiate"
	MsgSessionAccepted   = "session.accepted"
	MsgSessionEnd        = "session.end"
	MsgUserStreamStart   = "userStream.start"
	MsgUserStreamStarted = "userStream.started"
	MsgUserStreamChunk   = "userStream.chunk"
	MsgUserStreamStop    = "userStream.stop"
	MsgUserStreamStopped = "userStream.stopped"
	MsgPlayStreamStart   = "playStream.start"
	MsgPlayStreamChunk   = "playStream.chunk"
	MsgPlayStreamStop    = "playStream.stop"
	MsgActivities        = "activities"
)

// Message is the normalized telephony wire envelope. Which fields are set
// depends on Type; absent fields are omitted on the wire.
type Message struct {
	Type        string           `json:"type"`
	CallID      string           `json:"call_id,omitempty"`
	BotName     string           `json:"bot_name,omitempty"`
	Caller      string           `json:"caller,omitempty"`
	MediaFormat *audio.Format    `json:"media_format,omitempty"`
	Audio       string           `json:"audio,omitempty"`
	StreamID    string           `json:"streamId,omitempty"`
	Activities  []event.Activity `json:"activities,omitempty"`
	ReasonCode  string           `json:"reasonCode,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// Peer is the telephony side of a bridge: normalized ingress events in
// arrival order plus typed egress sends. Implementations translate their
// platform's wire protocol at the edge.
type Peer interface {
	// Events delivers normalized ingress events. The channel closes after
	// the peer disconnects or Close is called; a disconnect not initiated
	// by Close is preceded by a telephony.disconnected event.
	Events() <-chan *event.BridgeEvent

	// Channel names the telephony transport (audiocodes, twilio).
	Channel() string

	// SendAccepted answers session.initiate with the negotiated format.
	SendAccepted(format audio.Format) error

	// SendStreamStarted acknowledges userStream.start.
	SendStreamStarted() error

	// SendStreamStopped acknowledges userStream.stop.
	SendStreamStopped() error

	// StartPlayStream opens an outbound audio stream.
	StartPlayStream(streamID string, format audio.Format) error

	// SendPlayChunk forwards one frame on streamID. The frame is raw bytes
	// in the negotiated media format.
	SendPlayChunk(streamID string, frame []byte) error

	// StopPlayStream closes the outbound stream.
	StopPlayStream(streamID string) error

	// ClearPlayback discards audio the platform has buffered but not yet
	// played out. Called on barge-in before the play stream is stopped.
	ClearPlayback() error

	// SendActivities forwards non-audio actions to the caller's channel.
	SendActivities(activities []event.Activity) error

	// SendSessionEnd tells the platform the call is over.
	SendSessionEnd(reasonCode, reason string) error

	// Close tears the connection down. Idempotent.
	Close() error
}
