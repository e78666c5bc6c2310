package telephony

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

// ingressQueueSize bounds normalized events waiting on the bridge loop.
const ingressQueueSize = 256

// AudioCodesPeer speaks the normalized vocabulary natively: ingress frames
// are validated and decoded, egress events are marshaled as-is. Audio
// payloads stay in the negotiated media format; mulaw decoding, when
// negotiated, is the ingress pipeline's job.
type AudioCodesPeer struct {
	conn   *Conn
	events chan *event.BridgeEvent

	callID string
}

// NewAudioCodesPeer wraps an upgraded WebSocket and starts its pumps.
func NewAudioCodesPeer(ws *websocket.Conn) *AudioCodesPeer {
	p := &AudioCodesPeer{
		conn:   NewConn(ws),
		events: make(chan *event.BridgeEvent, ingressQueueSize),
	}
	p.conn.Start(p.handleFrame, p.handleClose)
	return p
}

// Events implements Peer.
func (p *AudioCodesPeer) Events() <-chan *event.BridgeEvent {
	return p.events
}

// Channel implements Peer.
func (p *AudioCodesPeer) Channel() string {
	return "audiocodes"
}

// handleFrame translates one wire frame into a normalized event. Malformed
// frames are logged and dropped.
func (p *AudioCodesPeer) handleFrame(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Base().Warn("Dropping undecodable telephony frame",
			zap.String("call_id", p.callID),
			zap.Error(err))
		return
	}

	switch msg.Type {
	case MsgSessionInitiate:
		if msg.CallID == "" || msg.MediaFormat == nil {
			logger.Base().Warn("Dropping session.initiate with missing fields",
				zap.Bool("has_call_id", msg.CallID != ""),
				zap.Bool("has_media_format", msg.MediaFormat != nil))
			return
		}
		p.callID = msg.CallID
		p.deliver(event.NewBridgeEvent(event.TelephonySessionInitiate, msg.CallID).
			WithData(&event.SessionInitiateData{
				CallID:      msg.CallID,
				BotName:     msg.BotName,
				Caller:      msg.Caller,
				MediaFormat: *msg.MediaFormat,
			}))

	case MsgUserStreamStart:
		p.deliver(event.NewBridgeEvent(event.TelephonyStreamStart, p.callID))

	case MsgUserStreamChunk:
		raw, err := audio.DecodeBase64(msg.Audio)
		if err != nil {
			logger.Base().Warn("Dropping chunk with invalid audio payload",
				zap.String("call_id", p.callID),
				zap.Error(err))
			return
		}
		p.deliverAudio(event.NewBridgeEvent(event.TelephonyStreamChunk, p.callID).
			WithData(&event.AudioChunkData{Audio: raw}))

	case MsgUserStreamStop:
		p.deliver(event.NewBridgeEvent(event.TelephonyStreamStop, p.callID))

	case MsgActivities:
		p.deliver(event.NewBridgeEvent(event.TelephonyActivities, p.callID).
			WithData(&event.ActivitiesData{Activities: msg.Activities}))

	case MsgSessionEnd:
		p.deliver(event.NewBridgeEvent(event.TelephonySessionEnd, p.callID).
			WithData(&event.SessionEndData{ReasonCode: msg.ReasonCode, Reason: msg.Reason}))

	default:
		logger.Base().Warn("Dropping unknown telephony message",
			zap.String("call_id", p.callID),
			zap.String("type", msg.Type))
	}
}

// handleClose runs once after the read pump exits. A peer-initiated
// disconnect is surfaced as an event before the channel closes. The conn is
// already down here, so the send must not block.
func (p *AudioCodesPeer) handleClose(err error) {
	if err != nil {
		select {
		case p.events <- event.NewBridgeEvent(event.TelephonyDisconnected, p.callID).WithError(err):
		default:
		}
	}
	close(p.events)
}

// deliver blocks until the bridge loop takes the event or the connection
// dies. Control events must not be dropped.
func (p *AudioCodesPeer) deliver(ev *event.BridgeEvent) {
	select {
	case p.events <- ev:
	case <-p.conn.Done():
	}
}

// deliverAudio drops the frame when the bridge loop is behind; losing one
// ingress frame is cheaper than stalling the read pump.
func (p *AudioCodesPeer) deliverAudio(ev *event.BridgeEvent) {
	select {
	case p.events <- ev:
	default:
		logger.Base().Warn("Ingress queue full, dropping audio frame",
			zap.String("call_id", p.callID))
	}
}

// SendAccepted implements Peer.
func (p *AudioCodesPeer) SendAccepted(format audio.Format) error {
	return p.conn.Send(&Message{Type: MsgSessionAccepted, MediaFormat: &format})
}

// SendStreamStarted implements Peer.
func (p *AudioCodesPeer) SendStreamStarted() error {
	return p.conn.Send(&Message{Type: MsgUserStreamStarted})
}

// SendStreamStopped implements Peer.
func (p *AudioCodesPeer) SendStreamStopped() error {
	return p.conn.Send(&Message{Type: MsgUserStreamStopped})
}

// StartPlayStream implements Peer.
func (p *AudioCodesPeer) StartPlayStream(streamID string, format audio.Format) error {
	return p.conn.Send(&Message{Type: MsgPlayStreamStart, StreamID: streamID, MediaFormat: &format})
}

// SendPlayChunk implements Peer.
func (p *AudioCodesPeer) SendPlayChunk(streamID string, frame []byte) error {
	return p.conn.Send(&Message{
		Type:     MsgPlayStreamChunk,
		StreamID: streamID,
		Audio:    audio.EncodeBase64(frame),
	})
}

// StopPlayStream implements Peer.
func (p *AudioCodesPeer) StopPlayStream(streamID string) error {
	return p.conn.Send(&Message{Type: MsgPlayStreamStop, StreamID: streamID})
}

// ClearPlayback implements Peer. Stopping the play stream already halts
// playback on this platform, so there is nothing extra to flush.
func (p *AudioCodesPeer) ClearPlayback() error {
	return nil
}

// SendActivities implements Peer.
func (p *AudioCodesPeer) SendActivities(activities []event.Activity) error {
	return p.conn.Send(&Message{Type: MsgActivities, Activities: activities})
}

// SendSessionEnd implements Peer.
func (p *AudioCodesPeer) SendSessionEnd(reasonCode, reason string) error {
	return p.conn.Send(&Message{Type: MsgSessionEnd, ReasonCode: reasonCode, Reason: reason})
}

// Close implements Peer.
func (p *AudioCodesPeer) Close() error {
	return p.conn.Close()
}

var _ Peer = (*AudioCodesPeer)(nil)
