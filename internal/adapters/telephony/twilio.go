package telephony

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

// Twilio Media Streams wire schema. Twilio sends base64 mulaw at 8 kHz;
// this peer converts at the edge so the normalized vocabulary carries
// pcm16/8000/1. Reference: https://www.twilio.com/docs/voice/media-streams
type twilioMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Protocol       string       `json:"protocol,omitempty"`
	Version        string       `json:"version,omitempty"`
	Start          *twilioStart `json:"start,omitempty"`
	Media          *twilioMedia `json:"media,omitempty"`
	Mark           *twilioMark  `json:"mark,omitempty"`
	DTMF           *twilioDTMF  `json:"dtmf,omitempty"`
	Stop           *twilioStop  `json:"stop,omitempty"`
}

type twilioStart struct {
	AccountSid       string            `json:"accountSid"`
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      twilioMediaFormat `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type twilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type twilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type twilioMark struct {
	Name string `json:"name"`
}

type twilioDTMF struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type twilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// twilioFormat is what the rest of the bridge sees after edge conversion.
var twilioFormat = audio.Format{
	Encoding:   audio.EncodingPCM16,
	SampleRate: audio.Rate8k,
	Channels:   1,
}

// TwilioPeer adapts a Twilio Media Streams WebSocket to the normalized
// vocabulary. The call id is Twilio's CallSid; an initiate plus stream
// start are synthesized from the start message because media begins
// flowing immediately after it.
type TwilioPeer struct {
	conn   *Conn
	events chan *event.BridgeEvent

	mu         sync.RWMutex
	streamSid  string
	callSid    string
	accountSid string
	started    bool
}

// NewTwilioPeer wraps an upgraded WebSocket and starts its pumps.
func NewTwilioPeer(ws *websocket.Conn) *TwilioPeer {
	p := &TwilioPeer{
		conn:   NewConn(ws),
		events: make(chan *event.BridgeEvent, ingressQueueSize),
	}
	p.conn.Start(p.handleFrame, p.handleClose)
	return p
}

// Events implements Peer.
func (p *TwilioPeer) Events() <-chan *event.BridgeEvent {
	return p.events
}

// Channel implements Peer.
func (p *TwilioPeer) Channel() string {
	return "twilio"
}

// StreamSid returns Twilio's stream identifier, empty before start.
func (p *TwilioPeer) StreamSid() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.streamSid
}

// CallSid returns Twilio's call identifier, empty before start.
func (p *TwilioPeer) CallSid() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.callSid
}

func (p *TwilioPeer) handleFrame(data []byte) {
	var msg twilioMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Base().Warn("Dropping undecodable Twilio frame",
			zap.String("call_id", p.CallSid()),
			zap.Error(err))
		return
	}

	switch msg.Event {
	case "connected":
		logger.Base().Debug("Twilio media stream connected",
			zap.String("protocol", msg.Protocol),
			zap.String("version", msg.Version))

	case "start":
		p.handleStart(&msg)

	case "media":
		p.handleMedia(&msg)

	case "stop":
		p.deliver(event.NewBridgeEvent(event.TelephonySessionEnd, p.CallSid()).
			WithData(&event.SessionEndData{Reason: "media stream stopped"}))

	case "mark":
		if msg.Mark != nil {
			logger.Base().Debug("Twilio mark returned",
				zap.String("call_id", p.CallSid()),
				zap.String("name", msg.Mark.Name))
		}

	case "dtmf":
		if msg.DTMF == nil || msg.DTMF.Digit == "" {
			return
		}
		p.deliver(event.NewBridgeEvent(event.TelephonyActivities, p.CallSid()).
			WithData(&event.ActivitiesData{Activities: []event.Activity{
				{Type: "dtmf", Value: msg.DTMF.Digit},
			}}))

	default:
		logger.Base().Debug("Ignoring Twilio event",
			zap.String("call_id", p.CallSid()),
			zap.String("event", msg.Event))
	}
}

// handleStart captures the stream identity and synthesizes the normalized
// negotiation pair. Twilio repeats nothing, so a duplicate start is dropped.
func (p *TwilioPeer) handleStart(msg *twilioMessage) {
	if msg.Start == nil {
		logger.Base().Warn("Dropping Twilio start without payload")
		return
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		logger.Base().Warn("Dropping duplicate Twilio start",
			zap.String("call_id", msg.Start.CallSid))
		return
	}
	p.started = true
	p.streamSid = msg.Start.StreamSid
	p.callSid = msg.Start.CallSid
	p.accountSid = msg.Start.AccountSid
	p.mu.Unlock()

	logger.Base().Info("Twilio media stream started",
		zap.String("call_id", msg.Start.CallSid),
		zap.String("stream_sid", msg.Start.StreamSid),
		zap.Strings("tracks", msg.Start.Tracks),
		zap.String("encoding", msg.Start.MediaFormat.Encoding),
		zap.Int("sample_rate", msg.Start.MediaFormat.SampleRate))

	p.deliver(event.NewBridgeEvent(event.TelephonySessionInitiate, msg.Start.CallSid).
		WithData(&event.SessionInitiateData{
			CallID:      msg.Start.CallSid,
			BotName:     msg.Start.CustomParameters["bot_name"],
			Caller:      msg.Start.CustomParameters["caller"],
			MediaFormat: twilioFormat,
		}))
	p.deliver(event.NewBridgeEvent(event.TelephonyStreamStart, msg.Start.CallSid))
}

// handleMedia decodes one inbound frame: base64 mulaw in, pcm16 at 8 kHz
// out. Outbound-track echoes are ignored.
func (p *TwilioPeer) handleMedia(msg *twilioMessage) {
	if msg.Media == nil || msg.Media.Payload == "" {
		return
	}
	if msg.Media.Track != "" && msg.Media.Track != "inbound" {
		return
	}

	mulaw, err := audio.DecodeBase64(msg.Media.Payload)
	if err != nil {
		logger.Base().Warn("Dropping Twilio media with invalid payload",
			zap.String("call_id", p.CallSid()),
			zap.Error(err))
		return
	}

	p.deliverAudio(event.NewBridgeEvent(event.TelephonyStreamChunk, p.CallSid()).
		WithData(&event.AudioChunkData{Audio: audio.MulawToPCM16(mulaw)}))
}

func (p *TwilioPeer) handleClose(err error) {
	if err != nil {
		select {
		case p.events <- event.NewBridgeEvent(event.TelephonyDisconnected, p.CallSid()).WithError(err):
		default:
		}
	}
	close(p.events)
}

func (p *TwilioPeer) deliver(ev *event.BridgeEvent) {
	select {
	case p.events <- ev:
	case <-p.conn.Done():
	}
}

func (p *TwilioPeer) deliverAudio(ev *event.BridgeEvent) {
	select {
	case p.events <- ev:
	default:
		logger.Base().Warn("Ingress queue full, dropping audio frame",
			zap.String("call_id", p.CallSid()))
	}
}

// SendAccepted implements Peer. Twilio has no accept message; media flows
// as soon as the stream starts.
func (p *TwilioPeer) SendAccepted(format audio.Format) error {
	return nil
}

// SendStreamStarted implements Peer.
func (p *TwilioPeer) SendStreamStarted() error {
	return nil
}

// SendStreamStopped implements Peer.
func (p *TwilioPeer) SendStreamStopped() error {
	return nil
}

// StartPlayStream implements Peer. Twilio opens no stream for outbound
// audio; chunks are self-contained media messages.
func (p *TwilioPeer) StartPlayStream(streamID string, format audio.Format) error {
	return nil
}

// SendPlayChunk implements Peer. The frame arrives as pcm16 at 8 kHz and
// leaves as base64 mulaw.
func (p *TwilioPeer) SendPlayChunk(streamID string, frame []byte) error {
	sid := p.StreamSid()
	if sid == "" {
		return nil
	}

	mulaw, err := audio.PCM16ToMulaw(frame)
	if err != nil {
		logger.Base().Warn("Dropping outbound frame that failed mulaw encode",
			zap.String("call_id", p.CallSid()),
			zap.Error(err))
		return nil
	}

	return p.conn.Send(&twilioMessage{
		Event:     "media",
		StreamSid: sid,
		Media:     &twilioMedia{Payload: audio.EncodeBase64(mulaw)},
	})
}

// StopPlayStream implements Peer. A mark named after the stream lets the
// playback tail be traced in Twilio's debugger.
func (p *TwilioPeer) StopPlayStream(streamID string) error {
	sid := p.StreamSid()
	if sid == "" {
		return nil
	}
	return p.conn.Send(&twilioMessage{
		Event:     "mark",
		StreamSid: sid,
		Mark:      &twilioMark{Name: streamID},
	})
}

// ClearPlayback implements Peer. The clear message flushes audio Twilio has
// buffered but not yet played, which is what makes barge-in audible.
func (p *TwilioPeer) ClearPlayback() error {
	sid := p.StreamSid()
	if sid == "" {
		return nil
	}
	logger.Base().Info("Clearing Twilio playback buffer",
		zap.String("call_id", p.CallSid()))
	return p.conn.Send(&twilioMessage{
		Event:     "clear",
		StreamSid: sid,
	})
}

// SendActivities implements Peer. Media Streams has no display channel.
func (p *TwilioPeer) SendActivities(activities []event.Activity) error {
	return nil
}

// SendSessionEnd implements Peer. There is no end message; closing the
// socket ends the stream, so the reason is only logged here.
func (p *TwilioPeer) SendSessionEnd(reasonCode, reason string) error {
	logger.Base().Info("Ending Twilio media stream",
		zap.String("call_id", p.CallSid()),
		zap.String("reason_code", reasonCode),
		zap.String("reason", reason))
	return nil
}

// Close implements Peer.
func (p *TwilioPeer) Close() error {
	return p.conn.Close()
}

var _ Peer = (*TwilioPeer)(nil)
