package local

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

const (
	defaultTranscript      = "Hello! This is the local model. How can I help you today?"
	defaultResponseAudioMs = 600
	defaultChunkMs         = 100
	defaultOutputRate      = audio.Rate24k
	defaultInputRate       = audio.Rate16k
	toneFrequencyHz        = 440.0
	toneAmplitude          = 8000
)

// FunctionCallScript makes the server's first response a function call
// instead of audio, for driving the tool dispatch path end to end.
type FunctionCallScript struct {
	Name      string
	Arguments string
}

// ServerOptions tunes the substitute's synthesized responses.
type ServerOptions struct {
	// Transcript is attached to every audio response.
	Transcript string

	// ResponseAudioMs is the synthesized tone length when no caller audio
	// has been committed yet. Committed audio is echoed back instead.
	ResponseAudioMs int

	// ChunkMs is the delta size for streamed response audio.
	ChunkMs int

	// OutputRate is the PCM16 rate of response audio.
	OutputRate int

	// InputRate is the PCM16 rate the server assumes for appended audio.
	InputRate int

	// DeltaInterval paces audio deltas. Zero streams them back to back.
	DeltaInterval time.Duration

	// FunctionCall, when set, is emitted once as the first response.
	FunctionCall *FunctionCallScript
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.Transcript == "" {
		o.Transcript = defaultTranscript
	}
	if o.ResponseAudioMs <= 0 {
		o.ResponseAudioMs = defaultResponseAudioMs
	}
	if o.ChunkMs <= 0 {
		o.ChunkMs = defaultChunkMs
	}
	if o.OutputRate <= 0 {
		o.OutputRate = defaultOutputRate
	}
	if o.InputRate <= 0 {
		o.InputRate = defaultInputRate
	}
	return o
}

// Server is a WebSocket model substitute. Each accepted connection gets a
// session that honors session.update, input_audio_buffer.{append,commit,clear},
// response.{create,cancel}, and conversation.item.create, answering with the
// corresponding server events in the same order a real peer would.
type Server struct {
	opts     ServerOptions
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// NewServer creates a substitute server with the given options.
func NewServer(opts ServerOptions) *Server {
	return &Server{
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the WebSocket endpoint handler, also usable under httptest.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// ListenAndServe blocks serving the substitute on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	logger.Base().Info("Local model substitute listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("Local model upgrade failed", zap.Error(err))
		return
	}

	sess := &modelSession{
		id:   "sess_" + shortID(),
		ws:   ws,
		opts: s.opts,
	}
	logger.Base().Info("Local model session opened", zap.String("session_id", sess.id))
	sess.run()
}

// modelSession is one connected peer's conversation state.
type modelSession struct {
	id   string
	ws   *websocket.Conn
	opts ServerOptions

	writeMu sync.Mutex

	mu            sync.Mutex
	autoRespond   bool
	pending       []byte
	lastSegment   []byte
	responding    bool
	cancelCurrent chan struct{}
	functionFired bool
}

func (s *modelSession) run() {
	defer s.ws.Close()

	s.send(map[string]interface{}{
		"type": "session.created",
		"session": map[string]interface{}{
			"id":    s.id,
			"model": "local-substitute",
		},
	})

	for {
		_, message, err := s.ws.ReadMessage()
		if err != nil {
			logger.Base().Info("Local model session closed",
				zap.String("session_id", s.id),
				zap.Error(err))
			return
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(message, &raw); err != nil {
			s.sendError("invalid_request_error", "event is not valid JSON")
			continue
		}
		s.handle(raw)
	}
}

func (s *modelSession) handle(raw map[string]interface{}) {
	eventType, _ := raw["type"].(string)

	switch eventType {
	case "session.update":
		session, _ := raw["session"].(map[string]interface{})
		s.applySessionUpdate(session)
		s.send(map[string]interface{}{
			"type":    "session.updated",
			"session": session,
		})

	case "input_audio_buffer.append":
		encoded, _ := raw["audio"].(string)
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.sendError("invalid_request_error", "audio is not valid base64")
			return
		}
		s.mu.Lock()
		s.pending = append(s.pending, data...)
		s.mu.Unlock()

	case "input_audio_buffer.commit":
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			s.sendError("input_audio_buffer_commit_empty", "commit with no appended audio")
			return
		}
		s.lastSegment = s.pending
		s.pending = nil
		auto := s.autoRespond
		s.mu.Unlock()

		s.send(map[string]interface{}{
			"type":    "input_audio_buffer.committed",
			"item_id": "item_" + shortID(),
		})
		if auto {
			s.startResponse()
		}

	case "input_audio_buffer.clear":
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		s.send(map[string]interface{}{"type": "input_audio_buffer.cleared"})

	case "response.create":
		s.startResponse()

	case "response.cancel":
		s.mu.Lock()
		if s.responding && s.cancelCurrent != nil {
			close(s.cancelCurrent)
			s.cancelCurrent = nil
		}
		s.mu.Unlock()

	case "conversation.item.create":
		item, _ := raw["item"].(map[string]interface{})
		if item == nil {
			s.sendError("invalid_request_error", "conversation.item.create requires an item")
			return
		}
		if _, ok := item["id"]; !ok {
			item["id"] = "item_" + shortID()
		}
		s.send(map[string]interface{}{
			"type": "conversation.item.created",
			"item": item,
		})

	default:
		s.sendError("unknown_event_type", "unsupported event type: "+eventType)
	}
}

func (s *modelSession) applySessionUpdate(session map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.autoRespond = false
	td, _ := session["turn_detection"].(map[string]interface{})
	if td != nil {
		if create, ok := td["create_response"].(bool); ok {
			s.autoRespond = create
		}
	}
}

func (s *modelSession) startResponse() {
	s.mu.Lock()
	if s.responding {
		s.mu.Unlock()
		s.sendError("conversation_already_has_active_response", "a response is already in progress")
		return
	}
	s.responding = true
	cancel := make(chan struct{})
	s.cancelCurrent = cancel
	fireFunction := s.opts.FunctionCall != nil && !s.functionFired
	if fireFunction {
		s.functionFired = true
	}
	segment := s.lastSegment
	s.mu.Unlock()

	go s.respond(cancel, fireFunction, segment)
}

// respond streams one synthesized response: either the scripted function
// call, or audio deltas followed by a transcript and the terminal done.
func (s *modelSession) respond(cancel chan struct{}, fireFunction bool, segment []byte) {
	defer func() {
		s.mu.Lock()
		s.responding = false
		s.cancelCurrent = nil
		s.mu.Unlock()
	}()

	responseID := "resp_" + shortID()
	s.send(map[string]interface{}{
		"type": "response.created",
		"response": map[string]interface{}{
			"id":     responseID,
			"status": "in_progress",
		},
	})

	if fireFunction {
		s.respondFunctionCall(responseID)
		return
	}

	itemID := "item_" + shortID()
	pcm := s.responseAudio(segment)
	chunks, err := audio.Chunk(pcm, s.opts.ChunkMs, s.opts.OutputRate)
	if err != nil {
		s.sendError("internal_error", "response audio synthesis failed: "+err.Error())
		return
	}

	cancelled := false
	for _, chunk := range chunks {
		select {
		case <-cancel:
			cancelled = true
		default:
		}
		if cancelled {
			break
		}
		s.send(map[string]interface{}{
			"type":        "response.audio.delta",
			"response_id": responseID,
			"item_id":     itemID,
			"delta":       base64.StdEncoding.EncodeToString(chunk),
		})
		if s.opts.DeltaInterval > 0 {
			select {
			case <-cancel:
				cancelled = true
			case <-time.After(s.opts.DeltaInterval):
			}
		}
	}

	if cancelled {
		s.send(map[string]interface{}{
			"type": "response.done",
			"response": map[string]interface{}{
				"id":     responseID,
				"status": "cancelled",
			},
		})
		return
	}

	s.send(map[string]interface{}{
		"type":        "response.audio.done",
		"response_id": responseID,
		"item_id":     itemID,
	})
	s.send(map[string]interface{}{
		"type":        "response.audio_transcript.delta",
		"response_id": responseID,
		"item_id":     itemID,
		"delta":       s.opts.Transcript,
	})
	s.send(map[string]interface{}{
		"type":        "response.audio_transcript.done",
		"response_id": responseID,
		"item_id":     itemID,
		"transcript":  s.opts.Transcript,
	})
	s.send(map[string]interface{}{
		"type": "response.done",
		"response": map[string]interface{}{
			"id":     responseID,
			"status": "completed",
			"usage":  s.usage(segment, pcm),
		},
	})
}

func (s *modelSession) respondFunctionCall(responseID string) {
	script := s.opts.FunctionCall
	itemID := "item_" + shortID()
	functionCallID := "call_" + shortID()

	s.send(map[string]interface{}{
		"type":        "response.output_item.added",
		"response_id": responseID,
		"item": map[string]interface{}{
			"id":      itemID,
			"type":    "function_call",
			"name":    script.Name,
			"call_id": functionCallID,
		},
	})

	// Arguments arrive in two fragments to exercise delta accumulation.
	args := script.Arguments
	half := len(args) / 2
	for _, delta := range []string{args[:half], args[half:]} {
		if delta == "" {
			continue
		}
		s.send(map[string]interface{}{
			"type":        "response.function_call_arguments.delta",
			"response_id": responseID,
			"item_id":     itemID,
			"call_id":     functionCallID,
			"delta":       delta,
		})
	}
	s.send(map[string]interface{}{
		"type":        "response.function_call_arguments.done",
		"response_id": responseID,
		"item_id":     itemID,
		"call_id":     functionCallID,
		"name":        script.Name,
		"arguments":   args,
	})
	s.send(map[string]interface{}{
		"type": "response.done",
		"response": map[string]interface{}{
			"id":     responseID,
			"status": "completed",
		},
	})
}

// responseAudio echoes the last committed caller segment resampled to the
// output rate, or a sine tone when the caller has not spoken yet.
func (s *modelSession) responseAudio(segment []byte) []byte {
	if len(segment) > 0 {
		out, err := audio.Resample(segment, s.opts.InputRate, s.opts.OutputRate)
		if err == nil {
			return out
		}
		logger.Base().Warn("Echo resample failed, falling back to tone",
			zap.String("session_id", s.id),
			zap.Error(err))
	}
	return tonePCM16(s.opts.OutputRate, s.opts.ResponseAudioMs)
}

func (s *modelSession) usage(segment, pcm []byte) map[string]interface{} {
	// Rough token counts proportional to audio length, enough for metrics
	// plumbing to have something real to carry.
	input := len(segment) / 3200
	output := len(pcm) / 4800
	return map[string]interface{}{
		"total_tokens":  input + output,
		"input_tokens":  input,
		"output_tokens": output,
	}
}

func (s *modelSession) send(event map[string]interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteJSON(event); err != nil {
		logger.Base().Debug("Local model write failed",
			zap.String("session_id", s.id),
			zap.Error(err))
	}
}

func (s *modelSession) sendError(code, message string) {
	s.send(map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "invalid_request_error",
			"code":    code,
			"message": message,
		},
	})
}

func tonePCM16(sampleRate, durationMs int) []byte {
	n := sampleRate * durationMs / 1000
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(toneAmplitude * math.Sin(2*math.Pi*toneFrequencyHz*t))
	}
	return audio.SamplesToBytes(samples)
}

func shortID() string {
	return uuid.NewString()[:8]
}
