package handler

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ClareAI/astra-voice-bridge/internal/adapters/telephony"
	"github.com/ClareAI/astra-voice-bridge/internal/core/bridge"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/ClareAI/astra-voice-bridge/pkg/twilio"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader accepts telephony WebSocket connections. Origin checks are
// skipped because the callers are media servers, not browsers.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// VoiceHandler terminates the telephony transports and hands every accepted
// connection to the bridge manager.
type VoiceHandler struct {
	manager       *bridge.Manager
	callControl   *twilio.CallControlService
	publicBaseURL string
}

// NewVoiceHandler creates a voice handler
func NewVoiceHandler(manager *bridge.Manager, callControl *twilio.CallControlService, publicBaseURL string) *VoiceHandler {
	return &VoiceHandler{
		manager:       manager,
		callControl:   callControl,
		publicBaseURL: publicBaseURL,
	}
}

// SetupVoiceRoutes registers the telephony endpoints
func (h *VoiceHandler) SetupVoiceRoutes(router *mux.Router) {
	router.HandleFunc("/voice/ws", h.HandleVoiceWS).Methods("GET")
	router.HandleFunc("/twilio/voice", h.HandleTwilioVoice).Methods("POST")
	router.HandleFunc("/twilio/stream", h.HandleTwilioStream).Methods("GET")
}

// HandleVoiceWS upgrades an AudioCodes-style connection and runs the call
// to completion on this goroutine. The HTTP request stays open for the
// lifetime of the call.
func (h *VoiceHandler) HandleVoiceWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	peer := telephony.NewAudioCodesPeer(ws)
	if err := h.manager.Run(peer); err != nil {
		logger.Base().Warn("voice session ended with error",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
	}
}

// HandleTwilioStream upgrades a Twilio Media Streams connection opened by
// the <Stream> verb returned from the voice webhook.
func (h *VoiceHandler) HandleTwilioStream(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("twilio stream upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	peer := telephony.NewTwilioPeer(ws)
	if err := h.manager.Run(peer); err != nil {
		logger.Base().Warn("twilio session ended with error",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
	}
}

// HandleTwilioVoice answers Twilio's incoming-call webhook with TwiML that
// connects the call's media stream back to this service.
func (h *VoiceHandler) HandleTwilioVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		params[key] = r.PostForm.Get(key)
	}
	signature := r.Header.Get("X-Twilio-Signature")
	if !h.callControl.ValidateRequest(h.webhookURL(r), params, signature) {
		logger.Base().Warn("rejected twilio webhook with bad signature",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("call_sid", r.PostForm.Get("CallSid")))
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	twiml, err := twilio.StreamTwiML(h.streamURL(r))
	if err != nil {
		logger.Base().Error("failed to render twiml", zap.Error(err))
		http.Error(w, "failed to render response", http.StatusInternalServerError)
		return
	}

	logger.Base().Info("answering twilio call",
		zap.String("call_sid", r.PostForm.Get("CallSid")),
		zap.String("from", r.PostForm.Get("From")))

	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(twiml))
}

// webhookURL reconstructs the public URL Twilio signed. Behind a proxy the
// request URL is not the URL the signature covers, so the configured public
// base wins when set.
func (h *VoiceHandler) webhookURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return strings.TrimRight(h.publicBaseURL, "/") + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
}

// streamURL is the WebSocket endpoint the returned TwiML points the media
// stream at.
func (h *VoiceHandler) streamURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		if base, err := url.Parse(h.publicBaseURL); err == nil && base.Host != "" {
			scheme := "wss"
			if base.Scheme == "http" {
				scheme = "ws"
			}
			return fmt.Sprintf("%s://%s/twilio/stream", scheme, base.Host)
		}
	}
	return fmt.Sprintf("wss://%s/twilio/stream", r.Host)
}
