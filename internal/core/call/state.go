package call

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-voice-bridge/internal/audio"
	"github.com/ClareAI/astra-voice-bridge/internal/bridgeerr"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
)

// Status is the call lifecycle position. Transitions only move forward.
type Status int

const (
	StatusInitializing Status = iota
	StatusActive
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Record is the call's mutable state. Fields are exported so Snapshot can
// deep-copy the record; access always goes through State's methods.
type Record struct {
	CallID                 string       `json:"call_id"`
	Channel                string       `json:"channel,omitempty"`
	PeerSessionID          string       `json:"peer_session_id,omitempty"`
	Status                 Status       `json:"status"`
	MediaFormat            audio.Format `json:"media_format"`
	MediaFormatSet         bool         `json:"-"`
	TelephonyStreamID      string       `json:"telephony_stream_id,omitempty"`
	TelephonyMediaStreamID string       `json:"telephony_media_stream_id,omitempty"`
	ResponseActive         bool         `json:"response_active"`
	CurrentResponseID      string       `json:"current_response_id,omitempty"`
	ActiveOutputStreamID   string       `json:"active_output_stream_id,omitempty"`
	Caller                 string       `json:"caller,omitempty"`
	BotName                string       `json:"bot_name,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	LastActivityAt         time.Time    `json:"last_activity_at"`
}

// StatusCallback observes a completed status transition. Callbacks are
// fire-and-forget: each runs on its own goroutine and must not be relied on
// for ordering.
type StatusCallback func(from, to Status)

// State owns one call's Record behind a mutex. It is the only mutator of
// call state; everything else reads through Snapshot or the accessors.
type State struct {
	mu        sync.RWMutex
	record    Record
	callbacks []StatusCallback
}

// New creates call state in Initializing. An empty callID gets a fresh UUID.
func New(callID string) *State {
	if callID == "" {
		callID = uuid.NewString()
	}
	now := time.Now().UTC()
	return &State{
		record: Record{
			CallID:         callID,
			Status:         StatusInitializing,
			CreatedAt:      now,
			LastActivityAt: now,
		},
	}
}

// ID returns the immutable call id.
func (s *State) ID() string {
	return s.record.CallID
}

// Status returns the current lifecycle status.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.Status
}

// Transition moves the call forward. Same-status transitions are no-ops so
// repeated closes stay idempotent; moving backward is a state error.
func (s *State) Transition(to Status) error {
	s.mu.Lock()
	from := s.record.Status
	if to == from {
		s.mu.Unlock()
		return nil
	}
	if to < from {
		s.mu.Unlock()
		return bridgeerr.New(bridgeerr.KindState, "call.transition",
			"illegal transition %s -> %s for call %s", from, to, s.record.CallID)
	}
	s.record.Status = to
	s.record.LastActivityAt = time.Now().UTC()
	callbacks := make([]StatusCallback, len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.mu.Unlock()

	logger.Base().Info("Call status changed",
		zap.String("call_id", s.record.CallID),
		zap.String("from", from.String()),
		zap.String("to", to.String()))

	// Fire-and-forget so a slow observer cannot stall the peer loops.
	for _, cb := range callbacks {
		go cb(from, to)
	}
	return nil
}

// OnStatusChange registers a transition observer.
func (s *State) OnStatusChange(cb StatusCallback) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// SetMediaFormat captures the negotiated format. It is invariant for the
// call: a second set attempt is a state error.
func (s *State) SetMediaFormat(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record.MediaFormatSet {
		return bridgeerr.New(bridgeerr.KindState, "call.set_media_format",
			"media format already negotiated for call %s", s.record.CallID)
	}
	s.record.MediaFormat = f
	s.record.MediaFormatSet = true
	return nil
}

// MediaFormat returns the negotiated format and whether it was set.
func (s *State) MediaFormat() (audio.Format, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.MediaFormat, s.record.MediaFormatSet
}

// SetPeerSessionID records the model-assigned session id.
func (s *State) SetPeerSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.PeerSessionID = id
}

// SetTelephonyStreams records the telephony-assigned stream ids.
func (s *State) SetTelephonyStreams(streamID, mediaStreamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if streamID != "" {
		s.record.TelephonyStreamID = streamID
	}
	if mediaStreamID != "" {
		s.record.TelephonyMediaStreamID = mediaStreamID
	}
}

// SetCallerInfo records caller identity captured at negotiation.
func (s *State) SetCallerInfo(caller, botName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Caller = caller
	s.record.BotName = botName
}

// SetChannel records which telephony transport carries the call.
func (s *State) SetChannel(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.Channel = channel
}

// MarkResponseActive flags an in-flight model response. At most one may be
// active; a second activation with a different id is a state error.
func (s *State) MarkResponseActive(responseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record.ResponseActive && s.record.CurrentResponseID != responseID {
		return bridgeerr.New(bridgeerr.KindState, "call.mark_response_active",
			"response %s already active on call %s", s.record.CurrentResponseID, s.record.CallID)
	}
	s.record.ResponseActive = true
	s.record.CurrentResponseID = responseID
	s.record.LastActivityAt = time.Now().UTC()
	return nil
}

// ClearResponseActive ends the in-flight response, if any.
func (s *State) ClearResponseActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.ResponseActive = false
	s.record.CurrentResponseID = ""
}

// ResponseActive reports whether a model response is in flight.
func (s *State) ResponseActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.ResponseActive
}

// CurrentResponseID returns the in-flight response id, empty when none.
func (s *State) CurrentResponseID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.CurrentResponseID
}

// OpenOutputStream records the playback stream toward telephony.
func (s *State) OpenOutputStream(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.ActiveOutputStreamID = streamID
}

// CloseOutputStream clears the playback stream marker.
func (s *State) CloseOutputStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.ActiveOutputStreamID = ""
}

// OutputStreamID returns the open playback stream id, if any.
func (s *State) OutputStreamID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.ActiveOutputStreamID, s.record.ActiveOutputStreamID != ""
}

// TouchActivity refreshes the last-activity timestamp.
func (s *State) TouchActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.LastActivityAt = time.Now().UTC()
}

// LastActivityAt returns the last recorded activity time.
func (s *State) LastActivityAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record.LastActivityAt
}

// Snapshot returns a consistent deep copy of the record.
func (s *State) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Record
	if err := copier.Copy(&snap, &s.record); err != nil {
		logger.Base().Error("Snapshot copy failed", zap.Error(err))
		snap = s.record
	}
	return snap
}
