package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClareAI/astra-voice-bridge/internal/core/bridge"
	"github.com/ClareAI/astra-voice-bridge/internal/core/session"
	"github.com/ClareAI/astra-voice-bridge/internal/domain"
)

func newTestCallAPIRouter(t *testing.T) *mux.Router {
	t.Helper()
	h := NewCallAPIHandler(newTestBridgeManager(t), nil, session.NewManager(nil, "test-pod"))

	router := mux.NewRouter()
	apiRouter := router.PathPrefix("/api").Subrouter()
	h.SetupCallRoutes(apiRouter)
	return router
}

func TestListActiveCallsEmpty(t *testing.T) {
	router := newTestCallAPIRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/calls", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var response ActiveCallsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Zero(t, response.Total)
	assert.Empty(t, response.Calls)
}

func TestGetCallNotFound(t *testing.T) {
	router := newTestCallAPIRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/calls/no-such-call", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndCallNotFound(t *testing.T) {
	router := newTestCallAPIRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/calls/no-such-call/end", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecentCallsWithoutPersistence(t *testing.T) {
	router := newTestCallAPIRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/calls/recent", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestToCallSummaryProjection(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	sess := &domain.CallSession{
		CallID:          "call-1",
		Channel:         domain.ChannelTypeTwilio,
		Caller:          "+15550001111",
		BotName:         "support",
		Status:          domain.CallStatusEnded,
		StartedAt:       now.Add(-time.Minute),
		EndedAt:         now,
		DurationSeconds: 60,
		TurnCount:       4,
		FunctionCalls:   1,
		EndReasonCode:   "normal_completion",
		RecordingURL:    "https://storage.googleapis.com/bucket/call-1/final_stereo.wav",
	}

	summary := toCallSummary(sess)

	assert.Equal(t, "call-1", summary.CallID)
	assert.Equal(t, "twilio", summary.Channel)
	assert.Equal(t, "ended", summary.Status)
	require.NotNil(t, summary.EndedAt)
	assert.Equal(t, now, *summary.EndedAt)
	assert.Equal(t, 60, summary.DurationSeconds)
	assert.Equal(t, 4, summary.TurnCount)
	assert.Equal(t, 1, summary.FunctionCalls)
	assert.Equal(t, sess.RecordingURL, summary.RecordingURL)
}

func TestToCallSummaryLiveSessionHasNoEndedAt(t *testing.T) {
	sess := &domain.CallSession{
		CallID:    "call-2",
		Channel:   domain.ChannelTypeAudioCodes,
		Status:    domain.CallStatusActive,
		StartedAt: time.Now().UTC(),
	}

	summary := toCallSummary(sess)

	assert.Nil(t, summary.EndedAt)
}

func TestStatusForReason(t *testing.T) {
	assert.Equal(t, domain.CallStatusEnded, statusForReason(bridge.ReasonNormalCompletion))
	assert.Equal(t, domain.CallStatusEnded, statusForReason(bridge.ReasonClientHangup))
	assert.Equal(t, domain.CallStatusEnded, statusForReason(bridge.ReasonClientDisconnected))
	assert.Equal(t, domain.CallStatusFailed, statusForReason(bridge.ReasonTransportError))
	assert.Equal(t, domain.CallStatusFailed, statusForReason(bridge.ReasonProtocolError))
	assert.Equal(t, domain.CallStatusFailed, statusForReason(bridge.ReasonInternalError))
}
