package handler

import (
	"context"
	"path/filepath"
	"time"

	"github.com/ClareAI/astra-voice-bridge/internal/core/bridge"
	"github.com/ClareAI/astra-voice-bridge/internal/core/call"
	"github.com/ClareAI/astra-voice-bridge/internal/core/session"
	"github.com/ClareAI/astra-voice-bridge/internal/domain"
	"github.com/ClareAI/astra-voice-bridge/pkg/logger"
	"github.com/ClareAI/astra-voice-bridge/pkg/pubsub"
	"go.uber.org/zap"
)

// hookTimeout bounds the backend work done for one lifecycle transition.
// Hooks run off the bridge event pump, so a slow backend delays only its
// own call's bookkeeping.
const hookTimeout = 10 * time.Second

// onCallActive runs once per call after negotiation completes. It registers
// the call in the cross-pod session registry and opens its history row.
func (hm *HandlerManager) onCallActive(record call.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	if hm.sessionManager.Enabled() {
		err := hm.sessionManager.Register(ctx, session.Info{
			CallID:    record.CallID,
			Channel:   record.Channel,
			Caller:    record.Caller,
			BotName:   record.BotName,
			StartedAt: record.CreatedAt,
		})
		if err != nil {
			logger.Base().Warn("failed to register call in session registry",
				zap.String("call_id", record.CallID),
				zap.Error(err))
		}
	}

	if hm.repoManager != nil {
		sess := &domain.CallSession{
			CallID:        record.CallID,
			Channel:       domain.ChannelType(record.Channel),
			Caller:        record.Caller,
			BotName:       record.BotName,
			PeerSessionID: record.PeerSessionID,
			MediaFormat:   record.MediaFormat.String(),
			Status:        domain.CallStatusActive,
			StartedAt:     record.CreatedAt,
		}
		if err := hm.repoManager.CallSessions().Create(ctx, sess); err != nil {
			logger.Base().Error("failed to persist call session",
				zap.String("call_id", record.CallID),
				zap.Error(err))
		}
	}
}

// onCallClosed runs once per call after teardown. It finalizes the history
// row, publishes metrics, and releases the telephony leg where the platform
// needs an explicit completion.
func (hm *HandlerManager) onCallClosed(summary bridge.Summary) {
	record := summary.Record
	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	if hm.sessionManager.Enabled() {
		if err := hm.sessionManager.Unregister(ctx, record.CallID); err != nil {
			logger.Base().Warn("failed to unregister call from session registry",
				zap.String("call_id", record.CallID),
				zap.Error(err))
		}
	}

	hm.persistClosedCall(ctx, summary)
	hm.publishCallMetrics(ctx, summary)

	// Twilio keeps the PSTN leg up after the stream closes; the call id of
	// a twilio-channel call is its CallSid.
	if record.Channel == string(domain.ChannelTypeTwilio) && hm.callControl.IsEnabled() {
		if err := hm.callControl.CompleteCall(record.CallID); err != nil {
			logger.Base().Warn("failed to complete twilio call",
				zap.String("call_sid", record.CallID),
				zap.Error(err))
		}
	}
}

// persistClosedCall writes the final state of one call to the repository.
func (hm *HandlerManager) persistClosedCall(ctx context.Context, summary bridge.Summary) {
	if hm.repoManager == nil {
		return
	}
	record := summary.Record

	sess, err := hm.repoManager.CallSessions().GetByCallID(ctx, record.CallID)
	if err != nil {
		logger.Base().Error("failed to load call session for finalize",
			zap.String("call_id", record.CallID),
			zap.Error(err))
		return
	}
	if sess == nil {
		// The insert at call start may have failed; keep what we still know.
		sess = &domain.CallSession{
			CallID:        record.CallID,
			Channel:       domain.ChannelType(record.Channel),
			Caller:        record.Caller,
			BotName:       record.BotName,
			PeerSessionID: record.PeerSessionID,
			MediaFormat:   record.MediaFormat.String(),
			StartedAt:     summary.StartedAt,
		}
		if err := hm.repoManager.CallSessions().Create(ctx, sess); err != nil {
			logger.Base().Error("failed to persist call session",
				zap.String("call_id", record.CallID),
				zap.Error(err))
			return
		}
	}

	sess.Status = statusForReason(summary.ReasonCode)
	sess.EndedAt = summary.EndedAt
	sess.TurnCount = summary.TurnCount
	sess.FunctionCalls = summary.FunctionCalls
	sess.EndReasonCode = summary.ReasonCode
	sess.EndReason = summary.Reason
	sess.RecordingPath = summary.RecordingDir
	if hm.gcsClient != nil && summary.RecordingDir != "" {
		sess.RecordingURL = hm.gcsClient.ObjectURL(filepath.Base(summary.RecordingDir))
	}
	if summary.Usage.TotalTokens > 0 {
		sess.Metadata = domain.JSONB{
			"total_tokens":  summary.Usage.TotalTokens,
			"input_tokens":  summary.Usage.InputTokens,
			"output_tokens": summary.Usage.OutputTokens,
		}
	}
	if err := hm.repoManager.CallSessions().EndSession(ctx, sess); err != nil {
		logger.Base().Error("failed to finalize call session",
			zap.String("call_id", record.CallID),
			zap.Error(err))
		return
	}

	if len(summary.Transcript) > 0 {
		turns := make([]*domain.CallTurn, 0, len(summary.Transcript))
		for _, turn := range summary.Transcript {
			turns = append(turns, &domain.CallTurn{
				SessionID: sess.ID,
				Role:      turn.Role,
				Content:   turn.Text,
				SpokenAt:  turn.SpokenAt,
			})
		}
		if err := hm.repoManager.CallTurns().CreateBatch(ctx, turns); err != nil {
			logger.Base().Error("failed to persist call transcript",
				zap.String("call_id", record.CallID),
				zap.Int("turns", len(turns)),
				zap.Error(err))
		}
	}
}

// publishCallMetrics emits the per-call metrics event.
func (hm *HandlerManager) publishCallMetrics(ctx context.Context, summary bridge.Summary) {
	if hm.pubsubService == nil {
		return
	}
	record := summary.Record

	endedAt := summary.EndedAt
	metrics := pubsub.CallMetricsEvent{
		CallID:          record.CallID,
		Channel:         record.Channel,
		Caller:          record.Caller,
		BotName:         record.BotName,
		StartedAt:       summary.StartedAt,
		EndedAt:         &endedAt,
		DurationSeconds: int(summary.EndedAt.Sub(summary.StartedAt).Seconds()),
		TurnCount:       summary.TurnCount,
		FunctionCalls:   summary.FunctionCalls,
		TotalTokens:     summary.Usage.TotalTokens,
		EndReasonCode:   summary.ReasonCode,
		EndReason:       summary.Reason,
	}
	if err := hm.pubsubService.PublishCallMetricsEvent(ctx, metrics); err != nil {
		logger.Base().Error("failed to publish call metrics",
			zap.String("call_id", record.CallID),
			zap.Error(err))
	}
}

// statusForReason maps a session end reason to the stored call status.
func statusForReason(reasonCode string) string {
	switch reasonCode {
	case bridge.ReasonTransportError, bridge.ReasonProtocolError,
		bridge.ReasonAudioError, bridge.ReasonInternalError:
		return domain.CallStatusFailed
	default:
		return domain.CallStatusEnded
	}
}
