// Package model connects the bridge to a realtime model peer: provider
// selection, the wire transport, and translation of raw wire events into the
// normalized event vocabulary the rest of the core consumes.
package model

import (
	"github.com/ClareAI/astra-voice-bridge/internal/core/event"
)

const sessionExpiredCode = "session_expired"

// TranslateServerEvent converts one decoded wire event from the model peer
// into a BridgeEvent. Events with no normalized counterpart (buffer acks,
// rate limit notices, item bookkeeping) translate to nil and are dropped by
// the caller after logging.
func TranslateServerEvent(callID string, raw map[string]interface{}) *event.BridgeEvent {
	eventType, _ := raw["type"].(string)

	switch eventType {
	case "session.created":
		session := objectField(raw, "session")
		return event.NewBridgeEvent(event.ModelSessionCreated, callID).
			WithData(&event.SessionCreatedData{
				PeerSessionID: stringField(session, "id"),
			})

	case "session.updated":
		return event.NewBridgeEvent(event.ModelSessionUpdated, callID)

	case "response.created":
		response := objectField(raw, "response")
		return event.NewBridgeEvent(event.ModelResponseCreated, callID).
			WithData(&event.ResponseData{
				ResponseID: stringField(response, "id"),
				Status:     stringField(response, "status"),
			})

	case "response.audio.delta":
		return event.NewBridgeEvent(event.ModelAudioDelta, callID).
			WithData(&event.AudioDeltaData{
				ResponseID: stringField(raw, "response_id"),
				ItemID:     stringField(raw, "item_id"),
				Audio:      stringField(raw, "delta"),
			})

	case "response.audio.done":
		return event.NewBridgeEvent(event.ModelAudioDone, callID).
			WithData(&event.AudioDeltaData{
				ResponseID: stringField(raw, "response_id"),
				ItemID:     stringField(raw, "item_id"),
			})

	case "response.audio_transcript.delta":
		return event.NewBridgeEvent(event.ModelTranscriptDelta, callID).
			WithData(&event.TranscriptData{
				ResponseID: stringField(raw, "response_id"),
				ItemID:     stringField(raw, "item_id"),
				Role:       "assistant",
				Text:       stringField(raw, "delta"),
			})

	case "response.audio_transcript.done":
		return event.NewBridgeEvent(event.ModelTranscriptDone, callID).
			WithData(&event.TranscriptData{
				ResponseID: stringField(raw, "response_id"),
				ItemID:     stringField(raw, "item_id"),
				Role:       "assistant",
				Text:       stringField(raw, "transcript"),
				Final:      true,
			})

	case "conversation.item.input_audio_transcription.completed":
		return event.NewBridgeEvent(event.ModelInputTranscript, callID).
			WithData(&event.TranscriptData{
				ItemID: stringField(raw, "item_id"),
				Role:   "user",
				Text:   stringField(raw, "transcript"),
				Final:  true,
			})

	case "response.output_item.added":
		// Function call items announce the function name before any
		// argument delta arrives; surface it as an empty first delta.
		item := objectField(raw, "item")
		if stringField(item, "type") != "function_call" {
			return nil
		}
		return event.NewBridgeEvent(event.ModelFunctionArgsDelta, callID).
			WithData(&event.FunctionCallData{
				FunctionCallID: stringField(item, "call_id"),
				Name:           stringField(item, "name"),
				OutputItemID:   stringField(item, "id"),
			})

	case "response.function_call_arguments.delta":
		return event.NewBridgeEvent(event.ModelFunctionArgsDelta, callID).
			WithData(&event.FunctionCallData{
				FunctionCallID: stringField(raw, "call_id"),
				Name:           stringField(raw, "name"),
				Delta:          stringField(raw, "delta"),
				OutputItemID:   stringField(raw, "item_id"),
			})

	case "response.function_call_arguments.done":
		return event.NewBridgeEvent(event.ModelFunctionArgsDone, callID).
			WithData(&event.FunctionCallData{
				FunctionCallID: stringField(raw, "call_id"),
				Name:           stringField(raw, "name"),
				Arguments:      stringField(raw, "arguments"),
				OutputItemID:   stringField(raw, "item_id"),
			})

	case "response.done":
		response := objectField(raw, "response")
		data := &event.ResponseData{
			ResponseID: stringField(response, "id"),
			Status:     stringField(response, "status"),
			Usage:      usageField(response),
		}
		if data.Status == "cancelled" {
			return event.NewBridgeEvent(event.ModelResponseCancelled, callID).WithData(data)
		}
		return event.NewBridgeEvent(event.ModelResponseDone, callID).WithData(data)

	case "error":
		errData := objectField(raw, "error")
		code := stringField(errData, "code")
		return event.NewBridgeEvent(event.ModelError, callID).
			WithData(&event.ModelErrorData{
				Code:    code,
				Message: stringField(errData, "message"),
				Fatal:   code == sessionExpiredCode,
			})
	}

	return nil
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func objectField(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]interface{})
	return v
}

func usageField(response map[string]interface{}) *event.ResponseUsage {
	usage := objectField(response, "usage")
	if usage == nil {
		return nil
	}
	total, _ := usage["total_tokens"].(float64)
	input, _ := usage["input_tokens"].(float64)
	output, _ := usage["output_tokens"].(float64)
	return &event.ResponseUsage{
		TotalTokens:  int(total),
		InputTokens:  int(input),
		OutputTokens: int(output),
	}
}
