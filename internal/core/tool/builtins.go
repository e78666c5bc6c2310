package tool

import "context"

// Built-in lifecycle tool names. The dispatcher treats all three as
// hang-up triggers after a successful result.
const (
	ToolNameWrapUp          = "wrap_up"
	ToolNameTransferToHuman = "transfer_to_human"
	ToolNameHangUp          = "hang_up"
)

// WrapUpSchema defines the schema for the wrap_up tool.
var WrapUpSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"summary": map[string]interface{}{
			"type":        "string",
			"description": "One-sentence summary of what was accomplished on the call.",
		},
	},
	"required": []string{},
}

// TransferToHumanSchema defines the schema for the transfer_to_human tool.
var TransferToHumanSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"reason": map[string]interface{}{
			"type":        "string",
			"description": "Why the caller needs a human agent.",
		},
	},
	"required": []string{"reason"},
}

// HangUpSchema defines the schema for the hang_up tool.
var HangUpSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"reason": map[string]interface{}{
			"type":        "string",
			"description": "Why the call is ending now.",
		},
	},
	"required": []string{},
}

// RegisterBuiltins adds the lifecycle tools to the registry. Their handlers
// only shape the farewell; the dispatcher does the actual hang-up
// scheduling by name.
func RegisterBuiltins(m *Manager) error {
	builtins := []*Definition{
		{
			Name:        ToolNameWrapUp,
			Description: "Call this when all of the caller's requests are handled and the conversation is complete. After calling, thank the caller and say goodbye; the call ends shortly after.",
			Parameters:  WrapUpSchema,
			Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{
					"success": true,
					"message": "Thank the caller for their time and say goodbye. The call will end in a few seconds.",
				}, nil
			},
		},
		{
			Name:        ToolNameTransferToHuman,
			Description: "Call this when the caller asks for a human agent or the request is beyond what you can handle. After calling, let the caller know an agent will follow up.",
			Parameters:  TransferToHumanSchema,
			Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
				reason, _ := args["reason"].(string)
				return map[string]interface{}{
					"success": true,
					"message": "Tell the caller a human agent will follow up shortly, then say goodbye.",
					"reason":  reason,
				}, nil
			},
		},
		{
			Name:        ToolNameHangUp,
			Description: "Call this when the caller asks to end the call. After calling, say a brief goodbye.",
			Parameters:  HangUpSchema,
			Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{
					"success": true,
					"message": "Say a brief goodbye. The call will end in a few seconds.",
				}, nil
			},
		},
	}

	for _, def := range builtins {
		if err := m.Register(def); err != nil {
			return err
		}
	}
	return nil
}
