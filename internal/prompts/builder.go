// Package prompts assembles the instruction text sent to the model peer at
// session setup. The configured base prompt is rendered with per-call
// variables, then the fixed phone-conversation blocks are appended.
package prompts

import (
	"fmt"
	"strings"
	"text/template"
)

// SessionInstructions builds the full session-level instruction text. The
// base prompt may reference {{.BotName}} and {{.Caller}}; when it is empty
// the default persona is used instead.
func SessionInstructions(base, botName, caller string) string {
	persona := strings.TrimSpace(base)
	if persona == "" {
		persona = PromptDefaultPersona
	} else {
		persona = renderTemplate("instructions", persona, botName, caller)
	}

	return joinBlocks(
		persona,
		PromptPhoneConversationRules,
		PromptGreetingRepetitionPrevention,
		PromptCallLifecycleGuide,
		contextBlocks(botName, caller),
	)
}

// GreetingInstruction wraps the configured greeting script in the one-time
// opening instruction. Empty script returns empty.
func GreetingInstruction(script string) string {
	script = strings.TrimSpace(script)
	if script == "" {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf(PromptInitialGreetingScript, fmt.Sprintf(PromptInitialScriptStrict, script)))
}

func contextBlocks(botName, caller string) string {
	var blocks []string
	if botName != "" {
		blocks = append(blocks, fmt.Sprintf(PromptBotNameInstruction, botName))
	}
	if caller != "" {
		blocks = append(blocks, fmt.Sprintf(PromptCallerNumberInstruction, caller))
	}
	return joinBlocks(blocks...)
}

func renderTemplate(name, tmplStr, botName, caller string) string {
	tmpl, err := template.New(name).Parse(tmplStr)
	if err != nil {
		return replaceVariables(tmplStr, botName, caller)
	}

	var result strings.Builder
	data := map[string]string{
		"BotName": botName,
		"Caller":  caller,
	}
	if err := tmpl.Execute(&result, data); err != nil {
		return replaceVariables(tmplStr, botName, caller)
	}
	return result.String()
}

func replaceVariables(tmplStr, botName, caller string) string {
	r := tmplStr
	r = strings.ReplaceAll(r, "{{.BotName}}", botName)
	r = strings.ReplaceAll(r, "{{.Caller}}", caller)
	return r
}

// joinBlocks cleans and joins multiple prompt blocks with double newlines.
// It trims whitespace from each block and skips empty ones.
func joinBlocks(blocks ...string) string {
	var validBlocks []string
	for _, b := range blocks {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			validBlocks = append(validBlocks, trimmed)
		}
	}
	return strings.Join(validBlocks, "\n\n")
}
