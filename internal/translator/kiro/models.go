// Package kiro translates OpenAI/Anthropic-style chat-completion requests
// into the CodeWhisperer conversationState payload sent to the Q inference
// endpoint.
package kiro

import (
	"fmt"
	"strings"
)

// ThinkingSuffix marks a public model name that requests extended thinking.
const ThinkingSuffix = "-thinking"

// modelTable maps public model names to CodeWhisperer model identifiers.
// The set is closed; unknown names are a translation error.
var modelTable = map[string]string{
	"claude-sonnet-4-5":   "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4":     "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-haiku-4-5":    "CLAUDE_HAIKU_4_5_20251001_V1_0",
	"claude-3-7-sonnet":   "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-opus-4-1":     "CLAUDE_OPUS_4_1_20250805_V1_0",
	"amazonq-claude-auto": "auto",
}

// TranslationError reports a malformed request body or unsupported model.
// It is never retried.
type TranslationError struct {
	Message string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translation failed: %s", e.Message)
}

// ResolveModel maps a public model name to its CodeWhisperer identifier and
// reports whether the name requested extended thinking via the -thinking
// suffix.
func ResolveModel(name string) (modelID string, thinking bool, err error) {
	base := name
	if strings.HasSuffix(base, ThinkingSuffix) {
		base = strings.TrimSuffix(base, ThinkingSuffix)
		thinking = true
	}
	id, ok := modelTable[base]
	if !ok {
		return "", false, &TranslationError{Message: fmt.Sprintf("unsupported model %q", name)}
	}
	return id, thinking, nil
}

// PublicModels lists the public model names, thinking variants included.
func PublicModels() []string {
	out := make([]string, 0, len(modelTable)*2)
	for name := range modelTable {
		out = append(out, name, name+ThinkingSuffix)
	}
	return out
}
