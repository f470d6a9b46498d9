package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Completion is the collected form of one upstream response, for callers
// that did not ask for streaming.
type Completion struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Collect reads the whole upstream body and folds it into a single
// completion. Tool calls come from both the tool events and the bracket
// syntax embedded in the text; duplicates are removed.
func Collect(ctx context.Context, body io.Reader) (*Completion, error) {
	scanner := &objectScanner{}
	buf := make([]byte, 32*1024)

	var content strings.Builder
	var tools []ToolCall
	var open *openToolState
	usageSeen := false
	usagePercent := 0.0

	closeOpen := func() {
		if open == nil {
			return
		}
		input := open.input.String()
		if input == "" {
			input = "{}"
		}
		tools = append(tools, ToolCall{ID: open.id, Name: open.name, Input: input})
		open = nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := body.Read(buf)
		if n > 0 {
			scanner.feed(buf[:n])
			for {
				obj := scanner.next()
				if obj == nil {
					break
				}
				doc := gjson.ParseBytes(obj)
				switch {
				case doc.Get("content").Exists():
					content.WriteString(doc.Get("content").String())
				case doc.Get("name").Exists():
					closeOpen()
					open = &openToolState{
						id:   doc.Get("toolUseId").String(),
						name: doc.Get("name").String(),
					}
					if input := doc.Get("input"); input.Exists() {
						open.input.WriteString(input.String())
					}
					if doc.Get("stop").Bool() {
						closeOpen()
					}
				case doc.Get("input").Exists():
					if open != nil {
						open.input.WriteString(doc.Get("input").String())
					}
				case doc.Get("stop").Exists():
					closeOpen()
				case doc.Get("contextUsagePercentage").Exists():
					usageSeen = true
					usagePercent = doc.Get("contextUsagePercentage").Float()
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read upstream stream: %w", err)
		}
	}
	closeOpen()

	text, thinking := splitThinking(content.String())
	text, bracketCalls := extractBracketCalls(text)
	tools = mergeToolCalls(tools, bracketCalls)

	out := &Completion{
		Content:    strings.TrimSpace(text),
		Thinking:   thinking,
		ToolCalls:  tools,
		StopReason: "end_turn",
	}
	if len(tools) > 0 {
		out.StopReason = "tool_use"
	}
	out.OutputTokens = int(math.Ceil(float64(len(out.Content)+len(out.Thinking)) / 4))
	if usageSeen {
		out.InputTokens = int(math.Round(contextWindowTokens*usagePercent/100)) - out.OutputTokens
		if out.InputTokens < 0 {
			out.InputTokens = 0
		}
	}
	return out, nil
}

// splitThinking extracts the real thinking spans, leaving the visible text.
func splitThinking(s string) (text, thinking string) {
	var thoughts []string
	for {
		start := findRealTag(s, thinkingStartTag)
		if start < 0 {
			break
		}
		rest := s[start+len(thinkingStartTag):]
		end := findRealTag(rest, thinkingEndTag)
		if end < 0 {
			// unterminated block: everything after the tag is thinking
			thoughts = append(thoughts, rest)
			s = s[:start]
			break
		}
		thoughts = append(thoughts, rest[:end])
		s = s[:start] + strings.TrimLeft(rest[end+len(thinkingEndTag):], "\n")
	}
	return s, strings.Join(thoughts, "\n")
}

// extractBracketCalls parses and scrubs every completed bracket call.
func extractBracketCalls(s string) (string, []ToolCall) {
	var calls []ToolCall
	for {
		idx := strings.Index(s, calledBracketPrefix)
		if idx < 0 {
			return s, calls
		}
		call, length, ok := parseCalledBracket(s[idx:])
		if !ok {
			return s, calls
		}
		calls = append(calls, call)
		s = s[:idx] + s[idx+length:]
	}
}

// mergeToolCalls deduplicates by toolUseId, and drops bracket calls that
// restate an event call with the same name and input. Bracket calls get
// synthetic ids.
func mergeToolCalls(eventCalls, bracketCalls []ToolCall) []ToolCall {
	seenID := map[string]bool{}
	seenBody := map[string]bool{}
	var out []ToolCall
	for _, c := range eventCalls {
		if c.ID != "" && seenID[c.ID] {
			continue
		}
		seenID[c.ID] = true
		seenBody[c.Name+"\x00"+c.Input] = true
		out = append(out, c)
	}
	for _, c := range bracketCalls {
		if seenBody[c.Name+"\x00"+c.Input] {
			continue
		}
		seenBody[c.Name+"\x00"+c.Input] = true
		c.ID = fmt.Sprintf("toolu_%d", len(out)+1)
		out = append(out, c)
	}
	return out
}

// OpenAIEnvelope renders the completion as an OpenAI chat.completion body.
func (c *Completion) OpenAIEnvelope(model string) ([]byte, error) {
	msg := map[string]any{
		"role":    "assistant",
		"content": c.Content,
	}
	if c.Thinking != "" {
		msg["reasoning_content"] = c.Thinking
	}
	finish := "stop"
	if len(c.ToolCalls) > 0 {
		finish = "tool_calls"
		var calls []map[string]any
		for _, tc := range c.ToolCalls {
			calls = append(calls, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Input,
				},
			})
		}
		msg["tool_calls"] = calls
	}
	return json.Marshal(map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
		"usage": map[string]any{
			"prompt_tokens":     c.InputTokens,
			"completion_tokens": c.OutputTokens,
			"total_tokens":      c.InputTokens + c.OutputTokens,
		},
	})
}
