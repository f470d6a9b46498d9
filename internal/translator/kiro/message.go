package kiro

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Wire shapes of the conversationState history.

type imageSource struct {
	Bytes string `json:"bytes"`
}

type imageBlock struct {
	Format string      `json:"format"`
	Source imageSource `json:"source"`
}

type toolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

type toolResultContent struct {
	Text string `json:"text"`
}

type toolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []toolResultContent `json:"content"`
	Status    string              `json:"status,omitempty"`
}

type toolSpecification struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolEntry struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type messageContext struct {
	ToolResults []toolResult `json:"toolResults,omitempty"`
	Tools       []toolEntry  `json:"tools,omitempty"`
}

type userInputMessage struct {
	Content                 string          `json:"content"`
	ModelID                 string          `json:"modelId,omitempty"`
	Origin                  string          `json:"origin,omitempty"`
	Images                  []imageBlock    `json:"images,omitempty"`
	UserInputMessageContext *messageContext `json:"userInputMessageContext,omitempty"`
}

type assistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []toolUse `json:"toolUses,omitempty"`
}

type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type conversationState struct {
	ChatTriggerType string       `json:"chatTriggerType"`
	ConversationID  string       `json:"conversationId"`
	CurrentMessage  historyEntry `json:"currentMessage"`
	History         []historyEntry `json:"history"`
}

type requestPayload struct {
	ConversationState conversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// message is the normalised internal view of one inbound chat message.
// Content parts are already split into their discriminated pieces.
type message struct {
	role        string
	text        string
	thinking    string
	images      []imageBlock
	toolUses    []toolUse
	toolResults []toolResult
}

func (m *message) empty() bool {
	return m.text == "" && m.thinking == "" && len(m.images) == 0 &&
		len(m.toolUses) == 0 && len(m.toolResults) == 0
}

// appendText joins with a newline, the same way adjacent same-role messages
// merge.
func (m *message) appendText(s string) {
	if s == "" {
		return
	}
	if m.text == "" {
		m.text = s
		return
	}
	m.text += "\n" + s
}

// parseMessages reads the inbound messages array, accepting both the
// Anthropic part-array shape and the OpenAI tool_calls/tool-role shape.
// System-role messages are returned separately for prompt placement.
func parseMessages(doc gjson.Result) (msgs []*message, system []string) {
	doc.Get("messages").ForEach(func(_, raw gjson.Result) bool {
		role := raw.Get("role").String()
		if role == "system" {
			if s := flattenContent(raw.Get("content")); s != "" {
				system = append(system, s)
			}
			return true
		}

		m := &message{role: role}
		content := raw.Get("content")
		switch {
		case content.Type == gjson.String:
			m.text = content.String()
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				parsePart(m, part)
				return true
			})
		}

		// OpenAI-style assistant tool calls sit outside content.
		raw.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			m.toolUses = append(m.toolUses, toolUse{
				ToolUseID: call.Get("id").String(),
				Name:      call.Get("function.name").String(),
				Input:     rawInput(call.Get("function.arguments")),
			})
			return true
		})

		// OpenAI-style tool role carries a single result.
		if role == "tool" {
			m.toolResults = append(m.toolResults, toolResult{
				ToolUseID: raw.Get("tool_call_id").String(),
				Content:   []toolResultContent{{Text: truncateToolResult(flattenContent(content))}},
				Status:    "success",
			})
		}

		msgs = append(msgs, m)
		return true
	})
	return msgs, system
}

func parsePart(m *message, part gjson.Result) {
	switch part.Get("type").String() {
	case "text":
		m.appendText(part.Get("text").String())
	case "thinking":
		if m.thinking == "" {
			m.thinking = part.Get("thinking").String()
		} else {
			m.thinking += "\n" + part.Get("thinking").String()
		}
	case "image":
		src := part.Get("source")
		if src.Get("type").String() == "base64" {
			m.images = append(m.images, imageBlock{
				Format: imageFormat(src.Get("media_type").String()),
				Source: imageSource{Bytes: src.Get("data").String()},
			})
		}
	case "tool_use":
		m.toolUses = append(m.toolUses, toolUse{
			ToolUseID: part.Get("id").String(),
			Name:      part.Get("name").String(),
			Input:     rawInput(part.Get("input")),
		})
	case "tool_result":
		m.toolResults = append(m.toolResults, toolResult{
			ToolUseID: part.Get("tool_use_id").String(),
			Content:   []toolResultContent{{Text: truncateToolResult(flattenContent(part.Get("content")))}},
			Status:    toolResultStatus(part),
		})
	default:
		// unrecognised parts degrade to their text field when present
		m.appendText(part.Get("text").String())
	}
}

func toolResultStatus(part gjson.Result) string {
	if part.Get("is_error").Bool() {
		return "error"
	}
	return "success"
}

// flattenContent reduces a string-or-part-array content value to plain text.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text").String(); t != "" {
			parts = append(parts, t)
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// rawInput normalises a tool input that may arrive as an object or as a
// JSON-encoded string.
func rawInput(v gjson.Result) json.RawMessage {
	switch {
	case v.IsObject() || v.IsArray():
		return json.RawMessage(v.Raw)
	case v.Type == gjson.String:
		s := strings.TrimSpace(v.String())
		if s == "" {
			return json.RawMessage("{}")
		}
		if gjson.Valid(s) {
			return json.RawMessage(s)
		}
		quoted, _ := json.Marshal(s)
		return quoted
	default:
		return json.RawMessage("{}")
	}
}

func imageFormat(mediaType string) string {
	if idx := strings.IndexByte(mediaType, '/'); idx >= 0 {
		return mediaType[idx+1:]
	}
	return mediaType
}

// mergeAdjacent collapses runs of same-role messages into one, joining text
// with newlines and concatenating the part slices.
func mergeAdjacent(msgs []*message) []*message {
	var out []*message
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].role == m.role {
			prev := out[len(out)-1]
			prev.appendText(m.text)
			if m.thinking != "" {
				if prev.thinking == "" {
					prev.thinking = m.thinking
				} else {
					prev.thinking += "\n" + m.thinking
				}
			}
			prev.images = append(prev.images, m.images...)
			prev.toolUses = append(prev.toolUses, m.toolUses...)
			prev.toolResults = append(prev.toolResults, m.toolResults...)
			continue
		}
		out = append(out, m)
	}
	return out
}
