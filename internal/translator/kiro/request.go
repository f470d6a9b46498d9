package kiro

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	kiroauth "github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
	"github.com/opencode-kiro/kiro-gateway/internal/util"
)

const (
	chatEndpointTemplate = "https://q.{{region}}.amazonaws.com/generateAssistantResponse"

	originAIEditor = "AI_EDITOR"

	// historyByteBudget caps the serialised history. Records are dropped
	// from the front until the history fits, keeping at least two.
	historyByteBudget = 850_000
	minHistoryLen     = 2

	// toolResultMaxChars truncates a single tool result, half head and
	// half tail.
	toolResultMaxChars      = 250_000
	toolDescriptionMaxChars = 9216

	// imageTailWindow is how many trailing messages keep inline images.
	imageTailWindow = 5

	defaultThinkingBudget = 20_000

	continueContent    = "Continue"
	toolResultsContent = "Tool results provided."
)

// Auth is the slice of account state the translator needs.
type Auth struct {
	AccessToken string
	Region      string
	ProfileArn  string
	ClientID    string
}

// Options tunes translation.
type Options struct {
	// ThinkingBudget is the max_thinking_length injected with the
	// thinking directive. Zero means the default of 20000.
	ThinkingBudget int
}

// Prepared is a fully built upstream request.
type Prepared struct {
	URL            string
	Method         string
	Headers        http.Header
	Body           []byte
	EffectiveModel string
	ConversationID string
	Streaming      bool
}

// BuildRequest translates a chat-completion body into the CodeWhisperer
// conversationState request for the given model and account auth.
func BuildRequest(body []byte, model string, auth Auth, opts Options) (*Prepared, error) {
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, &TranslationError{Message: "request body is not a JSON object"}
	}

	modelID, thinking, err := ResolveModel(model)
	if err != nil {
		return nil, err
	}
	if doc.Get("providerOptions.thinkingConfig").Exists() {
		thinking = true
	}

	systemPrompt := collectSystemPrompt(doc)
	if thinking {
		budget := opts.ThinkingBudget
		if budget <= 0 {
			budget = defaultThinkingBudget
		}
		directive := fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>", budget)
		if systemPrompt == "" {
			systemPrompt = directive
		} else {
			systemPrompt = directive + systemPrompt
		}
	}

	msgs, inlineSystem := parseMessages(doc)
	if len(inlineSystem) > 0 {
		joined := strings.Join(inlineSystem, "\n")
		if systemPrompt == "" {
			systemPrompt = joined
		} else {
			systemPrompt += "\n" + joined
		}
	}
	msgs = mergeAdjacent(msgs)
	msgs = dropMalformedTail(msgs)
	if len(msgs) == 0 {
		return nil, &TranslationError{Message: "request has no messages"}
	}

	history := buildHistory(msgs[:len(msgs)-1], modelID)
	history = placeSystemPrompt(history, systemPrompt, modelID)
	history = sanitizePairing(history)
	history = applyImagePolicy(history)
	history = enforceByteBudget(history)

	current, history := buildCurrentMessage(msgs[len(msgs)-1], history, modelID)

	tools := buildToolList(doc, history)
	if len(tools) > 0 {
		if current.UserInputMessageContext == nil {
			current.UserInputMessageContext = &messageContext{}
		}
		current.UserInputMessageContext.Tools = tools
	}

	conversationID := uuid.NewString()
	payload := requestPayload{
		ConversationState: conversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  conversationID,
			CurrentMessage:  historyEntry{UserInputMessage: current},
			History:         history,
		},
		ProfileArn: auth.ProfileArn,
	}
	encoded, err := json.Marshal(&payload)
	if err != nil {
		return nil, &TranslationError{Message: fmt.Sprintf("encode payload: %v", err)}
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")
	headers.Set("Authorization", "Bearer "+auth.AccessToken)
	headers.Set("amz-sdk-invocation-id", uuid.NewString())
	headers.Set("amz-sdk-request", "attempt=1; max=1")
	headers.Set("x-amzn-kiro-agent-mode", "vibe")
	machineID := kiroauth.MachineID(auth.ProfileArn, auth.ClientID)
	headers.Set("user-agent", kiroauth.UserAgent(machineID))
	headers.Set("x-amz-user-agent", kiroauth.AmzUserAgent())
	headers.Set("Connection", "close")

	return &Prepared{
		URL:            util.RenderRegion(chatEndpointTemplate, auth.Region),
		Method:         http.MethodPost,
		Headers:        headers,
		Body:           encoded,
		EffectiveModel: modelID,
		ConversationID: conversationID,
		Streaming:      true,
	}, nil
}

func collectSystemPrompt(doc gjson.Result) string {
	system := doc.Get("system")
	if system.Type == gjson.String {
		return system.String()
	}
	if system.IsArray() {
		var parts []string
		system.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				parts = append(parts, part.String())
			} else if t := part.Get("text").String(); t != "" {
				parts = append(parts, t)
			}
			return true
		})
		return strings.Join(parts, "\n")
	}
	return ""
}

// dropMalformedTail removes a trailing assistant message whose whole text is
// the literal "{", a known malformed-prefix artefact.
func dropMalformedTail(msgs []*message) []*message {
	if len(msgs) == 0 {
		return msgs
	}
	last := msgs[len(msgs)-1]
	if last.role == "assistant" && strings.TrimSpace(last.text) == "{" &&
		last.thinking == "" && len(last.toolUses) == 0 {
		log.Debug("translator: dropping malformed trailing assistant message")
		return msgs[:len(msgs)-1]
	}
	return msgs
}

func buildHistory(msgs []*message, modelID string) []historyEntry {
	var history []historyEntry
	for _, m := range msgs {
		switch m.role {
		case "assistant":
			history = append(history, historyEntry{AssistantResponseMessage: assistantEntry(m)})
		default: // user and tool roles both become userInputMessage records
			history = append(history, historyEntry{UserInputMessage: userEntry(m, modelID)})
		}
	}
	return history
}

func assistantEntry(m *message) *assistantResponseMessage {
	content := m.text
	if m.thinking != "" {
		content = "<thinking>" + m.thinking + "</thinking>\n\n" + m.text
	}
	return &assistantResponseMessage{Content: content, ToolUses: m.toolUses}
}

func userEntry(m *message, modelID string) *userInputMessage {
	content := m.text
	if content == "" && len(m.toolResults) > 0 {
		content = toolResultsContent
	}
	entry := &userInputMessage{
		Content: content,
		ModelID: modelID,
		Origin:  originAIEditor,
		Images:  m.images,
	}
	if len(m.toolResults) > 0 {
		entry.UserInputMessageContext = &messageContext{ToolResults: m.toolResults}
	}
	return entry
}

// placeSystemPrompt prepends the system prompt to the first user record, or
// inserts a synthetic leading user record when the history has none.
func placeSystemPrompt(history []historyEntry, system, modelID string) []historyEntry {
	if system == "" {
		return history
	}
	for _, e := range history {
		if e.UserInputMessage != nil {
			if e.UserInputMessage.Content == "" {
				e.UserInputMessage.Content = system
			} else {
				e.UserInputMessage.Content = system + "\n\n" + e.UserInputMessage.Content
			}
			return history
		}
	}
	lead := historyEntry{UserInputMessage: &userInputMessage{
		Content: system,
		ModelID: modelID,
		Origin:  originAIEditor,
	}}
	return append([]historyEntry{lead}, history...)
}

// sanitizePairing enforces the tool-use/tool-result pairing: assistant
// toolUses must be answered by the immediately following user record, and
// user toolResults must answer the immediately preceding assistant record.
// Results are deduplicated by toolUseId.
func sanitizePairing(history []historyEntry) []historyEntry {
	// dedupe tool results first
	for _, e := range history {
		u := e.UserInputMessage
		if u == nil || u.UserInputMessageContext == nil {
			continue
		}
		seen := map[string]bool{}
		var kept []toolResult
		for _, tr := range u.UserInputMessageContext.ToolResults {
			if tr.ToolUseID == "" || seen[tr.ToolUseID] {
				continue
			}
			seen[tr.ToolUseID] = true
			kept = append(kept, tr)
		}
		u.UserInputMessageContext.ToolResults = kept
	}

	// drop toolUses with no matching result in the next record
	for i, e := range history {
		a := e.AssistantResponseMessage
		if a == nil || len(a.ToolUses) == 0 {
			continue
		}
		answered := map[string]bool{}
		if i+1 < len(history) {
			if u := history[i+1].UserInputMessage; u != nil && u.UserInputMessageContext != nil {
				for _, tr := range u.UserInputMessageContext.ToolResults {
					answered[tr.ToolUseID] = true
				}
			}
		}
		var kept []toolUse
		for _, tu := range a.ToolUses {
			if answered[tu.ToolUseID] {
				kept = append(kept, tu)
			}
		}
		a.ToolUses = kept
	}

	// drop toolResults with no matching use in the previous record
	for i, e := range history {
		u := e.UserInputMessage
		if u == nil || u.UserInputMessageContext == nil {
			continue
		}
		asked := map[string]bool{}
		if i > 0 {
			if a := history[i-1].AssistantResponseMessage; a != nil {
				for _, tu := range a.ToolUses {
					asked[tu.ToolUseID] = true
				}
			}
		}
		var kept []toolResult
		for _, tr := range u.UserInputMessageContext.ToolResults {
			if asked[tr.ToolUseID] {
				kept = append(kept, tr)
			}
		}
		u.UserInputMessageContext.ToolResults = kept
		if len(kept) == 0 && len(u.UserInputMessageContext.Tools) == 0 {
			u.UserInputMessageContext = nil
		}
	}
	return history
}

// applyImagePolicy keeps inline images only within the tail window; older
// records get a textual placeholder instead.
func applyImagePolicy(history []historyEntry) []historyEntry {
	cutoff := len(history) - imageTailWindow
	for i := 0; i < cutoff; i++ {
		u := history[i].UserInputMessage
		if u == nil || len(u.Images) == 0 {
			continue
		}
		u.Images = nil
		if u.Content == "" {
			u.Content = "[image omitted]"
		} else {
			u.Content += "\n[image omitted]"
		}
	}
	return history
}

// enforceByteBudget drops records from the front, re-sanitising pairing
// after each drop, until the serialised history fits the budget. At least
// two records are kept.
func enforceByteBudget(history []historyEntry) []historyEntry {
	for len(history) > minHistoryLen {
		data, err := json.Marshal(history)
		if err != nil || len(data) <= historyByteBudget {
			break
		}
		history = sanitizePairing(history[1:])
	}
	return history
}

// buildCurrentMessage converts the final inbound message into the current
// turn, pushing a trailing assistant message into history and keeping
// user/assistant alternation strict.
func buildCurrentMessage(last *message, history []historyEntry, modelID string) (*userInputMessage, []historyEntry) {
	if last.role == "assistant" {
		history = append(history, historyEntry{AssistantResponseMessage: assistantEntry(last)})
		return &userInputMessage{
			Content: continueContent,
			ModelID: modelID,
			Origin:  originAIEditor,
		}, history
	}

	if len(history) > 0 && history[len(history)-1].UserInputMessage != nil {
		history = append(history, historyEntry{AssistantResponseMessage: &assistantResponseMessage{Content: continueContent}})
	}

	current := userEntry(last, modelID)
	if current.Content == "" {
		if current.UserInputMessageContext != nil && len(current.UserInputMessageContext.ToolResults) > 0 {
			current.Content = toolResultsContent
		} else {
			current.Content = continueContent
		}
	}
	return current, history
}

// buildToolList converts inbound tool definitions, filtering the web-search
// pseudo tools and appending placeholder specs for tools the history uses
// but the current list omits.
func buildToolList(doc gjson.Result, history []historyEntry) []toolEntry {
	var tools []toolEntry
	listed := map[string]bool{}

	doc.Get("tools").ForEach(func(_, raw gjson.Result) bool {
		name := raw.Get("name").String()
		desc := raw.Get("description").String()
		schema := raw.Get("input_schema")
		if fn := raw.Get("function"); fn.Exists() {
			name = fn.Get("name").String()
			desc = fn.Get("description").String()
			schema = fn.Get("parameters")
		}
		if name == "" {
			return true
		}
		switch strings.ToLower(name) {
		case "web_search", "websearch":
			return true
		}
		if len(desc) > toolDescriptionMaxChars {
			desc = truncateToRuneBoundary(desc, toolDescriptionMaxChars)
		}
		var schemaJSON any = map[string]any{"type": "object"}
		if schema.IsObject() {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(schema.Raw), &parsed); err == nil {
				schemaJSON = parsed
			}
		}
		listed[name] = true
		tools = append(tools, toolEntry{ToolSpecification: toolSpecification{
			Name:        name,
			Description: desc,
			InputSchema: map[string]any{"json": schemaJSON},
		}})
		return true
	})

	for _, e := range history {
		a := e.AssistantResponseMessage
		if a == nil {
			continue
		}
		for _, tu := range a.ToolUses {
			if tu.Name == "" || listed[tu.Name] {
				continue
			}
			listed[tu.Name] = true
			tools = append(tools, toolEntry{ToolSpecification: toolSpecification{
				Name:        tu.Name,
				Description: "Tool",
				InputSchema: map[string]any{"json": map[string]any{"type": "object"}},
			}})
		}
	}
	return tools
}

// truncateToolResult caps one tool result at 250k characters, keeping the
// head and tail halves.
func truncateToolResult(s string) string {
	if len(s) <= toolResultMaxChars {
		return s
	}
	half := toolResultMaxChars / 2
	head := truncateToRuneBoundary(s, half)
	tail := s[len(s)-half:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	return head + "\n... [TRUNCATED] ...\n" + tail
}

// truncateToRuneBoundary cuts s at or before n bytes without splitting a
// multi-byte rune. Callers guarantee n < len(s).
func truncateToRuneBoundary(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
