package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"

	// calledBracketPrefix opens the textual tool-call fallback syntax
	// "[Called <name> with args: {...}]" that some responses embed in the
	// content stream instead of tool events.
	calledBracketPrefix = "[Called "
	calledBracketArgs   = " with args: "

	// contextWindowTokens scales contextUsagePercentage into input tokens.
	contextWindowTokens = 200_000
)

// ToolCall is one completed tool invocation extracted from the stream.
type ToolCall struct {
	ID    string
	Name  string
	Input string
}

// streamEmitter writes Anthropic-style SSE frames and flushes when the sink
// supports it.
type streamEmitter struct {
	w io.Writer
}

func (e *streamEmitter) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// streamState is the parser's block discipline: at most one thinking block,
// at most one text block, then tool blocks, all indexed sequentially and all
// closed before the terminal message_delta.
type streamState struct {
	emit *streamEmitter

	blockIndex    int
	thinkingOpen  bool
	thinkingIndex int
	textOpen      bool
	textIndex     int

	inThinking    bool
	stripAfterEnd bool
	pending       strings.Builder
	code          codeState

	openTool  *openToolState
	toolCalls []ToolCall

	emittedChars int
	usageSeen    bool
	usagePercent float64
}

type openToolState struct {
	id    string
	name  string
	input strings.Builder
}

// ParseStream reads the upstream body and emits the SSE chunk stream. On a
// mid-stream read failure it terminates the stream with a stop_reason-less
// message_delta plus an error frame and returns the error.
func ParseStream(ctx context.Context, body io.Reader, w io.Writer) error {
	st := &streamState{emit: &streamEmitter{w: w}}
	scanner := &objectScanner{}
	buf := make([]byte, 32*1024)

	for {
		if err := ctx.Err(); err != nil {
			st.abort(err)
			return err
		}
		n, err := body.Read(buf)
		if n > 0 {
			scanner.feed(buf[:n])
			for {
				obj := scanner.next()
				if obj == nil {
					break
				}
				if perr := st.handleObject(obj); perr != nil {
					st.abort(perr)
					return perr
				}
			}
		}
		if err == io.EOF {
			return st.finish()
		}
		if err != nil {
			st.abort(err)
			return fmt.Errorf("read upstream stream: %w", err)
		}
	}
}

func (st *streamState) handleObject(obj []byte) error {
	doc := gjson.ParseBytes(obj)
	switch {
	case doc.Get("content").Exists():
		return st.handleContent(doc.Get("content").String())
	case doc.Get("name").Exists():
		return st.handleToolStart(doc)
	case doc.Get("input").Exists():
		if st.openTool != nil {
			st.openTool.input.WriteString(doc.Get("input").String())
		}
		return nil
	case doc.Get("stop").Exists():
		return st.closeOpenTool()
	case doc.Get("contextUsagePercentage").Exists():
		st.usageSeen = true
		st.usagePercent = doc.Get("contextUsagePercentage").Float()
		return nil
	case doc.Get("followupPrompt").Exists():
		return nil
	default:
		log.Debugf("stream parser: ignoring object %s", obj)
		return nil
	}
}

func (st *streamState) handleToolStart(doc gjson.Result) error {
	if err := st.closeOpenTool(); err != nil {
		return err
	}
	tool := &openToolState{
		id:   doc.Get("toolUseId").String(),
		name: doc.Get("name").String(),
	}
	if input := doc.Get("input"); input.Exists() {
		tool.input.WriteString(input.String())
	}
	st.openTool = tool
	if doc.Get("stop").Bool() {
		return st.closeOpenTool()
	}
	return nil
}

// closeOpenTool finalises the accumulating tool call and emits its block.
// Content blocks close first; tool blocks always follow text.
func (st *streamState) closeOpenTool() error {
	if st.openTool == nil {
		return nil
	}
	tool := st.openTool
	st.openTool = nil
	if err := st.drainPending(false); err != nil {
		return err
	}
	return st.emitToolBlock(ToolCall{ID: tool.id, Name: tool.name, Input: tool.input.String()})
}

func (st *streamState) emitToolBlock(call ToolCall) error {
	if err := st.closeContentBlocks(); err != nil {
		return err
	}
	if call.Input == "" {
		call.Input = "{}"
	}
	if call.ID == "" {
		call.ID = fmt.Sprintf("toolu_%d", len(st.toolCalls)+1)
	}
	st.toolCalls = append(st.toolCalls, call)
	idx := st.blockIndex
	st.blockIndex++
	if err := st.emit.event("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": idx,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Name,
			"input": map[string]any{},
		},
	}); err != nil {
		return err
	}
	if err := st.emit.event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": call.Input},
	}); err != nil {
		return err
	}
	return st.emit.event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	})
}

// handleContent runs the thinking-tag state machine over newly arrived
// content, holding back any buffer tail that could still become a tag.
func (st *streamState) handleContent(content string) error {
	st.pending.WriteString(content)
	return st.drainPending(false)
}

func (st *streamState) drainPending(flush bool) error {
	for {
		buffered := st.pending.String()
		if buffered == "" {
			return nil
		}
		if st.inThinking {
			idx := st.code.findRealTag(buffered, thinkingEndTag)
			if idx < 0 {
				emit := buffered
				if !flush {
					emit = holdBackTagSuffix(buffered, thinkingEndTag)
				}
				if emit == "" {
					return nil
				}
				if err := st.emitThinking(emit); err != nil {
					return err
				}
				st.code.advance(emit)
				st.pending.Reset()
				st.pending.WriteString(buffered[len(emit):])
				return nil
			}
			if err := st.emitThinking(buffered[:idx]); err != nil {
				return err
			}
			if err := st.closeThinkingBlock(); err != nil {
				return err
			}
			st.inThinking = false
			st.stripAfterEnd = true
			st.code.advance(buffered[:idx+len(thinkingEndTag)])
			st.pending.Reset()
			st.pending.WriteString(buffered[idx+len(thinkingEndTag):])
			continue
		}

		if st.stripAfterEnd {
			trimmed := strings.TrimLeft(buffered, "\n")
			if trimmed != buffered {
				st.code.advance(buffered[:len(buffered)-len(trimmed)])
				st.pending.Reset()
				st.pending.WriteString(trimmed)
				buffered = trimmed
			}
			if buffered == "" {
				return nil
			}
			st.stripAfterEnd = false
		}

		idx := st.code.findRealTag(buffered, thinkingStartTag)
		if idx < 0 {
			emit := buffered
			if !flush {
				emit = holdBackTagSuffix(buffered, thinkingStartTag)
			}
			if emit == "" {
				return nil
			}
			n, err := st.emitVisibleText(emit, flush)
			if err != nil {
				return err
			}
			st.code.advance(buffered[:n])
			rest := buffered[n:]
			st.pending.Reset()
			st.pending.WriteString(rest)
			if n == 0 {
				return nil
			}
			continue
		}
		if idx > 0 {
			n, err := st.emitVisibleText(buffered[:idx], true)
			if err != nil {
				return err
			}
			_ = n
		}
		if err := st.openThinkingBlock(); err != nil {
			return err
		}
		st.inThinking = true
		st.code.advance(buffered[:idx+len(thinkingStartTag)])
		st.pending.Reset()
		st.pending.WriteString(buffered[idx+len(thinkingStartTag):])
	}
}

// emitVisibleText emits text deltas while intercepting the bracketed
// tool-call fallback syntax. It returns how many input bytes were consumed;
// a trailing potential bracket is left unconsumed unless force is set.
func (st *streamState) emitVisibleText(s string, force bool) (int, error) {
	consumed := 0
	for s != "" {
		idx := strings.Index(s, calledBracketPrefix)
		if idx < 0 {
			emit := s
			if !force {
				emit = holdBackTagSuffix(s, calledBracketPrefix)
			}
			if emit != "" {
				if err := st.emitText(emit); err != nil {
					return consumed, err
				}
			}
			return consumed + len(emit), nil
		}
		if idx > 0 {
			if err := st.emitText(s[:idx]); err != nil {
				return consumed, err
			}
			consumed += idx
			s = s[idx:]
		}
		call, length, ok := parseCalledBracket(s)
		if !ok {
			if force {
				// never completed; surface it as plain text
				if err := st.emitText(s); err != nil {
					return consumed, err
				}
				return consumed + len(s), nil
			}
			return consumed, nil
		}
		if err := st.emitToolBlock(call); err != nil {
			return consumed, err
		}
		consumed += length
		s = s[length:]
	}
	return consumed, nil
}

// parseCalledBracket parses "[Called <name> with args: {...}]" at the start
// of s, returning the call and its byte length.
func parseCalledBracket(s string) (ToolCall, int, bool) {
	if !strings.HasPrefix(s, calledBracketPrefix) {
		return ToolCall{}, 0, false
	}
	rest := s[len(calledBracketPrefix):]
	argsIdx := strings.Index(rest, calledBracketArgs)
	if argsIdx < 0 {
		return ToolCall{}, 0, false
	}
	name := strings.TrimSpace(rest[:argsIdx])
	jsonStart := len(calledBracketPrefix) + argsIdx + len(calledBracketArgs)
	if jsonStart >= len(s) || s[jsonStart] != '{' {
		return ToolCall{}, 0, false
	}
	objLen := matchBraces([]byte(s[jsonStart:]))
	if objLen < 0 {
		return ToolCall{}, 0, false
	}
	end := jsonStart + objLen
	if end >= len(s) || s[end] != ']' {
		return ToolCall{}, 0, false
	}
	return ToolCall{
		Name:  name,
		Input: s[jsonStart:end],
	}, end + 1, true
}

func (st *streamState) openThinkingBlock() error {
	if st.thinkingOpen {
		return nil
	}
	st.thinkingOpen = true
	st.thinkingIndex = st.blockIndex
	st.blockIndex++
	return st.emit.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         st.thinkingIndex,
		"content_block": map[string]any{"type": "thinking", "thinking": ""},
	})
}

func (st *streamState) closeThinkingBlock() error {
	if !st.thinkingOpen {
		return nil
	}
	st.thinkingOpen = false
	return st.emit.event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": st.thinkingIndex,
	})
}

func (st *streamState) emitThinking(s string) error {
	if s == "" {
		return nil
	}
	if err := st.openThinkingBlock(); err != nil {
		return err
	}
	st.emittedChars += len(s)
	return st.emit.event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": st.thinkingIndex,
		"delta": map[string]any{"type": "thinking_delta", "thinking": s},
	})
}

func (st *streamState) emitText(s string) error {
	if s == "" {
		return nil
	}
	if !st.textOpen {
		st.textOpen = true
		st.textIndex = st.blockIndex
		st.blockIndex++
		if err := st.emit.event("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         st.textIndex,
			"content_block": map[string]any{"type": "text", "text": ""},
		}); err != nil {
			return err
		}
	}
	st.emittedChars += len(s)
	return st.emit.event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": st.textIndex,
		"delta": map[string]any{"type": "text_delta", "text": s},
	})
}

func (st *streamState) closeContentBlocks() error {
	if st.thinkingOpen && st.inThinking {
		st.inThinking = false
	}
	if err := st.closeThinkingBlock(); err != nil {
		return err
	}
	if st.textOpen {
		st.textOpen = false
		return st.emit.event("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": st.textIndex,
		})
	}
	return nil
}

// finish flushes held-back bytes, closes every open block, and emits the
// terminal frames with the token estimates.
func (st *streamState) finish() error {
	if err := st.drainPending(true); err != nil {
		return err
	}
	if err := st.closeOpenTool(); err != nil {
		return err
	}
	if err := st.closeContentBlocks(); err != nil {
		return err
	}

	stopReason := "end_turn"
	if len(st.toolCalls) > 0 {
		stopReason = "tool_use"
	}
	inputTokens, outputTokens := st.tokenEstimates()
	if err := st.emit.event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason},
		"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": outputTokens},
	}); err != nil {
		return err
	}
	return st.emit.event("message_stop", map[string]any{"type": "message_stop"})
}

// abort terminates an already-open stream after a failure: every block is
// closed, the message_delta carries no stop_reason, and an error frame
// follows.
func (st *streamState) abort(cause error) {
	_ = st.closeOpenTool()
	_ = st.closeContentBlocks()
	inputTokens, outputTokens := st.tokenEstimates()
	_ = st.emit.event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{},
		"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": outputTokens},
	})
	_ = st.emit.event("error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "upstream_error", "message": cause.Error()},
	})
}

func (st *streamState) tokenEstimates() (inputTokens, outputTokens int) {
	outputTokens = int(math.Ceil(float64(st.emittedChars) / 4))
	if st.usageSeen {
		inputTokens = int(math.Round(contextWindowTokens*st.usagePercent/100)) - outputTokens
		if inputTokens < 0 {
			inputTokens = 0
		}
	}
	return inputTokens, outputTokens
}

// codeState is the fence and inline-code parity carried across content
// objects, so a fence opened in one upstream object still suppresses tags
// arriving in a later one.
type codeState struct {
	fence  bool
	inline bool
}

// findRealTag locates tag in s, skipping occurrences inside fenced code
// blocks or inline code spans, seeded with the carried state.
func (cs codeState) findRealTag(s, tag string) int {
	from := 0
	for {
		idx := strings.Index(s[from:], tag)
		if idx < 0 {
			return -1
		}
		idx += from
		if !cs.insideCode(s[:idx]) {
			return idx
		}
		from = idx + 1
	}
}

// insideCode reports whether the position after prefix falls inside a
// fenced code block or an unclosed inline code span on the current line.
func (cs codeState) insideCode(prefix string) bool {
	fence := cs.fence
	if strings.Count(prefix, "```")%2 == 1 {
		fence = !fence
	}
	if fence {
		return true
	}
	inline := cs.inline
	line := prefix
	if idx := strings.LastIndexByte(prefix, '\n'); idx >= 0 {
		inline = false
		line = prefix[idx+1:]
	}
	line = strings.ReplaceAll(line, "```", "")
	if strings.Count(line, "`")%2 == 1 {
		inline = !inline
	}
	return inline
}

// advance folds consumed content into the carried state.
func (cs *codeState) advance(s string) {
	if strings.Count(s, "```")%2 == 1 {
		cs.fence = !cs.fence
	}
	line := s
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		cs.inline = false
		line = s[idx+1:]
	}
	line = strings.ReplaceAll(line, "```", "")
	if strings.Count(line, "`")%2 == 1 {
		cs.inline = !cs.inline
	}
}

// findRealTag over a complete document, with no carried state.
func findRealTag(s, tag string) int {
	return codeState{}.findRealTag(s, tag)
}

// holdBackTagSuffix returns s minus any trailing run that could still be the
// beginning of tag once more bytes arrive.
func holdBackTagSuffix(s, tag string) string {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return s[:len(s)-n]
		}
	}
	return s
}
