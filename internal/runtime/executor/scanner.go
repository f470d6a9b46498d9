// Package executor carries the upstream-facing half of the gateway: the
// scanner and parser that turn the Q response byte stream into SSE frames,
// and the HTTP plumbing shared by dispatch calls.
package executor

import "bytes"

// The upstream body is a concatenation of self-delimited JSON objects with
// no framing between them. Objects are located by these known key prefixes
// and closed by brace matching.
var objectPrefixes = [][]byte{
	[]byte(`{"content":`),
	[]byte(`{"name":`),
	[]byte(`{"followupPrompt":`),
	[]byte(`{"input":`),
	[]byte(`{"stop":`),
	[]byte(`{"contextUsagePercentage":`),
}

// objectScanner incrementally extracts JSON objects from the byte stream.
// Bytes before a recognised prefix are discarded.
type objectScanner struct {
	buf []byte
}

func (s *objectScanner) feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// next returns the earliest complete object in the buffer, or nil when more
// bytes are needed.
func (s *objectScanner) next() []byte {
	for {
		start := s.findPrefix()
		if start < 0 {
			// keep a tail that could be the start of a prefix
			s.trimToPossiblePrefix()
			return nil
		}
		if start > 0 {
			s.buf = s.buf[start:]
		}
		end := matchBraces(s.buf)
		if end < 0 {
			return nil
		}
		obj := s.buf[:end]
		s.buf = s.buf[end:]
		return obj
	}
}

// findPrefix returns the earliest offset of any known object prefix.
func (s *objectScanner) findPrefix() int {
	best := -1
	for _, p := range objectPrefixes {
		if idx := bytes.Index(s.buf, p); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// trimToPossiblePrefix drops buffered bytes that can no longer begin an
// object, keeping any tail that is a prefix of a known prefix.
func (s *objectScanner) trimToPossiblePrefix() {
	for i := 0; i < len(s.buf); i++ {
		tail := s.buf[i:]
		for _, p := range objectPrefixes {
			n := len(tail)
			if n > len(p) {
				continue
			}
			if bytes.Equal(tail, p[:n]) {
				s.buf = append([]byte(nil), tail...)
				return
			}
		}
	}
	s.buf = s.buf[:0]
}

// matchBraces returns the length of the JSON object starting at buf[0],
// tracking quoted strings and backslash escapes, or -1 when incomplete.
func matchBraces(buf []byte) int {
	depth := 0
	inString := false
	escaped := false
	for i, b := range buf {
		if escaped {
			escaped = false
			continue
		}
		switch b {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i + 1
				}
			}
		}
	}
	return -1
}
