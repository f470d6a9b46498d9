package logging

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultRecentCapacity = 500

// Entry is one captured log line.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Recent is a logrus hook keeping the last N entries in a ring, serving the
// debug log endpoint.
type Recent struct {
	mu    sync.RWMutex
	ring  []Entry
	head  int
	count int
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	return &Recent{ring: make([]Entry, capacity)}
}

func (r *Recent) Levels() []log.Level { return log.AllLevels }

func (r *Recent) Fire(entry *log.Entry) error {
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	var fields map[string]any
	if len(entry.Data) > 0 {
		fields = make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			fields[k] = v
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.head] = Entry{Time: entry.Time, Level: level, Message: entry.Message, Fields: fields}
	r.head = (r.head + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
	return nil
}

// Entries returns a copy of the buffered entries, oldest first.
func (r *Recent) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, r.count)
	if r.count == len(r.ring) {
		out = append(out, r.ring[r.head:]...)
		out = append(out, r.ring[:r.head]...)
	} else {
		out = append(out, r.ring[:r.count]...)
	}
	return out
}

// Buffer is the process-wide capture installed by SetupBaseLogger.
var Buffer = NewRecent(defaultRecentCapacity)
