// Package logging forwards logrus entries to external sinks.
package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// queueSize bounds entries waiting for a slow output; extra entries are
// dropped.
const queueSize = 1024

// Output is a destination for log entries.
type Output interface {
	Write(entry *Entry) error
	Close() error
}

// Entry is the form a logrus entry takes once it leaves the process.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Hook is a logrus hook that hands entries to an Output on a background
// goroutine.
type Hook struct {
	output Output
	levels []logrus.Level
	queue  chan *Entry
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewHook forwards every entry at or above minLevel to output.
func NewHook(output Output, minLevel logrus.Level) *Hook {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	h := &Hook{
		output: output,
		levels: levels,
		queue:  make(chan *Entry, queueSize),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hook) Levels() []logrus.Level { return h.levels }

func (h *Hook) Fire(e *logrus.Entry) error {
	entry := &Entry{
		Time:    e.Time,
		Level:   e.Level.String(),
		Message: e.Message,
		Fields:  make(map[string]any, len(e.Data)),
	}
	for k, v := range e.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry.Fields[k] = v
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	select {
	case h.queue <- entry:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Dropped reports how many entries were discarded because the queue was full.
func (h *Hook) Dropped() int64 { return h.dropped.Load() }

func (h *Hook) run() {
	defer close(h.done)
	for entry := range h.queue {
		// Output errors cannot be logged through the hooked logger.
		_ = h.output.Write(entry)
	}
}

// Close drains queued entries and closes the output. Entries fired after
// Close are discarded.
func (h *Hook) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.queue)
	h.mu.Unlock()

	<-h.done
	return h.output.Close()
}
