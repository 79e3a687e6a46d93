package app

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// LoggerName is the root logger name. Plugins log under pluginhost.<name>.
const LoggerName = "pluginhost"

// DefaultSinkLines bounds the lines a BufferedSink holds between flushes.
const DefaultSinkLines = 1000

// ParseLevel parses a log level name. An empty name is info.
func ParseLevel(s string) (hclog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return hclog.Info, nil
	}
	level := hclog.LevelFromString(s)
	if level == hclog.NoLevel {
		return hclog.NoLevel, fmt.Errorf("%w: %q (must be trace, debug, info, warn, error or off)", ErrInvalidLogLevel, s)
	}
	return level, nil
}

// NewLogger creates the host's root logger.
func NewLogger(level hclog.Level, json bool, out io.Writer) hclog.InterceptLogger {
	return hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       LoggerName,
		Level:      level,
		JSONFormat: json,
		Output:     out,
	})
}

// BufferedLog is a batch of log lines published by BufferedSink.Flush.
type BufferedLog struct {
	Lines []string

	// Dropped counts lines discarded because the buffer was full.
	Dropped int

	Time time.Time
}

// BufferedSink collects formatted log lines from an InterceptLogger and
// hands them to subscribers in batches.
type BufferedSink struct {
	hclog.SinkAdapter

	mu      sync.Mutex
	lines   []string
	limit   int
	dropped int

	hmu      sync.RWMutex
	handlers map[uint64]func(BufferedLog)
	nextID   uint64
}

// NewBufferedSink creates a sink accepting records at level and above.
func NewBufferedSink(level hclog.Level, limit int) *BufferedSink {
	if limit <= 0 {
		limit = DefaultSinkLines
	}
	s := &BufferedSink{limit: limit}
	s.SinkAdapter = hclog.NewSinkAdapter(&hclog.LoggerOptions{
		Level:       level,
		Output:      sinkWriter{s},
		DisableTime: true,
	})
	return s
}

// sinkWriter receives one formatted record per Write.
type sinkWriter struct {
	s *BufferedSink
}

func (w sinkWriter) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		w.s.lines = append(w.s.lines, line)
	}
	if over := len(w.s.lines) - w.s.limit; over > 0 {
		w.s.lines = append([]string(nil), w.s.lines[over:]...)
		w.s.dropped += over
	}
	return len(p), nil
}

// Len returns the number of buffered lines.
func (s *BufferedSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}

// Subscribe adds a handler called on every non-empty Flush.
// Returns an unsubscribe function to remove the handler.
func (s *BufferedSink) Subscribe(fn func(BufferedLog)) func() {
	if fn == nil {
		return func() {}
	}
	s.hmu.Lock()
	if s.handlers == nil {
		s.handlers = make(map[uint64]func(BufferedLog))
	}
	s.nextID++
	id := s.nextID
	s.handlers[id] = fn
	s.hmu.Unlock()

	return func() {
		s.hmu.Lock()
		defer s.hmu.Unlock()
		delete(s.handlers, id)
	}
}

// subscribers returns the handlers in subscription order.
func (s *BufferedSink) subscribers() []func(BufferedLog) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	ids := slices.Sorted(maps.Keys(s.handlers))
	out := make([]func(BufferedLog), len(ids))
	for i, id := range ids {
		out[i] = s.handlers[id]
	}
	return out
}

// Flush takes the buffered lines and publishes them. It returns false when
// there was nothing to publish.
func (s *BufferedSink) Flush() (BufferedLog, bool) {
	s.mu.Lock()
	if len(s.lines) == 0 && s.dropped == 0 {
		s.mu.Unlock()
		return BufferedLog{}, false
	}
	batch := BufferedLog{Lines: s.lines, Dropped: s.dropped, Time: time.Now()}
	s.lines = nil
	s.dropped = 0
	s.mu.Unlock()

	for _, fn := range s.subscribers() {
		fn(batch)
	}
	return batch, true
}
