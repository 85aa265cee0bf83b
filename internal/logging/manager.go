// Package logging builds the process zap logger and keeps the most recent
// entries in memory for the /logs/recent endpoint.
package logging

import (
	"container/ring"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultBufferSize is the number of log entries kept in memory
const DefaultBufferSize = 1000

// Config selects level and encoding of the process logger
type Config struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json or console
	BufferSize int    `yaml:"buffer_size"`
}

// LogEntry represents a single buffered log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message"`
	Caller    string    `json:"caller,omitempty"`
}

// Manager owns the buffered tail of the process log
type Manager struct {
	mu     sync.RWMutex
	buffer *ring.Ring
	size   int
}

// NewManager creates a manager keeping up to size entries
func NewManager(size int) *Manager {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Manager{buffer: ring.New(size), size: size}
}

// New builds a zap logger for cfg whose entries are also captured by m.
// m may be nil.
func New(cfg Config, m *Manager) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(defaultString(cfg.Level, "info")))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch strings.ToLower(defaultString(cfg.Format, "json")) {
	case "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var opts []zap.Option
	if m != nil {
		opts = append(opts, zap.Hooks(m.capture))
	}
	return zc.Build(opts...)
}

func (m *Manager) capture(e zapcore.Entry) error {
	entry := LogEntry{
		Timestamp: e.Time,
		Level:     e.Level.String(),
		Source:    e.LoggerName,
		Message:   e.Message,
	}
	if e.Caller.Defined {
		entry.Caller = e.Caller.TrimmedPath()
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	m.mu.Unlock()
	return nil
}

// GetRecent returns up to limit buffered entries, newest first, optionally
// filtered by minimum level ("" for all).
func (m *Manager) GetRecent(limit int, minLevel string) []LogEntry {
	if limit <= 0 || limit > m.size {
		limit = m.size
	}
	var threshold zapcore.Level = zapcore.DebugLevel
	if minLevel != "" {
		if l, err := zapcore.ParseLevel(minLevel); err == nil {
			threshold = l
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]LogEntry, 0, limit)
	// m.buffer points at the next slot to write; walk backwards from the newest.
	for r := m.buffer.Prev(); len(out) < limit; r = r.Prev() {
		entry, ok := r.Value.(LogEntry)
		if !ok {
			break
		}
		if l, err := zapcore.ParseLevel(entry.Level); err == nil && l >= threshold {
			out = append(out, entry)
		}
		if r == m.buffer {
			break
		}
	}
	return out
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
