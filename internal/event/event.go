// Package event delivers enforcement events to the host-side collector.
// The core treats delivery as fire-and-forget: a hooked call never fails
// because an event could not be recorded.
package event

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/SantiagoPassafiume/whitebeam/internal/metrics"
)

// LogClass classifies log events.
type LogClass int64

const (
	ClassInfo LogClass = iota
	ClassWarn
	ClassError
)

// String returns the class name used in serialized events.
func (c LogClass) String() string {
	switch c {
	case ClassInfo:
		return "Info"
	case ClassWarn:
		return "Warn"
	case ClassError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Sink is the append-only channel to the host-side collector.
type Sink interface {
	// SendLogEvent records a policy decision or violation warning.
	SendLogEvent(class LogClass, message string)
	// SendExecEvent records an execution decision for a program.
	SendExecEvent(uid int, program, hexdigest string, permitted bool)
}

// logEvent is the wire form of a log event.
type logEvent struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Class     string `json:"class"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// execEvent is the wire form of an execution decision.
type execEvent struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	UID       int    `json:"uid"`
	Program   string `json:"program"`
	Hexdigest string `json:"hexdigest"`
	Permitted bool   `json:"permitted"`
	Timestamp int64  `json:"timestamp"`
}

// FileSink appends NDJSON events to a file in the data directory. The
// collector tails the file; shipping it anywhere is its problem. Warn and
// error events are rate limited so a misbehaving host program cannot fill
// the disk with identical violations.
type FileSink struct {
	path    string
	logger  *slog.Logger
	limiter *rate.Limiter
	mu      sync.Mutex
}

// NewFileSink creates a FileSink writing to path.
func NewFileSink(path string, logger *slog.Logger) *FileSink {
	return &FileSink{
		path:   path,
		logger: logger,
		// Sustained 10 warn events per second, bursts of 50.
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 50),
	}
}

// SendLogEvent implements Sink.
func (s *FileSink) SendLogEvent(class LogClass, message string) {
	if class >= ClassWarn && !s.limiter.Allow() {
		metrics.EventsEmittedTotal.WithLabelValues("log", "dropped").Inc()
		return
	}
	s.append(logEvent{
		ID:        uuid.NewString(),
		Kind:      "log",
		Class:     class.String(),
		Message:   message,
		Timestamp: time.Now().Unix(),
	}, "log")
}

// SendExecEvent implements Sink.
func (s *FileSink) SendExecEvent(uid int, program, hexdigest string, permitted bool) {
	s.append(execEvent{
		ID:        uuid.NewString(),
		Kind:      "exec",
		UID:       uid,
		Program:   program,
		Hexdigest: hexdigest,
		Permitted: permitted,
		Timestamp: time.Now().Unix(),
	}, "exec")
}

func (s *FileSink) append(v any, kind string) {
	line, err := json.Marshal(v)
	if err != nil {
		metrics.EventsEmittedTotal.WithLabelValues(kind, "dropped").Inc()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		metrics.EventsEmittedTotal.WithLabelValues(kind, "dropped").Inc()
		s.logger.Debug("event sink unavailable", "path", s.path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		metrics.EventsEmittedTotal.WithLabelValues(kind, "dropped").Inc()
		return
	}
	metrics.EventsEmittedTotal.WithLabelValues(kind, "sent").Inc()
}

// NopSink discards all events. Tests and degraded startup use it.
type NopSink struct{}

func (NopSink) SendLogEvent(LogClass, string)           {}
func (NopSink) SendExecEvent(int, string, string, bool) {}
