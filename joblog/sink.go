package joblog

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/skyfleet-io/skyfleet/bus"
)

// Sink ties a job's log ring to the event bus. Every line appended to
// the ring is also published as a job:log event so live subscribers can
// tail the job. Sinks are handed to executors as their only logging
// surface; nothing in the worker redirects process-global output.
type Sink struct {
	ring     *Ring
	eventBus *bus.Bus
	tenantID string
	jobID    string
	parentID string
}

// NewSink creates a sink for one job.
func NewSink(eventBus *bus.Bus, tenantID, jobID, parentID string) *Sink {
	return &Sink{
		ring:     NewRing(DefaultRingSize),
		eventBus: eventBus,
		tenantID: tenantID,
		jobID:    jobID,
		parentID: parentID,
	}
}

// Ring returns the sink's underlying ring.
func (s *Sink) Ring() *Ring {
	return s.ring
}

// Append records one entry and publishes it on the bus.
func (s *Sink) Append(level, message, source string) {
	e := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Source:    source,
	}
	s.ring.Append(e)

	if s.eventBus != nil {
		s.eventBus.Publish(bus.Event{
			Event:     bus.EventJobLog,
			TenantID:  s.tenantID,
			JobID:     s.jobID,
			ParentID:  s.parentID,
			Timestamp: e.Timestamp,
			Log: &bus.LogPayload{
				Timestamp: e.Timestamp,
				Level:     e.Level,
				Message:   e.Message,
				Source:    e.Source,
			},
		})
	}
}

// Freeze finalizes the ring once the job is terminal.
func (s *Sink) Freeze() {
	s.ring.Freeze()
}

// Logger builds a per-job SugaredLogger whose output tees into base and
// into this sink. Executors log through this; they never touch the
// process-global logger directly.
func (s *Sink) Logger(base *zap.SugaredLogger) *zap.SugaredLogger {
	core := zapcore.NewTee(
		base.Desugar().Core(),
		&sinkCore{LevelEnabler: zapcore.DebugLevel, sink: s},
	)
	return zap.New(core).Sugar().With("job_id", s.jobID)
}

// Writer returns an io.Writer that captures ambient line output into
// the sink (source "stdout"). This replaces the original design's
// process-global console rebinding: the writer is owned by a single
// job, so concurrent workers cannot cross-contaminate.
func (s *Sink) Writer() *CaptureWriter {
	return &CaptureWriter{sink: s}
}

// sinkCore is a zapcore.Core that appends entries to a job's sink.
// It implements the same pattern as a WebSocket log core: it is added
// to a logger via zapcore.NewTee for multi-output logging.
type sinkCore struct {
	zapcore.LevelEnabler
	sink *Sink
}

func (c *sinkCore) With(fields []zapcore.Field) zapcore.Core {
	// Stateless - field context is carried in the rendered message.
	return c
}

func (c *sinkCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *sinkCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	msg := entry.Message
	if len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range fields {
			f.AddTo(enc)
		}
		var b strings.Builder
		b.WriteString(msg)
		for k, v := range enc.Fields {
			if k == "job_id" {
				continue
			}
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(renderField(v))
		}
		msg = b.String()
	}
	c.sink.Append(entry.Level.String(), msg, SourceLogger)
	return nil
}

func (c *sinkCore) Sync() error { return nil }

func renderField(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// CaptureWriter buffers writes and emits one sink entry per line.
type CaptureWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	sink *Sink
}

// Write implements io.Writer. Partial lines are buffered until a
// newline arrives or Flush is called.
func (w *CaptureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// No complete line yet - keep the remainder buffered.
			w.buf.WriteString(line)
			break
		}
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			w.sink.Append("info", trimmed, SourceStdout)
		}
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *CaptureWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		if trimmed := strings.TrimRight(w.buf.String(), "\r\n"); trimmed != "" {
			w.sink.Append("info", trimmed, SourceStdout)
		}
		w.buf.Reset()
	}
}
