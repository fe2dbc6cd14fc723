// Package events defines the harness event stream consumed by the external
// fleet-health aggregator.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Event kinds emitted by the recovery controller.
const (
	KindAttemptStarted         = "attempt_started"
	KindAttemptFinished        = "attempt_finished"
	KindCaptureCompleted       = "capture_completed"
	KindSystemCrash            = "system_crash"
	KindProcessCrash           = "process_crash"
	KindMissingInstrumentation = "missing_instrumentation"
	KindPhase                  = "phase"
)

// Event is one harness lifecycle or phase observation.
type Event struct {
	RunID  string            `json:"runId"`
	Serial string            `json:"serial,omitempty"`
	Kind   string            `json:"kind"`
	At     time.Time         `json:"at"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Sink receives harness events. Publish failures must never abort a run.
type Sink interface {
	Publish(ctx context.Context, event Event)
	Close()
}

// NopSink discards every event.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(context.Context, Event) {}

// Close implements Sink.
func (NopSink) Close() {}

// NATSSink publishes events as JSON to novaharness.events.<serial> subjects.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// DialNATS connects to the given NATS URL. An empty URL uses the default.
func DialNATS(url string, logger *slog.Logger) (*NATSSink, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("novaharness"))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{conn: conn, prefix: "novaharness.events", logger: logger}, nil
}

// Publish sends the event; failures are logged and swallowed.
func (s *NATSSink) Publish(_ context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("encode harness event", "kind", event.Kind, "err", err)
		return
	}
	if err := s.conn.Publish(s.subject(event.Serial), payload); err != nil {
		s.logger.Warn("publish harness event", "kind", event.Kind, "err", err)
	}
}

// Close drains pending publishes before closing the connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		_ = s.conn.Drain()
		s.conn.Close()
	}
}

func (s *NATSSink) subject(serial string) string {
	token := sanitizeToken(serial)
	if token == "" {
		token = "local"
	}
	return s.prefix + "." + token
}

// sanitizeToken keeps a serial usable as a NATS subject token.
func sanitizeToken(serial string) string {
	var b strings.Builder
	for _, r := range serial {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
