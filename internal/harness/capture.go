package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// CaptureDevice is the device surface the handshake needs.
type CaptureDevice interface {
	ReadFileAs(ctx context.Context, pkg, path string) (string, error)
	Screencap(ctx context.Context) ([]byte, error)
	TruncateFileAs(ctx context.Context, pkg, path string) error
	WriteDoneMarkerAs(ctx context.Context, pkg, path string) error
}

// Capturer drives the file-based screenshot handshake: read the ready
// payload, capture the screen, persist the PNG, acknowledge completion.
type Capturer struct {
	Device    CaptureDevice
	OutputDir string
	Diag      io.Writer
	Logger    *slog.Logger
}

func (c *Capturer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return discardLogger
}

// MaybeCapture fires the handshake transition when the session's
// preconditions are all simultaneously satisfied. The transition is one-shot
// per session. It returns the written screenshot path when a capture
// happened.
func (c *Capturer) MaybeCapture(ctx context.Context, session *Session) (string, bool, error) {
	if !session.HandshakeReady() {
		return "", false, nil
	}
	payload, ok := c.ReadReadyPayload(ctx, session)
	if !ok {
		return "", false, nil
	}
	path, err := c.Capture(ctx, session, payload)
	if err != nil {
		return "", false, err
	}
	c.SignalCompletion(ctx, session)
	session.CaptureCompleted = true
	return path, true, nil
}

// ReadReadyPayload tries each ready-flag path in first-seen order, accepting
// the first non-empty content. Per-path read failures are swallowed.
func (c *Capturer) ReadReadyPayload(ctx context.Context, session *Session) (string, bool) {
	if session.Package == "" || len(session.ReadyFlags) == 0 {
		return "", false
	}
	for _, flag := range session.ReadyFlags {
		content, err := c.Device.ReadFileAs(ctx, session.Package, flag)
		if err != nil {
			c.logger().Debug("ready flag read failed", "path", flag, "err", err)
			continue
		}
		if trimmed := strings.TrimSpace(content); trimmed != "" {
			return trimmed, true
		}
	}
	return "", false
}

// Capture parses the ready payload, captures the screen, and writes the PNG
// under the output directory with a deterministic name.
func (c *Capturer) Capture(ctx context.Context, session *Session, payload string) (string, error) {
	fileName := screenshotFileName(payload)

	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	outputPath := filepath.Join(c.OutputDir, fileName)

	image, err := c.Device.Screencap(ctx)
	if err != nil {
		return "", fmt.Errorf("screencap: %w", err)
	}
	if err := os.WriteFile(outputPath, image, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	c.logger().Info("screenshot captured", "path", outputPath, "bytes", len(image))
	return outputPath, nil
}

// SignalCompletion acknowledges the capture by truncating every done flag,
// falling back to a literal "done" marker when truncation fails.
func (c *Capturer) SignalCompletion(ctx context.Context, session *Session) {
	if session.Package == "" || len(session.DoneFlags) == 0 {
		return
	}
	for _, flag := range session.DoneFlags {
		if err := c.Device.TruncateFileAs(ctx, session.Package, flag); err != nil {
			c.logger().Debug("done flag truncation failed, writing marker", "path", flag, "err", err)
			if err := c.Device.WriteDoneMarkerAs(ctx, session.Package, flag); err != nil {
				c.logger().Warn("done flag acknowledgement failed", "path", flag, "err", err)
			}
		}
	}
}

// screenshotFileName derives <sanitizedDocId>_page<NNNN>.png from the ready
// payload. A malformed payload degrades to {status: rawText}.
func screenshotFileName(payload string) string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil || raw == nil {
		raw = map[string]json.RawMessage{}
		if status, err := json.Marshal(payload); err == nil {
			raw["status"] = status
		}
	}

	documentID := payloadString(raw["sanitizedDocumentId"])
	if documentID == "" {
		documentID = payloadString(raw["documentId"])
	}
	if documentID == "" {
		documentID = "document"
	}
	fallback := payloadString(raw["documentId"])
	if fallback == "" {
		fallback = "document"
	}
	sanitized := SanitizeCacheName(documentID, fallback)

	pageNumber, ok := coerceInt(raw["pageNumber"])
	if !ok || pageNumber == 0 {
		index, _ := coerceInt(raw["pageIndex"])
		pageNumber = index + 1
	}
	return fmt.Sprintf("%s_page%04d.png", sanitized, pageNumber)
}

// payloadString renders a payload field as text, accepting strings, numbers,
// and booleans the way the device harness serializes them.
func payloadString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		switch value := v.(type) {
		case float64:
			return formatScalar(value)
		case bool:
			return fmt.Sprintf("%t", value)
		}
	}
	return ""
}
