package harness

import "strings"

// TestPointPrefix marks coarse lifecycle markers in instrumentation output.
const TestPointPrefix = "HARNESS TESTPOINT: "

// TestPoint is a lifecycle marker emitted by the device-side harness.
type TestPoint string

// Known harness test points. Unknown labels in output are ignored.
const (
	TestPointPreInitialization  TestPoint = "pre_initialization"
	TestPointCacheReady         TestPoint = "cache_ready"
	TestPointUILoaded           TestPoint = "ui_loaded"
	TestPointReadyForScreenshot TestPoint = "ready_for_screenshot"
	TestPointErrorSignaled      TestPoint = "error_signaled"
)

var knownTestPoints = map[TestPoint]bool{
	TestPointPreInitialization:  true,
	TestPointCacheReady:         true,
	TestPointUILoaded:           true,
	TestPointReadyForScreenshot: true,
	TestPointErrorSignaled:      true,
}

// ParseTestPoint extracts a test point marker and optional detail from one
// output line. Unknown marker names yield (zero, "", false).
func ParseTestPoint(line string) (TestPoint, string, bool) {
	stripped := strings.TrimSpace(line)
	if !strings.HasPrefix(stripped, TestPointPrefix) {
		return "", "", false
	}
	payload := strings.TrimSpace(stripped[len(TestPointPrefix):])
	if payload == "" {
		return "", "", false
	}
	label := payload
	detail := ""
	if idx := strings.Index(payload, ":"); idx >= 0 {
		label = payload[:idx]
		detail = strings.TrimSpace(payload[idx+1:])
	}
	point := TestPoint(strings.TrimSpace(label))
	if !knownTestPoints[point] {
		return "", "", false
	}
	return point, detail, true
}

// TestPointCallback observes a dispatched test point with its detail.
type TestPointCallback func(point TestPoint, detail string)

// TestPointDispatcher fans parsed test points out to registered callbacks.
// Callbacks run in registration order; per-point callbacks fire before
// any-point callbacks.
type TestPointDispatcher struct {
	callbacks    map[TestPoint][]TestPointCallback
	anyCallbacks []TestPointCallback

	// Events records every dispatched point in arrival order.
	Events []DispatchedTestPoint
}

// DispatchedTestPoint is one observed test point with its detail.
type DispatchedTestPoint struct {
	Point  TestPoint
	Detail string
}

// NewTestPointDispatcher returns an empty dispatcher.
func NewTestPointDispatcher() *TestPointDispatcher {
	return &TestPointDispatcher{callbacks: make(map[TestPoint][]TestPointCallback)}
}

// Register subscribes a callback to one test point.
func (d *TestPointDispatcher) Register(point TestPoint, callback TestPointCallback) {
	d.callbacks[point] = append(d.callbacks[point], callback)
}

// RegisterAny subscribes a callback to every test point.
func (d *TestPointDispatcher) RegisterAny(callback TestPointCallback) {
	d.anyCallbacks = append(d.anyCallbacks, callback)
}

// Dispatch records the event and invokes callbacks in registration order.
func (d *TestPointDispatcher) Dispatch(point TestPoint, detail string) {
	d.Events = append(d.Events, DispatchedTestPoint{Point: point, Detail: detail})
	for _, callback := range d.callbacks[point] {
		callback(point, detail)
	}
	for _, callback := range d.anyCallbacks {
		callback(point, detail)
	}
}
