package harness

import "testing"

func TestParseTestPoint(t *testing.T) {
	point, detail, ok := ParseTestPoint("HARNESS TESTPOINT: ready_for_screenshot")
	if !ok || point != TestPointReadyForScreenshot || detail != "" {
		t.Fatalf("plain marker: ok=%v point=%q detail=%q", ok, point, detail)
	}
	point, detail, ok = ParseTestPoint("  HARNESS TESTPOINT: error_signaled: cache warmup failed  ")
	if !ok || point != TestPointErrorSignaled || detail != "cache warmup failed" {
		t.Fatalf("detail marker: ok=%v point=%q detail=%q", ok, point, detail)
	}
}

func TestParseTestPointRejectsUnknown(t *testing.T) {
	for _, line := range []string{
		"HARNESS TESTPOINT: totally_new_marker",
		"HARNESS TESTPOINT: ",
		"TESTPOINT: cache_ready",
	} {
		if _, _, ok := ParseTestPoint(line); ok {
			t.Fatalf("expected %q to be ignored", line)
		}
	}
}

func TestDispatcherOrderAndLog(t *testing.T) {
	d := NewTestPointDispatcher()
	var calls []string
	d.Register(TestPointCacheReady, func(point TestPoint, detail string) {
		calls = append(calls, "specific-1")
	})
	d.Register(TestPointCacheReady, func(point TestPoint, detail string) {
		calls = append(calls, "specific-2")
	})
	d.RegisterAny(func(point TestPoint, detail string) {
		calls = append(calls, "any")
	})

	d.Dispatch(TestPointCacheReady, "warm")
	d.Dispatch(TestPointUILoaded, "")

	want := []string{"specific-1", "specific-2", "any", "any"}
	if len(calls) != len(want) {
		t.Fatalf("unexpected calls %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call order mismatch at %d: %v", i, calls)
		}
	}
	if len(d.Events) != 2 || d.Events[0].Detail != "warm" || d.Events[1].Point != TestPointUILoaded {
		t.Fatalf("event log wrong: %+v", d.Events)
	}
}
