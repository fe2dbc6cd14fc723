package events

import "testing"

func TestSubjectSanitizesSerial(t *testing.T) {
	sink := &NATSSink{prefix: "novaharness.events"}
	cases := []struct {
		serial string
		want   string
	}{
		{"emulator-5554", "novaharness.events.emulator-5554"},
		{"usb:1.4", "novaharness.events.usb_1_4"},
		{"", "novaharness.events.local"},
		{"...", "novaharness.events.local"},
	}
	for _, tc := range cases {
		if got := sink.subject(tc.serial); got != tc.want {
			t.Fatalf("subject(%q) = %q, want %q", tc.serial, got, tc.want)
		}
	}
}
