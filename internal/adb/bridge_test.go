package adb

import (
	"strings"
	"testing"
)

func TestArgsIncludesSerialSelector(t *testing.T) {
	b := New("adb", "emulator-5554")
	got := b.Args("shell", "pm", "list", "packages")
	want := []string{"adb", "-s", "emulator-5554", "shell", "pm", "list", "packages"}
	if len(got) != len(want) {
		t.Fatalf("argv length = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestArgsWithoutSerial(t *testing.T) {
	b := New("", "")
	got := b.Args("wait-for-device")
	if got[0] != "adb" {
		t.Fatalf("empty path should default to adb, got %q", got[0])
	}
	for _, arg := range got {
		if arg == "-s" {
			t.Fatalf("unexpected serial selector in %v", got)
		}
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"":                      "''",
		"/data/flag":            "'/data/flag'",
		"/data/it's here/flag":  `'/data/it'\''s here/flag'`,
		"/data/with space/flag": "'/data/with space/flag'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Fatalf("shellQuote(%q) = %s, want %s", in, got, want)
		}
	}
	quoted := shellQuote("/sdcard/done.flag")
	if !strings.HasPrefix(quoted, "'") || !strings.HasSuffix(quoted, "'") {
		t.Fatalf("quoted value %q is not single-quoted", quoted)
	}
}
