package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsNil(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config for missing file")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "novaharness.yaml")
	in := &Config{
		Serial:            "emulator-5554",
		OutputDir:         "shots",
		RunTimeoutSeconds: 90,
		Extras:            map[string]string{"testPackageName": "com.novapdf.reader.test"},
	}
	if err := in.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.Serial != in.Serial || out.OutputDir != in.OutputDir || out.RunTimeoutSeconds != in.RunTimeoutSeconds {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Extras["testPackageName"] != "com.novapdf.reader.test" {
		t.Fatalf("extras not preserved: %+v", out.Extras)
	}
}

func TestLoadEnvFileSetsOnlyUnsetKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screenshot-harness.env")
	contents := "# comment\n\nexport NOVAPDF_ENV_A=\"from-file\"\nNOVAPDF_ENV_B=plain\nNOT_AN_ASSIGNMENT\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("NOVAPDF_ENV_A", "from-process")
	os.Unsetenv("NOVAPDF_ENV_B")
	t.Cleanup(func() { os.Unsetenv("NOVAPDF_ENV_B") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("NOVAPDF_ENV_A"); got != "from-process" {
		t.Fatalf("existing variable overwritten: %q", got)
	}
	if got := os.Getenv("NOVAPDF_ENV_B"); got != "plain" {
		t.Fatalf("missing variable not set: %q", got)
	}
}

func TestLoadEnvFileMissingIsNotAnError(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
