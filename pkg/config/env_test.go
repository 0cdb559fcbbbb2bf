package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_GET_ENV_SET", "custom_value")
	if got := GetEnv("TEST_GET_ENV_SET", "default"); got != "custom_value" {
		t.Fatalf("expected custom_value, got %q", got)
	}
	t.Setenv("TEST_GET_ENV_BLANK", "   ")
	if got := GetEnv("TEST_GET_ENV_BLANK", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback for blank value, got %q", got)
	}
	if got := GetEnv("TEST_GET_ENV_UNSET_XYZ", "default_value"); got != "default_value" {
		t.Fatalf("expected default_value, got %q", got)
	}
}

func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT64", "10000000")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_BAD_INT", "abc")

	if got := GetEnvInt("TEST_INT", 1); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := GetEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("expected default 7 on parse error, got %d", got)
	}
	if got := GetEnvInt64("TEST_INT64", 1); got != 10000000 {
		t.Fatalf("expected 10000000, got %d", got)
	}
	if got := GetEnvFloat64("TEST_FLOAT", 1); got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}
}

func TestGetEnvBoolAndDuration(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DURATION", "3s")
	t.Setenv("TEST_BAD_DURATION", "soon")

	if !GetEnvBool("TEST_BOOL", false) {
		t.Fatal("expected true")
	}
	if got := GetEnvDuration("TEST_DURATION", time.Second); got != 3*time.Second {
		t.Fatalf("expected 3s, got %v", got)
	}
	if got := GetEnvDuration("TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Fatalf("expected default 1s, got %v", got)
	}
}

func TestGetEnvSlice(t *testing.T) {
	t.Setenv("TEST_SLICE", " BTC_USD, ,TATA_INR ")
	got := GetEnvSlice("TEST_SLICE", nil)
	if len(got) != 2 || got[0] != "BTC_USD" || got[1] != "TATA_INR" {
		t.Fatalf("unexpected slice: %v", got)
	}

	t.Setenv("TEST_SLICE_EMPTY", " , ")
	def := []string{"BTC_USD"}
	if got := GetEnvSlice("TEST_SLICE_EMPTY", def); len(got) != 1 || got[0] != "BTC_USD" {
		t.Fatalf("expected default slice, got %v", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("TEST_DOTENV_KEY=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	os.Unsetenv("TEST_DOTENV_KEY")
	t.Cleanup(func() { os.Unsetenv("TEST_DOTENV_KEY") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("TEST_DOTENV_KEY"); got != "from-file" {
		t.Fatalf("expected from-file, got %q", got)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
