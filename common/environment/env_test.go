package environment_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/Hangar/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("HANGAR_TEST_STRING", "hello")
	if got := environment.StringOr("HANGAR_TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("HANGAR_TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("HANGAR_TEST_REQUIRED", "value")
	v, err := environment.RequiredString("HANGAR_TEST_REQUIRED")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "value" {
		t.Errorf("expected %q, got %q", "value", v)
	}

	if _, err := environment.RequiredString("HANGAR_TEST_REQUIRED_MISSING"); err == nil {
		t.Error("expected error for missing variable, got nil")
	}
}

func TestBoolOr(t *testing.T) {
	t.Setenv("HANGAR_TEST_BOOL", "true")
	if !environment.BoolOr("HANGAR_TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("HANGAR_TEST_BOOL", "maybe")
	if environment.BoolOr("HANGAR_TEST_BOOL", false) {
		t.Error("expected fallback false for unparsable value")
	}
}

func TestIntOr(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"42", 42},
		{"", 7},
		{"notanint", 7},
		{"-3", -3},
	}
	for _, tc := range cases {
		t.Setenv("HANGAR_TEST_INT", tc.raw)
		if got := environment.IntOr("HANGAR_TEST_INT", 7); got != tc.want {
			t.Errorf("IntOr(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestDurationOr(t *testing.T) {
	t.Setenv("HANGAR_TEST_DUR", "5m")
	if got := environment.DurationOr("HANGAR_TEST_DUR", time.Minute); got != 5*time.Minute {
		t.Errorf("expected 5m, got %v", got)
	}
	if got := environment.DurationOr("HANGAR_TEST_DUR_MISSING", time.Minute); got != time.Minute {
		t.Errorf("expected 1m, got %v", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("HANGAR_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HANGAR_TEST_DOTENV", "")
	os.Unsetenv("HANGAR_TEST_DOTENV")

	if err := environment.LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("HANGAR_TEST_DOTENV"); got != "from-file" {
		t.Errorf("expected value from file, got %q", got)
	}
}

func TestLoadDotEnv_MissingFileIsNotAnError(t *testing.T) {
	if err := environment.LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("expected nil for missing file, got %v", err)
	}
}
