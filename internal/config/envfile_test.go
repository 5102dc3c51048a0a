package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFileParsesAndRespectsExistingValues(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "env")
	writeFile(t, envPath, `
# comment
export ARB_FOO=bar
ARB_QUOTED="hello world"
ARB_SINGLE='x y'
ARB_EMPTY=
INVALID_LINE
=novalue
`)
	unset(t, "ARB_QUOTED", "ARB_SINGLE", "ARB_EMPTY")
	t.Setenv("ARB_FOO", "existing")

	n, err := loadEnvFile(envPath)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 variables set, got %d", n)
	}
	if got := os.Getenv("ARB_FOO"); got != "existing" {
		t.Errorf("expected existing ARB_FOO preserved, got %q", got)
	}
	if got := os.Getenv("ARB_QUOTED"); got != "hello world" {
		t.Errorf("expected ARB_QUOTED loaded, got %q", got)
	}
	if got := os.Getenv("ARB_SINGLE"); got != "x y" {
		t.Errorf("expected ARB_SINGLE loaded, got %q", got)
	}
	if v, ok := os.LookupEnv("ARB_EMPTY"); !ok || v != "" {
		t.Errorf("expected empty ARB_EMPTY to be set, got %q %v", v, ok)
	}
}

func TestLoadEnvFileCandidatesFromExplicitPath(t *testing.T) {
	home := isolate(t)
	explicit := filepath.Join(home, "custom.env")
	writeFile(t, explicit, "ARB_EXPLICIT=1\nARB_SHARED=explicit\n")
	writeFile(t, filepath.Join(home, ".config", "arbiter", "env"), "ARB_SHARED=xdg\nARB_XDG=2\n")
	unset(t, "ARB_EXPLICIT", "ARB_SHARED", "ARB_XDG")
	t.Setenv("ARBITER_ENV_FILE", explicit)

	LoadEnvFileCandidates()

	if os.Getenv("ARB_EXPLICIT") != "1" || os.Getenv("ARB_XDG") != "2" {
		t.Fatalf("expected both env files loaded")
	}
	if got := os.Getenv("ARB_SHARED"); got != "explicit" {
		t.Fatalf("earlier candidate must win, got %q", got)
	}
}
