package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileCandidates returns the env files Load reads, in order. An explicit
// ARBITER_ENV_FILE comes first.
func EnvFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("ARBITER_ENV_FILE")); explicit != "" {
		out = append(out, explicit)
	}
	if home, err := resolveHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ".config", "arbiter", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}
	return out
}

// LoadEnvFileCandidates loads environment variables from the known env
// files. Variables already present in the process env are never replaced.
func LoadEnvFileCandidates() {
	seen := make(map[string]bool)
	for _, p := range EnvFileCandidates() {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		n, err := loadEnvFile(abs)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Failed to read env file", "path", abs, "error", err)
			}
			continue
		}
		slog.Debug("Loaded env file", "path", abs, "vars", n)
	}
}

// loadEnvFile applies KEY=VALUE lines from path and reports how many
// variables it set.
func loadEnvFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	set := 0
	sc := bufio.NewScanner(f)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, unquote(strings.TrimSpace(val))); err != nil {
			return set, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		set++
	}
	return set, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 {
		if q := v[0]; (q == '"' || q == '\'') && v[len(v)-1] == q {
			return v[1 : len(v)-1]
		}
	}
	return v
}
