package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".arbiter"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ARBITER"
)

// ConfigPath returns the path to the config file. ARBITER_CONFIG wins over
// the default location under the home directory.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("ARBITER_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// resolveHomeDir returns ARBITER_HOME when set, else the user home.
func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("ARBITER_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

// Load reads the configuration from ConfigPath. See LoadFrom.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom builds the configuration with priority env > file > defaults.
// Env files are loaded first, then the config file at path (ConfigPath when
// empty; a missing file is not an error), then ARBITER_<GROUP>_<FIELD>
// overrides. The result is validated.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	LoadEnvFileCandidates()

	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		path = p
	} else {
		p, err := expandHome(path)
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil {
		if err := decodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides each group from ARBITER_<GROUP>_* variables.
func applyEnv(cfg *Config) error {
	groups := []struct {
		name string
		spec any
	}{
		{"PATHS", &cfg.Paths},
		{"LOG", &cfg.Log},
		{"GATE", &cfg.Gate},
		{"SCORER", &cfg.Scorer},
		{"WEIGHTS", &cfg.Weights},
		{"CIRCUIT", &cfg.Circuit},
		{"RETRY", &cfg.Retry},
		{"SCHEDULER", &cfg.Scheduler},
		{"EVENTS", &cfg.Events},
		{"METRICS", &cfg.Metrics},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.name, g.spec); err != nil {
			return fmt.Errorf("env overrides for %s: %w", strings.ToLower(g.name), err)
		}
	}
	return nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Paths.DataDir, &c.Paths.DBPath, &c.Paths.LexiconPath, &c.Scheduler.LockPath} {
		v, err := expandHome(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	if c.Paths.DBPath == "" {
		c.Paths.DBPath = filepath.Join(c.Paths.DataDir, "arbiter.db")
	}
	if c.Scheduler.LockPath == "" {
		c.Scheduler.LockPath = filepath.Join(c.Paths.DataDir, "scheduler.lock")
	}
	return nil
}

// Save writes cfg to ConfigPath, as YAML when the path ends in .yaml/.yml.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// decodeFile resolves includes and env references in path and decodes the
// merged document over cfg. The top-level file decides the format used for
// the final decode.
func decodeFile(path string, cfg *Config) error {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return err
	}
	if isYAML(path) {
		data, err := yaml.Marshal(obj)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, cfg)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadConfigObject reads one config document. "$include" names files (a
// string or a list, relative to the including file) merged underneath it.
func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if isYAML(absPath) {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if inc, ok := raw["$include"]; ok {
		files, err := parseIncludes(inc)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if !filepath.IsAbs(f) {
				f = filepath.Join(filepath.Dir(absPath), f)
			}
			child, err := loadConfigObject(f, visited)
			if err != nil {
				return nil, fmt.Errorf("include %s: %w", f, err)
			}
			deepMerge(merged, child)
		}
		delete(raw, "$include")
	}
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

// deepMerge copies src into dst, merging nested maps key by key. Lists and
// scalars in src replace those in dst.
func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, ok := val.(map[string]any)
		if !ok {
			dst[key] = val
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

// substituteEnvValues replaces ${VAR} in string values with the process env.
// Unknown variables are left as written.
func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			if value, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
