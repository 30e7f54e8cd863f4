package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
//
// Capture groups:
//   - 1: variable name of the braced form
//   - 2: modifier, "-" or "?"
//   - 3: default value or error message
//   - 4: variable name of the bare form
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

func errorf(format string, args ...any) error {
	return fmt.Errorf("config: "+format, args...)
}

// Load reads, expands and decodes the file at path over the defaults.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded, err := ExpandEnv(string(data))
	if err != nil {
		return nil, err
	}

	cfg, err := Parse([]byte(expanded), formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// Parse decodes data in the given format ("yaml", "toml" or "json") over
// the defaults and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	cfg := DefaultConfig()

	var err error
	switch format {
	case "toml":
		err = decodeTOML(data, cfg)
	case "json":
		err = decodeJSONC(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s config: %w", format, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeTOML decodes into a generic tree and re-encodes it as YAML so the
// struct tags and duration parsing are shared by every format.
func decodeTOML(data []byte, cfg *Config) error {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return err
	}
	return viaYAML(raw, cfg)
}

func decodeJSONC(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	return viaYAML(raw, cfg)
}

func viaYAML(raw map[string]any, cfg *Config) error {
	if len(raw) == 0 {
		return nil
	}
	out, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(out, cfg)
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".json", ".jsonc":
		return "json"
	default:
		return "yaml"
	}
}

// Save writes cfg as YAML with owner-only permissions, keeping a .bak of
// the previous file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first config file present in the standard
// locations, or "".
func FindConfigFile() string {
	candidates := []string{
		"gman.yaml",
		"gman.yml",
		"gman.toml",
		"gman.jsonc",
		"gman.json",
		"config.yaml",
		"config.yml",
		"configs/gman.yaml",
	}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(dir, "gman", "config.yaml"),
			filepath.Join(dir, "gman", "config.toml"),
		)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files without overriding the environment.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// ExpandEnv replaces environment references in input. Unset variables
// without a modifier are left as written; an unset ${VAR:?message} is an
// error.
func ExpandEnv(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if missing == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				missing = errorf("%s - %s", name, value)
			}
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveRelativePaths makes file paths relative to the config file's
// directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Audit.Path = resolvePath(cfg.Audit.Path, dir)
	cfg.Command.FontDir = resolvePath(cfg.Command.FontDir, dir)
	cfg.MCP.ExportDir = resolvePath(cfg.MCP.ExportDir, dir)
	cfg.Workspace.Root = resolvePath(cfg.Workspace.Root, dir)
}

func resolvePath(path, dir string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// checkFilePermissions warns when the config file is readable by others,
// since it may hold the bot token.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
