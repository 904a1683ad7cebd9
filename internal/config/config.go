// Package config loads ferry configuration from JSONC files and the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// BackendConfig describes how to launch the model backend process.
type BackendConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// TurnConfig holds the per-turn budgets.
type TurnConfig struct {
	// MaxRequests caps backend round trips inside one turn. Unset values
	// get a default at load time.
	MaxRequests int `json:"maxRequests,omitempty"`
	// MaxTokens caps the estimated token count of one turn.
	MaxTokens int `json:"maxTokens,omitempty"`
	// MaxPromptBytes caps the combined text size of one prompt request.
	MaxPromptBytes int `json:"maxPromptBytes,omitempty"`
}

// PermissionConfig maps tool and path patterns to "allow", "deny" or "ask".
type PermissionConfig struct {
	Default string            `json:"default,omitempty"`
	Tools   map[string]string `json:"tools,omitempty"`
	Execute map[string]string `json:"execute,omitempty"`
	Paths   map[string]string `json:"paths,omitempty"`
}

// MCPConfig declares which MCP transports the agent advertises.
type MCPConfig struct {
	HTTP bool `json:"http"`
	SSE  bool `json:"sse"`
}

// LogConfig controls the zerolog sink.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	File   string `json:"file,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
}

// RecorderConfig controls the raw traffic transcripts.
type RecorderConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Dir     string `json:"dir,omitempty"`
}

// Config is the root ferry configuration.
type Config struct {
	Schema     string            `json:"$schema,omitempty"`
	Backend    BackendConfig     `json:"backend"`
	Turn       TurnConfig        `json:"turn,omitempty"`
	Permission *PermissionConfig `json:"permission,omitempty"`
	MCP        MCPConfig         `json:"mcp,omitempty"`
	Log        LogConfig         `json:"log,omitempty"`
	Recorder   RecorderConfig    `json:"recorder,omitempty"`
}

const (
	defaultMaxRequests    = 32
	defaultMaxTokens      = 32768
	defaultMaxPromptBytes = 4 * 1024 * 1024
)

// Load loads configuration from multiple sources (priority order):
//  1. Global config (~/.config/ferry/)
//  2. Project config (<dir>/ferry.json[c], <dir>/.ferry/ferry.json[c])
//  3. FERRY_CONFIG file
//  4. FERRY_CONFIG_CONTENT inline JSON
//  5. Environment variables
func Load(directory string) (*Config, error) {
	config := &Config{}

	loaded := make(map[string]bool)
	loadOnce := func(path, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	globalPath := ConfigDir()
	loadOnce(filepath.Join(globalPath, "ferry.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "ferry.jsonc"), globalPath)

	if directory != "" {
		projectDir := filepath.Join(directory, ".ferry")
		loadOnce(filepath.Join(directory, "ferry.json"), directory)
		loadOnce(filepath.Join(directory, "ferry.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "ferry.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "ferry.jsonc"), projectDir)
	}

	if configPath := os.Getenv("FERRY_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	if content := os.Getenv("FERRY_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err == nil {
			mergeConfig(config, &inline)
		}
	}

	applyEnvOverrides(config)
	applyDefaults(config)

	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	filePattern := regexp.MustCompile(`\{file:([^}]+)\}`)
	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match
		}

		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")
		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source into target; later sources win field by field.
func mergeConfig(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Backend.Command != "" {
		target.Backend.Command = source.Backend.Command
	}
	if source.Backend.Args != nil {
		target.Backend.Args = source.Backend.Args
	}
	if len(source.Backend.Env) > 0 {
		target.Backend.Env = append(target.Backend.Env, source.Backend.Env...)
	}

	if source.Turn.MaxRequests != 0 {
		target.Turn.MaxRequests = source.Turn.MaxRequests
	}
	if source.Turn.MaxTokens != 0 {
		target.Turn.MaxTokens = source.Turn.MaxTokens
	}
	if source.Turn.MaxPromptBytes != 0 {
		target.Turn.MaxPromptBytes = source.Turn.MaxPromptBytes
	}

	if source.Permission != nil {
		if target.Permission == nil {
			target.Permission = &PermissionConfig{}
		}
		mergePermission(target.Permission, source.Permission)
	}

	target.MCP.HTTP = target.MCP.HTTP || source.MCP.HTTP
	target.MCP.SSE = target.MCP.SSE || source.MCP.SSE

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.File != "" {
		target.Log.File = source.Log.File
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}

	if source.Recorder.Enabled {
		target.Recorder.Enabled = true
	}
	if source.Recorder.Dir != "" {
		target.Recorder.Dir = source.Recorder.Dir
	}
}

func mergePermission(target, source *PermissionConfig) {
	if source.Default != "" {
		target.Default = source.Default
	}
	for _, pair := range []struct {
		dst *map[string]string
		src map[string]string
	}{
		{&target.Tools, source.Tools},
		{&target.Execute, source.Execute},
		{&target.Paths, source.Paths},
	} {
		if pair.src == nil {
			continue
		}
		if *pair.dst == nil {
			*pair.dst = make(map[string]string)
		}
		for k, v := range pair.src {
			(*pair.dst)[k] = v
		}
	}
}

// applyEnvOverrides applies environment variable overrides, the highest
// priority source.
func applyEnvOverrides(config *Config) {
	if cmd := os.Getenv("FERRY_BACKEND"); cmd != "" {
		config.Backend.Command = cmd
		config.Backend.Args = nil
	}
	if level := os.Getenv("FERRY_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if file := os.Getenv("FERRY_LOG_FILE"); file != "" {
		config.Log.File = file
	}
	if v := os.Getenv("FERRY_MAX_TURN_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Turn.MaxRequests = n
		}
	}
	if v := os.Getenv("FERRY_MAX_TURN_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Turn.MaxTokens = n
		}
	}
	if permJSON := os.Getenv("FERRY_PERMISSION"); permJSON != "" {
		var perm PermissionConfig
		if err := json.Unmarshal([]byte(permJSON), &perm); err == nil {
			config.Permission = &perm
		}
	}
}

func applyDefaults(config *Config) {
	if config.Turn.MaxRequests == 0 {
		config.Turn.MaxRequests = defaultMaxRequests
	}
	if config.Turn.MaxTokens == 0 {
		config.Turn.MaxTokens = defaultMaxTokens
	}
	if config.Turn.MaxPromptBytes == 0 {
		config.Turn.MaxPromptBytes = defaultMaxPromptBytes
	}
	if config.Recorder.Dir == "" {
		config.Recorder.Dir = filepath.Join(StateDir(), "transcripts")
	}
}

func validate(config *Config) error {
	if config.Permission == nil {
		return nil
	}
	check := func(kind, pattern, action string) error {
		switch action {
		case "", "allow", "deny", "ask":
			return nil
		}
		return fmt.Errorf("config: %s rule %q has unknown action %q", kind, pattern, action)
	}
	if err := check("default", "*", config.Permission.Default); err != nil {
		return err
	}
	for _, rules := range []struct {
		kind string
		m    map[string]string
	}{
		{"tool", config.Permission.Tools},
		{"execute", config.Permission.Execute},
		{"path", config.Permission.Paths},
	} {
		for pattern, action := range rules.m {
			if err := check(rules.kind, pattern, action); err != nil {
				return err
			}
		}
	}
	return nil
}

// Save writes the configuration to a file.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
