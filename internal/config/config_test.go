package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv("FERRY_CONFIG", "")
	t.Setenv("FERRY_CONFIG_CONTENT", "")
	t.Setenv("FERRY_BACKEND", "")
	t.Setenv("FERRY_PERMISSION", "")
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, defaultMaxRequests, cfg.Turn.MaxRequests)
	assert.Equal(t, defaultMaxTokens, cfg.Turn.MaxTokens)
	assert.Equal(t, defaultMaxPromptBytes, cfg.Turn.MaxPromptBytes)
	assert.NotEmpty(t, cfg.Recorder.Dir)
}

func TestLoadProjectFile(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "ferry.jsonc", `{
  // the backend binary
  "backend": {"command": "mymodel", "args": ["--fast"]},
  "turn": {"maxRequests": 5},
  "mcp": {"http": true}
}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "mymodel", cfg.Backend.Command)
	assert.Equal(t, []string{"--fast"}, cfg.Backend.Args)
	assert.Equal(t, 5, cfg.Turn.MaxRequests)
	assert.Equal(t, defaultMaxTokens, cfg.Turn.MaxTokens, "unset fields keep defaults")
	assert.True(t, cfg.MCP.HTTP)
	assert.False(t, cfg.MCP.SSE)
}

func TestProjectOverridesGlobal(t *testing.T) {
	isolateEnv(t)
	globalHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", globalHome)
	globalDir := filepath.Join(globalHome, "ferry")
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	writeConfig(t, globalDir, "ferry.json", `{"backend": {"command": "global"}, "log": {"level": "debug"}}`)

	dir := t.TempDir()
	writeConfig(t, dir, "ferry.json", `{"backend": {"command": "project"}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "project", cfg.Backend.Command)
	assert.Equal(t, "debug", cfg.Log.Level, "untouched global fields survive")
}

func TestEnvInterpolation(t *testing.T) {
	isolateEnv(t)
	t.Setenv("FERRY_TEST_BACKEND", "interp-model")
	dir := t.TempDir()
	writeConfig(t, dir, "ferry.json", `{"backend": {"command": "{env:FERRY_TEST_BACKEND}"}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "interp-model", cfg.Backend.Command)
}

func TestFileInterpolation(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmd.txt"), []byte("file-model"), 0o600))
	writeConfig(t, dir, "ferry.json", `{"backend": {"command": "{file:cmd.txt}"}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "file-model", cfg.Backend.Command)
}

func TestEnvOverridesWin(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "ferry.json", `{"backend": {"command": "from-file"}, "turn": {"maxRequests": 5}}`)
	t.Setenv("FERRY_BACKEND", "from-env")
	t.Setenv("FERRY_MAX_TURN_REQUESTS", "9")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Backend.Command)
	assert.Equal(t, 9, cfg.Turn.MaxRequests)
}

func TestInlineConfigContent(t *testing.T) {
	isolateEnv(t)
	t.Setenv("FERRY_CONFIG_CONTENT", `{"permission": {"default": "ask", "execute": {"git *": "allow"}}}`)

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, cfg.Permission)
	assert.Equal(t, "ask", cfg.Permission.Default)
	assert.Equal(t, "allow", cfg.Permission.Execute["git *"])
}

func TestPermissionMerge(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "ferry.json", `{"permission": {"tools": {"read_file": "allow"}}}`)
	projectDir := filepath.Join(dir, ".ferry")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	writeConfig(t, projectDir, "ferry.json", `{"permission": {"tools": {"execute": "ask"}}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg.Permission)
	assert.Equal(t, "allow", cfg.Permission.Tools["read_file"])
	assert.Equal(t, "ask", cfg.Permission.Tools["execute"])
}

func TestInvalidPermissionAction(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "ferry.json", `{"permission": {"tools": {"execute": "maybe"}}}`)

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "ferry.json")
	require.NoError(t, Save(&Config{Backend: BackendConfig{Command: "m"}}, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"command": "m"`)
}
