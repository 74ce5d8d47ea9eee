package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ollama", cfg.Model.Default)
	assert.Equal(t, 20, cfg.Window.MaxMessages)
	assert.Equal(t, "http://localhost:11434", cfg.Model.Ollama.Host)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr, "listens on loopback only")
	assert.Equal(t, "127.0.0.1:8081", cfg.Server.RPCAddr)
	assert.Empty(t, cfg.Server.AdminToken)
	assert.Empty(t, cfg.Server.AllowedOrigins)
}

func TestLoadServerSecurity(t *testing.T) {
	t.Setenv("AIVA_ADMIN_TOKEN", "tok")
	dir := t.TempDir()
	path := writeFile(t, dir, "aiva.yaml", `
server:
  allowed_origins: ["http://localhost:3000"]
`)
	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Server.AdminToken)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.AllowedOrigins)

	bad := writeFile(t, dir, "bad.yaml", `
server:
  allowed_origins: ["not an origin"]
`)
	_, err = Load(bad, "")
	assert.Error(t, err)
}

func TestGeminiBaseURLFromEnv(t *testing.T) {
	t.Setenv("GEMINI_BASE_URL", "http://127.0.0.1:9999")
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9999", cfg.Model.Gemini.BaseURL)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "aiva.yaml", `
model:
  default: openai
  openai:
    api_key: sk-test
turn:
  timeout: 15s
  max_tool_iterations: 3
grants:
  - scope: fs:read
  - scope: mailbox:read
    conversation_id: c1
    ttl: 1h
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Model.Default)
	assert.Equal(t, "sk-test", cfg.Model.OpenAI.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Model.OpenAI.Model)
	assert.Equal(t, 15*time.Second, cfg.Turn.Timeout)
	assert.Equal(t, 3, cfg.Turn.MaxToolIterations)
	require.Len(t, cfg.Grants, 2)
	assert.Equal(t, "c1", cfg.Grants[1].ConversationID)
	assert.Equal(t, time.Hour, cfg.Grants[1].TTL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AIVA_DEFAULT_AI", "Gemini")
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("OPENAI_API_KEY", "NONE")
	t.Setenv("AIVA_TURN_TIMEOUT_MS", "2500")
	t.Setenv("AIVA_MAX_TOOL_ITERATIONS", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err, "explicit config path must exist")
	assert.Nil(t, cfg)

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err = Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Model.Default)
	assert.Equal(t, "g-key", cfg.Model.Gemini.APIKey)
	assert.Empty(t, cfg.Model.OpenAI.APIKey)
	assert.Equal(t, 2500*time.Millisecond, cfg.Turn.Timeout)
	assert.Equal(t, 7, cfg.Turn.MaxToolIterations)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := writeFile(t, dir, ".env", "OLLAMA_HOST=http://ollama.internal:11434\n")
	cfgPath := writeFile(t, dir, "aiva.yaml", "log:\n  level: debug\n")
	t.Cleanup(func() { _ = os.Unsetenv("OLLAMA_HOST") })

	cfg, err := Load(cfgPath, envPath)
	require.NoError(t, err)
	assert.Equal(t, "http://ollama.internal:11434", cfg.Model.Ollama.Host)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadSystemPromptFile(t *testing.T) {
	dir := t.TempDir()
	promptPath := writeFile(t, dir, "prompt.txt", "  be brief  \n")
	cfgPath := writeFile(t, dir, "aiva.yaml", "model:\n  system_prompt_file: "+promptPath+"\n")

	cfg, err := Load(cfgPath, "")
	require.NoError(t, err)
	assert.Equal(t, "be brief", cfg.Model.SystemPrompt)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero iterations", func(c *Config) { c.Turn.MaxToolIterations = 0 }},
		{"zero timeout", func(c *Config) { c.Turn.Timeout = 0 }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"unknown window policy", func(c *Config) { c.Window.Policy = "truncate" }},
		{"grant without scope", func(c *Config) { c.Grants = []GrantConfig{{ConversationID: "c1"}} }},
		{"no tool roots", func(c *Config) { c.Tools.Roots = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMockMode(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.MockMode())
	cfg.Model.Mode = "mock"
	assert.True(t, cfg.MockMode())
}
