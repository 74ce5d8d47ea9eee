// Package config provides configuration for the assistant core.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// EnvMode selects the backend mode. MOCK replaces every backend with the scripted one.
	EnvMode = "AIVA_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"

	DefaultConfigFile = "config/aiva.yaml"
	DefaultEnvFile    = "config/.env"
)

// DefaultSystemPrompt is the base instruction sent to every backend.
const DefaultSystemPrompt = `You are AIVA, a helpful AI assistant.

Only use tools when the user specifically requests an action that requires them.
Always respond with regular text unless a tool is absolutely necessary.
When you need a tool, respond with a single JSON object and nothing else:
{"tool": "tool_name", "args": {"arg_name": "value"}}
Always use the exact parameter names listed for each tool.`

// Config holds the full configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Model   ModelConfig   `yaml:"model"`
	Turn    TurnConfig    `yaml:"turn"`
	Window  WindowConfig  `yaml:"window"`
	Tools   ToolsConfig   `yaml:"tools"`
	Policy  PolicyConfig  `yaml:"policy"`
	Grants  []GrantConfig `yaml:"grants" validate:"dive"`
	Rules   []RuleConfig  `yaml:"rules" validate:"dive"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" validate:"required"`
	RPCAddr  string `yaml:"rpc_addr"`
	// APIKey, when set, is required in the WebSocket hello.
	APIKey string `yaml:"api_key"`
	// AdminToken guards grant and backend administration on HTTP and RPC.
	// Those endpoints are closed while it is empty.
	AdminToken string `yaml:"admin_token"`
	// AllowedOrigins lists browser origins admitted by CORS and the
	// WebSocket upgrade. Empty means same-origin only.
	AllowedOrigins   []string      `yaml:"allowed_origins" validate:"dive,url"`
	WSPingInterval   time.Duration `yaml:"ws_ping_interval" validate:"gt=0"`
	WSWriteTimeout   time.Duration `yaml:"ws_write_timeout" validate:"gt=0"`
	WSReadTimeout    time.Duration `yaml:"ws_read_timeout" validate:"gt=0"`
	WSMaxMessageSize int64         `yaml:"ws_max_message_size" validate:"gt=0"`
}

type StorageConfig struct {
	Driver           string        `yaml:"driver" validate:"oneof=sqlite memory"`
	DSN              string        `yaml:"dsn" validate:"required_if=Driver sqlite"`
	IdleRetention    time.Duration `yaml:"idle_retention" validate:"gte=0"`
	JanitorInterval  time.Duration `yaml:"janitor_interval" validate:"gt=0"`
	MaxConversations int           `yaml:"max_conversations" validate:"gte=0"`
}

type ModelConfig struct {
	Default          string        `yaml:"default"`
	Mode             string        `yaml:"mode"`
	SystemPrompt     string        `yaml:"system_prompt"`
	SystemPromptFile string        `yaml:"system_prompt_file"`
	Temperature      float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens        int           `yaml:"max_tokens" validate:"gte=0"`
	RequestTimeout   time.Duration `yaml:"request_timeout" validate:"gt=0"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" validate:"gt=0"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay" validate:"gtefield=RetryBackoff"`
	OpenAI           OpenAIConfig  `yaml:"openai"`
	Gemini           GeminiConfig  `yaml:"gemini"`
	Ollama           OllamaConfig  `yaml:"ollama"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	Model   string `yaml:"model"`
}

type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// BaseURL overrides the GenAI endpoint.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

type OllamaConfig struct {
	Host     string `yaml:"host" validate:"omitempty,url"`
	Model    string `yaml:"model"`
	Disabled bool   `yaml:"disabled"`
}

type TurnConfig struct {
	Timeout            time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxToolIterations  int           `yaml:"max_tool_iterations" validate:"min=1,max=64"`
	MaxConcurrentTurns int64         `yaml:"max_concurrent_turns" validate:"min=1"`
}

type WindowConfig struct {
	MaxMessages int    `yaml:"max_messages" validate:"gte=0"`
	MaxTokens   int    `yaml:"max_tokens" validate:"gte=0"`
	Policy      string `yaml:"policy" validate:"oneof=drop_oldest summarize"`
	Encoding    string `yaml:"encoding"`
}

type ToolsConfig struct {
	Roots          []string      `yaml:"roots" validate:"min=1,dive,required"`
	Deny           []string      `yaml:"deny"`
	MaxFileBytes   int64         `yaml:"max_file_bytes" validate:"gt=0"`
	ShellAllow     []string      `yaml:"shell_allow"`
	MailSpool      string        `yaml:"mail_spool"`
	MailOutbox     string        `yaml:"mail_outbox"`
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`
}

type PolicyConfig struct {
	File         string   `yaml:"file"`
	BlockedTools []string `yaml:"blocked_tools"`
}

// GrantConfig seeds a capability grant at startup.
type GrantConfig struct {
	Scope          string        `yaml:"scope" validate:"required"`
	ConversationID string        `yaml:"conversation_id"`
	TTL            time.Duration `yaml:"ttl" validate:"gte=0"`
}

// RuleConfig maps an utterance pattern to a tool call for the rule interpreter.
type RuleConfig struct {
	Pattern string         `yaml:"pattern" validate:"required"`
	Tool    string         `yaml:"tool" validate:"required"`
	Args    map[string]any `yaml:"args"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Server: ServerConfig{
			HTTPAddr:         "127.0.0.1:8080",
			RPCAddr:          "127.0.0.1:8081",
			WSPingInterval:   30 * time.Second,
			WSWriteTimeout:   10 * time.Second,
			WSReadTimeout:    60 * time.Second,
			WSMaxMessageSize: 65536,
		},
		Storage: StorageConfig{
			Driver:           "sqlite",
			DSN:              "file:aiva.db?mode=rwc&_busy_timeout=5000&_journal_mode=WAL",
			IdleRetention:    24 * time.Hour,
			JanitorInterval:  time.Minute,
			MaxConversations: 10000,
		},
		Model: ModelConfig{
			Default:        "ollama",
			SystemPrompt:   DefaultSystemPrompt,
			Temperature:    0.7,
			MaxTokens:      2000,
			RequestTimeout: 60 * time.Second,
			RetryBackoff:   500 * time.Millisecond,
			RetryMaxDelay:  5 * time.Second,
			OpenAI:         OpenAIConfig{BaseURL: "https://api.openai.com", Model: "gpt-4o-mini"},
			Gemini:         GeminiConfig{Model: "gemini-2.0-flash"},
			Ollama:         OllamaConfig{Host: "http://localhost:11434", Model: "llama3.2"},
		},
		Turn: TurnConfig{
			Timeout:            90 * time.Second,
			MaxToolIterations:  5,
			MaxConcurrentTurns: 16,
		},
		Window: WindowConfig{
			MaxMessages: 20,
			MaxTokens:   6000,
			Policy:      "drop_oldest",
			Encoding:    "cl100k_base",
		},
		Tools: ToolsConfig{
			Roots:          []string{"./workspace"},
			Deny:           []string{"**/.env", "**/*.pem", "**/id_rsa*", "**/.git/**"},
			MaxFileBytes:   10 << 20,
			ShellAllow:     []string{"ls", "cat", "echo", "pwd", "date", "head", "tail", "wc", "grep"},
			MailSpool:      "./workspace/mail/inbox",
			MailOutbox:     "./workspace/mail/outbox",
			DefaultTimeout: 30 * time.Second,
		},
	}
}

// Load reads the .env file, the YAML file and environment overrides, in that order.
// An empty path falls back to DefaultConfigFile when it exists.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()

	if cfg.Model.SystemPromptFile != "" {
		prompt, err := os.ReadFile(cfg.Model.SystemPromptFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read system prompt: %w", err)
		}
		cfg.Model.SystemPrompt = strings.TrimSpace(string(prompt))
	}
	cfg.Model.OpenAI.APIKey = normalizeKey(cfg.Model.OpenAI.APIKey)
	cfg.Model.Gemini.APIKey = normalizeKey(cfg.Model.Gemini.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// MockMode reports whether scripted backends replace real ones.
func (c *Config) MockMode() bool {
	return strings.EqualFold(c.Model.Mode, ModeMock)
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnv("AIVA_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("AIVA_LOG_FORMAT", c.Log.Format)

	c.Server.HTTPAddr = getEnv("AIVA_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.RPCAddr = getEnv("AIVA_RPC_ADDR", c.Server.RPCAddr)
	c.Server.APIKey = getEnv("AIVA_API_KEY", c.Server.APIKey)
	c.Server.AdminToken = getEnv("AIVA_ADMIN_TOKEN", c.Server.AdminToken)

	c.Storage.Driver = getEnv("AIVA_STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = getEnv("AIVA_DATABASE_URL", c.Storage.DSN)

	c.Model.Default = strings.ToLower(getEnv("AIVA_DEFAULT_AI", c.Model.Default))
	c.Model.Mode = getEnv(EnvMode, c.Model.Mode)
	c.Model.OpenAI.APIKey = getEnv("OPENAI_API_KEY", c.Model.OpenAI.APIKey)
	c.Model.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", c.Model.OpenAI.BaseURL)
	c.Model.OpenAI.Model = getEnv("OPENAI_MODEL", c.Model.OpenAI.Model)
	c.Model.Gemini.APIKey = getEnv("GEMINI_API_KEY", c.Model.Gemini.APIKey)
	c.Model.Gemini.Model = getEnv("GEMINI_MODEL", c.Model.Gemini.Model)
	c.Model.Gemini.BaseURL = getEnv("GEMINI_BASE_URL", c.Model.Gemini.BaseURL)
	c.Model.Ollama.Host = getEnv("OLLAMA_HOST", c.Model.Ollama.Host)
	c.Model.Ollama.Model = getEnv("OLLAMA_MODEL", c.Model.Ollama.Model)

	c.Turn.Timeout = getEnvMs("AIVA_TURN_TIMEOUT_MS", c.Turn.Timeout)
	c.Turn.MaxToolIterations = getEnvInt("AIVA_MAX_TOOL_ITERATIONS", c.Turn.MaxToolIterations)

	if root := os.Getenv("AIVA_WORKSPACE"); root != "" {
		c.Tools.Roots = []string{root}
	}
	c.Policy.File = getEnv("AIVA_POLICY_FILE", c.Policy.File)
}

// normalizeKey treats placeholder credentials as unset.
func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if strings.EqualFold(key, "none") {
		return ""
	}
	return key
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvMs(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
