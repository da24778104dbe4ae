package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TOOLRELAY_"

// ConfigKeyEnv names the variable holding the passphrase for "enc:" secrets.
const ConfigKeyEnv = EnvPrefix + "CONFIG_KEY"

const encPrefix = "enc:"

// Config is the top-level application configuration.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway"`
	Tools    ToolsConfig    `yaml:"tools"`
	MCP      MCPConfig      `yaml:"mcp"`
	Approval ApprovalConfig `yaml:"approval"`
	Store    StoreConfig    `yaml:"store"`
	Security SecurityConfig `yaml:"security"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Includes []string       `yaml:"includes,omitempty"`
}

// GatewayConfig holds WebSocket gateway and HTTP API settings.
type GatewayConfig struct {
	Addr           string        `yaml:"addr"`
	Auth           AuthConfig    `yaml:"auth"`
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// ToolsConfig selects and configures the built-in tools.
type ToolsConfig struct {
	Builtins   []string      `yaml:"builtins"`
	Timeout    time.Duration `yaml:"timeout"`
	WeatherURL string        `yaml:"weather_url"`
	Image      ImageConfig   `yaml:"image"`
}

// ImageConfig configures the OpenAI-compatible image generation endpoint.
type ImageConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Size    string `yaml:"size"`
}

// MCPConfig holds MCP client connections and the exposed MCP server.
type MCPConfig struct {
	Servers     []MCPServer     `yaml:"servers,omitempty"`
	CallTimeout time.Duration   `yaml:"call_timeout"`
	Breaker     BreakerConfig   `yaml:"breaker"`
	Server      MCPServerConfig `yaml:"server"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// BreakerConfig configures the per-server circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// MCPServerConfig configures the MCP server this process exposes.
type MCPServerConfig struct {
	Enabled bool     `yaml:"enabled"`
	Path    string   `yaml:"path"`
	Tools   []string `yaml:"tools"`
}

// ApprovalConfig holds tool approval gating settings.
type ApprovalConfig struct {
	Scope         string   `yaml:"scope"` // "tool" or "tool_args"
	AlwaysApprove []string `yaml:"always_approve"`
	AlwaysDeny    []string `yaml:"always_deny"`
	GatedBuiltins []string `yaml:"gated_builtins"`
}

// StoreConfig selects the conversation store.
type StoreConfig struct {
	Driver    string          `yaml:"driver"` // "sqlite" or "memory"
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig holds message retention policy settings.
type RetentionConfig struct {
	MaxAge   time.Duration `yaml:"max_age"` // 0 keeps history forever
	Schedule string        `yaml:"schedule"`
	// ConversationIdle evicts in-memory conversation state unused for this
	// long. 0 keeps it for the life of the process.
	ConversationIdle time.Duration `yaml:"conversation_idle"`
}

// SecurityConfig holds HTTP hardening settings.
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-IP rate limits for the HTTP routes.
type RateLimitConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.toolrelay.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".toolrelay")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr:         "127.0.0.1:8420",
			WriteTimeout: 5 * time.Second,
		},
		Tools: ToolsConfig{
			Builtins:   []string{"getWeather", "calculator", "roll_dice", "agents"},
			Timeout:    15 * time.Second,
			WeatherURL: "https://api.open-meteo.com/v1/forecast",
			Image: ImageConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "dall-e-3",
				Size:    "1024x1024",
			},
		},
		MCP: MCPConfig{
			CallTimeout: 30 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			Server: MCPServerConfig{
				Path:  "/api/mcp",
				Tools: []string{"roll_dice", "agents"},
			},
		},
		Approval: ApprovalConfig{
			Scope: "tool",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(defaultDataDir(), "toolrelay.db"),
			Retention: RetentionConfig{
				Schedule:         "@daily",
				ConversationIdle: time.Hour,
			},
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 120,
				Burst:          20,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := newIncludeWalker(absPath).expand(cfg, filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}
		// Re-apply the main file so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(ConfigKeyEnv); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps TOOLRELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = splitAndTrim(v, ",")
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("GATEWAY_ADDR", &cfg.Gateway.Addr)
	if v := os.Getenv(EnvPrefix + "GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = []TokenConfig{{Token: v, Name: "env", Roles: []string{"admin"}}}
	}

	list("TOOLS_BUILTINS", &cfg.Tools.Builtins)
	duration("TOOLS_TIMEOUT", &cfg.Tools.Timeout)
	str("TOOLS_WEATHER_URL", &cfg.Tools.WeatherURL)
	str("TOOLS_IMAGE_BASE_URL", &cfg.Tools.Image.BaseURL)
	str("TOOLS_IMAGE_API_KEY", &cfg.Tools.Image.APIKey)
	str("TOOLS_IMAGE_MODEL", &cfg.Tools.Image.Model)

	if v := os.Getenv(EnvPrefix + "MCP_SERVER_ENABLED"); v != "" {
		cfg.MCP.Server.Enabled, _ = strconv.ParseBool(v)
	}

	str("APPROVAL_SCOPE", &cfg.Approval.Scope)
	list("APPROVAL_ALWAYS_APPROVE", &cfg.Approval.AlwaysApprove)
	list("APPROVAL_ALWAYS_DENY", &cfg.Approval.AlwaysDeny)
	list("APPROVAL_GATED_BUILTINS", &cfg.Approval.GatedBuiltins)

	str("STORE_DRIVER", &cfg.Store.Driver)
	str("STORE_PATH", &cfg.Store.Path)
	duration("STORE_RETENTION_MAX_AGE", &cfg.Store.Retention.MaxAge)
	str("STORE_RETENTION_SCHEDULE", &cfg.Store.Retention.Schedule)
	duration("STORE_RETENTION_CONVERSATION_IDLE", &cfg.Store.Retention.ConversationIdle)

	if v := os.Getenv(EnvPrefix + "RATE_LIMIT_ENABLED"); v != "" {
		cfg.Security.RateLimit.Enabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv(EnvPrefix + "RATE_LIMIT_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Security.RateLimit.RequestsPerMin = n
		}
	}

	str("LOGGER_LEVEL", &cfg.Logger.Level)
	str("LOGGER_FORMAT", &cfg.Logger.Format)
	str("LOGGER_OUTPUT", &cfg.Logger.Output)
	if v := os.Getenv(EnvPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	str("TRACER_EXPORTER", &cfg.Tracer.Exporter)
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	decrypt := func(field string, dst *string) error {
		if !strings.HasPrefix(*dst, encPrefix) {
			return nil
		}
		plain, err := DecryptValue(strings.TrimPrefix(*dst, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*dst = plain
		return nil
	}

	for i := range cfg.Gateway.Auth.Tokens {
		tok := &cfg.Gateway.Auth.Tokens[i]
		if err := decrypt("gateway auth token "+tok.Name, &tok.Token); err != nil {
			return err
		}
	}
	if err := decrypt("tools.image.api_key", &cfg.Tools.Image.APIKey); err != nil {
		return err
	}
	for i := range cfg.MCP.Servers {
		srv := &cfg.MCP.Servers[i]
		for k, v := range srv.Env {
			if err := decrypt(fmt.Sprintf("mcp server %s env %s", srv.Name, k), &v); err != nil {
				return err
			}
			srv.Env[k] = v
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
