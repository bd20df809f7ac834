// Package config provides configuration loading for the studio bridge.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent backends.
const (
	BackendClaude = "claude"
	BackendACP    = "acp"
)

// Config holds all configuration values for the bridge.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Auth settings. Both empty means the bridge is open to localhost callers.
	BridgeToken  string
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// Workspace settings
	Root           string
	ExecArtifact   string
	ExecResultFile string

	// DevTools call settings
	CallTimeout     time.Duration
	ContextTimeout  time.Duration
	ResponseMargin  time.Duration
	CallHistorySize int

	// Agent settings
	AgentBackend string
	AgentCommand string
	AgentArgs    []string
	AgentModel   string
	RunLogSize   int
	MaxRuns      int

	// Persistence; empty disables it.
	PersistenceDBPath string

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSSendBuffer      int
	WSMaxMessageSize  int64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("BRIDGE_PORT", 4849),
		Host:           getEnv("BRIDGE_HOST", "127.0.0.1"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		BridgeToken:  getEnv("BRIDGE_TOKEN", ""),
		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "studio-bridge"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		Root:           getEnv("BRIDGE_ROOT", "./bridge-repo"),
		ExecArtifact:   getEnv("EXEC_ARTIFACT", "exec.lua"),
		ExecResultFile: getEnv("EXEC_RESULT_FILE", "exec.result.txt"),

		CallTimeout:     getEnvDuration("DEVTOOLS_CALL_TIMEOUT", 30*time.Second),
		ContextTimeout:  getEnvDuration("DEVTOOLS_CONTEXT_TIMEOUT", 3*time.Second),
		ResponseMargin:  getEnvDuration("DEVTOOLS_RESPONSE_MARGIN", 2*time.Second),
		CallHistorySize: getEnvInt("CALL_HISTORY_SIZE", 200),

		AgentBackend: strings.ToLower(getEnv("AGENT_BACKEND", BackendClaude)),
		AgentCommand: getEnv("AGENT_COMMAND", ""),
		AgentArgs:    getEnvFields("AGENT_ARGS"),
		AgentModel:   getEnv("AGENT_MODEL", ""),
		RunLogSize:   getEnvInt("RUN_LOG_SIZE", 1000),
		MaxRuns:      getEnvInt("AGENT_MAX_RUNS", 100),

		PersistenceDBPath: getEnv("PERSISTENCE_DB_PATH", ""),

		// The write timeout must outlast a devtools call plus its margin.
		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		WSSendBuffer:      getEnvInt("WS_SEND_BUFFER", 256),
		WSMaxMessageSize:  int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 16<<20)),
	}

	if cfg.AgentCommand == "" {
		cfg.AgentCommand = defaultAgentCommand(cfg.AgentBackend)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("BRIDGE_PORT out of range: %d", c.Port))
	}
	if c.Root == "" {
		errs = append(errs, errors.New("BRIDGE_ROOT is required"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("DEVTOOLS_CALL_TIMEOUT must be positive"))
	}
	if c.ContextTimeout <= 0 {
		errs = append(errs, errors.New("DEVTOOLS_CONTEXT_TIMEOUT must be positive"))
	}
	if c.ResponseMargin < 0 {
		errs = append(errs, errors.New("DEVTOOLS_RESPONSE_MARGIN must not be negative"))
	}
	if c.CallHistorySize <= 0 {
		errs = append(errs, errors.New("CALL_HISTORY_SIZE must be positive"))
	}
	if c.RunLogSize <= 0 {
		errs = append(errs, errors.New("RUN_LOG_SIZE must be positive"))
	}
	if c.MaxRuns <= 0 {
		errs = append(errs, errors.New("AGENT_MAX_RUNS must be positive"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be positive"))
	}
	switch c.AgentBackend {
	case BackendClaude, BackendACP:
	default:
		errs = append(errs, fmt.Errorf("AGENT_BACKEND must be %q or %q, got %q", BackendClaude, BackendACP, c.AgentBackend))
	}
	if c.JWKSEndpoint != "" && c.JWTIssuer == "" {
		errs = append(errs, errors.New("JWT_ISSUER is required when JWKS_ENDPOINT is set"))
	}
	return errors.Join(errs...)
}

// AuthEnabled reports whether callers must present a credential.
func (c *Config) AuthEnabled() bool {
	return c.BridgeToken != "" || c.JWKSEndpoint != ""
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultAgentCommand(backend string) string {
	if backend == BackendACP {
		return "claude-code-acp"
	}
	return "claude"
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getEnvFields splits a whitespace-separated environment variable.
func getEnvFields(key string) []string {
	return strings.Fields(os.Getenv(key))
}
