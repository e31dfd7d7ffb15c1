// Package config loads and validates the bridge configuration from the
// environment, an optional .env file, and an optional YAML file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

var privateKeyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// EscrowConfig is the all-or-nothing escrow triplet.
type EscrowConfig struct {
	Address     string `yaml:"address"`
	RPCURL      string `yaml:"rpc_url"`
	ProviderDID string `yaml:"provider_did"`
}

// PaymentConfig enables the inline micropayment middleware.
type PaymentConfig struct {
	Enabled               bool   `yaml:"enabled"`
	USDCAddress           string `yaml:"usdc_address"`
	PayTo                 string `yaml:"pay_to"`
	ValidityPeriodSeconds int    `yaml:"validity_period_seconds"`
}

// AgentConfig describes the exposed agent for the capability card.
type AgentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	Provider    string `yaml:"provider"`
}

// ExecutorConfig configures the sandboxed subprocess.
type ExecutorConfig struct {
	Command         string   `yaml:"command"`
	BaseArgs        []string `yaml:"base_args"`
	SandboxRoot     string   `yaml:"sandbox_root"`
	AllowedCommands []string `yaml:"allowed_commands"`
}

// Config is immutable after Load.
type Config struct {
	PrivateKey string `yaml:"private_key"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`

	RequireAuth    bool     `yaml:"require_auth"`
	AuthToken      string   `yaml:"auth_token"`
	WSAuthToken    string   `yaml:"ws_auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	TaskTimeoutSeconds int     `yaml:"task_timeout_seconds"`
	SyncWaitSeconds    int     `yaml:"sync_wait_seconds"`
	PricePerTask       float64 `yaml:"price_per_task"`

	NodeURL string `yaml:"node_url"`

	Escrow  *EscrowConfig  `yaml:"escrow"`
	Payment *PaymentConfig `yaml:"payment"`

	Agent    AgentConfig    `yaml:"agent"`
	Executor ExecutorConfig `yaml:"executor"`

	TrustStorePath     string `yaml:"trust_store_path"`
	RateLimitStorePath string `yaml:"rate_limit_store_path"`
	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	RedisDB            int    `yaml:"redis_db"`

	MaxPending          int `yaml:"max_pending"`
	MaxCompleted        int `yaml:"max_completed"`
	CompletedTTLSeconds int `yaml:"completed_ttl_seconds"`
}

// ValidationErrors aggregates every configuration problem found, not just
// the first.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	return "invalid configuration:\n  - " + strings.Join(v, "\n  - ")
}

// Load reads BRIDGE_CONFIG (YAML) if set, overlays environment variables,
// applies defaults and validates. A .env file in the working directory is
// honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path := os.Getenv("BRIDGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}

	errs := overlayEnv(cfg)
	applyDefaults(cfg)

	errs = append(errs, cfg.Validate()...)
	if len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// overlayEnv applies environment overrides and reports values that could not
// be parsed; they are collected alongside the validation errors rather than
// silently falling back to defaults.
func overlayEnv(cfg *Config) (errs ValidationErrors) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s must be an integer, got %q", key, v))
				return
			}
			*dst = n
		}
	}

	setStr(&cfg.PrivateKey, "BRIDGE_PRIVATE_KEY")
	setStr(&cfg.Host, "BRIDGE_HOST")
	setInt(&cfg.Port, "BRIDGE_PORT")
	if v := os.Getenv("BRIDGE_REQUIRE_AUTH"); v != "" {
		cfg.RequireAuth = v == "true" || v == "1"
	}
	setStr(&cfg.AuthToken, "BRIDGE_AUTH_TOKEN")
	setStr(&cfg.WSAuthToken, "BRIDGE_WS_AUTH_TOKEN")
	if v := os.Getenv("BRIDGE_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitTrim(v)
	}
	setInt(&cfg.TaskTimeoutSeconds, "BRIDGE_TASK_TIMEOUT_SECONDS")
	setInt(&cfg.SyncWaitSeconds, "BRIDGE_SYNC_WAIT_SECONDS")
	if v := os.Getenv("BRIDGE_PRICE_PER_TASK"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PricePerTask = f
		} else {
			errs = append(errs, fmt.Sprintf("BRIDGE_PRICE_PER_TASK must be a number, got %q", v))
		}
	}
	setStr(&cfg.NodeURL, "BRIDGE_NODE_URL")

	escrowAddr := os.Getenv("BRIDGE_ESCROW_ADDRESS")
	escrowRPC := os.Getenv("BRIDGE_ESCROW_RPC_URL")
	escrowDID := os.Getenv("BRIDGE_ESCROW_PROVIDER_DID")
	if escrowAddr != "" || escrowRPC != "" || escrowDID != "" {
		if cfg.Escrow == nil {
			cfg.Escrow = &EscrowConfig{}
		}
		if escrowAddr != "" {
			cfg.Escrow.Address = escrowAddr
		}
		if escrowRPC != "" {
			cfg.Escrow.RPCURL = escrowRPC
		}
		if escrowDID != "" {
			cfg.Escrow.ProviderDID = escrowDID
		}
	}

	if v := os.Getenv("BRIDGE_PAYMENT_ENABLED"); v == "true" || v == "1" {
		if cfg.Payment == nil {
			cfg.Payment = &PaymentConfig{}
		}
		cfg.Payment.Enabled = true
	}
	if cfg.Payment != nil {
		setStr(&cfg.Payment.USDCAddress, "BRIDGE_PAYMENT_USDC_ADDRESS")
		setStr(&cfg.Payment.PayTo, "BRIDGE_PAYMENT_PAY_TO")
		setInt(&cfg.Payment.ValidityPeriodSeconds, "BRIDGE_PAYMENT_VALIDITY_SECONDS")
	}

	setStr(&cfg.Agent.Name, "BRIDGE_AGENT_NAME")
	setStr(&cfg.Agent.Description, "BRIDGE_AGENT_DESCRIPTION")
	setStr(&cfg.Agent.Version, "BRIDGE_AGENT_VERSION")
	setStr(&cfg.Agent.Provider, "BRIDGE_AGENT_PROVIDER")

	setStr(&cfg.Executor.Command, "BRIDGE_EXECUTOR_COMMAND")
	if v := os.Getenv("BRIDGE_EXECUTOR_ARGS"); v != "" {
		cfg.Executor.BaseArgs = splitTrim(v)
	}
	setStr(&cfg.Executor.SandboxRoot, "BRIDGE_SANDBOX_ROOT")
	if v := os.Getenv("BRIDGE_ALLOWED_COMMANDS"); v != "" {
		cfg.Executor.AllowedCommands = splitTrim(v)
	}

	setStr(&cfg.TrustStorePath, "BRIDGE_TRUST_STORE")
	setStr(&cfg.RateLimitStorePath, "BRIDGE_RATE_LIMIT_STORE")
	setStr(&cfg.RedisAddr, "BRIDGE_REDIS_ADDR")
	setStr(&cfg.RedisPassword, "BRIDGE_REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "BRIDGE_REDIS_DB")
	return errs
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8153
	}
	if cfg.TaskTimeoutSeconds == 0 {
		cfg.TaskTimeoutSeconds = 300
	}
	if cfg.SyncWaitSeconds == 0 {
		cfg.SyncWaitSeconds = 60
	}
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "agent-bridge"
	}
	if cfg.Agent.Version == "" {
		cfg.Agent.Version = "0.1.0"
	}
	if cfg.Executor.SandboxRoot == "" {
		cfg.Executor.SandboxRoot = os.TempDir()
	}
	if cfg.TrustStorePath == "" {
		cfg.TrustStorePath = "data/trust.json"
	}
	if cfg.RateLimitStorePath == "" {
		cfg.RateLimitStorePath = "data/ratelimits.json"
	}
}

// Validate collects every violation of the configuration contract.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.PrivateKey == "" {
		add("private_key is required")
	} else if !privateKeyPattern.MatchString(c.PrivateKey) {
		add("private_key must match ^0x[0-9a-fA-F]{64}$")
	}
	if c.Port < 1 || c.Port > 65535 {
		add("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.TaskTimeoutSeconds < 1 {
		add("task_timeout_seconds must be at least 1, got %d", c.TaskTimeoutSeconds)
	}
	if c.PricePerTask < 0 {
		add("price_per_task must be a decimal >= 0")
	}
	if c.NodeURL != "" {
		if u, err := url.Parse(c.NodeURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("node_url is not a valid URL: %q", c.NodeURL)
		}
	}
	if c.Escrow != nil {
		missing := []string{}
		if c.Escrow.Address == "" {
			missing = append(missing, "address")
		}
		if c.Escrow.RPCURL == "" {
			missing = append(missing, "rpc_url")
		}
		if c.Escrow.ProviderDID == "" {
			missing = append(missing, "provider_did")
		}
		if len(missing) > 0 && len(missing) < 3 {
			add("escrow config is all-or-nothing; missing %s", strings.Join(missing, ", "))
		}
		if len(missing) == 3 {
			add("escrow config is all-or-nothing; all fields are empty")
		}
	}
	if c.Payment != nil && c.Payment.Enabled && c.Payment.USDCAddress == "" {
		add("payment middleware requires usdc_address")
	}
	if c.Executor.Command != "" && len(c.Executor.AllowedCommands) == 0 {
		add("executor allowed_commands must not be empty when a command is configured")
	}

	return errs
}

// EscrowEnabled reports whether the escrow triplet is fully configured.
func (c *Config) EscrowEnabled() bool {
	return c.Escrow != nil && c.Escrow.Address != "" && c.Escrow.RPCURL != "" && c.Escrow.ProviderDID != ""
}

func splitTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
