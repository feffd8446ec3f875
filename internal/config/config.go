// Package config provides agent configuration loaded from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds peer-agent configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL           string        `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName          string        `envconfig:"SERVICE_NAME" default:"peer-agent"`
	COMMSTimeout       time.Duration `envconfig:"COMMS_TIMEOUT" default:"10s"`
	COMMSReconnectWait time.Duration `envconfig:"COMMS_RECONNECT_WAIT" default:"2s"`
	COMMSMaxReconnects int           `envconfig:"COMMS_MAX_RECONNECTS" default:"60"`

	// AgentIdentity is the DID this agent answers as. Empty means the
	// identity must be registered over RPC before direct delivery works.
	AgentIdentity string `envconfig:"AGENT_IDENTITY"`

	// Subject overrides (empty = derive from SERVICE_NAME)
	RPCSubject      string `envconfig:"AGENT_RPC_SUBJECT"`
	UIPromptSubject string `envconfig:"AGENT_UI_PROMPT_SUBJECT"`
	UIReplySubject  string `envconfig:"AGENT_UI_REPLY_SUBJECT"`

	// Timeouts
	DiscoveryWindow time.Duration `envconfig:"DISCOVERY_WINDOW" default:"400ms"`
	IntentTimeout   time.Duration `envconfig:"INTENT_TIMEOUT" default:"15s"`
	PromptTimeout   time.Duration `envconfig:"PROMPT_TIMEOUT" default:"20s"`

	// Database (empty = in-memory state, nothing survives a restart)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health endpoint
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the agent daemon.
func (c *Config) ValidateForServe() error {
	if c.COMMSName == "" {
		return fmt.Errorf("%s - SERVICE_NAME is required for serve", logPrefix)
	}
	if c.DiscoveryWindow <= 0 {
		return fmt.Errorf("%s - DISCOVERY_WINDOW must be positive", logPrefix)
	}
	if c.IntentTimeout <= 0 {
		return fmt.Errorf("%s - INTENT_TIMEOUT must be positive", logPrefix)
	}
	if c.PromptTimeout <= 0 {
		return fmt.Errorf("%s - PROMPT_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands
// (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
