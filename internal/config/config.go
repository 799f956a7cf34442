package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/conflicts"
)

const (
	envPrefix                 = "LEDGERSYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "ledgersync-server.db"
	defaultClientDatabasePath = "ledgersync-client.db"
	defaultLogLevel           = "info"
	defaultIssuer             = "ledgersync"
	defaultAudience           = "ledgersync-api"
	defaultTokenTTLMinutes    = 60
	defaultSyncInterval       = 30
	defaultActionTimeoutMS    = 10000
	defaultUndoWindowMS       = 8000
	defaultPullPageSize       = 200
	defaultIntegrityInterval  = 300
	defaultInconsistencyLimit = 3
	defaultConflictPolicy     = "auto"
)

// ServerConfig captures runtime configuration for the server of record.
type ServerConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	Issuer         string
	Audience       string
	TokenTTL       time.Duration
	AllowedOrigins []string
	LogLevel       string
}

// ClientConfig captures runtime configuration for a syncing device.
type ClientConfig struct {
	DatabasePath           string
	OwnerID                string
	RemoteURL              string
	Token                  string
	SyncInterval           time.Duration
	ActionTimeout          time.Duration
	UndoWindow             time.Duration
	PullPageSize           int
	IntegrityInterval      time.Duration
	InconsistencyThreshold int
	ConflictPolicy         conflicts.Policy
	LogLevel               string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)

	configViper.SetDefault("client.database_path", defaultClientDatabasePath)
	configViper.SetDefault("sync.interval_seconds", defaultSyncInterval)
	configViper.SetDefault("sync.action_timeout_ms", defaultActionTimeoutMS)
	configViper.SetDefault("sync.undo_window_ms", defaultUndoWindowMS)
	configViper.SetDefault("sync.pull_page_size", defaultPullPageSize)
	configViper.SetDefault("integrity.interval_seconds", defaultIntegrityInterval)
	configViper.SetDefault("integrity.inconsistency_threshold", defaultInconsistencyLimit)
	configViper.SetDefault("conflicts.policy", defaultConflictPolicy)
}

// LoadServer parses the server subset of the configuration.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		Audience:       configViper.GetString("auth.audience"),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		LogLevel:       configViper.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadClient parses the device subset of the configuration.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	policy, err := conflicts.ParsePolicy(configViper.GetString("conflicts.policy"))
	if err != nil {
		return ClientConfig{}, fmt.Errorf("conflicts.policy: %w", err)
	}
	cfg := ClientConfig{
		DatabasePath:           configViper.GetString("client.database_path"),
		OwnerID:                strings.TrimSpace(configViper.GetString("client.owner_id")),
		RemoteURL:              strings.TrimSpace(configViper.GetString("client.remote_url")),
		Token:                  strings.TrimSpace(configViper.GetString("client.token")),
		SyncInterval:           time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		ActionTimeout:          time.Duration(configViper.GetInt("sync.action_timeout_ms")) * time.Millisecond,
		UndoWindow:             time.Duration(configViper.GetInt("sync.undo_window_ms")) * time.Millisecond,
		PullPageSize:           configViper.GetInt("sync.pull_page_size"),
		IntegrityInterval:      time.Duration(configViper.GetInt("integrity.interval_seconds")) * time.Second,
		InconsistencyThreshold: configViper.GetInt("integrity.inconsistency_threshold"),
		ConflictPolicy:         policy,
		LogLevel:               configViper.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("client.database_path is required")
	}
	if c.OwnerID == "" {
		return fmt.Errorf("client.owner_id is required")
	}
	if c.RemoteURL == "" {
		return fmt.Errorf("client.remote_url is required")
	}
	parsed, err := url.Parse(c.RemoteURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("client.remote_url must be an absolute url")
	}
	if c.Token == "" {
		return fmt.Errorf("client.token is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("sync.action_timeout_ms must be positive")
	}
	if c.UndoWindow <= 0 {
		return fmt.Errorf("sync.undo_window_ms must be positive")
	}
	if c.PullPageSize <= 0 {
		return fmt.Errorf("sync.pull_page_size must be positive")
	}
	if c.IntegrityInterval <= 0 {
		return fmt.Errorf("integrity.interval_seconds must be positive")
	}
	if c.InconsistencyThreshold <= 0 {
		return fmt.Errorf("integrity.inconsistency_threshold must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
