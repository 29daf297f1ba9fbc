// Package config loads dispatcher configuration from defaults, a config file,
// MINION_* environment variables and runtime overrides, in increasing order
// of precedence.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Dispatch modes.
const (
	DispatchModeNone = "none"
	DispatchModeAWS  = "aws"
)

// Config is the dispatcher configuration.
type Config struct {
	ServiceName  string        `mapstructure:"service_name"`
	WebBaseURL   string        `mapstructure:"web_base_url"`
	DispatchMode string        `mapstructure:"dispatch_mode"`
	Local        bool          `mapstructure:"local"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JournalDir   string        `mapstructure:"journal_dir"`

	Database DatabaseConfig `mapstructure:"database"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Agent    AgentConfig    `mapstructure:"agent"`
	AWS      AWSConfig      `mapstructure:"aws"`
	S3       S3Config       `mapstructure:"s3"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Health   HealthConfig   `mapstructure:"health"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

type GitHubConfig struct {
	AppID          int64   `mapstructure:"app_id"`
	InstallationID int64   `mapstructure:"installation_id"`
	PrivateKeyPath string  `mapstructure:"private_key_path"`
	APIURL         string  `mapstructure:"api_url"`
	GraphQLURL     string  `mapstructure:"graphql_url"`
	UserAgent      string  `mapstructure:"user_agent"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	GitHost        string  `mapstructure:"git_host"`
}

type AgentConfig struct {
	RegistryHost      string        `mapstructure:"registry_host"`
	RegistryUsername  string        `mapstructure:"registry_username"`
	RegistryPassword  string        `mapstructure:"registry_password"`
	Image             string        `mapstructure:"image"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	JWTPrivateKeyPath string        `mapstructure:"jwt_private_key_path"`
}

type AWSConfig struct {
	Region          string        `mapstructure:"region"`
	ImageID         string        `mapstructure:"image_id"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Profile         string        `mapstructure:"profile"`
	Endpoint        string        `mapstructure:"endpoint"`
	InstanceType    string        `mapstructure:"instance_type"`
	SecurityGroup   string        `mapstructure:"security_group"`
	VolumeSizeGB    int32         `mapstructure:"volume_size_gb"`
	CPUCredits      string        `mapstructure:"cpu_credits"`
	SSHUser         string        `mapstructure:"ssh_user"`
	SSHPort         int           `mapstructure:"ssh_port"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	SysboxURL       string        `mapstructure:"sysbox_url"`
	SysboxSHA256    string        `mapstructure:"sysbox_sha256"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Profile         string `mapstructure:"profile"`
	Prefix          string `mapstructure:"prefix"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// DispatchEnabled reports whether jobs start agents.
func (c *Config) DispatchEnabled() bool {
	return !strings.EqualFold(c.DispatchMode, DispatchModeNone)
}

// UsesCloud reports whether jobs provision EC2 instances.
func (c *Config) UsesCloud() bool {
	return c.DispatchEnabled() && !c.Local
}

// ConfigError describes an invalid setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks the settings the daemon needs. Cloud settings are only
// required when agents run on EC2; the object store is only required when
// agents run at all.
func (c *Config) Validate() error {
	switch strings.ToLower(c.DispatchMode) {
	case DispatchModeNone, DispatchModeAWS:
	default:
		return &ConfigError{Field: "dispatch_mode", Message: fmt.Sprintf("must be %q or %q, got %q", DispatchModeAWS, DispatchModeNone, c.DispatchMode)}
	}

	if strings.TrimSpace(c.ServiceName) == "" {
		return &ConfigError{Field: "service_name", Message: "is required"}
	}
	u, err := url.Parse(c.WebBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigError{Field: "web_base_url", Message: "must be an absolute URL"}
	}
	if c.Database.URL == "" {
		return &ConfigError{Field: "database.url", Message: "is required"}
	}
	if c.PollInterval <= 0 {
		return &ConfigError{Field: "poll_interval", Message: "must be positive"}
	}

	if c.GitHub.AppID == 0 {
		return &ConfigError{Field: "github.app_id", Message: "is required"}
	}
	if c.GitHub.InstallationID == 0 {
		return &ConfigError{Field: "github.installation_id", Message: "is required"}
	}
	if c.GitHub.PrivateKeyPath == "" {
		return &ConfigError{Field: "github.private_key_path", Message: "is required"}
	}
	if c.Agent.JWTPrivateKeyPath == "" {
		return &ConfigError{Field: "agent.jwt_private_key_path", Message: "is required"}
	}

	if !c.DispatchEnabled() {
		return nil
	}

	if c.Agent.RegistryHost == "" {
		return &ConfigError{Field: "agent.registry_host", Message: "is required when dispatching"}
	}
	if c.Agent.Image == "" {
		return &ConfigError{Field: "agent.image", Message: "is required when dispatching"}
	}
	if c.S3.Bucket == "" {
		return &ConfigError{Field: "s3.bucket", Message: "is required when dispatching"}
	}

	if !c.UsesCloud() {
		return nil
	}

	if c.AWS.Region == "" {
		return &ConfigError{Field: "aws.region", Message: "is required for cloud dispatch"}
	}
	if c.AWS.ImageID == "" {
		return &ConfigError{Field: "aws.image_id", Message: "is required for cloud dispatch"}
	}
	if (c.AWS.AccessKeyID == "") != (c.AWS.SecretAccessKey == "") {
		return &ConfigError{Field: "aws.access_key_id", Message: "access key id and secret access key must be set together"}
	}
	if (c.AWS.SysboxURL == "") != (c.AWS.SysboxSHA256 == "") {
		return &ConfigError{Field: "aws.sysbox_sha256", Message: "sysbox url and sha256 must be set together"}
	}
	return nil
}
