// Package ec2 provisions one-time EC2 spot instances and drives them over SSH.
package ec2

import (
	"time"

	"github.com/autominion/minion/pkg/vm"
)

// Config configures the EC2 provider.
//
// Credentials follow the same precedence as the object store: explicit
// AccessKeyID/SecretAccessKey, then the AWS SDK v2 default chain.
type Config struct {
	// Region is the AWS region (required).
	Region string

	// ImageID is the AMI launched for every job (required).
	ImageID string

	AccessKeyID     string
	SecretAccessKey string
	Profile         string

	// Endpoint overrides the EC2 endpoint, e.g. for a local emulator.
	Endpoint string

	InstanceType  string
	SecurityGroup string
	DeviceName    string
	VolumeSizeGB  int32
	CPUCredits    string

	// SSHUser is the login user baked into the image.
	SSHUser string
	SSHPort int

	// PollInterval paces instance-state polling and SSH dial retries.
	// Neither loop has an upper bound.
	PollInterval time.Duration

	// DialTimeout bounds a single TCP connect attempt.
	DialTimeout time.Duration

	// KeyNameLength is the total length of generated key pair names.
	KeyNameLength int

	Sysbox vm.SysboxArtifact
}

const (
	DefaultInstanceType  = "t2.2xlarge"
	DefaultSecurityGroup = "minion-dev"
	DefaultDeviceName    = "/dev/sda1"
	DefaultVolumeSizeGB  = 32
	DefaultCPUCredits    = "standard"
	DefaultSSHUser       = "ubuntu"
	DefaultSSHPort       = 22
	DefaultPollInterval  = 5 * time.Second
	DefaultDialTimeout   = 10 * time.Second
	DefaultKeyNameLength = 128

	keyNamePrefix = "minion-"
	// EC2 key pair names are limited to 255 ASCII characters.
	maxKeyNameLength = 255
)

// DefaultConfig returns a Config with the stock instance shape.
func DefaultConfig() Config {
	return Config{
		InstanceType:  DefaultInstanceType,
		SecurityGroup: DefaultSecurityGroup,
		DeviceName:    DefaultDeviceName,
		VolumeSizeGB:  DefaultVolumeSizeGB,
		CPUCredits:    DefaultCPUCredits,
		SSHUser:       DefaultSSHUser,
		SSHPort:       DefaultSSHPort,
		PollInterval:  DefaultPollInterval,
		DialTimeout:   DefaultDialTimeout,
		KeyNameLength: DefaultKeyNameLength,
		Sysbox:        vm.DefaultSysbox,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InstanceType == "" {
		c.InstanceType = d.InstanceType
	}
	if c.SecurityGroup == "" {
		c.SecurityGroup = d.SecurityGroup
	}
	if c.DeviceName == "" {
		c.DeviceName = d.DeviceName
	}
	if c.VolumeSizeGB <= 0 {
		c.VolumeSizeGB = d.VolumeSizeGB
	}
	if c.CPUCredits == "" {
		c.CPUCredits = d.CPUCredits
	}
	if c.SSHUser == "" {
		c.SSHUser = d.SSHUser
	}
	if c.SSHPort <= 0 {
		c.SSHPort = d.SSHPort
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.KeyNameLength <= len(keyNamePrefix) {
		c.KeyNameLength = d.KeyNameLength
	}
	if c.Sysbox.URL == "" {
		c.Sysbox = d.Sysbox
	}
	return c
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Region == "" {
		return &ConfigError{Field: "Region", Message: "region is required"}
	}
	if c.ImageID == "" {
		return &ConfigError{Field: "ImageID", Message: "image id is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.KeyNameLength > maxKeyNameLength {
		return &ConfigError{Field: "KeyNameLength", Message: "key pair names are limited to 255 characters"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "ec2 config: " + e.Field + ": " + e.Message
}
