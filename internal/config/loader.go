package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "MINION"

	// DefaultConfigFile is read from the working directory when present.
	DefaultConfigFile = "config.toml"

	configFileEnv = EnvPrefix + "_CONFIG_FILE"
)

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// EnvSpec maps one environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
}

// envAliases are short names kept alongside the generated MINION_<PATH> names.
var envAliases = []EnvSpec{
	{Name: "MINION_LOG_LEVEL", Path: "logging.level"},
	{Name: "MINION_LOG_PROFILE", Path: "logging.profile"},
	{Name: "MINION_POSTGRES_URL", Path: "database.url"},
	{Name: "MINION_HOST", Path: "health.host"},
	{Name: "MINION_PORT", Path: "health.port"},
	{Name: "MINION_GITHUB_APP_PRIVATE_KEY", Path: "github.private_key_path"},
	{Name: "MINION_JWT_PRIVATE_KEY", Path: "agent.jwt_private_key_path"},
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "minion")
	v.SetDefault("web_base_url", "http://localhost:8080")
	v.SetDefault("dispatch_mode", DispatchModeAWS)
	v.SetDefault("local", false)
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("journal_dir", "")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.connect_timeout", "10s")

	v.SetDefault("github.app_id", 0)
	v.SetDefault("github.installation_id", 0)
	v.SetDefault("github.private_key_path", "")
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.graphql_url", "")
	v.SetDefault("github.user_agent", "minion-dispatcher")
	v.SetDefault("github.rate_limit", 10.0)
	v.SetDefault("github.git_host", "https://github.com")

	v.SetDefault("agent.registry_host", "")
	v.SetDefault("agent.registry_username", "")
	v.SetDefault("agent.registry_password", "")
	v.SetDefault("agent.image", "")
	v.SetDefault("agent.token_ttl", "1h")
	v.SetDefault("agent.jwt_private_key_path", "")

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.image_id", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.instance_type", "t2.2xlarge")
	v.SetDefault("aws.security_group", "minion-dev")
	v.SetDefault("aws.volume_size_gb", 32)
	v.SetDefault("aws.cpu_credits", "standard")
	v.SetDefault("aws.ssh_user", "ubuntu")
	v.SetDefault("aws.ssh_port", 22)
	v.SetDefault("aws.poll_interval", "5s")
	v.SetDefault("aws.dial_timeout", "10s")
	v.SetDefault("aws.sysbox_url", "")
	v.SetDefault("aws.sysbox_sha256", "")

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.prefix", "")
	v.SetDefault("s3.force_path_style", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.host", "localhost")
	v.SetDefault("health.port", 8081)
}

// Load builds a Config and remembers it for GetConfig.
//
// Precedence: overrides > MINION_* environment > config file > defaults.
// The config file is --config (passed as the "config_file" override),
// MINION_CONFIG_FILE, or ./config.toml when it exists.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	merged := map[string]any{}
	for _, o := range overrides {
		flatten("", o, merged)
	}

	if err := readConfigFile(v, merged); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	for key, value := range merged {
		if key == "config_file" {
			continue
		}
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToLower(cfg.Logging.Profile)

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper, overrides map[string]any) error {
	path, explicit := "", false
	if p, ok := overrides["config_file"].(string); ok && p != "" {
		path, explicit = p, true
	} else if p := os.Getenv(configFileEnv); p != "" {
		path, explicit = p, true
	} else {
		path = DefaultConfigFile
	}

	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}

	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

// getEnvSpecs lists every environment variable the loader honours.
func getEnvSpecs() []EnvSpec {
	keys := viper.New()
	SetDefaults(keys)

	specs := make([]EnvSpec, 0, len(keys.AllKeys())+len(envAliases))
	for _, key := range keys.AllKeys() {
		specs = append(specs, EnvSpec{
			Name: EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_")),
			Path: key,
		})
	}
	specs = append(specs, envAliases...)
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func bindEnv(v *viper.Viper) error {
	byPath := map[string][]string{}
	for _, spec := range getEnvSpecs() {
		byPath[spec.Path] = append(byPath[spec.Path], spec.Name)
	}
	for path, names := range byPath {
		// Generated names first so the long form wins over an alias.
		sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
		if err := v.BindEnv(append([]string{path}, names...)...); err != nil {
			return fmt.Errorf("bind env for %s: %w", path, err)
		}
	}
	return nil
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, val := range in {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = val
	}
}
