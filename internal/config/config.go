package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	apperrors "github.com/filevault/filevault/internal/errors"
)

type Config struct {
	Workers       int           `mapstructure:"workers"`
	AllowInsecure bool          `mapstructure:"allow_insecure"`
	LogJSON       bool          `mapstructure:"log_json"`
	NoColor       bool          `mapstructure:"no_color"`
	StateDir      string        `mapstructure:"state_dir"`
	Notifications Notifications `mapstructure:"notifications"`
	Destinations  []Destination `mapstructure:"destinations"`
}

type Notifications struct {
	Slack    SlackConfig     `mapstructure:"slack"`
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Template   string `mapstructure:"template"`
}

type WebhookConfig struct {
	URL      string            `mapstructure:"url"`
	Method   string            `mapstructure:"method"`
	Template string            `mapstructure:"template"`
	Headers  map[string]string `mapstructure:"headers"`
}

// Destination is one named backup target plus the defaults applied to runs
// against it.
type Destination struct {
	Name         string `mapstructure:"name"`
	URI          string `mapstructure:"uri"`
	Source       string `mapstructure:"source"`
	Strategy     string `mapstructure:"strategy"`
	Compression  string `mapstructure:"compression"`
	Encrypt      bool   `mapstructure:"encrypt"`
	Password     string `mapstructure:"password"`
	PasswordFile string `mapstructure:"password_file"`
	TokenFile    string `mapstructure:"token_file"`
	Checksum     bool   `mapstructure:"checksum"`
	FailFast     bool   `mapstructure:"fail_fast"`
	Workers      int    `mapstructure:"workers"`
	Schedule     string `mapstructure:"schedule"`
}

// ResolvePassword returns the destination's key password, reading
// password_file when set.
func (d *Destination) ResolvePassword() (string, error) {
	if d.PasswordFile != "" {
		b, err := os.ReadFile(d.PasswordFile)
		if err != nil {
			return "", apperrors.Wrap(err, apperrors.TypeConfig, "failed to read password file", "")
		}
		return strings.TrimSpace(string(b)), nil
	}
	return d.Password, nil
}

// globalConfig holds the current snapshot. Hot reloads swap the whole
// pointer, so readers always see a fully unmarshalled Config and never a
// half-written one.
var globalConfig atomic.Pointer[Config]

func Initialize(configPath string) error {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("filevault")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".filevault"))
		}
	}

	v.SetEnvPrefix("FILEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("workers", 4)
	v.SetDefault("allow_insecure", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	globalConfig.Store(&cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			return
		}
		globalConfig.Store(&next)
	})

	return nil
}

func GetConfig() *Config {
	if c := globalConfig.Load(); c != nil {
		return c
	}
	return &Config{Workers: 4}
}

// FindDestination resolves a destination by name, or by URI when nothing is
// configured under that name.
func (c *Config) FindDestination(name string) (*Destination, error) {
	for i := range c.Destinations {
		if c.Destinations[i].Name == name {
			return &c.Destinations[i], nil
		}
	}
	return nil, apperrors.New(apperrors.TypeConfig,
		fmt.Sprintf("no destination named %q in config", name),
		"list configured destinations with their name fields, or pass a storage URI directly")
}
