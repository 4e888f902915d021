package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rancher/git-rewrite/internal/refs"
)

const (
	envPrefix      = "GIT_REWRITE"
	configDirName  = "git-rewrite"
	configFileName = "config"
	configFileType = "yaml"

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
	defaultRemote    = "origin"
)

// Config captures runtime options sourced from flags, GIT_REWRITE_* environment
// variables and an optional YAML file, in that order of precedence.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
	Verbose   bool   `mapstructure:"verbose"`

	Remote               string `mapstructure:"remote"`
	AutoStash            bool   `mapstructure:"auto_stash"`
	ProtectDefaultBranch bool   `mapstructure:"protect_default_branch"`
	DefaultBranch        string `mapstructure:"default_branch"`
	AssumeYes            bool   `mapstructure:"assume_yes"`

	GitHubToken     string `mapstructure:"github_token"`
	GitHubBaseURL   string `mapstructure:"github_base_url"`
	GitHubUploadURL string `mapstructure:"github_upload_url"`

	SigningKey        string `mapstructure:"signing_key"`
	SigningPassphrase string `mapstructure:"signing_passphrase"`

	GitBinary      string `mapstructure:"git_binary"`
	NetworkRetries int    `mapstructure:"network_retries"`
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":              "log_level",
	"log-format":             "log_format",
	"log-file":               "log_file",
	"verbose":                "verbose",
	"remote":                 "remote",
	"auto-stash":             "auto_stash",
	"protect-default-branch": "protect_default_branch",
	"default-branch":         "default_branch",
	"yes":                    "assume_yes",
}

// NewViper returns a viper instance with defaults and environment binding applied.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", defaultLogFormat)
	v.SetDefault("log_file", "")
	v.SetDefault("verbose", false)
	v.SetDefault("remote", defaultRemote)
	v.SetDefault("auto_stash", true)
	v.SetDefault("protect_default_branch", true)
	v.SetDefault("default_branch", "")
	v.SetDefault("assume_yes", false)
	v.SetDefault("github_token", "")
	v.SetDefault("github_base_url", "")
	v.SetDefault("github_upload_url", "")
	v.SetDefault("signing_key", "")
	v.SetDefault("signing_passphrase", "")
	v.SetDefault("git_binary", "")
	v.SetDefault("network_retries", 0)
	return v
}

// BindFlags lets explicitly set flags override the environment and config file.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// LoadConfig reads the config file (configFile, or config.yaml under the user config
// directory when empty), applies defaults, and performs validation.
func LoadConfig(v *viper.Viper, configFile string) (Config, error) {
	if err := readConfigFile(v, configFile); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.LogFile = strings.TrimSpace(cfg.LogFile)
	cfg.Remote = strings.TrimSpace(cfg.Remote)
	cfg.DefaultBranch = strings.TrimSpace(cfg.DefaultBranch)
	cfg.GitHubToken = strings.TrimSpace(cfg.GitHubToken)
	cfg.GitHubBaseURL = strings.TrimSpace(cfg.GitHubBaseURL)
	cfg.GitHubUploadURL = strings.TrimSpace(cfg.GitHubUploadURL)
	cfg.SigningKey = strings.TrimSpace(cfg.SigningKey)
	cfg.GitBinary = strings.TrimSpace(cfg.GitBinary)

	if cfg.GitHubToken == "" {
		cfg.GitHubToken = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	}

	if (cfg.GitHubBaseURL == "") != (cfg.GitHubUploadURL == "") {
		return Config{}, fmt.Errorf("github_base_url and github_upload_url must both be set for GitHub Enterprise")
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}

	if cfg.Remote == "" {
		cfg.Remote = defaultRemote
	}

	if cfg.DefaultBranch != "" {
		cfg.DefaultBranch = refs.NormalizeBranch(cfg.DefaultBranch, cfg.Remote)
		if err := refs.ValidateBranchName(cfg.DefaultBranch); err != nil {
			return Config{}, fmt.Errorf("invalid default_branch: %w", err)
		}
	}

	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}

	supportedFormats := map[string]struct{}{"text": {}, "json": {}}
	if _, ok := supportedFormats[cfg.LogFormat]; !ok {
		return Config{}, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	if cfg.NetworkRetries < 0 {
		return Config{}, fmt.Errorf("network_retries cannot be negative, got %d", cfg.NetworkRetries)
	}

	if cfg.SigningPassphrase != "" && cfg.SigningKey == "" {
		return Config{}, fmt.Errorf("signing_passphrase is set but signing_key is empty")
	}

	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", configFile, err)
		}
		return nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(filepath.Join(dir, configDirName))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}
