package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	BackendPlatform = "platform"
	BackendGitHub   = "github"

	defaultPlatformBaseURL = "https://api.platform.sh/api"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultCacheDir        = "~/.cache/envpush"

	// EnvPrefix prefixes every environment variable read as configuration.
	EnvPrefix = "ENVPUSH"

	configName = ".envpush"
)

// Configuration keys.
const (
	KeyBackend          = "api.backend"
	KeyBaseURL          = "api.base_url"
	KeyUploadURL        = "api.upload_url"
	KeyToken            = "api.token"
	KeyRetries          = "api.retries"
	KeyGitRemoteName    = "detection.git_remote_name"
	KeyProductionBranch = "push.production_branch"
	KeyNoWaitEnv        = "push.no_wait_env"
	KeyWait             = "push.wait"
	KeyGitBinary        = "git.binary"
	KeySSHBinary        = "ssh.binary"
	KeySSHOptions       = "ssh.options"
	KeySSHIdentityFile  = "ssh.identity_file"
	KeyCacheDir         = "cache.dir"
	KeyCacheTTL         = "cache.ttl"
	KeyPollInterval     = "activity.poll_interval"
	KeyActivityTimeout  = "activity.timeout"
	KeyLogLevel         = "log.level"
	KeyLogFormat        = "log.format"
	KeyVerbose          = "log.verbose"
)

var supportedBackends = map[string]struct{}{
	BackendPlatform: {},
	BackendGitHub:   {},
}

// Config captures runtime options sourced from the config file, environment
// variables and global flags.
type Config struct {
	Backend      string
	APIBaseURL   string
	APIUploadURL string
	APIToken     string
	APIRetries   int

	GitRemoteName    string
	ProductionBranch string
	NoWaitEnvVar     string
	Wait             bool

	GitBinary       string
	SSHBinary       string
	SSHOptions      []string
	SSHIdentityFile string

	CacheDir string
	CacheTTL time.Duration

	PollInterval    time.Duration
	ActivityTimeout time.Duration

	LogLevel  string
	LogFormat string
	Verbose   bool
}

// NewViper returns a viper instance carrying the defaults and environment
// bindings for every configuration key.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyBackend, BackendPlatform)
	v.SetDefault(KeyRetries, 2)
	v.SetDefault(KeyGitRemoteName, "platform")
	v.SetDefault(KeyProductionBranch, "master")
	v.SetDefault(KeyNoWaitEnv, "PLATFORMSH_PUSH_NO_WAIT")
	v.SetDefault(KeyWait, true)
	v.SetDefault(KeyGitBinary, "git")
	v.SetDefault(KeySSHBinary, "ssh")
	v.SetDefault(KeyCacheDir, defaultCacheDir)
	v.SetDefault(KeyCacheTTL, 10*time.Minute)
	v.SetDefault(KeyPollInterval, 2*time.Second)
	v.SetDefault(KeyActivityTimeout, 30*time.Minute)
	v.SetDefault(KeyLogLevel, defaultLogLevel)
	v.SetDefault(KeyLogFormat, defaultLogFormat)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyToken, EnvPrefix+"_API_TOKEN", "PLATFORMSH_CLI_TOKEN")

	return v
}

// ReadConfigFile loads cfgFile, or $HOME/.envpush.yaml when cfgFile is empty.
// A missing default file is not an error.
func ReadConfigFile(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("find home directory: %w", err)
		}
		v.AddConfigPath(home)
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// LoadConfig reads every key from v, applies defaults, and performs validation.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Backend:          strings.ToLower(strings.TrimSpace(v.GetString(KeyBackend))),
		APIBaseURL:       strings.TrimSpace(v.GetString(KeyBaseURL)),
		APIUploadURL:     strings.TrimSpace(v.GetString(KeyUploadURL)),
		APIToken:         strings.TrimSpace(v.GetString(KeyToken)),
		APIRetries:       v.GetInt(KeyRetries),
		GitRemoteName:    strings.TrimSpace(v.GetString(KeyGitRemoteName)),
		ProductionBranch: strings.TrimSpace(v.GetString(KeyProductionBranch)),
		NoWaitEnvVar:     strings.TrimSpace(v.GetString(KeyNoWaitEnv)),
		Wait:             v.GetBool(KeyWait),
		GitBinary:        strings.TrimSpace(v.GetString(KeyGitBinary)),
		SSHBinary:        strings.TrimSpace(v.GetString(KeySSHBinary)),
		SSHOptions:       v.GetStringSlice(KeySSHOptions),
		SSHIdentityFile:  strings.TrimSpace(v.GetString(KeySSHIdentityFile)),
		CacheDir:         strings.TrimSpace(v.GetString(KeyCacheDir)),
		CacheTTL:         v.GetDuration(KeyCacheTTL),
		PollInterval:     v.GetDuration(KeyPollInterval),
		ActivityTimeout:  v.GetDuration(KeyActivityTimeout),
		LogLevel:         strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
		LogFormat:        strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
		Verbose:          v.GetBool(KeyVerbose),
	}

	if cfg.Backend == "" {
		cfg.Backend = BackendPlatform
	}
	if _, ok := supportedBackends[cfg.Backend]; !ok {
		return Config{}, fmt.Errorf("unsupported api backend %q", cfg.Backend)
	}

	if cfg.APIToken == "" {
		return Config{}, fmt.Errorf("api token is required (set %s_API_TOKEN or %s in the config file)", EnvPrefix, KeyToken)
	}

	switch cfg.Backend {
	case BackendPlatform:
		if cfg.APIBaseURL == "" {
			cfg.APIBaseURL = defaultPlatformBaseURL
		}
	case BackendGitHub:
		if (cfg.APIBaseURL == "") != (cfg.APIUploadURL == "") {
			return Config{}, fmt.Errorf("%s and %s must both be set for GitHub Enterprise", KeyBaseURL, KeyUploadURL)
		}
	}

	if cfg.APIRetries < 0 {
		return Config{}, fmt.Errorf("%s must not be negative", KeyRetries)
	}

	if cfg.GitRemoteName == "" {
		return Config{}, fmt.Errorf("%s must not be empty", KeyGitRemoteName)
	}
	if cfg.ProductionBranch == "" {
		return Config{}, fmt.Errorf("%s must not be empty", KeyProductionBranch)
	}
	if cfg.NoWaitEnvVar == "" {
		return Config{}, fmt.Errorf("%s must not be empty", KeyNoWaitEnv)
	}

	for name, d := range map[string]time.Duration{
		KeyCacheTTL:        cfg.CacheTTL,
		KeyPollInterval:    cfg.PollInterval,
		KeyActivityTimeout: cfg.ActivityTimeout,
	} {
		if d <= 0 {
			return Config{}, fmt.Errorf("%s must be a positive duration", name)
		}
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir
	}
	dir, err := homedir.Expand(cfg.CacheDir)
	if err != nil {
		return Config{}, fmt.Errorf("expand %s: %w", KeyCacheDir, err)
	}
	cfg.CacheDir = dir

	if cfg.SSHIdentityFile != "" {
		file, err := homedir.Expand(cfg.SSHIdentityFile)
		if err != nil {
			return Config{}, fmt.Errorf("expand %s: %w", KeySSHIdentityFile, err)
		}
		cfg.SSHIdentityFile = file
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}

	supportedFormats := map[string]struct{}{"text": {}, "json": {}}
	if _, ok := supportedFormats[cfg.LogFormat]; !ok {
		return Config{}, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}

	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}
