// Package config loads hostops settings from an optional YAML file and
// HOSTOPS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	sshconn "github.com/eugenetaranov/hostops/internal/connector/ssh"
	"github.com/eugenetaranov/hostops/internal/fsutil"
	"github.com/eugenetaranov/hostops/internal/host"
	"github.com/eugenetaranov/hostops/internal/logging"
	"github.com/eugenetaranov/hostops/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. HOSTOPS_SSH_USER.
const EnvPrefix = "HOSTOPS"

// Config is the full set of settings.
type Config struct {
	Log   logging.Config `mapstructure:"log"`
	SSH   SSHConfig      `mapstructure:"ssh"`
	Probe ProbeConfig    `mapstructure:"probe"`
	Run   RunConfig      `mapstructure:"run"`
}

// SSHConfig holds connection settings for remote hosts.
type SSHConfig struct {
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	KeyPath        string        `mapstructure:"key_path"`
	Passphrase     string        `mapstructure:"passphrase"`
	Port           int           `mapstructure:"port"`
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	HostKeyPolicy  string        `mapstructure:"host_key_policy"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ProbeConfig controls ping and reachability checks.
type ProbeConfig struct {
	Mode         string        `mapstructure:"mode"`
	Reachability string        `mapstructure:"reachability"`
	PingAttempts int           `mapstructure:"ping_attempts"`
	PingDelay    time.Duration `mapstructure:"ping_delay"`
}

// RunConfig holds defaults for command batches.
type RunConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	VerifyExitCode bool          `mapstructure:"verify_exit_code"`
	Stream         bool          `mapstructure:"stream"`
	LogResults     bool          `mapstructure:"log_results"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

func defaults() map[string]any {
	log := logging.DefaultConfig()
	return map[string]any{
		"log.dir":          log.Dir,
		"log.name":         log.Name,
		"log.level":        log.Level,
		"log.console":      log.Console,
		"log.color":        log.Color,
		"log.plain":        log.Plain,
		"log.max_size_mb":  log.MaxSizeMB,
		"log.max_backups":  log.MaxBackups,
		"log.max_age_days": log.MaxAgeDays,

		"ssh.user":             "",
		"ssh.password":         "",
		"ssh.key_path":         "~/.ssh/id_rsa",
		"ssh.passphrase":       "",
		"ssh.port":             sshconn.DefaultPort,
		"ssh.known_hosts_path": sshconn.DefaultKnownHostsPath,
		"ssh.host_key_policy":  "strict",
		"ssh.connect_timeout":  host.DefaultReachTimeout,

		"probe.mode":          "lazy",
		"probe.reachability":  "probe",
		"probe.ping_attempts": host.DefaultPingAttempts,
		"probe.ping_delay":    host.DefaultPingDelay,

		"run.timeout":          time.Duration(0),
		"run.verify_exit_code": false,
		"run.stream":           false,
		"run.log_results":      false,
		"run.retry_attempts":   host.DefaultBatchRetryAttempts,
		"run.retry_delay":      host.DefaultBatchRetryDelay,
	}
}

// Load reads path (optional, YAML) and overlays HOSTOPS_* variables on the
// defaults. An empty path reads no file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(fsutil.ExpandHome(path))
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read configuration: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and ranges.
func (c Config) Validate() error {
	var err error
	if _, e := logging.ParseLevel(c.Log.Level); e != nil {
		err = multierr.Append(err, e)
	}
	if _, e := sshconn.ParseHostKeyPolicy(c.SSH.HostKeyPolicy, ""); e != nil {
		err = multierr.Append(err, e)
	}
	if _, e := host.ParseProbeMode(c.Probe.Mode); e != nil {
		err = multierr.Append(err, e)
	}
	if _, e := host.ParseReachabilityPolicy(c.Probe.Reachability); e != nil {
		err = multierr.Append(err, e)
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("ssh.port out of range: %d", c.SSH.Port))
	}
	if c.Probe.PingAttempts < 1 {
		err = multierr.Append(err, errors.New("probe.ping_attempts must be at least 1"))
	}
	if c.Run.RetryAttempts < 1 {
		err = multierr.Append(err, errors.New("run.retry_attempts must be at least 1"))
	}
	if c.Run.Timeout < 0 || c.SSH.ConnectTimeout < 0 {
		err = multierr.Append(err, errors.New("timeouts must not be negative"))
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Credentials returns the SSH settings as host credentials.
func (c SSHConfig) Credentials() host.Credentials {
	return host.Credentials{
		Username:       c.User,
		Password:       c.Password,
		PrivateKeyPath: c.KeyPath,
		Passphrase:     c.Passphrase,
		Port:           c.Port,
	}
}

// Policy builds the configured host key policy.
func (c SSHConfig) Policy() (sshconn.HostKeyPolicy, error) {
	return sshconn.ParseHostKeyPolicy(c.HostKeyPolicy, c.KnownHostsPath)
}

// HostOptions returns the resolve options implied by the probe settings.
func (c ProbeConfig) HostOptions() ([]host.Option, error) {
	mode, err := host.ParseProbeMode(c.Mode)
	if err != nil {
		return nil, err
	}
	policy, err := host.ParseReachabilityPolicy(c.Reachability)
	if err != nil {
		return nil, err
	}
	return []host.Option{
		host.WithProbing(mode),
		host.WithReachabilityPolicy(policy),
		host.WithPingDefaults(c.PingAttempts, c.PingDelay),
	}, nil
}

// RunOptions returns the batch options implied by the run settings.
func (c Config) RunOptions() []host.RunOption {
	return []host.RunOption{
		host.WithTimeout(c.Run.Timeout),
		host.WithSSHConnectTimeout(c.SSH.ConnectTimeout),
		host.WithVerifyExitCode(c.Run.VerifyExitCode),
		host.WithConsoleStream(c.Run.Stream),
		host.WithResultLogging(c.Run.LogResults),
		host.WithRetry(c.RetryPolicy()),
	}
}

// RetryPolicy returns the batch retry policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Fixed(c.Run.RetryAttempts, c.Run.RetryDelay)
}
