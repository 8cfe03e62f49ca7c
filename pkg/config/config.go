// Package config loads bridge settings from defaults, a YAML file, STUDIOBRIDGE_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/studiobridge/pkg/bridge"
	"github.com/go-go-golems/studiobridge/pkg/connstate"
	"github.com/go-go-golems/studiobridge/pkg/redisstream"
)

const EnvPrefix = "STUDIOBRIDGE"

type Settings struct {
	BaseURL string `mapstructure:"base-url" yaml:"base-url"`
	PushURL string `mapstructure:"push-url" yaml:"push-url"`

	RequestTimeout     time.Duration `mapstructure:"request-timeout" yaml:"request-timeout"`
	ServerRetries      int           `mapstructure:"server-retries" yaml:"server-retries"`
	RetryBaseDelay     time.Duration `mapstructure:"retry-base-delay" yaml:"retry-base-delay"`
	RequestMaxAttempts int           `mapstructure:"request-max-attempts" yaml:"request-max-attempts"`
	RequestBaseDelay   time.Duration `mapstructure:"request-base-delay" yaml:"request-base-delay"`
	RequestMaxDelay    time.Duration `mapstructure:"request-max-delay" yaml:"request-max-delay"`

	PushMaxAttempts      int           `mapstructure:"push-max-attempts" yaml:"push-max-attempts"`
	PushBaseDelay        time.Duration `mapstructure:"push-base-delay" yaml:"push-base-delay"`
	PushMaxDelay         time.Duration `mapstructure:"push-max-delay" yaml:"push-max-delay"`
	PushHandshakeTimeout time.Duration `mapstructure:"push-handshake-timeout" yaml:"push-handshake-timeout"`
	PushPingInterval     time.Duration `mapstructure:"push-ping-interval" yaml:"push-ping-interval"`

	QueueMaxRetries int           `mapstructure:"queue-max-retries" yaml:"queue-max-retries"`
	QueueBaseDelay  time.Duration `mapstructure:"queue-base-delay" yaml:"queue-base-delay"`
	QueueMaxDelay   time.Duration `mapstructure:"queue-max-delay" yaml:"queue-max-delay"`

	// HealthInterval is the idle poll period; a negative value disables polling.
	HealthInterval time.Duration `mapstructure:"health-interval" yaml:"health-interval"`
	// JournalPath enables the sqlite event journal when set.
	JournalPath    string        `mapstructure:"journal-path" yaml:"journal-path"`

	Mirror redisstream.Settings `mapstructure:",squash" yaml:",inline"`
}

func Defaults() Settings {
	o := bridge.DefaultOptions("http://localhost:8000")
	return Settings{
		BaseURL:              o.BaseURL,
		RequestTimeout:       o.RequestTimeout,
		ServerRetries:        o.ServerRetries,
		RetryBaseDelay:       o.RetryBaseDelay,
		RequestMaxAttempts:   o.RequestPolicy.MaxAttempts,
		RequestBaseDelay:     o.RequestPolicy.BaseDelay,
		RequestMaxDelay:      o.RequestPolicy.MaxDelay,
		PushMaxAttempts:      o.PushPolicy.MaxAttempts,
		PushBaseDelay:        o.PushPolicy.BaseDelay,
		PushMaxDelay:         o.PushPolicy.MaxDelay,
		PushHandshakeTimeout: o.HandshakeTimeout,
		PushPingInterval:     o.PingInterval,
		QueueMaxRetries:      o.QueueMaxRetries,
		QueueBaseDelay:       o.QueueBaseDelay,
		QueueMaxDelay:        o.QueueMaxDelay,
		HealthInterval:       o.HealthInterval,
		Mirror:               redisstream.DefaultSettings(),
	}
}

// defaultValues is the key/value form of Defaults, used to seed viper so that every key is
// known to Unmarshal and AutomaticEnv.
func defaultValues() map[string]any {
	d := Defaults()
	return map[string]any{
		"base-url":               d.BaseURL,
		"push-url":               d.PushURL,
		"request-timeout":        d.RequestTimeout,
		"server-retries":         d.ServerRetries,
		"retry-base-delay":       d.RetryBaseDelay,
		"request-max-attempts":   d.RequestMaxAttempts,
		"request-base-delay":     d.RequestBaseDelay,
		"request-max-delay":      d.RequestMaxDelay,
		"push-max-attempts":      d.PushMaxAttempts,
		"push-base-delay":        d.PushBaseDelay,
		"push-max-delay":         d.PushMaxDelay,
		"push-handshake-timeout": d.PushHandshakeTimeout,
		"push-ping-interval":     d.PushPingInterval,
		"queue-max-retries":      d.QueueMaxRetries,
		"queue-base-delay":       d.QueueBaseDelay,
		"queue-max-delay":        d.QueueMaxDelay,
		"health-interval":        d.HealthInterval,
		"journal-path":           d.JournalPath,
		"redis-enabled":          d.Mirror.Enabled,
		"redis-addr":             d.Mirror.Addr,
		"redis-group":            d.Mirror.Group,
		"redis-consumer":         d.Mirror.Consumer,
		"mirror-topic":           d.Mirror.Topic,
	}
}

// AddFlags registers one flag per setting on fs.
func AddFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("base-url", d.BaseURL, "Base URL of the remote service")
	fs.String("push-url", d.PushURL, "Websocket URL (derived from base-url when empty)")
	fs.Duration("request-timeout", d.RequestTimeout, "Per-attempt HTTP timeout")
	fs.Int("server-retries", d.ServerRetries, "In-call retries for 5xx responses")
	fs.Duration("retry-base-delay", d.RetryBaseDelay, "Base delay of the in-call retry backoff")
	fs.Int("request-max-attempts", d.RequestMaxAttempts, "Reconnect attempts for the request channel (0 retries forever)")
	fs.Duration("request-base-delay", d.RequestBaseDelay, "Request channel reconnect base delay")
	fs.Duration("request-max-delay", d.RequestMaxDelay, "Request channel reconnect delay ceiling")
	fs.Int("push-max-attempts", d.PushMaxAttempts, "Reconnect attempts for the push channel (0 retries forever)")
	fs.Duration("push-base-delay", d.PushBaseDelay, "Push channel reconnect base delay")
	fs.Duration("push-max-delay", d.PushMaxDelay, "Push channel reconnect delay ceiling")
	fs.Duration("push-handshake-timeout", d.PushHandshakeTimeout, "Websocket handshake timeout")
	fs.Duration("push-ping-interval", d.PushPingInterval, "Websocket keepalive period (negative disables)")
	fs.Int("queue-max-retries", d.QueueMaxRetries, "Failed replays tolerated before a queued request is dropped (at least 1)")
	fs.Duration("queue-base-delay", d.QueueBaseDelay, "Base delay before replaying a queued request")
	fs.Duration("queue-max-delay", d.QueueMaxDelay, "Replay delay ceiling")
	fs.Duration("health-interval", d.HealthInterval, "Idle health poll period (negative disables)")
	fs.String("journal-path", d.JournalPath, "Write every bridge event to this sqlite file")
	fs.Bool("redis-enabled", d.Mirror.Enabled, "Mirror events to Redis Streams instead of in-process")
	fs.String("redis-addr", d.Mirror.Addr, "Redis address host:port")
	fs.String("redis-group", d.Mirror.Group, "Redis consumer group")
	fs.String("redis-consumer", d.Mirror.Consumer, "Redis consumer name")
	fs.String("mirror-topic", d.Mirror.Topic, "Topic the event mirror publishes to")
}

// Load resolves the settings. configFile may be empty, in which case
// $HOME/.studiobridge/config.yaml is read if it exists. fs may be nil.
func Load(v *viper.Viper, fs *pflag.FlagSet, configFile string) (Settings, error) {
	if v == nil {
		v = viper.New()
	}
	for k, val := range defaultValues() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", configFile)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(home, ".studiobridge"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Settings{}, errors.Wrap(err, "read config")
			}
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Settings{}, errors.Wrap(err, "bind flags")
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	if !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
		return errors.Errorf("base-url must be an http(s) URL, got %q", s.BaseURL)
	}
	if s.PushURL != "" && !strings.HasPrefix(s.PushURL, "ws://") && !strings.HasPrefix(s.PushURL, "wss://") {
		return errors.Errorf("push-url must be a ws(s) URL, got %q", s.PushURL)
	}
	if s.RequestTimeout <= 0 || s.PushHandshakeTimeout <= 0 {
		return errors.New("request-timeout and push-handshake-timeout must be positive")
	}
	if s.ServerRetries < 0 {
		return errors.New("server-retries must not be negative")
	}
	if s.QueueMaxRetries < 1 {
		return errors.New("queue-max-retries must be at least 1")
	}
	for name, p := range map[string]connstate.Policy{"request": s.requestPolicy(), "push": s.pushPolicy()} {
		if p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay {
			return errors.Errorf("%s reconnect delays must satisfy 0 < base <= max", name)
		}
	}
	if s.QueueBaseDelay <= 0 || s.QueueMaxDelay < s.QueueBaseDelay {
		return errors.New("queue delays must satisfy 0 < base <= max")
	}
	if s.HealthInterval == 0 {
		return errors.New("health-interval must be non-zero; use a negative value to disable")
	}
	if s.Mirror.Enabled && s.Mirror.Addr == "" {
		return errors.New("redis-addr is required when redis-enabled is set")
	}
	return nil
}

func (s Settings) requestPolicy() connstate.Policy {
	return connstate.Policy{MaxAttempts: s.RequestMaxAttempts, BaseDelay: s.RequestBaseDelay, MaxDelay: s.RequestMaxDelay}
}

func (s Settings) pushPolicy() connstate.Policy {
	return connstate.Policy{MaxAttempts: s.PushMaxAttempts, BaseDelay: s.PushBaseDelay, MaxDelay: s.PushMaxDelay}
}

// BridgeOptions maps the settings onto bridge construction options.
func (s Settings) BridgeOptions() bridge.Options {
	return bridge.Options{
		BaseURL:          s.BaseURL,
		PushURL:          s.PushURL,
		RequestTimeout:   s.RequestTimeout,
		ServerRetries:    s.ServerRetries,
		RetryBaseDelay:   s.RetryBaseDelay,
		RequestPolicy:    s.requestPolicy(),
		PushPolicy:       s.pushPolicy(),
		HandshakeTimeout: s.PushHandshakeTimeout,
		PingInterval:     s.PushPingInterval,
		QueueMaxRetries:  s.QueueMaxRetries,
		QueueBaseDelay:   s.QueueBaseDelay,
		QueueMaxDelay:    s.QueueMaxDelay,
		HealthInterval:   s.HealthInterval,
	}
}
