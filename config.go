package mqlink

import (
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is the file-based configuration surface. It covers the options an
// operator tunes per deployment; programmatic concerns (handlers, TLS
// material, custom schedulers) stay code-side and can be layered on top of
// the options the config produces.
type Config struct {
	Servers      []string      `yaml:"servers"`
	ClientID     string        `yaml:"client_id"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	CleanSession *bool         `yaml:"clean_session"`
	KeepAlive    time.Duration `yaml:"keep_alive"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	Outbox struct {
		MaxEntries int           `yaml:"max_entries"`
		MaxBytes   int64         `yaml:"max_bytes"`
		Expiry     time.Duration `yaml:"expiry"`
	} `yaml:"outbox"`

	MaxInbound        int `yaml:"max_inbound"`
	MaxMessageSize    int `yaml:"max_message_size"`
	ReceiveBufferSize int `yaml:"receive_buffer_size"`

	Reconnect struct {
		Disabled    bool          `yaml:"disabled"`
		Backoff     time.Duration `yaml:"backoff"`
		MaxBackoff  time.Duration `yaml:"max_backoff"`
		Jitter      time.Duration `yaml:"jitter"`
		MaxAttempts int           `yaml:"max_attempts"`
	} `yaml:"reconnect"`

	RateLimit struct {
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	Will *struct {
		Topic   string `yaml:"topic"`
		Payload string `yaml:"payload"`
		QoS     byte   `yaml:"qos"`
		Retain  bool   `yaml:"retain"`
	} `yaml:"will"`

	Store *struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
}

// ParseConfig decodes a YAML document into a Config.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and decodes a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// Options converts the config into client options. Zero-valued fields are
// omitted so the client defaults apply.
func (c *Config) Options() []Option {
	var opts []Option

	if len(c.Servers) > 0 {
		opts = append(opts, WithServers(c.Servers...))
	}
	if c.ClientID != "" {
		opts = append(opts, WithClientID(c.ClientID))
	}
	if c.Username != "" {
		opts = append(opts, WithCredentials(c.Username, c.Password))
	}
	if c.CleanSession != nil {
		opts = append(opts, WithCleanSession(*c.CleanSession))
	}
	if c.KeepAlive > 0 {
		opts = append(opts, WithKeepAlive(c.KeepAlive))
	}
	if c.ConnectTimeout > 0 {
		opts = append(opts, WithConnectTimeout(c.ConnectTimeout))
	}
	if c.WriteTimeout > 0 {
		opts = append(opts, WithWriteTimeout(c.WriteTimeout))
	}

	limits := OutboxLimits{MaxEntries: c.Outbox.MaxEntries, MaxBytes: c.Outbox.MaxBytes}
	if limits != (OutboxLimits{}) {
		opts = append(opts, WithOutboxLimits(limits))
	}
	if c.Outbox.Expiry > 0 {
		opts = append(opts, WithEntryExpiry(c.Outbox.Expiry))
	}

	if c.MaxInbound > 0 {
		opts = append(opts, WithMaxInbound(c.MaxInbound))
	}
	if c.MaxMessageSize > 0 {
		opts = append(opts, WithMaxMessageSize(c.MaxMessageSize))
	}
	if c.ReceiveBufferSize > 0 {
		opts = append(opts, WithReceiveBufferSize(c.ReceiveBufferSize))
	}

	if c.Reconnect.Disabled {
		opts = append(opts, WithAutoReconnect(false))
	}
	if c.Reconnect.Backoff > 0 {
		opts = append(opts, WithReconnectBackoff(c.Reconnect.Backoff))
	}
	if c.Reconnect.MaxBackoff > 0 {
		opts = append(opts, WithMaxBackoff(c.Reconnect.MaxBackoff))
	}
	if c.Reconnect.Jitter > 0 {
		opts = append(opts, WithJitterWindow(c.Reconnect.Jitter))
	}
	if c.Reconnect.MaxAttempts > 0 {
		opts = append(opts, WithMaxReconnects(c.Reconnect.MaxAttempts))
	}

	if c.RateLimit.PerSecond > 0 {
		burst := c.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, WithPublishRateLimit(rate.Limit(c.RateLimit.PerSecond), burst))
	}

	if c.Will != nil {
		opts = append(opts, WithWill(c.Will.Topic, []byte(c.Will.Payload), c.Will.QoS, c.Will.Retain))
	}

	if c.Store != nil && c.Store.Path != "" {
		opts = append(opts, WithSessionFactory(BoltSessionFactory(BoltSessionOptions{
			Path:   c.Store.Path,
			Limits: limits,
		})))
	}

	return opts
}
