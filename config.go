package flowmq

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a YAML-loadable description of the façade-level settings that
// operators commonly want to change without a rebuild. It maps onto the
// functional options the transport connector and façade already expose;
// anything not covered here (TLS, dialers, interceptors) stays code-only.
type Config struct {
	Server   string `yaml:"server"`
	ClientID string `yaml:"client_id"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`

	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	CleanStart string `yaml:"clean_start"` // "no", "always", "first_only"

	MaxQueuedOutgoingMessages  int `yaml:"max_queued_outgoing_messages"`
	MaxQueuedIncomingMessages  int `yaml:"max_queued_incoming_messages"`
	MaxConcurrentOutgoingCalls int `yaml:"max_concurrent_outgoing_calls"`

	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// LoadConfig reads and parses a YAML config file from path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("read " + path + ": " + err.Error())
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewConfigError("parse " + path + ": " + err.Error())
	}
	return &cfg, nil
}

// cleanStartMode translates the config's CleanStart string into the
// façade's CleanStartMode, defaulting to CleanStartNo on an empty or
// unrecognized value.
func (c *Config) cleanStartMode() CleanStartMode {
	switch c.CleanStart {
	case "always":
		return CleanStartAlways
	case "first_only":
		return CleanStartFirstOnly
	default:
		return CleanStartNo
	}
}

// FacadeOptions translates the config into FacadeOptions for New.
func (c *Config) FacadeOptions() []FacadeOption {
	opts := []FacadeOption{
		WithCleanStartMode(c.cleanStartMode()),
	}
	if c.ClientID != "" {
		opts = append(opts, WithFacadeClientID(c.ClientID))
	}

	var clientOpts []Option
	if c.Username != "" || c.Password != "" {
		clientOpts = append(clientOpts, WithCredentials(c.Username, c.Password))
	}
	if c.KeepAlive > 0 {
		clientOpts = append(clientOpts, WithKeepAlive(c.KeepAlive))
	}
	if c.ConnectTimeout > 0 {
		clientOpts = append(clientOpts, WithConnectTimeout(c.ConnectTimeout))
	}
	if c.MaxQueuedOutgoingMessages > 0 {
		clientOpts = append(clientOpts, WithMaxQueuedOutgoingMessages(c.MaxQueuedOutgoingMessages))
	}
	if c.MaxQueuedIncomingMessages > 0 {
		clientOpts = append(clientOpts, WithMaxQueuedIncomingMessages(c.MaxQueuedIncomingMessages))
	}
	if c.MaxConcurrentOutgoingCalls > 0 {
		clientOpts = append(clientOpts, WithMaxConcurrentOutgoingCalls(c.MaxConcurrentOutgoingCalls))
	}
	if len(clientOpts) > 0 {
		opts = append(opts, WithClientOptions(clientOpts...))
	}
	return opts
}
