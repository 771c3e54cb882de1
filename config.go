package replica

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so YAML files can use the "250ms",
// "3s" notation.
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config tunes a host. Zero-valued fields fall back to their
// defaults, so partial files and partial literals both work. MaxConns
// zero means unlimited.
type Config struct {
	// Name is announced to remote peers during the handshake.
	Name string `yaml:"name"`

	// MTU is the largest datagram handed to the transport.
	MTU int `yaml:"mtu"`

	// KeepAlive is the longest a connection stays silent before a
	// header-only packet goes out. Timeout closes a connection that
	// heard nothing at all.
	KeepAlive Duration `yaml:"keep_alive"`
	Timeout   Duration `yaml:"timeout"`

	// HandshakeGrace bounds the whole handshake, DisconnectGrace the
	// reliable flush during teardown, RPCBufferGrace how long a call
	// may wait for its target instance.
	HandshakeGrace  Duration `yaml:"handshake_grace"`
	DisconnectGrace Duration `yaml:"disconnect_grace"`
	RPCBufferGrace  Duration `yaml:"rpc_buffer_grace"`

	// Retransmission backoff: BackoffBase doubles per attempt up to
	// BackoffCap. RetryLimit counts retransmissions after the first
	// send; zero falls back to the default.
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
	RetryLimit  int      `yaml:"retry_limit"`

	MaxConns int `yaml:"max_conns"`

	// RequireAuth makes the server demand SRP credentials, stored in
	// the sqlite database at AuthDB. Password is the client-side
	// passphrase.
	RequireAuth bool   `yaml:"require_auth"`
	AuthDB      string `yaml:"auth_db"`
	Password    string `yaml:"password"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the tuning a host runs with when given
// nothing else.
func DefaultConfig() *Config {
	return &Config{
		Name:            "replica",
		MTU:             1200,
		KeepAlive:       Duration(2500 * time.Millisecond),
		Timeout:         Duration(10 * time.Second),
		HandshakeGrace:  Duration(5 * time.Second),
		DisconnectGrace: Duration(time.Second),
		RPCBufferGrace:  Duration(time.Second),
		BackoffBase:     Duration(200 * time.Millisecond),
		BackoffCap:      Duration(3 * time.Second),
		RetryLimit:      8,
		LogLevel:        "info",
	}
}

// LoadConfig reads a YAML host configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// withDefaults returns a copy with every unset field filled in. A nil
// receiver yields the defaults.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	cp := *c
	if cp.Name == "" {
		cp.Name = def.Name
	}
	if cp.MTU == 0 {
		cp.MTU = def.MTU
	}
	if cp.KeepAlive == 0 {
		cp.KeepAlive = def.KeepAlive
	}
	if cp.Timeout == 0 {
		cp.Timeout = def.Timeout
	}
	if cp.HandshakeGrace == 0 {
		cp.HandshakeGrace = def.HandshakeGrace
	}
	if cp.DisconnectGrace == 0 {
		cp.DisconnectGrace = def.DisconnectGrace
	}
	if cp.RPCBufferGrace == 0 {
		cp.RPCBufferGrace = def.RPCBufferGrace
	}
	if cp.BackoffBase == 0 {
		cp.BackoffBase = def.BackoffBase
	}
	if cp.BackoffCap == 0 {
		cp.BackoffCap = def.BackoffCap
	}
	if cp.RetryLimit == 0 {
		cp.RetryLimit = def.RetryLimit
	}
	if cp.LogLevel == "" {
		cp.LogLevel = def.LogLevel
	}
	return &cp
}

func (c *Config) validate() error {
	if c.MTU < minMTU {
		return fmt.Errorf("mtu %d is below the minimum %d", c.MTU, minMTU)
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("retry_limit must not be negative")
	}
	if c.KeepAlive >= c.Timeout {
		return fmt.Errorf("keep_alive %v must stay below timeout %v",
			time.Duration(c.KeepAlive), time.Duration(c.Timeout))
	}
	if c.RequireAuth && c.AuthDB == "" {
		return fmt.Errorf("require_auth needs auth_db")
	}
	return nil
}
