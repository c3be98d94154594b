// Package config loads the static configuration of a federated service:
// the method table, the dispatch policy and the discovery and transport
// settings.
//
// Values come from, in increasing precedence: Default, a YAML file, dotenv
// files, and the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"federation-rpc/codec"
	"federation-rpc/dispatch"
	"federation-rpc/loadbalance"
	"federation-rpc/method"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Service       string               `yaml:"service" env:"FEDERATION_SERVICE"`
	Etcd          EtcdConfig           `yaml:"etcd"`
	Dispatch      DispatchConfig       `yaml:"dispatch"`
	Client        ClientConfig         `yaml:"client"`
	Observability ObservabilityConfig  `yaml:"observability"`
	Methods       []method.Declaration `yaml:"methods"`
}

type EtcdConfig struct {
	// Endpoints is empty when discovery is not used.
	Endpoints   []string      `yaml:"endpoints" env:"FEDERATION_ETCD_ENDPOINTS"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

type DispatchConfig struct {
	Policy     dispatch.Policy `yaml:"policy" env:"FEDERATION_POLICY"`
	Timeout    time.Duration   `yaml:"timeout" env:"FEDERATION_TIMEOUT"` // per instance, 0 = unbounded
	Retries    int             `yaml:"retries"`
	RetryDelay time.Duration   `yaml:"retryDelay"`
	RateLimit  float64         `yaml:"rateLimit"` // calls per second per partition, 0 = unlimited
	Burst      int             `yaml:"burst"`
}

type ClientConfig struct {
	Codec     string        `yaml:"codec"`
	Balancer  string        `yaml:"balancer"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"FEDERATION_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"FEDERATION_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Service: "federation",
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
		},
		Dispatch: DispatchConfig{
			Policy:     dispatch.BestEffort,
			Timeout:    5 * time.Second,
			RetryDelay: 50 * time.Millisecond,
		},
		Client: ClientConfig{
			Codec:     "binary",
			Balancer:  "round-robin",
			Heartbeat: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Parse decodes YAML over Default and validates the result. The
// environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Load reads the YAML file at path, applies FEDERATION_* variables from the
// given dotenv files and then from the process environment, and validates.
// An empty path starts from Default.
func Load(path string, envFiles ...string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	if len(envFiles) > 0 {
		env, err = godotenv.Read(envFiles...)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FEDERATION_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error
	if v, ok := lookup("FEDERATION_SERVICE"); ok {
		c.Service = v
	}
	if v, ok := lookup("FEDERATION_POLICY"); ok {
		p, err := dispatch.ParsePolicy(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("FEDERATION_POLICY: %w", err))
		} else {
			c.Dispatch.Policy = p
		}
	}
	if v, ok := lookup("FEDERATION_TIMEOUT"); ok {
		d, err := parseDuration(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("FEDERATION_TIMEOUT: %w", err))
		} else {
			c.Dispatch.Timeout = d
		}
	}
	if v, ok := lookup("FEDERATION_ETCD_ENDPOINTS"); ok {
		c.Etcd.Endpoints = nil
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.Etcd.Endpoints = append(c.Etcd.Endpoints, ep)
			}
		}
	}
	if v, ok := lookup("FEDERATION_METRICS_ADDR"); ok {
		c.Observability.MetricsAddr = v
	}
	if v, ok := lookup("FEDERATION_LOG_LEVEL"); ok {
		c.Observability.LogLevel = v
	}
	return errs
}

// parseDuration accepts "250ms" style durations or plain milliseconds.
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate reports every invalid setting at once. Method declarations are
// checked for names and shapes only; dispatch classification happens when
// the service is built.
func (c *Config) Validate() error {
	var errs error
	if c.Service == "" {
		errs = multierr.Append(errs, fmt.Errorf("service name is required"))
	}
	if c.Dispatch.Timeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("dispatch.timeout must not be negative, got %s", c.Dispatch.Timeout))
	}
	if c.Dispatch.Retries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("dispatch.retries must not be negative, got %d", c.Dispatch.Retries))
	}
	if c.Dispatch.RateLimit < 0 {
		errs = multierr.Append(errs, fmt.Errorf("dispatch.rateLimit must not be negative, got %g", c.Dispatch.RateLimit))
	}
	if c.Dispatch.RateLimit > 0 && c.Dispatch.Burst <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("dispatch.burst must be positive when rateLimit is set"))
	}
	if _, err := codec.ParseCodecType(c.Client.Codec); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("client.codec: %w", err))
	}
	if _, err := loadbalance.New(c.Client.Balancer); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("client.balancer: %w", err))
	}
	if _, err := zapcore.ParseLevel(c.Observability.LogLevel); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("observability.logLevel: %w", err))
	}
	if _, err := method.NewTable(c.Methods); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Logger builds the process logger: JSON unless LogFormat is "console".
func (o ObservabilityConfig) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(o.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if o.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
