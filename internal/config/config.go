// Package config loads process configuration with the precedence spec.md
// §6 mandates: environment variable > process system property (modeled as
// an explicit -D flag, Go having no native system-property concept) >
// environment-selected ".properties" file, following the layered-viper
// pattern of thushan-olla's internal/config.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DatasourcePoolConfig is the per-datasource pool sizing block named in
// spec.md §6 under the `{name.}connection.pool.*` property family.
type DatasourcePoolConfig struct {
	MaximumPoolSize             int           `mapstructure:"maximumPoolSize" validate:"gte=0"`
	MinimumIdle                 int           `mapstructure:"minimumIdle" validate:"gte=0"`
	ConnectionTimeout           time.Duration `mapstructure:"connectionTimeout"`
	IdleTimeout                 time.Duration `mapstructure:"idleTimeout"`
	MaxLifetime                 time.Duration `mapstructure:"maxLifetime"`
	DefaultTransactionIsolation string        `mapstructure:"defaultTransactionIsolation"`
}

// CircuitBreakerConfig is the `circuit.breaker.*` property family.
type CircuitBreakerConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	Threshold int           `mapstructure:"threshold" validate:"gte=0"`
}

// TLSConfig is the `tls.*` property family. TLS handshake itself is an
// external collaborator per spec.md §1; this struct only carries the
// material an external TLS listener would need.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	KeystorePath       string `mapstructure:"keystore.path"`
	KeystorePassword   string `mapstructure:"keystore.password"`
	TruststorePath     string `mapstructure:"truststore.path"`
	TruststorePassword string `mapstructure:"truststore.password"`
	ClientAuthRequired bool   `mapstructure:"client.auth.required"`
}

// SegregatorConfig is the slow-query segregation property family.
type SegregatorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	SlowSlotPercent   int           `mapstructure:"slow.slot.percentage" validate:"gte=0,lte=100"`
	IdleTimeout       time.Duration `mapstructure:"idle.timeout"`
	SlowSlotTimeout   time.Duration `mapstructure:"slow.slot.timeout"`
	FastSlotTimeout   time.Duration `mapstructure:"fast.slot.timeout"`
	MinSamples        int64         `mapstructure:"min.samples" validate:"gte=1"`
	RecomputeEvery    int64         `mapstructure:"recompute.every" validate:"gte=1"`
	RecomputeInterval time.Duration `mapstructure:"recompute.interval"`
}

// XAConfig is the XA property family.
type XAConfig struct {
	MaxTransactions    int64         `mapstructure:"max.transactions" validate:"gte=1"`
	StartTimeoutMillis time.Duration `mapstructure:"start.timeout.millis"`
}

// Config is the full process configuration, spec.md §6's recognized
// properties laid out as nested structs. Field names track the dotted
// property names so `mapstructure` (and a flattening env-key replacer) map
// 1:1 onto them.
type Config struct {
	Environment string `mapstructure:"environment"`

	Port               int                  `mapstructure:"port" validate:"gte=1,lte=65535"`
	PrometheusPort     int                  `mapstructure:"prometheus.port" validate:"gte=0,lte=65535"`
	ThreadPoolSize     int                  `mapstructure:"thread.pool.size" validate:"gte=1"`
	MaxRequestSize     int64                `mapstructure:"max.request.size" validate:"gte=0"`
	ConnectionIdle     time.Duration        `mapstructure:"connection.idle.timeout"`
	AllowedIPs         string               `mapstructure:"allowed.ips"`
	PrometheusAllowed  string               `mapstructure:"prometheus.allowed.ips"`
	CircuitBreaker     CircuitBreakerConfig `mapstructure:"circuit.breaker"`
	TLS                TLSConfig            `mapstructure:"tls"`
	Segregator         SegregatorConfig     `mapstructure:"slow.query"`
	XA                 XAConfig             `mapstructure:"xa"`
	DefaultPool        DatasourcePoolConfig `mapstructure:"connection.pool"`

	AMQPURL  string `mapstructure:"amqp.url" validate:"required"`
	DeviceID string `mapstructure:"device.id" validate:"required"`
}

// Default returns a configuration with the defaults spec.md's worked
// examples assume when a property is left unset.
func Default() *Config {
	return &Config{
		Environment:    "dev",
		Port:           6032,
		PrometheusPort: 9090,
		ThreadPoolSize: 10,
		MaxRequestSize: 4 << 20,
		ConnectionIdle: 10 * time.Minute,
		AllowedIPs:     "0.0.0.0/0",
		CircuitBreaker: CircuitBreakerConfig{Timeout: 5 * time.Second, Threshold: 5},
		Segregator: SegregatorConfig{
			Enabled:           true,
			SlowSlotPercent:   20,
			IdleTimeout:       30 * time.Second,
			SlowSlotTimeout:   5 * time.Second,
			FastSlotTimeout:   2 * time.Second,
			MinSamples:        5,
			RecomputeEvery:    50,
			RecomputeInterval: 30 * time.Second,
		},
		XA: XAConfig{MaxTransactions: 50, StartTimeoutMillis: 5 * time.Second},
		DefaultPool: DatasourcePoolConfig{
			MaximumPoolSize:   10,
			MinimumIdle:       2,
			ConnectionTimeout: 30 * time.Second,
			IdleTimeout:       10 * time.Minute,
			MaxLifetime:       30 * time.Minute,
		},
	}
}

var (
	reloadMu   sync.Mutex
	lastReload time.Time
)

// Load builds the layered viper reader spec.md §6 calls for: env var (top
// priority) > -D system-property flags (flagOverrides, already parsed by
// the caller into "name=value" pairs) > the "ojp-<environment>.properties"
// file selected by the `environment` key, and validates the decoded
// result. onChange, if non-nil, fires (debounced) when the properties file
// changes on disk, for the IP-admission allow-list's hot reload.
func Load(configDir string, flagOverrides []string, onChange func(*Config)) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("OJP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	flags := pflag.NewFlagSet("ojp", pflag.ContinueOnError)
	dFlags := flags.StringArrayP("D", "D", nil, "system property override, name=value")
	environment := flags.String("environment", "dev", "environment selector for ojp-<env>.properties")
	if err := flags.Parse(flagOverrides); err != nil {
		return nil, fmt.Errorf("parsing -D overrides: %w", err)
	}
	if err := v.BindPFlag("environment", flags.Lookup("environment")); err != nil {
		return nil, err
	}
	envKey := strings.NewReplacer(".", "_")
	for _, kv := range *dFlags {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed -D override %q, want name=value", kv)
		}
		// v.Set outranks every other viper layer, so an environment
		// variable for the same key is applied here to keep it on top.
		value := parts[1]
		if envVal, ok := os.LookupEnv("OJP_" + strings.ToUpper(envKey.Replace(parts[0]))); ok {
			value = envVal
		}
		v.Set(parts[0], value)
	}

	v.SetConfigType("properties")
	v.SetConfigName(fmt.Sprintf("ojp-%s", *environment))
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading properties file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	if onChange != nil {
		v.WatchConfig()
		v.OnConfigChange(func(fsnotify.Event) {
			reloadMu.Lock()
			defer reloadMu.Unlock()
			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now

			reloaded := Default()
			if err := v.Unmarshal(reloaded); err != nil {
				return
			}
			if err := validate(reloaded); err != nil {
				return
			}
			onChange(reloaded)
		})
	}

	return cfg, nil
}

var validatorInstance = validator.New()

func validate(cfg *Config) error {
	if err := validatorInstance.Struct(cfg); err != nil {
		return fmt.Errorf("config-invalid: %w", err)
	}
	return nil
}
