// Package config loads and validates the connector's YAML configuration:
// the validator controller endpoint, the source database, per-collection
// stream entries, and the policy for newly discovered collections.
//
// Secrets never live in the file. The controller API secret and the
// database password are read from the environment (DC_CONTROLLER_SECRET,
// DB_PASSWORD), typically populated from a .env file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dataculpa/mongo-connector/pkg/errors"
)

// Config is the full configuration surface, read-only at run time.
type Config struct {
	Controller  ControllerConfig `mapstructure:"dataculpa_controller" yaml:"dataculpa_controller"`
	DBServer    DBServerConfig   `mapstructure:"db_server" yaml:"db_server"`
	Behavior    BehaviorConfig   `mapstructure:"behavior" yaml:"behavior"`
	Collections []StreamConfig   `mapstructure:"collections" yaml:"collections"`
	Cache       CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Timeouts    TimeoutConfig    `mapstructure:"timeouts" yaml:"timeouts"`
	Sink        SinkConfig       `mapstructure:"sink" yaml:"sink"`
}

// ControllerConfig locates the validator controller.
type ControllerConfig struct {
	Host   string `mapstructure:"host" yaml:"host"`
	Port   int    `mapstructure:"port" yaml:"port"`
	Secret string `mapstructure:"-" yaml:"-"`
}

// DBServerConfig locates the source MongoDB server.
type DBServerConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"-" yaml:"-"`
}

// BehaviorConfig holds global run policies.
type BehaviorConfig struct {
	// NewCollections decides whether newly discovered, unconfigured
	// collections are scanned ("traverse") or skipped ("ignore").
	NewCollections string `mapstructure:"new_collections" yaml:"new_collections"`
}

// StreamConfig is one per-collection entry.
type StreamConfig struct {
	Name             string `mapstructure:"name" yaml:"name"`
	Pipeline         string `mapstructure:"pipeline" yaml:"pipeline,omitempty"`
	Enabled          *bool  `mapstructure:"enabled" yaml:"enabled,omitempty"`
	WatermarkField   string `mapstructure:"watermark_field" yaml:"watermark_field,omitempty"`
	UseTimeBucketing bool   `mapstructure:"use_time_bucketing" yaml:"use_time_bucketing"`
}

// CacheConfig locates the embedded checkpoint database.
type CacheConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// TimeoutConfig bounds the external calls of a run.
type TimeoutConfig struct {
	Connect time.Duration `mapstructure:"connect" yaml:"connect"`
	Query   time.Duration `mapstructure:"query" yaml:"query"`
	Request time.Duration `mapstructure:"request" yaml:"request"`
}

// MarshalYAML renders durations as strings ("10s") so a generated config
// stays hand-editable and round-trips through viper's duration parsing.
func (t TimeoutConfig) MarshalYAML() (interface{}, error) {
	return map[string]string{
		"connect": t.Connect.String(),
		"query":   t.Query.String(),
		"request": t.Request.String(),
	}, nil
}

// SinkConfig tunes delivery to the validator.
type SinkConfig struct {
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// DefaultWatermarkField is the source's native ordering field, used when a
// stream entry does not name one.
const DefaultWatermarkField = "_id"

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MONGO_CONNECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_server.port", 27017)
	v.SetDefault("dataculpa_controller.port", 7777)
	v.SetDefault("behavior.new_collections", "traverse")
	v.SetDefault("cache.path", "mongo-connector-cache.db")
	v.SetDefault("timeouts.connect", 10*time.Second)
	v.SetDefault("timeouts.query", 5*time.Minute)
	v.SetDefault("timeouts.request", 30*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse config file").
			WithDetail("path", path)
	}

	cfg.Controller.Secret = os.Getenv("DC_CONTROLLER_SECRET")
	cfg.DBServer.Password = os.Getenv("DB_PASSWORD")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects a configuration that cannot support a run. It fails
// before any stream is touched.
func (c *Config) Validate() error {
	if c.Controller.Host == "" {
		return errors.New(errors.ErrorTypeConfig, "dataculpa_controller.host is required")
	}
	if c.Controller.Port <= 0 {
		return errors.New(errors.ErrorTypeConfig, "dataculpa_controller.port must be positive")
	}
	if c.DBServer.Host == "" {
		return errors.New(errors.ErrorTypeConfig, "db_server.host is required")
	}
	if c.DBServer.DBName == "" {
		return errors.New(errors.ErrorTypeConfig, "db_server.dbname is required")
	}
	switch c.Behavior.NewCollections {
	case "traverse", "ignore":
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"behavior.new_collections must be \"traverse\" or \"ignore\", got %q",
			c.Behavior.NewCollections)
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, sc := range c.Collections {
		if sc.Name == "" {
			return errors.New(errors.ErrorTypeConfig, "collections entries must have a name")
		}
		if seen[sc.Name] {
			return errors.Newf(errors.ErrorTypeConfig, "duplicate collection entry %q", sc.Name)
		}
		seen[sc.Name] = true
	}
	return nil
}

// RequireSecret enforces the controller credential, needed for any command
// that talks to the validator.
func (c *Config) RequireSecret() error {
	if c.Controller.Secret == "" {
		return errors.New(errors.ErrorTypeConfig,
			"controller API secret is not set; export DC_CONTROLLER_SECRET or add it to .env")
	}
	return nil
}

// StreamFor returns the configured entry for a collection, or nil when the
// collection is unconfigured.
func (c *Config) StreamFor(name string) *StreamConfig {
	for i := range c.Collections {
		if c.Collections[i].Name == name {
			return &c.Collections[i]
		}
	}
	return nil
}

// TraverseNewStreams reports the global policy for unconfigured
// collections.
func (c *Config) TraverseNewStreams() bool {
	return c.Behavior.NewCollections != "ignore"
}

// DatabaseID identifies the source database in pipeline names, stable
// across runs.
func (c *Config) DatabaseID() string {
	return fmt.Sprintf("db_type:mongo,host:%s:%d,name:%s",
		c.DBServer.Host, c.DBServer.Port, c.DBServer.DBName)
}

// PipelineFor names the destination pipeline for a stream: the configured
// name when set, otherwise a deterministic one derived from the database
// identity.
func (c *Config) PipelineFor(stream string) string {
	if sc := c.StreamFor(stream); sc != nil && sc.Pipeline != "" {
		return sc.Pipeline
	}
	return fmt.Sprintf("database-%s-%s", c.DatabaseID(), stream)
}

// IsEnabled treats an absent enabled flag as enabled; unconfigured streams
// are decided separately by the new-collections policy.
func (sc *StreamConfig) IsEnabled() bool {
	return sc.Enabled == nil || *sc.Enabled
}

// Field returns the stream's watermark field, defaulting to the source's
// native ordering field.
func (sc *StreamConfig) Field() string {
	if sc.WatermarkField == "" {
		return DefaultWatermarkField
	}
	return sc.WatermarkField
}

// Describe renders a one-line summary for the test-config listing.
func (sc *StreamConfig) Describe() string {
	var parts []string
	if sc.IsEnabled() {
		parts = append(parts, "enabled")
	} else {
		parts = append(parts, "disabled")
	}
	parts = append(parts, "field="+sc.Field())
	if sc.UseTimeBucketing {
		parts = append(parts, "time-bucketed")
	}
	return strings.Join(parts, ", ")
}
