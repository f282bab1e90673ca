package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dataculpa/mongo-connector/pkg/errors"
)

// Example returns a populated configuration suitable as a starting
// template. Secrets are intentionally absent; the generated file carries
// placeholders pointing at the environment instead.
func Example() *Config {
	enabled := true
	return &Config{
		Controller: ControllerConfig{
			Host: "dataculpa-api",
			Port: 7777,
		},
		DBServer: DBServerConfig{
			Host:   "localhost",
			Port:   27017,
			DBName: "dataculpa",
			User:   "dataculpa",
		},
		Behavior: BehaviorConfig{
			NewCollections: "traverse",
		},
		Collections: []StreamConfig{
			{
				Name:             "example_collection",
				Enabled:          &enabled,
				WatermarkField:   DefaultWatermarkField,
				UseTimeBucketing: true,
			},
		},
		Cache: CacheConfig{
			Path: "mongo-connector-cache.db",
		},
		Timeouts: TimeoutConfig{
			Connect: 10 * time.Second,
			Query:   5 * time.Minute,
			Request: 30 * time.Second,
		},
	}
}

const exampleHeader = `# mongo-connector configuration
#
# The controller API secret comes from $DC_CONTROLLER_SECRET and the
# database password from $DB_PASSWORD (a .env file next to the binary is
# loaded automatically); neither belongs in this file.
`

// WriteExample writes the example configuration to path. It refuses to
// overwrite an existing file.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf(errors.ErrorTypeConfig,
			"%s exists already; rename it before generating a new example config", path)
	}

	body, err := yaml.Marshal(Example())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to render example config")
	}

	if err := os.WriteFile(path, append([]byte(exampleHeader), body...), 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write example config").
			WithDetail("path", path)
	}
	return nil
}
