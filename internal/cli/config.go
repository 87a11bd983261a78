package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"scene-sync/engine/internal/sync"
	"scene-sync/engine/logging"
)

// ServeConfig is the on-disk configuration of the serve command.
type ServeConfig struct {
	// Listen is the websocket listen address.
	Listen string `yaml:"listen"`
	// MetricsListen enables the prometheus endpoint when non-empty.
	MetricsListen string `yaml:"metrics_listen"`
	// DemoObjects is how many orbiting demo objects the scene hosts.
	DemoObjects int `yaml:"demo_objects"`

	Sync    sync.Config   `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig selects the event sinks of the server.
type LoggingConfig struct {
	Sinks    []string `yaml:"sinks"`
	Severity string   `yaml:"severity"`
	// JSONPath routes the json sink into a file instead of stdout.
	JSONPath string `yaml:"json_path"`
}

func DefaultServeConfig() ServeConfig {
	return ServeConfig{
		Listen:        ":8080",
		MetricsListen: ":9090",
		DemoObjects:   4,
		Sync:          sync.DefaultConfig(),
		Logging: LoggingConfig{
			Sinks:    []string{"console"},
			Severity: "info",
		},
	}
}

// LoadServeConfig reads the yaml file over the defaults. An empty path
// returns the defaults untouched.
func LoadServeConfig(path string) (ServeConfig, error) {
	cfg := DefaultServeConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func parseSeverity(name string) (logging.Severity, error) {
	switch name {
	case "debug":
		return logging.SeverityDebug, nil
	case "", "info":
		return logging.SeverityInfo, nil
	case "warn":
		return logging.SeverityWarn, nil
	case "error":
		return logging.SeverityError, nil
	}
	return logging.SeverityInfo, fmt.Errorf("unknown severity %q", name)
}
