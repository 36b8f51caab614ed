package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes which plugins the manager composes into a session.
type ManagerConfig struct {
	PluginDir string                  `yaml:"pluginDir"`
	Defaults  URIPolicy               `yaml:"defaults"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin instance.
// Exactly one of Path (a Go plugin shared object) or Factory (a built-in
// registered with WithFactory) selects the implementation.
type PluginConfig struct {
	Enabled bool           `yaml:"enabled"`
	Path    string         `yaml:"path"`
	Factory string         `yaml:"factory"`
	Config  map[string]any `yaml:"config"`
	Policy  *URIPolicy     `yaml:"policy"`
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, nil
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for id, plugin := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if !plugin.Enabled {
			continue
		}
		switch {
		case plugin.Path == "" && plugin.Factory == "":
			return fmt.Errorf("plugin %s needs a path or a factory when enabled", id)
		case plugin.Path != "" && plugin.Factory != "":
			return fmt.Errorf("plugin %s sets both path and factory", id)
		}
	}
	return nil
}
