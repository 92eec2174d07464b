// Package tpconfig loads the demo CLI's registry configuration from a
// YAML file: per-collection gcTime and autoIndex policy, and the
// sync adapter endpoint the demo connects to. Grounded on
// internal/labelmutex.ParseMutexGroups' viper-as-a-YAML-reader idiom
// (a throwaway viper.New() pointed at one file, read once, values
// pulled out by key) rather than viper's global singleton, since the
// demo has no other config source to layer underneath it.
package tpconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// CollectionSpec configures one demo collection's registry entry.
type CollectionSpec struct {
	GCTime    time.Duration `yaml:"gcTime"`
	AutoIndex string        `yaml:"autoIndex"`
}

// Config is the demo CLI's full configuration surface.
type Config struct {
	SyncEndpoint string                     `yaml:"syncEndpoint"`
	Collections  map[string]CollectionSpec `yaml:"collections"`
}

// Default returns the configuration the demo runs with when no file is
// given: a single "todos" collection, eager auto-index, five-minute GC.
func Default() *Config {
	return &Config{
		SyncEndpoint: "memory://demo",
		Collections: map[string]CollectionSpec{
			"todos": {GCTime: 5 * time.Minute, AutoIndex: "eager"},
		},
	}
}

// Load reads path as YAML and merges it over Default(); a missing path
// is not an error — the demo falls back to defaults so `tidepool demo`
// works with zero setup.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("tpconfig: read %s: %w", path, err)
	}

	if endpoint := v.GetString("syncEndpoint"); endpoint != "" {
		cfg.SyncEndpoint = endpoint
	}

	raw, ok := v.Get("collections").(map[string]any)
	if !ok {
		return cfg, nil
	}
	for id, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tpconfig: collections.%s: expected map, got %T", id, entry)
		}
		spec := cfg.Collection(id)
		if gc, ok := m["gcTime"].(string); ok {
			d, err := time.ParseDuration(gc)
			if err != nil {
				return nil, fmt.Errorf("tpconfig: collections.%s.gcTime: %w", id, err)
			}
			spec.GCTime = d
		}
		if ai, ok := m["autoIndex"].(string); ok {
			spec.AutoIndex = ai
		}
		cfg.Collections[id] = spec
	}
	return cfg, nil
}

// Collection returns the spec for id, or Default()'s fallback entry if
// id has no explicit entry in the loaded config.
func (c *Config) Collection(id string) CollectionSpec {
	if spec, ok := c.Collections[id]; ok {
		return spec
	}
	return CollectionSpec{GCTime: 5 * time.Minute, AutoIndex: "eager"}
}
