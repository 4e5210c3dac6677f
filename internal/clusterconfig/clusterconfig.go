// Package clusterconfig supplements the built-in cluster-name formula
// (ws-{cluster}.pusher.com, spec §6) with an overridable table, so a
// self-hosted or enterprise Channels-compatible deployment can be
// addressed by a short name instead of a hand-specified host/port/TLS
// triple. Grounded on the teacher's go-server-3 internal/config package's
// viper usage, rescoped from full server configuration to a single
// lookup table.
package clusterconfig

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"
)

// Endpoint is one cluster's resolved connection target.
type Endpoint struct {
	Host   string `mapstructure:"ws_host"`
	Port   int    `mapstructure:"ws_port"`
	UseTLS bool   `mapstructure:"use_tls"`
}

// Registry maps cluster name to Endpoint, loaded from an optional config
// file (YAML/JSON/TOML, whatever viper's format detection finds).
// Environment variables prefixed CHANNELS_CLUSTERS are consulted only for
// keys the file already defines; they cannot add a cluster on their own.
type Registry struct {
	clusters map[string]Endpoint
}

// Load reads a cluster registry from the given config file path (may be
// empty, in which case the registry is empty).
// A missing file is not an error: the registry simply starts empty and
// Resolve falls back to the built-in formula for every cluster name.
func Load(configPath string) (*Registry, error) {
	v := viper.New()
	v.SetEnvPrefix("CHANNELS_CLUSTERS")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("clusterconfig: reading %s: %w", configPath, err)
			}
		}
	}

	var raw map[string]Endpoint
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("clusterconfig: unmarshal: %w", err)
	}
	if raw == nil {
		raw = map[string]Endpoint{}
	}
	return &Registry{clusters: raw}, nil
}

// Resolve returns the configured Endpoint for name, or the built-in
// ws-{name}.pusher.com:443 (TLS) formula if name isn't in the registry.
func (r *Registry) Resolve(name string) Endpoint {
	if r != nil {
		if ep, ok := r.clusters[name]; ok {
			return ep
		}
	}
	return Endpoint{
		Host:   fmt.Sprintf("ws-%s.pusher.com", name),
		Port:   443,
		UseTLS: true,
	}
}

// Known reports whether name has an explicit override, as opposed to
// falling back to the built-in formula.
func (r *Registry) Known(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.clusters[name]
	return ok
}
