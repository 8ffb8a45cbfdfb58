// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the run dispatch daemon's runtime configuration:
// backend selection, listen addresses, TLS and the tick/heartbeat knobs.
// Values are sourced from environment variables with an optional YAML
// overlay; cmd/rundispatchd flags take precedence over both.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/rundispatch/internal/errs"
)

// Config is the run dispatch daemon's full runtime configuration.
type Config struct {
	// Backend selects the store implementation: "sqlite" or "memory".
	Backend string `yaml:"backend"`
	// SQLitePath is the database file path when Backend is "sqlite".
	SQLitePath string `yaml:"sqlitePath"`

	// ListenAddr is the Control API's bind address.
	ListenAddr string `yaml:"listenAddr"`
	// GatewayAddr is the Runner Gateway's bind address.
	GatewayAddr string `yaml:"gatewayAddr"`

	TLSCertFile string `yaml:"tlsCertFile"`
	TLSKeyFile  string `yaml:"tlsKeyFile"`

	// JWTSigningKey authenticates Control API bearer tokens.
	JWTSigningKey string `yaml:"jwtSigningKey"`

	TickInterval      time.Duration `yaml:"tickInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	LivenessCutoff    time.Duration `yaml:"livenessCutoff"`

	MetricsAddr string `yaml:"metricsAddr"`
}

// DefaultConfig returns a Config with sensible defaults for local/dev use.
func DefaultConfig() *Config {
	return &Config{
		Backend:           "sqlite",
		SQLitePath:        "rundispatch.db",
		ListenAddr:        ":8080",
		GatewayAddr:       ":8081",
		TickInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LivenessCutoff:    90 * time.Second,
		MetricsAddr:       ":9090",
	}
}

// FromEnv layers environment variables onto DefaultConfig.
//
//	RUNDISPATCH_BACKEND, RUNDISPATCH_SQLITE_PATH
//	RUNDISPATCH_LISTEN_ADDR, RUNDISPATCH_GATEWAY_ADDR
//	RUNDISPATCH_TLS_CERT, RUNDISPATCH_TLS_KEY
//	RUNDISPATCH_JWT_SIGNING_KEY
//	RUNDISPATCH_TICK_INTERVAL, RUNDISPATCH_HEARTBEAT_INTERVAL, RUNDISPATCH_LIVENESS_CUTOFF
//	RUNDISPATCH_METRICS_ADDR
func FromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("RUNDISPATCH_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("RUNDISPATCH_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("RUNDISPATCH_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RUNDISPATCH_GATEWAY_ADDR"); v != "" {
		cfg.GatewayAddr = v
	}
	if v := os.Getenv("RUNDISPATCH_TLS_CERT"); v != "" {
		cfg.TLSCertFile = v
	}
	if v := os.Getenv("RUNDISPATCH_TLS_KEY"); v != "" {
		cfg.TLSKeyFile = v
	}
	if v := os.Getenv("RUNDISPATCH_JWT_SIGNING_KEY"); v != "" {
		cfg.JWTSigningKey = v
	}
	if v := os.Getenv("RUNDISPATCH_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TickInterval = d
		}
	}
	if v := os.Getenv("RUNDISPATCH_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("RUNDISPATCH_LIVENESS_CUTOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LivenessCutoff = d
		}
	}
	if v := os.Getenv("RUNDISPATCH_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	return cfg
}

// LoadFile overlays a YAML config file's values onto cfg. Zero-value
// fields in the file are left untouched on cfg.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(err, "reading config file")
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return errs.Wrap(err, "parsing config file")
	}
	merge(cfg, &overlay)
	return nil
}

func merge(dst, src *Config) {
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.SQLitePath != "" {
		dst.SQLitePath = src.SQLitePath
	}
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.GatewayAddr != "" {
		dst.GatewayAddr = src.GatewayAddr
	}
	if src.TLSCertFile != "" {
		dst.TLSCertFile = src.TLSCertFile
	}
	if src.TLSKeyFile != "" {
		dst.TLSKeyFile = src.TLSKeyFile
	}
	if src.JWTSigningKey != "" {
		dst.JWTSigningKey = src.JWTSigningKey
	}
	if src.TickInterval != 0 {
		dst.TickInterval = src.TickInterval
	}
	if src.HeartbeatInterval != 0 {
		dst.HeartbeatInterval = src.HeartbeatInterval
	}
	if src.LivenessCutoff != 0 {
		dst.LivenessCutoff = src.LivenessCutoff
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr = src.MetricsAddr
	}
}
