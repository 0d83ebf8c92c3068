// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package streampool

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of a Pool.
type Config struct {
	// ConnectionsMin is the number of sessions created eagerly by NewPool
	// and the target of Fill. It must not exceed ConnectionsMax.
	ConnectionsMin int

	// ConnectionsMax bounds idle plus borrowed sessions. Zero is allowed;
	// such a pool refuses every borrow with ErrPoolExhausted.
	ConnectionsMax int

	// CheckOnReturn runs Validator on every released session.
	// Abandoned result streams are detected whether or not it is set.
	CheckOnReturn bool

	// CheckOnBorrow runs Validator on an idle session before handing it out.
	CheckOnBorrow bool

	// BorrowTimeout bounds how long Pool.Conn waits for a session once the
	// pool is at ConnectionsMax. Zero waits until the caller's context is done.
	BorrowTimeout time.Duration

	// MaxLifetime and MaxIdleTime close sessions by age and by idle time.
	// Zero disables each limit.
	MaxLifetime time.Duration
	MaxIdleTime time.Duration

	// DrainOnClose lets Rows.Close cancel an unexhausted stream through
	// driver.Canceler, keeping the session reusable. When false, or when the
	// stream cannot cancel, closing an unexhausted stream poisons the session.
	DrainOnClose bool

	// Validator defaults to ProbeValidator.
	Validator Validator

	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
}

// Default pool sizing used when a DSN or file does not specify one.
const (
	DefaultConnectionsMin = 1
	DefaultConnectionsMax = 10
)

// DefaultConfig returns a Config with default sizing, validation on
// return disabled and an unbounded borrow wait.
func DefaultConfig() Config {
	return Config{
		ConnectionsMin: DefaultConnectionsMin,
		ConnectionsMax: DefaultConnectionsMax,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch {
	case c.ConnectionsMin < 0:
		return &ConfigError{Field: "connections_min", Value: c.ConnectionsMin, Reason: "must not be negative"}
	case c.ConnectionsMax < 0:
		return &ConfigError{Field: "connections_max", Value: c.ConnectionsMax, Reason: "must not be negative"}
	case c.ConnectionsMin > c.ConnectionsMax:
		return &ConfigError{
			Field:  "connections_min",
			Value:  c.ConnectionsMin,
			Reason: fmt.Sprintf("exceeds connections_max=%d", c.ConnectionsMax),
		}
	case c.BorrowTimeout < 0:
		return &ConfigError{Field: "borrow_timeout", Value: c.BorrowTimeout, Reason: "must not be negative"}
	case c.MaxLifetime < 0:
		return &ConfigError{Field: "max_lifetime", Value: c.MaxLifetime, Reason: "must not be negative"}
	case c.MaxIdleTime < 0:
		return &ConfigError{Field: "max_idle_time", Value: c.MaxIdleTime, Reason: "must not be negative"}
	}
	return nil
}

// fileConfig is the serialized form shared by config files and DSN
// parameters. Durations are strings accepted by time.ParseDuration.
type fileConfig struct {
	ConnectionsMin *int   `yaml:"connections_min" toml:"connections_min" mapstructure:"connections_min"`
	ConnectionsMax *int   `yaml:"connections_max" toml:"connections_max" mapstructure:"connections_max"`
	CheckOnReturn  *bool  `yaml:"check_on_return" toml:"check_on_return" mapstructure:"check_on_return"`
	CheckOnBorrow  *bool  `yaml:"check_on_borrow" toml:"check_on_borrow" mapstructure:"check_on_borrow"`
	BorrowTimeout  string `yaml:"borrow_timeout" toml:"borrow_timeout" mapstructure:"borrow_timeout"`
	MaxLifetime    string `yaml:"max_lifetime" toml:"max_lifetime" mapstructure:"max_lifetime"`
	MaxIdleTime    string `yaml:"max_idle_time" toml:"max_idle_time" mapstructure:"max_idle_time"`
	DrainOnClose   *bool  `yaml:"drain_on_close" toml:"drain_on_close" mapstructure:"drain_on_close"`
}

// dsnParams lists the query parameters consumed by ParseDSN.
var dsnParams = []string{
	"connections_min",
	"connections_max",
	"check_on_return",
	"check_on_borrow",
	"borrow_timeout",
	"max_lifetime",
	"max_idle_time",
	"drain_on_close",
}

// apply overlays the fields set in fc onto cfg.
func (fc *fileConfig) apply(cfg *Config) error {
	if fc.ConnectionsMin != nil {
		cfg.ConnectionsMin = *fc.ConnectionsMin
	}
	if fc.ConnectionsMax != nil {
		cfg.ConnectionsMax = *fc.ConnectionsMax
	}
	if fc.CheckOnReturn != nil {
		cfg.CheckOnReturn = *fc.CheckOnReturn
	}
	if fc.CheckOnBorrow != nil {
		cfg.CheckOnBorrow = *fc.CheckOnBorrow
	}
	if fc.DrainOnClose != nil {
		cfg.DrainOnClose = *fc.DrainOnClose
	}

	durations := []struct {
		name string
		s    string
		dst  *time.Duration
	}{
		{"borrow_timeout", fc.BorrowTimeout, &cfg.BorrowTimeout},
		{"max_lifetime", fc.MaxLifetime, &cfg.MaxLifetime},
		{"max_idle_time", fc.MaxIdleTime, &cfg.MaxIdleTime},
	}
	for _, d := range durations {
		if d.s == "" {
			continue
		}
		v, err := time.ParseDuration(d.s)
		if err != nil {
			return &ConfigError{Field: d.name, Value: d.s, Reason: err.Error()}
		}
		*d.dst = v
	}
	return nil
}

// LoadConfig reads pool settings from a YAML (.yaml, .yml) or TOML (.toml)
// file. Settings missing from the file keep their DefaultConfig values.
// The result is validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("streampool: reading config: %w", err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	default:
		return cfg, fmt.Errorf("streampool: unsupported config format %q", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("streampool: parsing %s: %w", path, err)
	}

	if err := fc.apply(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ParseDSN splits pool parameters out of a data source name.
//
// The pool parameters (connections_min, connections_max, check_on_return,
// check_on_borrow, borrow_timeout, max_lifetime, max_idle_time,
// drain_on_close) are removed from the query string; the rest of the DSN is
// returned unchanged for the driver. For example
//
//	localhost:9000/default?connections_min=2&connections_max=4&compress=1
//
// yields the address "localhost:9000/default?compress=1".
func ParseDSN(dsn string) (address string, cfg Config, err error) {
	cfg = DefaultConfig()

	i := strings.LastIndexByte(dsn, '?')
	if i < 0 {
		return dsn, cfg, nil
	}

	query, err := url.ParseQuery(dsn[i+1:])
	if err != nil {
		return "", cfg, fmt.Errorf("streampool: parsing dsn query: %w", err)
	}

	params := make(map[string]any)
	for _, name := range dsnParams {
		if _, ok := query[name]; ok {
			params[name] = query.Get(name)
			query.Del(name)
		}
	}

	var fc fileConfig
	if err := mapstructure.WeakDecode(params, &fc); err != nil {
		return "", cfg, &ConfigError{Field: "dsn", Value: dsn[i+1:], Reason: err.Error()}
	}
	if err := fc.apply(&cfg); err != nil {
		return "", cfg, err
	}

	address = dsn[:i]
	if rest := query.Encode(); rest != "" {
		address += "?" + rest
	}
	return address, cfg, cfg.Validate()
}
