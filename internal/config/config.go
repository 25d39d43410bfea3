// Copyright 2024 The Cockroach Authors
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

// Package config holds the configuration of the shardset load generator.
package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shardset"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Lock policies accepted in Config.Locking.
const (
	LockingNone    = "none"
	LockingMutex   = "mutex"
	LockingRWMutex = "rwmutex"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. SHARDSET_WORKERS.
const EnvPrefix = "SHARDSET"

// Mix holds the relative weights of the operations a worker performs.
type Mix struct {
	Insert  float64 `mapstructure:"insert" yaml:"insert"`
	Find    float64 `mapstructure:"find" yaml:"find"`
	Erase   float64 `mapstructure:"erase" yaml:"erase"`
	Extract float64 `mapstructure:"extract" yaml:"extract"`
}

// Total returns the sum of the weights.
func (m Mix) Total() float64 {
	return m.Insert + m.Find + m.Erase + m.Extract
}

// Config describes one load generator run.
type Config struct {
	Shards          int    `mapstructure:"shards" yaml:"shards"`
	Locking         string `mapstructure:"locking" yaml:"locking"`
	InitialCapacity int    `mapstructure:"initial-capacity" yaml:"initial-capacity"`
	Workers         int    `mapstructure:"workers" yaml:"workers"`
	OpsPerWorker    int    `mapstructure:"ops-per-worker" yaml:"ops-per-worker"`
	KeySpace        uint64 `mapstructure:"key-space" yaml:"key-space"`
	Seed            uint64 `mapstructure:"seed" yaml:"seed"`
	Mix             Mix    `mapstructure:"mix" yaml:"mix"`
	MetricsAddr     string `mapstructure:"metrics-addr" yaml:"metrics-addr"`
	LogLevel        string `mapstructure:"log-level" yaml:"log-level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Shards:       16,
		Locking:      LockingRWMutex,
		Workers:      4,
		OpsPerWorker: 100_000,
		KeySpace:     1 << 16,
		Seed:         1,
		Mix: Mix{
			Insert:  0.4,
			Find:    0.4,
			Erase:   0.15,
			Extract: 0.05,
		},
		LogLevel: "info",
	}
}

// SetDefaults registers every key of Default with v, so that environment
// variables and config files can override any of them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("shards", d.Shards)
	v.SetDefault("locking", d.Locking)
	v.SetDefault("initial-capacity", d.InitialCapacity)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("ops-per-worker", d.OpsPerWorker)
	v.SetDefault("key-space", d.KeySpace)
	v.SetDefault("seed", d.Seed)
	v.SetDefault("mix.insert", d.Mix.Insert)
	v.SetDefault("mix.find", d.Mix.Find)
	v.SetDefault("mix.erase", d.Mix.Erase)
	v.SetDefault("mix.extract", d.Mix.Extract)
	v.SetDefault("metrics-addr", d.MetricsAddr)
	v.SetDefault("log-level", d.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	c := Default()
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errors.Wrap(err, "decoding config")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for values the load generator cannot
// run with.
func (c Config) Validate() error {
	switch c.Locking {
	case LockingNone, LockingMutex, LockingRWMutex:
	default:
		return errors.Newf("locking %q: must be one of %s, %s, %s",
			c.Locking, LockingNone, LockingMutex, LockingRWMutex)
	}
	switch {
	case c.Shards < 1 || c.Shards > shardset.MaxShardCount:
		return errors.Newf("shards %d: must be in [1, %d]", c.Shards, shardset.MaxShardCount)
	case c.InitialCapacity < 0:
		return errors.Newf("initial-capacity %d: must not be negative", c.InitialCapacity)
	case c.Workers < 1:
		return errors.Newf("workers %d: must be positive", c.Workers)
	case c.Locking == LockingNone && c.Workers > 1:
		// A NoLock set only supports one goroutine at a time.
		return errors.Newf("locking %q requires a single worker, got %d", c.Locking, c.Workers)
	case c.OpsPerWorker < 0:
		return errors.Newf("ops-per-worker %d: must not be negative", c.OpsPerWorker)
	case c.KeySpace == 0:
		return errors.New("key-space: must be positive")
	case c.Mix.Insert < 0 || c.Mix.Find < 0 || c.Mix.Erase < 0 || c.Mix.Extract < 0:
		return errors.Newf("mix %+v: weights must not be negative", c.Mix)
	case c.Mix.Total() == 0:
		return errors.New("mix: at least one weight must be positive")
	}
	return nil
}

// YAML renders the configuration in the format accepted by --config.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encoding config")
	}
	return out, nil
}
