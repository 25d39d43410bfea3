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

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/shardset"
	"github.com/cockroachdb/shardset/internal/config"
	"github.com/cockroachdb/shardset/internal/loadgen"
	"github.com/cockroachdb/shardset/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const metricsNamespace = "bench"

// bindFlags declares the command line flags for the config keys and binds
// them to v. Flag defaults mirror config.Default.
func bindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	d := config.Default()
	fs.Int("shards", d.Shards, "number of shards, rounded up to a power of two")
	fs.String("locking", d.Locking, "lock policy: none, mutex or rwmutex")
	fs.Int("initial-capacity", d.InitialCapacity, "capacity reserved up front")
	fs.Int("workers", d.Workers, "number of concurrent workers")
	fs.Int("ops-per-worker", d.OpsPerWorker, "operations performed by each worker")
	fs.Uint64("key-space", d.KeySpace, "keys are drawn from [0, key-space)")
	fs.Uint64("seed", d.Seed, "random seed of the first worker")
	fs.String("metrics-addr", d.MetricsAddr, "serve prometheus metrics on this address")
	fs.String("log-level", d.LogLevel, "log level")

	config.SetDefaults(v)
	return v.BindPFlags(fs)
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, cfg, logger, cmd.OutOrStdout())
		},
	}
	return cmd
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "log-level %q", level)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, out io.Writer) error {
	reg := prometheus.NewRegistry()
	target, err := newTarget(cfg, logger, reg)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	res, err := loadgen.Run(ctx, cfg, target, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "ops=%d inserted=%d duplicates=%d hits=%d misses=%d erased=%d absent=%d moved=%d collisions=%d len=%d\n",
		res.Ops, res.Inserted, res.Duplicates, res.Hits, res.Misses,
		res.Erased, res.Absent, res.Moved, res.Collisions, res.Len)
	fmt.Fprintf(out, "elapsed=%s ops/sec=%.0f\n", res.Elapsed, res.OpsPerSec())
	return nil
}

func newTarget(cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (loadgen.Target, error) {
	switch cfg.Locking {
	case config.LockingNone:
		return newSetTarget[shardset.NoLock](cfg, logger, reg)
	case config.LockingMutex:
		return newSetTarget[shardset.Mutex](cfg, logger, reg)
	default:
		return newSetTarget[shardset.RWMutex](cfg, logger, reg)
	}
}

func newSetTarget[L shardset.Locker](
	cfg config.Config, logger *zap.Logger, reg prometheus.Registerer,
) (loadgen.Target, error) {
	s := shardset.New[uint64, L](cfg.InitialCapacity,
		shardset.WithShardCount[uint64](cfg.Shards),
		shardset.WithLogger[uint64](logger.Named("shardset")))
	if _, err := metrics.Register(reg, metricsNamespace, s); err != nil {
		return nil, err
	}
	return loadgen.NewTarget(s), nil
}
