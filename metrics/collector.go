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

// Package metrics exports the occupancy and growth counters of a shardset
// as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/cockroachdb/shardset"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is anything that can produce a stats snapshot, typically a
// *shardset.Set.
type StatsSource interface {
	Stats() shardset.Stats
}

var _ prometheus.Collector = (*Collector)(nil)

// Collector is a prometheus.Collector that snapshots a set on every scrape.
type Collector struct {
	src StatsSource

	len           *prometheus.Desc
	capacity      *prometheus.Desc
	tombstones    *prometheus.Desc
	shardLen      *prometheus.Desc
	shardCapacity *prometheus.Desc
	resizes       *prometheus.Desc
	rehashes      *prometheus.Desc
	allocFailures *prometheus.Desc
}

// NewCollector returns a collector for src whose metric names are prefixed
// with namespace.
func NewCollector(namespace string, src StatsSource) *Collector {
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "shardset", n)
	}
	shard := []string{"shard"}
	return &Collector{
		src:           src,
		len:           prometheus.NewDesc(name("len"), "number of elements", nil, nil),
		capacity:      prometheus.NewDesc(name("capacity"), "number of slots across all shards", nil, nil),
		tombstones:    prometheus.NewDesc(name("tombstones"), "number of deleted slots awaiting a rehash", nil, nil),
		shardLen:      prometheus.NewDesc(name("shard_len"), "number of elements per shard", shard, nil),
		shardCapacity: prometheus.NewDesc(name("shard_capacity"), "number of slots per shard", shard, nil),
		resizes:       prometheus.NewDesc(name("resizes_total"), "number of shard reallocations", nil, nil),
		rehashes:      prometheus.NewDesc(name("rehashes_total"), "number of in-place shard rehashes", nil, nil),
		allocFailures: prometheus.NewDesc(name("alloc_failures_total"), "number of failed shard growths", nil, nil),
	}
}

// Register creates a collector for src and registers it with r.
func Register(r prometheus.Registerer, namespace string, src StatsSource) (*Collector, error) {
	c := NewCollector(namespace, src)
	if err := r.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.len
	ch <- c.capacity
	ch <- c.tombstones
	ch <- c.shardLen
	ch <- c.shardCapacity
	ch <- c.resizes
	ch <- c.rehashes
	ch <- c.allocFailures
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()

	var tombstones int
	for i, sh := range st.Shards {
		label := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.shardLen, prometheus.GaugeValue, float64(sh.Len), label)
		ch <- prometheus.MustNewConstMetric(c.shardCapacity, prometheus.GaugeValue, float64(sh.Capacity), label)
		tombstones += sh.Tombstones
	}
	ch <- prometheus.MustNewConstMetric(c.len, prometheus.GaugeValue, float64(st.Len))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(c.tombstones, prometheus.GaugeValue, float64(tombstones))
	ch <- prometheus.MustNewConstMetric(c.resizes, prometheus.CounterValue, float64(st.Resizes))
	ch <- prometheus.MustNewConstMetric(c.rehashes, prometheus.CounterValue, float64(st.Rehashes))
	ch <- prometheus.MustNewConstMetric(c.allocFailures, prometheus.CounterValue, float64(st.AllocFailures))
}
