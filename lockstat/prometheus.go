// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package lockstat

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	contentionDesc = prometheus.NewDesc("kernsync_lock_contention_total",
		"Acquisitions that entered the must-wait branch.", []string{"family"}, nil)
	collisionDesc = prometheus.NewDesc("kernsync_lock_collision_total",
		"Lock word CAS attempts that lost a race and were retried.", []string{"family"}, nil)
	wakeupDesc = prometheus.NewDesc("kernsync_lock_wakeup_total",
		"Threads woken by lock releases.", []string{"family"}, nil)
	lockCollsDesc = prometheus.NewDesc("kernsync_lock_sleeps_total",
		"Acquisitions that went to sleep.", []string{"family"}, nil)
)

// Collector is a prometheus.Collector over one or more Counters.
type Collector struct {
	cs []*Counters
}

// NewCollector returns a Collector for cs. With no arguments it collects
// Mutex and Serializer.
func NewCollector(cs ...*Counters) *Collector {
	if len(cs) == 0 {
		cs = []*Counters{Mutex, Serializer}
	}
	return &Collector{cs: cs}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- contentionDesc
	ch <- collisionDesc
	ch <- wakeupDesc
	ch <- lockCollsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, cs := range c.cs {
		s := cs.Snapshot()
		ch <- prometheus.MustNewConstMetric(contentionDesc, prometheus.CounterValue, float64(s.Contention), cs.family)
		ch <- prometheus.MustNewConstMetric(collisionDesc, prometheus.CounterValue, float64(s.Collision), cs.family)
		ch <- prometheus.MustNewConstMetric(wakeupDesc, prometheus.CounterValue, float64(s.Wakeup), cs.family)
		ch <- prometheus.MustNewConstMetric(lockCollsDesc, prometheus.CounterValue, float64(s.LockColls), cs.family)
	}
}

// WritePrometheus writes the counters of cs to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer, cs ...*Counters) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewCollector(cs...)); err != nil {
		return err
	}
	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("could not gather lock metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("could not encode metric %v: %w", mf.GetName(), err)
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		if err := closer.Close(); err != nil {
			return err
		}
	}
	return nil
}
