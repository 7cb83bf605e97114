// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/prometheus/model/labels"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
)

// Collector exposes the committed snapshot as gauges. It is an unchecked
// collector since the metric set changes from cycle to cycle.
type Collector struct {
	reg *Registry
}

// NewCollector returns a prometheus.Collector backed by reg.
func NewCollector(reg *Registry) *Collector {
	return &Collector{reg: reg}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.reg.ReadSnapshot() {
		ch <- constMetric(s)
	}
}

func constMetric(s engine.Sample) prometheus.Metric {
	names := make([]string, 0, s.Labels.Len())
	values := make([]string, 0, s.Labels.Len())
	s.Labels.Range(func(l labels.Label) {
		names = append(names, l.Name)
		values = append(values, l.Value)
	})
	// Help must be identical for every series of a family.
	desc := prometheus.NewDesc(s.Name, s.Name, names, nil)
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, s.Value, values...)
	if err != nil {
		return prometheus.NewInvalidMetric(desc, err)
	}
	return m
}

// Families groups samples into sorted metric families.
func Families(samples []engine.Sample) ([]*dto.MetricFamily, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(&sliceCollector{samples: samples}); err != nil {
		return nil, fmt.Errorf("register dump collector: %w", err)
	}
	families, err := reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	return families, nil
}

// WriteText writes samples in the Prometheus text exposition format.
func WriteText(w io.Writer, samples []engine.Sample) error {
	families, err := Families(samples)
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

type sliceCollector struct {
	samples []engine.Sample
}

func (sliceCollector) Describe(chan<- *prometheus.Desc) {}

func (c *sliceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.samples {
		ch <- constMetric(s)
	}
}
