// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
)

// Sample is one metric point produced by a mapper.
type Sample struct {
	Name   string
	Value  float64
	Labels labels.Labels
}

// Key identifies the series a sample belongs to.
func (s Sample) Key() string {
	return s.Name + s.Labels.String()
}

func (s Sample) String() string {
	return fmt.Sprintf("%s %g", s.Key(), s.Value)
}

// SortSamples orders samples by name, then by label set.
func SortSamples(ss []Sample) {
	sort.SliceStable(ss, func(i, j int) bool {
		if ss[i].Name != ss[j].Name {
			return ss[i].Name < ss[j].Name
		}
		return labels.Compare(ss[i].Labels, ss[j].Labels) < 0
	})
}

// SanitizeName turns an upstream counter name into a metric name segment.
// Dots, dashes and any other character outside [a-zA-Z0-9_:] become
// underscores.
func SanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '_' || r == ':':
			b.WriteRune(r)
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SnakeCase converts camelCase keys such as "controllerAvgIoLatencyUsecs"
// into "controller_avg_io_latency_usecs".
func SnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SampleSet accumulates the samples of one entity, dropping invalid names
// and repeated series.
type SampleSet struct {
	seen    map[string]struct{}
	samples []Sample
	dropped int
}

// Add appends a sample with the given label pairs. It returns false when the
// sample was dropped.
func (s *SampleSet) Add(name string, value float64, lbls labels.Labels) bool {
	if !model.IsValidMetricName(model.LabelValue(name)) {
		s.dropped++
		return false
	}
	valid := true
	lbls.Range(func(l labels.Label) {
		if !model.LabelName(l.Name).IsValid() {
			valid = false
		}
	})
	if !valid {
		s.dropped++
		return false
	}
	sm := Sample{Name: name, Value: value, Labels: lbls}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	k := sm.Key()
	if _, dup := s.seen[k]; dup {
		s.dropped++
		return false
	}
	s.seen[k] = struct{}{}
	s.samples = append(s.samples, sm)
	return true
}

// AddOptional adds a sample only when v is non-nil.
func (s *SampleSet) AddOptional(name string, v *float64, lbls labels.Labels) {
	if v == nil {
		return
	}
	s.Add(name, *v, lbls)
}

// Samples returns the accumulated samples.
func (s *SampleSet) Samples() []Sample {
	return s.samples
}

// Dropped is the number of rejected samples.
func (s *SampleSet) Dropped() int {
	return s.dropped
}

// Len is the number of accepted samples.
func (s *SampleSet) Len() int {
	return len(s.samples)
}
