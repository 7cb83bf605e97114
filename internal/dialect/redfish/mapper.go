// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package redfish

import (
	"fmt"
	"regexp"

	"github.com/prometheus/prometheus/model/labels"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
)

// Metric names. The non-CPU thermal series keep their historical spelling.
const (
	MetricPowerConsumed  = "nutanix_power_consumption_power_consumed_watts"
	MetricPowerMin       = "nutanix_power_consumption_min_consumed_watts"
	MetricPowerMax       = "nutanix_power_consumption_max_consumed_watts"
	MetricPowerAverage   = "nutanix_power_consumption_average_consumed_watts"
	MetricCPUTemp        = "nutanix_thermal_cpu_temp_celsius"
	MetricPCHTemp        = "nutanix_thermal_pch_temp_celcius"
	MetricSystemTemp     = "nutanix_thermal_system_temp_celcius"
	MetricPeripheralTemp = "nutanix_thermal_peripheral_temp_celcius"
	MetricInletTemp      = "nutanix_thermal_inlet_temp_celcius"
)

var cpuTemp = regexp.MustCompile(`^CPU\d+ Temp`)

var namedSensors = map[string]string{
	"PCH Temp":        MetricPCHTemp,
	"System Temp":     MetricSystemTemp,
	"Peripheral Temp": MetricPeripheralTemp,
	"Inlet Temp":      MetricInletTemp,
}

// Mapper converts Reading payloads. LabelName is the identity label, "ipmi"
// for standalone targets and "node" when readings come from cluster hosts.
type Mapper struct {
	LabelName string
}

// Map implements engine.Mapper.
func (m Mapper) Map(p engine.Payload, _ engine.Toggles) ([]engine.Sample, error) {
	r, ok := p.Body.(Reading)
	if !ok {
		return nil, &engine.MappingError{Kind: p.Ref.Kind, Entity: p.Ref.Name, Err: fmt.Errorf("unexpected payload %T", p.Body)}
	}
	label := m.LabelName
	if label == "" {
		label = "ipmi"
	}
	return MapReading(label, p.Ref.Name, r), nil
}

// MapReading produces the power and thermal samples of one interface.
// Missing readings produce no sample; CPU sensors are averaged.
func MapReading(labelName, labelValue string, r Reading) []engine.Sample {
	var set engine.SampleSet
	lbls := labels.FromStrings(labelName, labelValue)

	if len(r.Power.PowerControl) > 0 {
		pc := r.Power.PowerControl[0]
		set.AddOptional(MetricPowerConsumed, pc.PowerConsumedWatts, lbls)
		if pm := pc.PowerMetrics; pm != nil {
			set.AddOptional(MetricPowerMin, pm.MinConsumedWatts, lbls)
			set.AddOptional(MetricPowerMax, pm.MaxConsumedWatts, lbls)
			set.AddOptional(MetricPowerAverage, pm.AverageConsumedWatts, lbls)
		}
	}

	var cpuSum float64
	var cpuN int
	for _, t := range r.Thermal.Temperatures {
		if t.ReadingCelsius == nil {
			continue
		}
		if cpuTemp.MatchString(t.Name) {
			cpuSum += *t.ReadingCelsius
			cpuN++
			continue
		}
		if name, ok := namedSensors[t.Name]; ok {
			set.Add(name, *t.ReadingCelsius, lbls)
		}
	}
	if cpuN > 0 {
		set.Add(MetricCPUTemp, cpuSum/float64(cpuN), lbls)
	}
	return set.Samples()
}
