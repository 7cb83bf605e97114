// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import "sort"

// Category is a switchable group of metrics.
type Category string

const (
	CategoryCluster           Category = "cluster"
	CategoryHosts             Category = "hosts"
	CategoryStorageContainers Category = "storage_containers"
	CategoryDisks             Category = "disks"
	CategoryIPMI              Category = "ipmi"
	CategoryPrismCentral      Category = "prism_central"
	CategoryNetworking        Category = "networking"
	CategoryFiles             Category = "files"
	CategoryObjects           Category = "objects"
	CategoryVolumes           Category = "volumes"
	CategoryNCMSSP            Category = "ncm_ssp"
	CategoryVMs               Category = "vms"
)

// AllCategories returns every known category in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryCluster,
		CategoryHosts,
		CategoryStorageContainers,
		CategoryDisks,
		CategoryIPMI,
		CategoryPrismCentral,
		CategoryNetworking,
		CategoryFiles,
		CategoryObjects,
		CategoryVolumes,
		CategoryNCMSSP,
		CategoryVMs,
	}
}

// Toggles is the immutable feature toggle set. The zero value has every
// category disabled.
type Toggles struct {
	enabled map[Category]bool
}

// NewToggles copies m so later changes by the caller are not observed.
func NewToggles(m map[Category]bool) Toggles {
	enabled := make(map[Category]bool, len(m))
	for c, on := range m {
		if on {
			enabled[c] = true
		}
	}
	return Toggles{enabled: enabled}
}

// Enabled reports whether category c is collected.
func (t Toggles) Enabled(c Category) bool {
	return t.enabled[c]
}

// ListEnabledMetricCategories returns every known category with its state.
// The result is a fresh map owned by the caller.
func (t Toggles) ListEnabledMetricCategories() map[string]bool {
	out := make(map[string]bool, len(AllCategories()))
	for _, c := range AllCategories() {
		out[string(c)] = t.enabled[c]
	}
	return out
}

// EnabledCategories returns the enabled categories sorted by name.
func (t Toggles) EnabledCategories() []Category {
	var out []Category
	for c, on := range t.enabled {
		if on {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
