// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"legacy", ModeLegacy},
		{"Redfish", ModeRedfish},
		{"v4", ModeNextGen},
		{" nextgen ", ModeNextGen},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := ParseMode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m)
		})
	}

	_, err := ParseMode("v3")
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "mode", cerr.Field)
}

func TestTogglesAreImmutable(t *testing.T) {
	src := map[Category]bool{CategoryCluster: true, CategoryIPMI: false}
	tg := NewToggles(src)
	src[CategoryIPMI] = true

	assert.True(t, tg.Enabled(CategoryCluster))
	assert.False(t, tg.Enabled(CategoryIPMI))

	list := tg.ListEnabledMetricCategories()
	assert.Len(t, list, len(AllCategories()))
	assert.True(t, list["cluster"])
	assert.False(t, list["ipmi"])

	list["ipmi"] = true
	assert.False(t, tg.Enabled(CategoryIPMI))
	assert.Equal(t, []Category{CategoryCluster}, tg.EnabledCategories())
}

func TestPlanSkipsDisabledKinds(t *testing.T) {
	p := Pair{Kinds: []KindSpec{
		{Kind: "cluster", Category: CategoryCluster},
		{Kind: "disk", Category: CategoryDisks},
		{Kind: "host", Category: CategoryHosts},
	}}
	plan := p.Plan(NewToggles(map[Category]bool{CategoryCluster: true, CategoryHosts: true}))
	require.Len(t, plan, 2)
	assert.Equal(t, EntityKind("cluster"), plan[0].Kind)
	assert.Equal(t, EntityKind("host"), plan[1].Kind)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "hypervisor_cpu_usage_ppm", SanitizeName("hypervisor.cpu_usage_ppm"))
	assert.Equal(t, "storage_tier_das_sata", SanitizeName("storage-tier.das-sata"))
	assert.Equal(t, "a_b", SanitizeName("a b"))
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"controllerAvgIoLatencyUsecs": "controller_avg_io_latency_usecs",
		"hypervisorCpuUsagePpm":       "hypervisor_cpu_usage_ppm",
		"extId":                       "ext_id",
		"$objectType":                 "$object_type",
		"storageUsageBytes":           "storage_usage_bytes",
		"IOPSTotal":                   "iops_total",
		"already_snake":               "already_snake",
	}
	for in, want := range tests {
		assert.Equal(t, want, SnakeCase(in), in)
	}
}

func TestSampleSet(t *testing.T) {
	var set SampleSet
	lbls := labels.FromStrings("cluster", "c1")

	assert.True(t, set.Add("nutanix_a", 1, lbls))
	assert.False(t, set.Add("nutanix_a", 2, lbls), "duplicate series")
	assert.True(t, set.Add("nutanix_a", 3, labels.FromStrings("cluster", "c2")))
	assert.False(t, set.Add("1bad", 1, lbls))
	assert.False(t, set.Add("nutanix_b", 1, labels.FromStrings("bad-label", "x")))

	set.AddOptional("nutanix_c", nil, lbls)
	v := 4.5
	set.AddOptional("nutanix_d", &v, lbls)

	assert.Equal(t, 3, set.Len())
	assert.Equal(t, 3, set.Dropped())

	ss := set.Samples()
	SortSamples(ss)
	assert.Equal(t, "nutanix_a", ss[0].Name)
	assert.Equal(t, 1.0, ss[0].Value)
	assert.Equal(t, "c2", ss[1].Labels.Get("cluster"))
	assert.Equal(t, "nutanix_d", ss[2].Name)
}

func TestErrorClassification(t *testing.T) {
	assert.Equal(t, ClassAuth, StatusClass(401))
	assert.Equal(t, ClassTransient, StatusClass(429))
	assert.Equal(t, ClassTransient, StatusClass(503))
	assert.Equal(t, ClassPermanent, StatusClass(404))
	assert.Equal(t, ClassPermanent, StatusClass(400))

	efe := &EntityFetchError{Target: "t", Kind: "vm", Entity: "a", Attempts: 3, Class: ClassTransient, Unreachable: true, Err: errors.New("refused")}
	wrapped := fmt.Errorf("collect: %w", efe)
	assert.True(t, IsUnreachable(wrapped))
	assert.Equal(t, ClassTransient, ClassOf(wrapped))
	assert.Equal(t, ClassAuth, ClassOf(&AuthError{Target: "t", Err: errors.New("x")}))
	assert.Equal(t, ClassPermanent, ClassOf(errors.New("plain")))
	assert.Contains(t, efe.Error(), "vm/a on t failed after 3 attempt(s)")
}

func TestCycleContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", CycleID(ctx))
	assert.Equal(t, "abc", CycleID(WithCycle(ctx, "abc")))
}
