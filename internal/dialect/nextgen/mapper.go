// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package nextgen

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/prometheus/model/labels"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
)

// excluded holds stat keys, after snake casing, that are metadata rather
// than counters.
var excluded = map[string]struct{}{
	"timestamp":           {},
	"_reserved":           {},
	"_object_type":        {},
	"_unknown_fields":     {},
	"ext_id":              {},
	"links":               {},
	"container_ext_id":    {},
	"tenant_id":           {},
	"stat_type":           {},
	"cluster":             {},
	"hypervisor_type":     {},
	"volume_group_ext_id": {},
	"volume_disk_ext_id":  {},
}

// StatKey converts a v4 stat field such as "controllerAvgIoLatencyUsecs"
// into its metric suffix. It reports false for excluded fields.
func StatKey(field string) (string, bool) {
	if strings.HasPrefix(field, "$") {
		field = "_" + field[1:]
	}
	key := engine.SnakeCase(field)
	if _, skip := excluded[key]; skip {
		return "", false
	}
	return engine.SanitizeName(key), true
}

// Mapper converts v4 payloads into samples.
type Mapper struct{}

// Map implements engine.Mapper.
func (Mapper) Map(p engine.Payload, t engine.Toggles) ([]engine.Sample, error) {
	var set engine.SampleSet
	switch b := p.Body.(type) {
	case StatsDetail:
		mapStats(&set, b)
	case VMStatsDetail:
		mapVMStats(&set, b)
	case Inventory:
		mapInventory(&set, b, t.Enabled(engine.CategoryHosts))
	case CentralInventory:
		mapCentral(&set, p.Ref.Name, b)
	default:
		return nil, &engine.MappingError{Kind: p.Ref.Kind, Entity: p.Ref.Name, Err: fmt.Errorf("unexpected payload %T", p.Body)}
	}
	return set.Samples(), nil
}

type point struct {
	Value *float64 `json:"value"`
}

func mapStats(set *engine.SampleSet, d StatsDetail) {
	lbls := labels.FromStrings(d.Label, d.Entity)
	for _, field := range sortedKeys(d.Stats) {
		key, ok := StatKey(field)
		if !ok {
			continue
		}
		// Nested objects such as load balancer listener stats do not decode
		// as a series and are skipped.
		var series []point
		if err := json.Unmarshal(d.Stats[field], &series); err != nil || len(series) == 0 || series[0].Value == nil {
			continue
		}
		set.Add(d.Prefix+key, *series[0].Value, lbls)
	}
}

func mapVMStats(set *engine.SampleSet, d VMStatsDetail) {
	last := make(map[string]float64)
	for _, tuple := range d.Tuples {
		for field, raw := range tuple {
			key, ok := StatKey(field)
			if !ok {
				continue
			}
			var v *float64
			if err := json.Unmarshal(raw, &v); err != nil || v == nil {
				continue
			}
			last[key] = *v
		}
	}
	lbls := labels.FromStrings("vm", d.Entity)
	for _, key := range sortedKeys(last) {
		set.Add(resources[KindVM].prefix+key, last[key], lbls)
	}
}

type vmCounts struct {
	vms, on, off                 float64
	bootLegacy, bootUEFI, gpus   float64
	unprotected, pd, rule        float64
	vcpu, vram                   float64
	vdisk, ide, sata, scsi, vnic float64
	ngtInstalled, ngtEnabled     float64
	ngtReachable, ngtVSS         float64
}

func countVMs(vms []VM) vmCounts {
	var c vmCounts
	for _, vm := range vms {
		c.vms++
		switch vm.PowerState {
		case "ON":
			c.on++
		case "OFF":
			c.off++
		}
		switch {
		case vm.BootConfig.Is("LegacyBoot"):
			c.bootLegacy++
		case vm.BootConfig.Is("UefiBoot"):
			c.bootUEFI++
		}
		if len(vm.GPUs) > 0 {
			c.gpus++
		}
		switch vm.ProtectionType {
		case "UNPROTECTED":
			c.unprotected++
		case "PD_PROTECTED":
			c.pd++
		case "RULE_PROTECTED":
			c.rule++
		}
		c.vcpu += float64(vm.NumSockets * vm.NumCoresPerSocket)
		c.vram += vm.MemorySizeBytes / (1 << 20)
		// vdisk counts are VMs with at least one VmDisk-backed disk, overall
		// and per bus type.
		var vdisk, ide, sata, scsi bool
		for _, d := range vm.Disks {
			if !d.BackingInfo.Is("VmDisk") {
				continue
			}
			vdisk = true
			switch d.DiskAddress.BusType {
			case "IDE":
				ide = true
			case "SATA":
				sata = true
			case "SCSI":
				scsi = true
			}
		}
		c.vdisk += b2f(vdisk)
		c.ide += b2f(ide)
		c.sata += b2f(sata)
		c.scsi += b2f(scsi)
		c.vnic += float64(len(vm.NICs))
		if gt := vm.GuestTools; gt != nil {
			c.ngtInstalled += b2f(isTrue(gt.IsInstalled))
			c.ngtEnabled += b2f(isTrue(gt.IsEnabled))
			c.ngtReachable += b2f(isTrue(gt.IsReachable))
			c.ngtVSS += b2f(isTrue(gt.IsVSSSnapshotCapable))
		}
	}
	return c
}

func addVMCounts(set *engine.SampleSet, lbls labels.Labels, c vmCounts) {
	for _, kv := range []struct {
		name string
		v    float64
	}{
		{"vm", c.vms},
		{"vm_on", c.on},
		{"vm_off", c.off},
		{"vm_boot_legacy", c.bootLegacy},
		{"vm_boot_uefi", c.bootUEFI},
		{"vm_gpus", c.gpus},
		{"vm_unprotected", c.unprotected},
		{"vm_pd_protected", c.pd},
		{"vm_rule_protected", c.rule},
		{"vcpu", c.vcpu},
		{"vram_mib", c.vram},
		{"vdisk", c.vdisk},
		{"vdisk_ide", c.ide},
		{"vdisk_sata", c.sata},
		{"vdisk_scsi", c.scsi},
		{"vnic", c.vnic},
		{"ngt_installed", c.ngtInstalled},
		{"ngt_enabled", c.ngtEnabled},
		{"ngt_reachable", c.ngtReachable},
		// Published name, misspelling included.
		{"ngt_vss_snapshot_capabale", c.ngtVSS},
	} {
		set.Add("nutanix_count_"+kv.name, kv.v, lbls)
	}
}

func addContainerCounts(set *engine.SampleSet, lbls labels.Labels, scs []StorageContainer) {
	set.Add("nutanix_count_storage_container", float64(len(scs)), lbls)
	set.Add("nutanix_count_storage_container_encrypted", count(scs, func(sc StorageContainer) bool { return isTrue(sc.IsEncrypted) }), lbls)
	for rf := 1; rf <= 3; rf++ {
		set.Add("nutanix_count_storage_container_rf"+strconv.Itoa(rf), count(scs, func(sc StorageContainer) bool { return sc.ReplicationFactor == rf }), lbls)
	}
}

func addDiskCounts(set *engine.SampleSet, lbls labels.Labels, disks []Disk) {
	set.Add("nutanix_count_disk", float64(len(disks)), lbls)
	for _, tier := range []string{"SSD_PCIE", "SSD_SATA", "DAS_SATA", "SSD_MEM_NVME"} {
		set.Add("nutanix_count_disk_"+strings.ToLower(tier), count(disks, func(d Disk) bool { return d.StorageTier == tier }), lbls)
	}
}

func mapInventory(set *engine.SampleSet, inv Inventory, perHost bool) {
	for _, cl := range inv.Clusters {
		if cl.IsPrismCentral() {
			continue
		}
		id := cl.ExtID
		lbls := labels.FromStrings("entity", cl.Name)
		set.Add("nutanix_count_vg", count(inv.VolumeGroups, func(vg VolumeGroup) bool { return vg.ClusterReference == id }), lbls)
		addVMCounts(set, lbls, countVMs(filter(inv.VMs, func(vm VM) bool { return vm.Cluster != nil && vm.Cluster.ExtID == id })))
		set.Add("nutanix_count_node", count(inv.Hosts, func(h Host) bool { return h.Cluster.UUID == id }), lbls)
		addContainerCounts(set, lbls, filter(inv.Containers, func(sc StorageContainer) bool { return sc.ClusterExtID == id }))
		addDiskCounts(set, lbls, filter(inv.Disks, func(d Disk) bool { return d.ClusterExtID == id }))
		set.Add("nutanix_count_subnet", count(inv.Subnets, func(s Subnet) bool { return s.ClusterReference == id }), lbls)
		set.Add("nutanix_cluster_info", 1, clusterInfoLabels(cl))
	}
	if !perHost {
		return
	}
	for _, h := range inv.Hosts {
		id := h.ExtID
		lbls := labels.FromStrings("entity", h.HostName)
		addVMCounts(set, lbls, countVMs(filter(inv.VMs, func(vm VM) bool {
			return vm.PowerState == "ON" && vm.Host != nil && vm.Host.ExtID == id
		})))
		addDiskCounts(set, lbls, filter(inv.Disks, func(d Disk) bool { return d.NodeExtID == id }))
	}
}

func mapCentral(set *engine.SampleSet, name string, inv CentralInventory) {
	lbls := labels.FromStrings("entity", name)
	addVMCounts(set, lbls, countVMs(inv.VMs))
	set.Add("nutanix_count_cluster", count(inv.Clusters, func(c Cluster) bool { return !c.IsPrismCentral() }), lbls)
	set.Add("nutanix_count_node", float64(len(inv.Hosts)), lbls)
	addContainerCounts(set, lbls, inv.Containers)

	vlan := func(s Subnet) bool { return s.SubnetType == "VLAN" }
	set.Add("nutanix_count_subnet", float64(len(inv.Subnets)), lbls)
	set.Add("nutanix_count_subnet_vlan", count(inv.Subnets, vlan), lbls)
	set.Add("nutanix_count_subnet_vlan_basic", count(inv.Subnets, func(s Subnet) bool { return vlan(s) && isFalse(s.IsAdvancedNetworking) }), lbls)
	set.Add("nutanix_count_subnet_vlan_advanced", count(inv.Subnets, func(s Subnet) bool { return vlan(s) && isTrue(s.IsAdvancedNetworking) }), lbls)
	set.Add("nutanix_count_subnet_overlay", count(inv.Subnets, func(s Subnet) bool { return s.SubnetType == "OVERLAY" }), lbls)
	set.Add("nutanix_count_subnet_external", count(inv.Subnets, func(s Subnet) bool { return isTrue(s.IsExternal) }), lbls)

	for _, k := range sortedKeys(inv.Totals) {
		set.Add("nutanix_count_"+k, float64(inv.Totals[k]), lbls)
	}
}

func clusterInfoLabels(cl Cluster) labels.Labels {
	return labels.FromMap(map[string]string{
		"entity":            cl.Name,
		"version":           cl.Config.BuildInfo.Version,
		"num_nodes":         intLabel(cl.Nodes.NumberOfNodes),
		"redundancy_factor": intLabel(cl.Config.RedundancyFactor),
		"operation_mode":    cl.Config.OperationMode,
		"is_lts":            boolLabel(cl.Config.IsLTS),
		"is_available":      boolLabel(cl.Config.IsAvailable),
		"cluster_function":  strings.Join(cl.Config.ClusterFunction, ","),
	})
}

func boolLabel(b *bool) string {
	switch {
	case b == nil:
		return "None"
	case *b:
		return "True"
	default:
		return "False"
	}
}

func intLabel(i *int) string {
	if i == nil {
		return "None"
	}
	return strconv.Itoa(*i)
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func count[T any](xs []T, keep func(T) bool) float64 {
	var n float64
	for _, x := range xs {
		if keep(x) {
			n++
		}
	}
	return n
}

func filter[T any](xs []T, keep func(T) bool) []T {
	var out []T
	for _, x := range xs {
		if keep(x) {
			out = append(out, x)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
