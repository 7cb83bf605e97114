// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package legacy

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/prometheus/prometheus/model/labels"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/dialect/redfish"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
)

// Mapper converts legacy payloads into samples.
type Mapper struct{}

// Map implements engine.Mapper.
func (Mapper) Map(p engine.Payload, t engine.Toggles) ([]engine.Sample, error) {
	var set engine.SampleSet
	switch b := p.Body.(type) {
	case ClusterInventory:
		mapCluster(&set, b)
	case HostDetail:
		addStats(&set, "nutanix_host", "host", b.Host.Name, b.Host.Stats, b.Host.UsageStats)
	case ContainerDetail:
		addStats(&set, "nutanix_storage_container", "storage_container", b.Container.Name, b.Container.Stats, b.Container.UsageStats)
	case VMDetail:
		addStats(&set, "nutanix_vms", "vm", b.VM.VMName, b.VM.Stats, b.VM.UsageStats)
	case redfish.Reading:
		return redfish.MapReading("node", p.Ref.Name, b), nil
	case CentralInventory:
		mapCentral(&set, p.Ref.Name, b)
	case NCMCounts:
		lbls := labels.FromStrings("ncm_ssp", p.Ref.Name)
		for _, k := range sortedKeys(b) {
			set.Add("nutanix_ncm_count_"+k, float64(b[k]), lbls)
		}
	default:
		return nil, &engine.MappingError{Kind: p.Ref.Kind, Entity: p.Ref.Name, Err: fmt.Errorf("unexpected payload %T", p.Body)}
	}
	return set.Samples(), nil
}

// addStats emits <prefix>_stats_<key> and <prefix>_usage_stats_<key>.
func addStats(set *engine.SampleSet, prefix, label, name string, stats, usage Stats) {
	lbls := labels.FromStrings(label, name)
	for _, group := range []struct {
		infix string
		stats Stats
	}{{"_stats_", stats}, {"_usage_stats_", usage}} {
		for _, k := range sortedKeys(group.stats) {
			v, ok := group.stats.Float(k)
			if !ok {
				continue
			}
			set.Add(prefix+group.infix+engine.SanitizeName(k), v, lbls)
		}
	}
}

type vmCounts struct {
	vms, on, off, vcpu, vram, vdisk, ide, sata, scsi, vnic float64
}

func countVMs(vms []VM) vmCounts {
	var c vmCounts
	for _, vm := range vms {
		c.vms++
		switch vm.PowerState {
		case "on":
			c.on++
		case "off":
			c.off++
		}
		c.vcpu += float64(vm.NumVCPUs * vm.NumCoresPerVCPU)
		c.vram += vm.MemoryMB
		for _, d := range vm.Disks {
			if d.IsCDROM {
				continue
			}
			c.vdisk++
			switch d.DiskAddress.DeviceBus {
			case "ide":
				c.ide++
			case "sata":
				c.sata++
			case "scsi":
				c.scsi++
			}
		}
		c.vnic += float64(len(vm.NICs))
	}
	return c
}

func addVMCounts(set *engine.SampleSet, lbls labels.Labels, c vmCounts, withPower bool) {
	set.Add("nutanix_count_vm", c.vms, lbls)
	if withPower {
		set.Add("nutanix_count_vm_on", c.on, lbls)
		set.Add("nutanix_count_vm_off", c.off, lbls)
	}
	set.Add("nutanix_count_vcpu", c.vcpu, lbls)
	set.Add("nutanix_count_vram_mib", c.vram, lbls)
	set.Add("nutanix_count_vdisk", c.vdisk, lbls)
	set.Add("nutanix_count_vdisk_ide", c.ide, lbls)
	set.Add("nutanix_count_vdisk_sata", c.sata, lbls)
	set.Add("nutanix_count_vdisk_scsi", c.scsi, lbls)
	set.Add("nutanix_count_vnic", c.vnic, lbls)
}

func mapCluster(set *engine.SampleSet, inv ClusterInventory) {
	cl := inv.Cluster
	addStats(set, "nutanix_cluster", "cluster", cl.Name, cl.Stats, cl.UsageStats)

	entity := labels.FromStrings("entity", cl.Name)
	set.Add("nutanix_count_vg", float64(inv.VolumeGroups), entity)
	addVMCounts(set, entity, countVMs(inv.VMs), true)

	// Per host counts only consider powered on VMs.
	byHost := make(map[string][]VM)
	for _, vm := range inv.VMs {
		if vm.PowerState == "on" {
			byHost[vm.HostUUID] = append(byHost[vm.HostUUID], vm)
		}
	}
	for _, h := range inv.Hosts {
		addVMCounts(set, labels.FromStrings("entity", h.Name), countVMs(byHost[h.UUID]), false)
	}

	set.Add("nutanix_cluster_info", 1, clusterInfoLabels(cl))
}

func clusterInfoLabels(cl Cluster) labels.Labels {
	model := ""
	if len(cl.RackableUnits) > 0 {
		model = cl.RackableUnits[0].ModelName
	}
	var rf *int
	if cl.RedundancyState != nil {
		rf = cl.RedundancyState.DesiredRedundancyFactor
	}
	var transit *bool
	if cl.DataInTransitEncryptionDTO != nil {
		transit = cl.DataInTransitEncryptionDTO.Enabled
	}
	return labels.FromMap(map[string]string{
		"entity":                         cl.Name,
		"is_lts":                         boolLabel(cl.IsLTS),
		"num_nodes":                      intLabel(cl.NumNodes),
		"model_name":                     model,
		"storage_type":                   cl.StorageType,
		"version":                        cl.Version,
		"is_nsenabled":                   boolLabel(cl.IsNSEnabled),
		"encrypted":                      boolLabel(cl.Encrypted),
		"timezone":                       cl.Timezone,
		"operation_mode":                 cl.OperationMode,
		"enable_shadow_clones":           boolLabel(cl.EnableShadowClones),
		"desired_redundancy_factor":      intLabel(rf),
		"enable_rebuild_reservation":     boolLabel(cl.EnableRebuildReservation),
		"fault_tolerance_domain_type":    cl.FaultToleranceDomainType,
		"data_in_transit_encryption_dto": boolLabel(transit),
	})
}

func mapCentral(set *engine.SampleSet, name string, inv CentralInventory) {
	lbls := labels.FromStrings("prism_central", name)
	set.Add("nutanix_count_vg", float64(inv.VolumeGroups), lbls)

	var c vmCounts
	var protected, synced, compliant, ngtInstalled, ngtEnabled float64
	for _, vm := range inv.VMs {
		r := vm.Status.Resources
		c.vms++
		switch r.PowerState {
		case "ON":
			c.on++
		case "OFF":
			c.off++
		}
		c.vcpu += float64(r.NumSockets * r.NumThreadsPerCore)
		c.vram += r.MemorySizeMiB
		for _, d := range r.DiskList {
			if d.DeviceProperties.DeviceType != "DISK" {
				continue
			}
			c.vdisk++
			switch d.DeviceProperties.DiskAddress.AdapterType {
			case "IDE":
				c.ide++
			case "SATA":
				c.sata++
			case "SCSI":
				c.scsi++
			}
		}
		c.vnic += float64(len(r.NICList))

		if r.ProtectionType == "RULE_PROTECTED" {
			protected++
		}
		if ps := r.ProtectionPolicyState; ps != nil {
			if ps.ComplianceStatus == "COMPLIANT" {
				compliant++
			}
			if ps.PolicyInfo != nil && ps.PolicyInfo.ReplicationStatus == "SYNCED" {
				synced++
			}
		}
		if gt := r.GuestTools; gt != nil && gt.NutanixGuestTools != nil {
			if gt.NutanixGuestTools.NGTState == "INSTALLED" {
				ngtInstalled++
			}
			if gt.NutanixGuestTools.IsReachable {
				ngtEnabled++
			}
		}
	}
	addVMCounts(set, lbls, c, true)
	set.Add("nutanix_count_vm_protected", protected, lbls)
	set.Add("nutanix_count_vm_protected_synced", synced, lbls)
	set.Add("nutanix_count_vm_protected_compliant", compliant, lbls)
	set.Add("nutanix_count_ngt_installed", ngtInstalled, lbls)
	set.Add("nutanix_count_ngt_enabled", ngtEnabled, lbls)
}

// boolLabel renders booleans the way earlier releases published them.
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

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
