// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package legacy

import (
	"encoding/json"
	"strconv"
)

// Stats is a Prism counter map. v2.0 endpoints report values as strings,
// v1 endpoints as numbers; both decode here.
type Stats map[string]json.RawMessage

// Float returns the numeric value of key. It reports false for nulls and
// non-numeric values.
func (s Stats) Float(key string) (float64, bool) {
	return parseNumber(s[key])
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

type list[T any] struct {
	Entities []T `json:"entities"`
}

// Cluster is a v2.0 cluster entity.
type Cluster struct {
	UUID                       string          `json:"uuid"`
	Name                       string          `json:"name"`
	IsLTS                      *bool           `json:"is_lts"`
	NumNodes                   *int            `json:"num_nodes"`
	RackableUnits              []RackableUnit  `json:"rackable_units"`
	StorageType                string          `json:"storage_type"`
	Version                    string          `json:"version"`
	IsNSEnabled                *bool           `json:"is_nsenabled"`
	Encrypted                  *bool           `json:"encrypted"`
	Timezone                   string          `json:"timezone"`
	OperationMode              string          `json:"operation_mode"`
	EnableShadowClones         *bool           `json:"enable_shadow_clones"`
	RedundancyState            *RedundancyInfo `json:"cluster_redundancy_state"`
	EnableRebuildReservation   *bool           `json:"enable_rebuild_reservation"`
	FaultToleranceDomainType   string          `json:"fault_tolerance_domain_type"`
	DataInTransitEncryptionDTO *struct {
		Enabled *bool `json:"enabled"`
	} `json:"data_in_transit_encryption_dto"`
	Stats      Stats `json:"stats"`
	UsageStats Stats `json:"usage_stats"`
}

type RackableUnit struct {
	ModelName string `json:"model_name"`
}

type RedundancyInfo struct {
	DesiredRedundancyFactor *int `json:"desired_redundancy_factor"`
}

// Host is a v2.0 host entity.
type Host struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Serial      string `json:"serial"`
	IPMIAddress string `json:"ipmi_address"`
	Stats       Stats  `json:"stats"`
	UsageStats  Stats  `json:"usage_stats"`
}

// VM is a v2.0 vm entity with disk and nic configuration.
type VM struct {
	UUID            string   `json:"uuid"`
	Name            string   `json:"name"`
	PowerState      string   `json:"power_state"`
	HostUUID        string   `json:"host_uuid"`
	NumVCPUs        int      `json:"num_vcpus"`
	NumCoresPerVCPU int      `json:"num_cores_per_vcpu"`
	MemoryMB        float64  `json:"memory_mb"`
	Disks           []VMDisk `json:"vm_disk_info"`
	NICs            []VMNIC  `json:"vm_nics"`
}

type VMDisk struct {
	IsCDROM     bool `json:"is_cdrom"`
	DiskAddress struct {
		DeviceBus string `json:"device_bus"`
	} `json:"disk_address"`
}

type VMNIC struct {
	MACAddress string `json:"mac_address"`
}

// VMStats is a v1 vm entity.
type VMStats struct {
	UUID       string `json:"uuid"`
	VMName     string `json:"vmName"`
	Stats      Stats  `json:"stats"`
	UsageStats Stats  `json:"usageStats"`
}

// StorageContainer is a v2.0 storage container entity.
type StorageContainer struct {
	UUID       string `json:"storage_container_uuid"`
	Name       string `json:"name"`
	Stats      Stats  `json:"stats"`
	UsageStats Stats  `json:"usage_stats"`
}

// ClusterInventory is the detail payload of the cluster kind.
type ClusterInventory struct {
	Cluster      Cluster
	VMs          []VM
	Hosts        []Host
	VolumeGroups int
}

// HostDetail is the detail payload of the host kind.
type HostDetail struct {
	Host Host
}

// ContainerDetail is the detail payload of the storage_container kind.
type ContainerDetail struct {
	Container StorageContainer
}

// VMDetail is the detail payload of the vm kind.
type VMDetail struct {
	VM VMStats
}

// v3 Prism Central types.

type v3ListRequest struct {
	Kind   string `json:"kind"`
	Length int    `json:"length"`
	Offset int    `json:"offset"`
	Filter string `json:"filter,omitempty"`
}

type v3ListResponse[T any] struct {
	Metadata struct {
		TotalMatches int `json:"total_matches"`
	} `json:"metadata"`
	Entities []T `json:"entities"`
}

// CentralVM is a v3 vm entity.
type CentralVM struct {
	Metadata struct {
		UUID string `json:"uuid"`
	} `json:"metadata"`
	Status struct {
		Name      string            `json:"name"`
		Resources CentralVMResource `json:"resources"`
	} `json:"status"`
}

type CentralVMResource struct {
	PowerState            string           `json:"power_state"`
	NumSockets            int              `json:"num_sockets"`
	NumThreadsPerCore     int              `json:"num_threads_per_core"`
	MemorySizeMiB         float64          `json:"memory_size_mib"`
	DiskList              []CentralDisk    `json:"disk_list"`
	NICList               []map[string]any `json:"nic_list"`
	ProtectionType        string           `json:"protection_type"`
	ProtectionPolicyState *struct {
		ComplianceStatus string `json:"compliance_status"`
		PolicyInfo       *struct {
			ReplicationStatus string `json:"replication_status"`
		} `json:"policy_info"`
	} `json:"protection_policy_state"`
	GuestTools *struct {
		NutanixGuestTools *struct {
			NGTState    string `json:"ngt_state"`
			IsReachable bool   `json:"is_reachable"`
		} `json:"nutanix_guest_tools"`
	} `json:"guest_tools"`
}

type CentralDisk struct {
	DeviceProperties struct {
		DeviceType  string `json:"device_type"`
		DiskAddress struct {
			AdapterType string `json:"adapter_type"`
		} `json:"disk_address"`
	} `json:"device_properties"`
}

// CentralInventory is the detail payload of the prism_central kind.
type CentralInventory struct {
	VMs          []CentralVM
	VolumeGroups int
}

// NCMCounts is the detail payload of the ncm_ssp kind, keyed by metric
// suffix.
type NCMCounts map[string]int
