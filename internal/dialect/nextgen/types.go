// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package nextgen

import (
	"encoding/json"
	"strings"
)

type listResponse[T any] struct {
	Data     []T `json:"data"`
	Metadata struct {
		TotalAvailableResults int `json:"totalAvailableResults"`
	} `json:"metadata"`
}

type objectResponse[T any] struct {
	Data T `json:"data"`
}

// Named is the common header of v4 config entities.
type Named struct {
	ExtID string `json:"extId"`
	Name  string `json:"name"`
}

// Cluster is a clustermgmt cluster.
type Cluster struct {
	ExtID  string `json:"extId"`
	Name   string `json:"name"`
	Config struct {
		ClusterFunction []string `json:"clusterFunction"`
		BuildInfo       struct {
			Version string `json:"version"`
		} `json:"buildInfo"`
		RedundancyFactor *int   `json:"redundancyFactor"`
		OperationMode    string `json:"operationMode"`
		IsLTS            *bool  `json:"isLts"`
		IsAvailable      *bool  `json:"isAvailable"`
	} `json:"config"`
	Nodes struct {
		NumberOfNodes *int `json:"numberOfNodes"`
	} `json:"nodes"`
}

// IsPrismCentral reports whether the cluster hosts Prism Central rather than
// workloads.
func (c Cluster) IsPrismCentral() bool {
	for _, f := range c.Config.ClusterFunction {
		if f == "PRISM_CENTRAL" {
			return true
		}
	}
	return false
}

// Host is a clustermgmt host.
type Host struct {
	ExtID    string `json:"extId"`
	HostName string `json:"hostName"`
	Cluster  struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	} `json:"cluster"`
}

// StorageContainer is a clustermgmt storage container.
type StorageContainer struct {
	ExtID             string `json:"extId"`
	ContainerExtID    string `json:"containerExtId"`
	Name              string `json:"name"`
	ClusterExtID      string `json:"clusterExtId"`
	ClusterName       string `json:"clusterName"`
	IsEncrypted       *bool  `json:"isEncrypted"`
	ReplicationFactor int    `json:"replicationFactor"`
}

// Disk is a clustermgmt physical disk.
type Disk struct {
	ExtID        string `json:"extId"`
	SerialNumber string `json:"serialNumber"`
	ClusterExtID string `json:"clusterExtId"`
	NodeExtID    string `json:"nodeExtId"`
	StorageTier  string `json:"storageTier"`
}

// Subnet is a networking subnet.
type Subnet struct {
	ExtID                string `json:"extId"`
	Name                 string `json:"name"`
	SubnetType           string `json:"subnetType"`
	IsAdvancedNetworking *bool  `json:"isAdvancedNetworking"`
	IsExternal           *bool  `json:"isExternal"`
	ClusterReference     string `json:"clusterReference"`
}

// VolumeGroup is a volumes volume group.
type VolumeGroup struct {
	ExtID            string `json:"extId"`
	Name             string `json:"name"`
	ClusterReference string `json:"clusterReference"`
}

type reference struct {
	ExtID string `json:"extId"`
}

// typed carries the "$objectType" discriminator of polymorphic v4 fields.
type typed struct {
	ObjectType string `json:"$objectType"`
}

// Is reports whether the discriminator names the given type, e.g. "VmDisk".
func (t *typed) Is(name string) bool {
	return t != nil && strings.HasSuffix(t.ObjectType, "."+name)
}

// VM is an AHV virtual machine.
type VM struct {
	ExtID             string            `json:"extId"`
	Name              string            `json:"name"`
	PowerState        string            `json:"powerState"`
	NumSockets        int               `json:"numSockets"`
	NumCoresPerSocket int               `json:"numCoresPerSocket"`
	MemorySizeBytes   float64           `json:"memorySizeBytes"`
	Cluster           *reference        `json:"cluster"`
	Host              *reference        `json:"host"`
	BootConfig        *typed            `json:"bootConfig"`
	ProtectionType    string            `json:"protectionType"`
	Disks             []VMDisk          `json:"disks"`
	NICs              []json.RawMessage `json:"nics"`
	GPUs              []json.RawMessage `json:"gpus"`
	GuestTools        *GuestTools       `json:"guestTools"`
}

type VMDisk struct {
	DiskAddress struct {
		BusType string `json:"busType"`
	} `json:"diskAddress"`
	BackingInfo *typed `json:"backingInfo"`
}

type GuestTools struct {
	IsInstalled          *bool `json:"isInstalled"`
	IsEnabled            *bool `json:"isEnabled"`
	IsReachable          *bool `json:"isReachable"`
	IsVSSSnapshotCapable *bool `json:"isVssSnapshotCapable"`
}

// StatsDetail is the payload of every stats kind except vm. Values are
// time series; the first point is used.
type StatsDetail struct {
	Prefix string
	Label  string
	Entity string
	Stats  map[string]json.RawMessage
}

// VMStatsDetail is the payload of the vm kind. Each tuple maps a counter to
// a scalar.
type VMStatsDetail struct {
	Entity string
	Tuples []map[string]json.RawMessage
}

type vmStats struct {
	Stats []map[string]json.RawMessage `json:"stats"`
}

// Inventory is the payload of the inventory kind.
type Inventory struct {
	Clusters     []Cluster
	VMs          []VM
	Hosts        []Host
	Containers   []StorageContainer
	Disks        []Disk
	Subnets      []Subnet
	VolumeGroups []VolumeGroup
}

// CentralInventory is the payload of the prism_central kind. Totals holds
// the counters that only need a list size, keyed by metric suffix.
type CentralInventory struct {
	Inventory
	Totals map[string]int
}

func isTrue(b *bool) bool  { return b != nil && *b }
func isFalse(b *bool) bool { return b != nil && !*b }
