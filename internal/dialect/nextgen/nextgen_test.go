// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package nextgen

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine/enginetest"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/retry"
)

var fixedNow = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

type v4Fake struct {
	t     *testing.T
	lists map[string][]json.RawMessage
	stats map[string]string

	mu      sync.Mutex
	pages   map[string]int
	queries map[string]url.Values
	// maxLimit caps $limit like a server with a smaller page size.
	maxLimit int
}

func (f *v4Fake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "pw" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, apiRoot)
	q := r.URL.Query()

	f.mu.Lock()
	f.queries[path] = q
	f.mu.Unlock()

	if strings.Contains(path, "/stats/") {
		name, ok := f.stats[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(enginetest.Fixture(f.t, name))
		return
	}

	page, _ := strconv.Atoi(q.Get("$page"))
	limit, _ := strconv.Atoi(q.Get("$limit"))
	if limit <= 0 {
		limit = 50
	}
	f.mu.Lock()
	f.pages[path]++
	if f.maxLimit > 0 && limit > f.maxLimit {
		limit = f.maxLimit
	}
	f.mu.Unlock()

	items := f.lists[path]
	lo, hi := page*limit, (page+1)*limit
	if lo > len(items) {
		lo = len(items)
	}
	if hi > len(items) {
		hi = len(items)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":     items[lo:hi],
		"metadata": map[string]any{"totalAvailableResults": len(items)},
	})
}

func (f *v4Fake) query(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[path]
}

func (f *v4Fake) pageCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pages[path]
}

func newFake(t *testing.T, opts Options) (*Client, *v4Fake) {
	t.Helper()
	fake := &v4Fake{
		t:     t,
		stats: map[string]string{
			"clustermgmt/v4.0/stats/clusters/c-1":               "cluster_stats.json",
			"clustermgmt/v4.0/stats/clusters/c-1/hosts/h-1":     "cluster_stats.json",
			"files/v4.0/stats/file-servers/fs-1":                "cluster_stats.json",
			"objects/v4.0/stats/object-stores/os-1":             "cluster_stats.json",
			"vmm/v4.0/ahv/stats/vms/vm-1":                       "vm_stats.json",
			"networking/v4.0/stats/load-balancer-sessions/lb-1": "lb_stats.json",
		},
		pages:   make(map[string]int),
		queries: make(map[string]url.Values),
	}
	require.NoError(t, json.Unmarshal(enginetest.Fixture(t, "lists.json"), &fake.lists))

	srv := httptest.NewTLSServer(fake)
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "https://"))
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	opts.Prism = host
	opts.Port = p
	opts.Username = "admin"
	opts.Password = "pw"
	opts.Executor = retry.New(retry.Config{MaxAttempts: 2, Delay: time.Millisecond, AttemptTimeout: 2 * time.Second})
	opts.Now = func() time.Time { return fixedNow }
	opts.Lookup = func(context.Context, string) ([]string, error) { return []string{"pc01.example.com."}, nil }
	c, err := NewClient(opts)
	require.NoError(t, err)
	return c, fake
}

func mapRef(t *testing.T, c *Client, ref engine.EntityRef, toggles engine.Toggles) []engine.Sample {
	t.Helper()
	p, err := c.FetchEntityDetail(context.Background(), ref)
	require.NoError(t, err, ref.Key())
	samples, err := Mapper{}.Map(p, toggles)
	require.NoError(t, err)
	return samples
}

func TestListAllPaginates(t *testing.T) {
	c, fake := newFake(t, Options{PageLimit: 2, VMList: []string{VMListAll}})

	refs, err := c.FetchEntityList(context.Background(), KindVM)
	require.NoError(t, err)
	var names []string
	for _, r := range refs {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"web-1", "db-1", "old-1", "pc-vm", "app-1"}, names)
	assert.Equal(t, 3, fake.pageCount("vmm/v4.0/ahv/config/vms"))
}

func TestListAllFollowsServerPageSize(t *testing.T) {
	c, fake := newFake(t, Options{PageLimit: 100, VMList: []string{VMListAll}})
	fake.maxLimit = 2

	refs, err := c.FetchEntityList(context.Background(), KindVM)
	require.NoError(t, err)
	assert.Len(t, refs, 5)
	assert.Equal(t, 3, fake.pageCount("vmm/v4.0/ahv/config/vms"))
	assert.Equal(t, "2", fake.query("vmm/v4.0/ahv/config/vms").Get("$limit"))
}

func TestClusterListSkipsPrismCentral(t *testing.T) {
	c, _ := newFake(t, Options{})
	refs, err := c.FetchEntityList(context.Background(), KindCluster)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "PHX-POC01", refs[0].Name)
	assert.Equal(t, "c-1", refs[0].ID)
}

func TestClusterStats(t *testing.T) {
	c, fake := newFake(t, Options{})
	samples := mapRef(t, c, engine.EntityRef{Kind: KindCluster, ID: "c-1", Name: "PHX-POC01", Target: c.opts.Prism}, engine.Toggles{})

	want := map[string]float64{
		`nutanix_clustermgmt_cluster_stats_controller_avg_io_latency_usecs{cluster="PHX-POC01"}`: 812,
		`nutanix_clustermgmt_cluster_stats_hypervisor_cpu_usage_ppm{cluster="PHX-POC01"}`:        123456,
	}
	if diff := cmp.Diff(want, enginetest.Series(samples)); diff != "" {
		t.Errorf("cluster stats mismatch (-want +got):\n%s", diff)
	}

	q := fake.query("clustermgmt/v4.0/stats/clusters/c-1")
	assert.Equal(t, "2026-10-15T09:57:30Z", q.Get("$startTime"))
	assert.Equal(t, "2026-10-15T10:00:00Z", q.Get("$endTime"))
	assert.Equal(t, "30", q.Get("$samplingInterval"))
	assert.Equal(t, "LAST", q.Get("$statType"))
	assert.Equal(t, "*", q.Get("$select"))
}

func TestHostStatsUseClusterPath(t *testing.T) {
	c, _ := newFake(t, Options{})
	refs, err := c.FetchEntityList(context.Background(), KindHost)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "c-1", refs[0].Parent)

	got := enginetest.Series(mapRef(t, c, refs[0], engine.Toggles{}))
	assert.Equal(t, 812.0, got[`nutanix_clustermgmt_host_stats_controller_avg_io_latency_usecs{host="phx-node-1"}`])

	_, err = c.FetchEntityDetail(context.Background(), refs[1])
	require.Error(t, err)
	assert.Equal(t, engine.ClassPermanent, engine.ClassOf(err))
}

func TestStorageContainerNames(t *testing.T) {
	c, _ := newFake(t, Options{})
	refs, err := c.FetchEntityList(context.Background(), KindStorageContainer)
	require.NoError(t, err)
	var got []string
	for _, r := range refs {
		got = append(got, r.ID+"="+r.Name)
	}
	assert.Equal(t, []string{"sc-1=PHX_POC01_default", "sc-2=PHX_POC01_self_service", "sc-3=PC_pc_store"}, got)
}

func TestFilesAndObjectsQueries(t *testing.T) {
	c, fake := newFake(t, Options{})
	got := enginetest.Series(mapRef(t, c, engine.EntityRef{Kind: KindFileServer, ID: "fs-1", Name: "files01", Target: c.opts.Prism}, engine.Toggles{}))
	assert.Equal(t, 812.0, got[`nutanix_files_file_server_stats_controller_avg_io_latency_usecs{file_server="files01"}`])

	q := fake.query("files/v4.0/stats/file-servers/fs-1")
	assert.Equal(t, "300", q.Get("$samplingInterval"))
	assert.Equal(t, "2026-10-15T09:50:00Z", q.Get("$startTime"))
	assert.Empty(t, q.Get("$statType"))

	mapRef(t, c, engine.EntityRef{Kind: KindObjectStore, ID: "os-1", Name: "objects01", Target: c.opts.Prism}, engine.Toggles{})
	q = fake.query("objects/v4.0/stats/object-stores/os-1")
	assert.Equal(t, "LAST", q.Get("$statType"))
	assert.Empty(t, q.Get("$select"))
}

func TestLoadBalancerNestedStatsSkipped(t *testing.T) {
	c, _ := newFake(t, Options{})
	got := enginetest.Series(mapRef(t, c, engine.EntityRef{Kind: KindLoadBalancerSession, ID: "lb-1", Name: "lb-a", Target: c.opts.Prism}, engine.Toggles{}))
	want := map[string]float64{
		`nutanix_networking_load_balancer_session_stats_bytes_in{load_balancer_session="lb-a"}`: 2048,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("load balancer stats mismatch (-want +got):\n%s", diff)
	}
}

func TestVMStatsTuples(t *testing.T) {
	c, _ := newFake(t, Options{VMList: []string{"web-1", "missing"}})
	refs, err := c.FetchEntityList(context.Background(), KindVM)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	got := enginetest.Series(mapRef(t, c, refs[0], engine.Toggles{}))
	want := map[string]float64{
		`nutanix_vmm_ahv_stats_vm_hypervisor_cpu_usage_ppm{vm="web-1"}`: 200,
		`nutanix_vmm_ahv_stats_vm_controller_num_iops{vm="web-1"}`:      5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("vm stats mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyVMListListsNothing(t *testing.T) {
	c, fake := newFake(t, Options{})
	refs, err := c.FetchEntityList(context.Background(), KindVM)
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Zero(t, fake.pageCount("vmm/v4.0/ahv/config/vms"))
}

func TestInventoryCounts(t *testing.T) {
	c, _ := newFake(t, Options{})
	refs, err := c.FetchEntityList(context.Background(), KindInventory)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	hosts := engine.NewToggles(map[engine.Category]bool{engine.CategoryHosts: true})
	got := enginetest.Series(mapRef(t, c, refs[0], hosts))

	const cl = `{entity="PHX-POC01"}`
	for name, v := range map[string]float64{
		"vg": 2, "vm": 4, "vm_on": 3, "vm_off": 1, "vm_boot_legacy": 2, "vm_boot_uefi": 2,
		"vm_gpus": 1, "vm_unprotected": 2, "vm_pd_protected": 1, "vm_rule_protected": 1,
		"vcpu": 11, "vram_mib": 15360, "vdisk": 3, "vdisk_ide": 1, "vdisk_sata": 1, "vdisk_scsi": 2,
		"vnic": 4, "ngt_installed": 1, "ngt_enabled": 1, "ngt_reachable": 1, "ngt_vss_snapshot_capabale": 0,
		"node": 2, "storage_container": 2, "storage_container_encrypted": 1,
		"storage_container_rf1": 1, "storage_container_rf2": 1, "storage_container_rf3": 0,
		"disk": 3, "disk_ssd_pcie": 1, "disk_ssd_sata": 1, "disk_das_sata": 1, "disk_ssd_mem_nvme": 0,
		"subnet": 2,
	} {
		assert.Equal(t, v, got["nutanix_count_"+name+cl], name)
	}

	const h1 = `{entity="phx-node-1"}`
	assert.Equal(t, 2.0, got["nutanix_count_vm"+h1])
	assert.Equal(t, 6.0, got["nutanix_count_vcpu"+h1])
	assert.Equal(t, 6144.0, got["nutanix_count_vram_mib"+h1])
	// web-1 and app-1 carry four VmDisks between them.
	assert.Equal(t, 2.0, got["nutanix_count_vdisk"+h1])
	assert.Equal(t, 2.0, got["nutanix_count_vdisk_scsi"+h1])
	assert.Equal(t, 2.0, got["nutanix_count_disk"+h1])
	const h2 = `{entity="phx-node-2"}`
	assert.Equal(t, 1.0, got["nutanix_count_vdisk_ide"+h2])
	assert.Equal(t, 1.0, got["nutanix_count_disk_das_sata"+h2])

	for k := range got {
		assert.NotContains(t, k, `entity="PC"`, "prism central cluster is skipped")
	}

	names := enginetest.Names(mapRef(t, c, refs[0], engine.Toggles{}))
	assert.Equal(t, 1, names["nutanix_count_vm"], "host counts need the hosts toggle")
	assert.Equal(t, 1, names["nutanix_cluster_info"])
}

func TestClusterInfoLabels(t *testing.T) {
	c, _ := newFake(t, Options{})
	samples := mapRef(t, c, engine.EntityRef{Kind: KindInventory, ID: c.opts.Prism, Name: c.opts.Prism, Target: c.opts.Prism}, engine.Toggles{})
	var info *engine.Sample
	for i := range samples {
		if samples[i].Name == "nutanix_cluster_info" {
			info = &samples[i]
		}
	}
	require.NotNil(t, info)
	assert.Equal(t, 1.0, info.Value)
	assert.Equal(t, "6.8", info.Labels.Get("version"))
	assert.Equal(t, "2", info.Labels.Get("num_nodes"))
	assert.Equal(t, "True", info.Labels.Get("is_lts"))
	assert.Equal(t, "AOS", info.Labels.Get("cluster_function"))
}

func TestCentralCounts(t *testing.T) {
	toggles := engine.NewToggles(map[engine.Category]bool{
		engine.CategoryPrismCentral: true,
		engine.CategoryNetworking:   true,
		engine.CategoryVolumes:      true,
	})
	c, fake := newFake(t, Options{Toggles: toggles})
	refs, err := c.FetchEntityList(context.Background(), KindPrismCentral)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "pc01.example.com", refs[0].Name)

	got := enginetest.Series(mapRef(t, c, refs[0], toggles))
	const pc = `{entity="pc01.example.com"}`
	for name, v := range map[string]float64{
		"vm": 5, "vm_on": 4, "vm_off": 1, "vcpu": 15, "vram_mib": 31744,
		"cluster": 1, "node": 2,
		"storage_container": 3, "storage_container_rf3": 1,
		"subnet": 3, "subnet_vlan": 2, "subnet_vlan_basic": 1, "subnet_vlan_advanced": 1,
		"subnet_overlay": 1, "subnet_external": 1,
		"vg": 3, "vpc": 2, "layer2_stretch": 1, "load_balancer_session": 1, "bgp_session": 0,
	} {
		v2, ok := got["nutanix_count_"+name+pc]
		assert.True(t, ok, name)
		assert.Equal(t, v, v2, name)
	}
	_, ok := got["nutanix_count_files_server"+pc]
	assert.False(t, ok, "files toggle is off")
	assert.Equal(t, 1, fake.pageCount("networking/v4.0/config/vpcs"))
	assert.Equal(t, "1", fake.query("networking/v4.0/config/vpcs").Get("$limit"))
}

func TestMapperRejectsForeignPayload(t *testing.T) {
	_, err := Mapper{}.Map(engine.Payload{Ref: engine.EntityRef{Kind: KindCluster}, Body: 1}, engine.Toggles{})
	var me *engine.MappingError
	require.ErrorAs(t, err, &me)
}

func TestStatKey(t *testing.T) {
	for in, want := range map[string]string{
		"controllerAvgIoLatencyUsecs": "controller_avg_io_latency_usecs",
		"hypervisorCpuUsagePpm":       "hypervisor_cpu_usage_ppm",
		"storage.capacityBytes":       "storage_capacity_bytes",
	} {
		got, ok := StatKey(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"$objectType", "$reserved", "$unknownFields", "extId", "tenantId", "volumeGroupExtId", "hypervisorType", "timestamp"} {
		_, ok := StatKey(in)
		assert.False(t, ok, in)
	}
}
