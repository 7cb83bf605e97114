// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package nextgen speaks the Prism Central v4 REST APIs (clustermgmt, vmm,
// networking, files, objects and volumes namespaces).
package nextgen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/httpapi"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/retry"
)

const (
	KindPrismCentral        engine.EntityKind = "prism_central"
	KindCluster             engine.EntityKind = "cluster"
	KindInventory           engine.EntityKind = "inventory"
	KindHost                engine.EntityKind = "host"
	KindStorageContainer    engine.EntityKind = "storage_container"
	KindDisk                engine.EntityKind = "disk"
	KindLayer2Stretch       engine.EntityKind = "layer2_stretch"
	KindLoadBalancerSession engine.EntityKind = "load_balancer_session"
	KindTrafficMirror       engine.EntityKind = "traffic_mirror"
	KindVPNConnection       engine.EntityKind = "vpn_connection"
	KindVM                  engine.EntityKind = "vm"
	KindFileServer          engine.EntityKind = "file_server"
	KindObjectStore         engine.EntityKind = "objectstore"
	KindVolumeGroup         engine.EntityKind = "volume_group"
)

const (
	apiRoot = "/api/"

	defaultPageLimit = 100
	defaultWorkers   = 10

	// VMListAll collects every VM instead of a named subset.
	VMListAll = "all"
)

// Kinds lists the entity kinds collected in v4 mode.
func Kinds() []engine.KindSpec {
	return []engine.KindSpec{
		{Kind: KindPrismCentral, Category: engine.CategoryPrismCentral},
		{Kind: KindCluster, Category: engine.CategoryCluster},
		{Kind: KindInventory, Category: engine.CategoryCluster},
		{Kind: KindHost, Category: engine.CategoryHosts},
		{Kind: KindStorageContainer, Category: engine.CategoryStorageContainers},
		{Kind: KindDisk, Category: engine.CategoryDisks},
		{Kind: KindLayer2Stretch, Category: engine.CategoryNetworking},
		{Kind: KindLoadBalancerSession, Category: engine.CategoryNetworking},
		{Kind: KindTrafficMirror, Category: engine.CategoryNetworking},
		{Kind: KindVPNConnection, Category: engine.CategoryNetworking},
		{Kind: KindVM, Category: engine.CategoryVMs},
		{Kind: KindFileServer, Category: engine.CategoryFiles},
		{Kind: KindObjectStore, Category: engine.CategoryObjects},
		{Kind: KindVolumeGroup, Category: engine.CategoryVolumes},
	}
}

type resource struct {
	list   string
	stats  string
	prefix string
	label  string

	files    bool
	noSelect bool
}

var resources = map[engine.EntityKind]resource{
	KindCluster: {
		list:   "clustermgmt/v4.0/config/clusters",
		stats:  "clustermgmt/v4.0/stats/clusters/%s",
		prefix: "nutanix_clustermgmt_cluster_stats_",
		label:  "cluster",
	},
	KindHost: {
		list:   "clustermgmt/v4.0/config/hosts",
		stats:  "clustermgmt/v4.0/stats/clusters/%s/hosts/%s",
		prefix: "nutanix_clustermgmt_host_stats_",
		label:  "host",
	},
	KindStorageContainer: {
		list:   "clustermgmt/v4.0/config/storage-containers",
		stats:  "clustermgmt/v4.0/stats/storage-containers/%s",
		prefix: "nutanix_clustermgmt_storage_container_stats_",
		label:  "storage_container",
	},
	KindDisk: {
		list:   "clustermgmt/v4.0/config/disks",
		stats:  "clustermgmt/v4.0/stats/disks/%s",
		prefix: "nutanix_clustermgmt_disk_stats_",
		label:  "disk",
	},
	KindLayer2Stretch: {
		list:   "networking/v4.0/config/layer2-stretches",
		stats:  "networking/v4.0/stats/layer2-stretches/%s",
		prefix: "nutanix_networking_layer2_stretch_stats_",
		label:  "layer2_stretch",
	},
	KindLoadBalancerSession: {
		list:   "networking/v4.0/config/load-balancer-sessions",
		stats:  "networking/v4.0/stats/load-balancer-sessions/%s",
		prefix: "nutanix_networking_load_balancer_session_stats_",
		label:  "load_balancer_session",
	},
	KindTrafficMirror: {
		list:   "networking/v4.0/config/traffic-mirrors",
		stats:  "networking/v4.0/stats/traffic-mirrors/%s",
		prefix: "nutanix_networking_traffic_mirror_stats_",
		label:  "traffic_mirror",
	},
	KindVPNConnection: {
		list:   "networking/v4.0/config/vpn-connections",
		stats:  "networking/v4.0/stats/vpn-connections/%s",
		prefix: "nutanix_networking_vpn_connection_stats_",
		label:  "vpn_connection",
	},
	KindVM: {
		list:   "vmm/v4.0/ahv/config/vms",
		stats:  "vmm/v4.0/ahv/stats/vms/%s",
		prefix: "nutanix_vmm_ahv_stats_vm_",
		label:  "vm",
	},
	KindFileServer: {
		list:   "files/v4.0/config/file-servers",
		stats:  "files/v4.0/stats/file-servers/%s",
		prefix: "nutanix_files_file_server_stats_",
		label:  "file_server",
		files:  true,
	},
	KindObjectStore: {
		list:     "objects/v4.0/config/object-stores",
		stats:    "objects/v4.0/stats/object-stores/%s",
		prefix:   "nutanix_objects_objectstore_stats_",
		label:    "objectstore",
		noSelect: true,
	},
	KindVolumeGroup: {
		list:   "volumes/v4.0/config/volume-groups",
		stats:  "volumes/v4.0/stats/volume-groups/%s",
		prefix: "nutanix_volumes_volume_group_stats_",
		label:  "volume_group",
	},
}

// list endpoints that only contribute a count to the prism_central kind
var centralTotals = []struct {
	metric   string
	path     string
	category engine.Category
}{
	{"vg", "volumes/v4.0/config/volume-groups", engine.CategoryVolumes},
	{"vpc", "networking/v4.0/config/vpcs", engine.CategoryNetworking},
	{"bgp_session", "networking/v4.0/config/bgp-sessions", engine.CategoryNetworking},
	{"gateway", "networking/v4.0/config/gateways", engine.CategoryNetworking},
	{"layer2_stretch", "networking/v4.0/config/layer2-stretches", engine.CategoryNetworking},
	{"load_balancer_session", "networking/v4.0/config/load-balancer-sessions", engine.CategoryNetworking},
	{"traffic_mirror", "networking/v4.0/config/traffic-mirrors", engine.CategoryNetworking},
	{"network_controller", "networking/v4.0/config/network-controllers", engine.CategoryNetworking},
	{"routing_policy", "networking/v4.0/config/routing-policies", engine.CategoryNetworking},
	{"uplink_bond", "networking/v4.0/config/uplink-bonds", engine.CategoryNetworking},
	{"virtual_switch", "networking/v4.0/config/virtual-switches", engine.CategoryNetworking},
	{"vpn_connection", "networking/v4.0/config/vpn-connections", engine.CategoryNetworking},
	{"files_server", "files/v4.0/config/file-servers", engine.CategoryFiles},
	{"files_unified_namespace", "files/v4.0/config/unified-namespaces", engine.CategoryFiles},
	{"objects_object_stores", "objects/v4.0/config/object-stores", engine.CategoryObjects},
}

// Options configures a Client.
type Options struct {
	Prism     string
	Port      int
	Username  string
	Password  string
	VerifyTLS bool
	CAFile    string

	// VMList names the VMs whose stats are collected; VMListAll selects
	// every VM.
	VMList []string
	// Toggles decides which optional lists feed the prism_central counts.
	Toggles engine.Toggles

	PageLimit         int
	Workers           int
	RequestsPerSecond float64
	Executor          *retry.Executor
	Observer          httpapi.Observer
	Logger            *slog.Logger
	Transport         http.RoundTripper
	Lookup            httpapi.LookupAddr
	Now               func() time.Time
}

// Client talks to one Prism Central through the v4 APIs.
type Client struct {
	opts   Options
	base   string
	caller *httpapi.Caller
	log    *slog.Logger
}

// NewClient builds a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.Port == 0 {
		opts.Port = 9440
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = defaultPageLimit
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	caller, err := httpapi.New(httpapi.Options{
		Dialect:           "v4",
		VerifyTLS:         opts.VerifyTLS,
		CAFile:            opts.CAFile,
		RequestsPerSecond: opts.RequestsPerSecond,
		Executor:          opts.Executor,
		Observer:          opts.Observer,
		Logger:            opts.Logger,
		Transport:         opts.Transport,
	}, httpapi.BasicAuth(httpapi.StaticCredentials(httpapi.Credentials{
		Username: opts.Username,
		Password: opts.Password,
	})))
	if err != nil {
		return nil, fmt.Errorf("v4 client: %w", err)
	}
	return &Client{
		opts:   opts,
		base:   fmt.Sprintf("https://%s:%d%s", opts.Prism, opts.Port, apiRoot),
		caller: caller,
		log:    opts.Logger.With("component", "v4"),
	}, nil
}

// Authenticate returns the credential used for target.
func (c *Client) Authenticate(ctx context.Context, target string) (engine.Token, error) {
	return c.caller.Sessions().Get(ctx, target)
}

// FetchEntityList lists the entities of kind.
func (c *Client) FetchEntityList(ctx context.Context, kind engine.EntityKind) ([]engine.EntityRef, error) {
	switch kind {
	case KindPrismCentral:
		name := httpapi.DisplayName(ctx, c.opts.Prism, c.opts.Lookup)
		return []engine.EntityRef{c.ref(kind, c.opts.Prism, name)}, nil

	case KindInventory:
		return []engine.EntityRef{c.ref(kind, c.opts.Prism, c.opts.Prism)}, nil

	case KindCluster:
		clusters, err := listAll[Cluster](ctx, c, kind, resources[kind].list)
		if err != nil {
			return nil, err
		}
		refs := make([]engine.EntityRef, 0, len(clusters))
		for _, cl := range clusters {
			if cl.IsPrismCentral() {
				continue
			}
			refs = append(refs, c.ref(kind, cl.ExtID, cl.Name))
		}
		return refs, nil

	case KindHost:
		hosts, err := listAll[Host](ctx, c, kind, resources[kind].list)
		if err != nil {
			return nil, err
		}
		refs := make([]engine.EntityRef, 0, len(hosts))
		for _, h := range hosts {
			r := c.ref(kind, h.ExtID, h.HostName)
			r.Parent = h.Cluster.UUID
			refs = append(refs, r)
		}
		return refs, nil

	case KindStorageContainer:
		containers, err := listAll[StorageContainer](ctx, c, kind, resources[kind].list)
		if err != nil {
			return nil, err
		}
		refs := make([]engine.EntityRef, 0, len(containers))
		for _, sc := range containers {
			id := sc.ContainerExtID
			if id == "" {
				id = sc.ExtID
			}
			// Container names repeat across clusters.
			refs = append(refs, c.ref(kind, id, engine.SanitizeName(sc.ClusterName+"_"+sc.Name)))
		}
		return refs, nil

	case KindDisk:
		disks, err := listAll[Disk](ctx, c, kind, resources[kind].list)
		if err != nil {
			return nil, err
		}
		refs := make([]engine.EntityRef, 0, len(disks))
		for _, d := range disks {
			refs = append(refs, c.ref(kind, d.ExtID, d.SerialNumber))
		}
		return refs, nil

	case KindVM:
		return c.vmRefs(ctx)

	case KindLayer2Stretch, KindLoadBalancerSession, KindTrafficMirror, KindVPNConnection,
		KindFileServer, KindObjectStore, KindVolumeGroup:
		items, err := listAll[Named](ctx, c, kind, resources[kind].list)
		if err != nil {
			return nil, err
		}
		refs := make([]engine.EntityRef, 0, len(items))
		for _, it := range items {
			refs = append(refs, c.ref(kind, it.ExtID, it.Name))
		}
		return refs, nil
	}
	return nil, fmt.Errorf("v4: unsupported entity kind %q", kind)
}

func (c *Client) ref(kind engine.EntityKind, id, name string) engine.EntityRef {
	return engine.EntityRef{Kind: kind, ID: id, Name: name, Target: c.opts.Prism}
}

func (c *Client) vmRefs(ctx context.Context) ([]engine.EntityRef, error) {
	if len(c.opts.VMList) == 0 {
		return nil, nil
	}
	vms, err := listAll[VM](ctx, c, KindVM, resources[KindVM].list)
	if err != nil {
		return nil, err
	}
	all := len(c.opts.VMList) == 1 && strings.EqualFold(c.opts.VMList[0], VMListAll)
	byName := make(map[string]VM, len(vms))
	for _, vm := range vms {
		byName[vm.Name] = vm
	}

	var refs []engine.EntityRef
	if all {
		for _, vm := range vms {
			refs = append(refs, c.ref(KindVM, vm.ExtID, vm.Name))
		}
		return refs, nil
	}
	for _, name := range c.opts.VMList {
		vm, ok := byName[name]
		if !ok {
			c.log.Warn("vm not found", "vm", name)
			continue
		}
		refs = append(refs, c.ref(KindVM, vm.ExtID, vm.Name))
	}
	return refs, nil
}

// FetchEntityDetail fetches the payload of ref.
func (c *Client) FetchEntityDetail(ctx context.Context, ref engine.EntityRef) (engine.Payload, error) {
	op := retry.Op{Kind: ref.Kind, Entity: ref.Name}
	var body any
	var err error
	switch ref.Kind {
	case KindInventory:
		body, err = c.inventory(ctx, op)
	case KindPrismCentral:
		body, err = c.central(ctx, op)
	case KindVM:
		var resp objectResponse[vmStats]
		err = c.getStats(ctx, resources[KindVM], op, &resp, ref.ID)
		body = VMStatsDetail{Entity: ref.Name, Tuples: resp.Data.Stats}
	default:
		res, ok := resources[ref.Kind]
		if !ok {
			return engine.Payload{}, fmt.Errorf("v4: unsupported entity kind %q", ref.Kind)
		}
		args := []any{ref.ID}
		if ref.Kind == KindHost {
			args = []any{ref.Parent, ref.ID}
		}
		var resp objectResponse[map[string]json.RawMessage]
		err = c.getStats(ctx, res, op, &resp, args...)
		body = StatsDetail{Prefix: res.prefix, Label: res.label, Entity: ref.Name, Stats: resp.Data}
	}
	if err != nil {
		return engine.Payload{}, err
	}
	return engine.Payload{Ref: ref, Body: body}, nil
}

func (c *Client) inventory(ctx context.Context, op retry.Op) (Inventory, error) {
	var inv Inventory
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		inv.Clusters, err = listAll[Cluster](gctx, c, op.Kind, resources[KindCluster].list)
		return err
	})
	g.Go(func() (err error) {
		inv.VMs, err = listAll[VM](gctx, c, op.Kind, resources[KindVM].list)
		return err
	})
	g.Go(func() (err error) {
		inv.Hosts, err = listAll[Host](gctx, c, op.Kind, resources[KindHost].list)
		return err
	})
	g.Go(func() (err error) {
		inv.Containers, err = listAll[StorageContainer](gctx, c, op.Kind, resources[KindStorageContainer].list)
		return err
	})
	g.Go(func() (err error) {
		inv.Disks, err = listAll[Disk](gctx, c, op.Kind, resources[KindDisk].list)
		return err
	})
	g.Go(func() (err error) {
		inv.Subnets, err = listAll[Subnet](gctx, c, op.Kind, "networking/v4.0/config/subnets")
		return err
	})
	g.Go(func() (err error) {
		inv.VolumeGroups, err = listAll[VolumeGroup](gctx, c, op.Kind, resources[KindVolumeGroup].list)
		return err
	})
	if err := g.Wait(); err != nil {
		return Inventory{}, err
	}
	return inv, nil
}

func (c *Client) central(ctx context.Context, op retry.Op) (CentralInventory, error) {
	var inv CentralInventory
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		inv.Clusters, err = listAll[Cluster](gctx, c, op.Kind, resources[KindCluster].list)
		return err
	})
	g.Go(func() (err error) {
		inv.VMs, err = listAll[VM](gctx, c, op.Kind, resources[KindVM].list)
		return err
	})
	g.Go(func() (err error) {
		inv.Hosts, err = listAll[Host](gctx, c, op.Kind, resources[KindHost].list)
		return err
	})
	g.Go(func() (err error) {
		inv.Containers, err = listAll[StorageContainer](gctx, c, op.Kind, resources[KindStorageContainer].list)
		return err
	})
	g.Go(func() (err error) {
		inv.Subnets, err = listAll[Subnet](gctx, c, op.Kind, "networking/v4.0/config/subnets")
		return err
	})

	var mu sync.Mutex
	inv.Totals = make(map[string]int)
	for _, t := range centralTotals {
		if !c.opts.Toggles.Enabled(t.category) {
			continue
		}
		g.Go(func() error {
			n, err := c.total(gctx, op.Kind, t.path)
			if err != nil {
				return err
			}
			mu.Lock()
			inv.Totals[t.metric] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return CentralInventory{}, err
	}
	return inv, nil
}

// listAll reads every page of a v4 list endpoint. Pages after the first are
// fetched concurrently and reassembled in order.
func listAll[T any](ctx context.Context, c *Client, kind engine.EntityKind, path string) ([]T, error) {
	op := retry.Op{Kind: kind, Endpoint: apiRoot + path}
	limit := c.opts.PageLimit

	var first listResponse[T]
	if err := c.get(ctx, path, pageQuery(0, limit), op, &first); err != nil {
		return nil, err
	}
	total := first.Metadata.TotalAvailableResults
	if total <= len(first.Data) || len(first.Data) == 0 {
		return first.Data, nil
	}
	// The server may cap $limit below the configured page size.
	limit = min(limit, len(first.Data))

	pages := make([][]T, (total+limit-1)/limit)
	pages[0] = first.Data
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for p := 1; p < len(pages); p++ {
		g.Go(func() error {
			var resp listResponse[T]
			if err := c.get(gctx, path, pageQuery(p, limit), op, &resp); err != nil {
				return err
			}
			pages[p] = resp.Data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]T, 0, total)
	for _, p := range pages {
		out = append(out, p...)
	}
	return out, nil
}

func (c *Client) total(ctx context.Context, kind engine.EntityKind, path string) (int, error) {
	var resp listResponse[json.RawMessage]
	op := retry.Op{Kind: kind, Endpoint: apiRoot + path}
	if err := c.get(ctx, path, pageQuery(0, 1), op, &resp); err != nil {
		return 0, err
	}
	return resp.Metadata.TotalAvailableResults, nil
}

func (c *Client) getStats(ctx context.Context, res resource, op retry.Op, out any, args ...any) error {
	path := fmt.Sprintf(res.stats, escape(args)...)
	op.Endpoint = apiRoot + strings.ReplaceAll(res.stats, "%s", "{id}")
	return c.get(ctx, path, c.statsQuery(res), op, out)
}

func (c *Client) statsQuery(res resource) url.Values {
	interval, window := 30, 150*time.Second
	if res.files {
		interval, window = 300, 600*time.Second
	}
	now := c.opts.Now().UTC()
	q := url.Values{}
	q.Set("$startTime", now.Add(-window).Format(time.RFC3339))
	q.Set("$endTime", now.Format(time.RFC3339))
	q.Set("$samplingInterval", strconv.Itoa(interval))
	if !res.files {
		q.Set("$statType", "LAST")
	}
	if !res.noSelect {
		q.Set("$select", "*")
	}
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values, op retry.Op, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.caller.GetJSON(ctx, c.opts.Prism, u, op, out)
}

func pageQuery(page, limit int) url.Values {
	q := url.Values{}
	q.Set("$page", strconv.Itoa(page))
	q.Set("$limit", strconv.Itoa(limit))
	return q
}

func escape(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = url.PathEscape(fmt.Sprint(a))
	}
	return out
}
