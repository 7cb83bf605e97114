// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package legacy speaks the Prism Element v1/v2.0 and Prism Central v3 REST
// APIs.
package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/dialect/redfish"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/httpapi"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/retry"
)

const (
	KindCluster          engine.EntityKind = "cluster"
	KindHost             engine.EntityKind = "host"
	KindVM               engine.EntityKind = "vm"
	KindStorageContainer engine.EntityKind = "storage_container"
	KindIPMI             engine.EntityKind = "ipmi"
	KindPrismCentral     engine.EntityKind = "prism_central"
	KindNCMSSP           engine.EntityKind = "ncm_ssp"
)

const (
	v2Root = "/PrismGateway/services/rest/v2.0"
	v1Root = "/PrismGateway/services/rest/v1"
	v3Root = "/api/nutanix/v3"

	defaultPageLength = 500
	defaultIPMIUser   = "ADMIN"
)

// Kinds lists the entity kinds collected in legacy mode.
func Kinds() []engine.KindSpec {
	return []engine.KindSpec{
		{Kind: KindCluster, Category: engine.CategoryCluster},
		{Kind: KindHost, Category: engine.CategoryCluster},
		{Kind: KindStorageContainer, Category: engine.CategoryStorageContainers},
		{Kind: KindVM, Category: engine.CategoryVMs, Sequential: true},
		{Kind: KindIPMI, Category: engine.CategoryIPMI},
		{Kind: KindPrismCentral, Category: engine.CategoryPrismCentral, Sequential: true},
		{Kind: KindNCMSSP, Category: engine.CategoryNCMSSP, Sequential: true},
	}
}

// Options configures a Client.
type Options struct {
	Prism     string
	Port      int
	Username  string
	Password  string
	VerifyTLS bool
	CAFile    string
	VMList    []string

	// IPMIUsername defaults to ADMIN. When IPMISecret is empty or "null"
	// the node serial number is used as the password.
	IPMIUsername string
	IPMISecret   string

	PageLength        int
	RequestsPerSecond float64
	Executor          *retry.Executor
	Observer          httpapi.Observer
	Logger            *slog.Logger
	Transport         http.RoundTripper
	Lookup            httpapi.LookupAddr
}

// Client talks to one Prism endpoint and to the IPMI interfaces of the
// hosts it manages.
type Client struct {
	opts  Options
	base  string
	prism *httpapi.Caller
	ipmi  *httpapi.Caller
	log   *slog.Logger

	mu        sync.RWMutex
	ipmiCreds map[string]httpapi.Credentials
}

// NewClient builds a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.Port == 0 {
		opts.Port = 9440
	}
	if opts.PageLength <= 0 {
		opts.PageLength = defaultPageLength
	}
	if opts.IPMIUsername == "" {
		opts.IPMIUsername = defaultIPMIUser
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		opts:      opts,
		base:      fmt.Sprintf("https://%s:%d", opts.Prism, opts.Port),
		log:       opts.Logger.With("component", "legacy"),
		ipmiCreds: make(map[string]httpapi.Credentials),
	}

	common := httpapi.Options{
		VerifyTLS:         opts.VerifyTLS,
		CAFile:            opts.CAFile,
		RequestsPerSecond: opts.RequestsPerSecond,
		Executor:          opts.Executor,
		Observer:          opts.Observer,
		Logger:            opts.Logger,
		Transport:         opts.Transport,
	}
	prismOpts := common
	prismOpts.Dialect = "legacy"
	prism, err := httpapi.New(prismOpts, httpapi.BasicAuth(httpapi.StaticCredentials(httpapi.Credentials{
		Username: opts.Username,
		Password: opts.Password,
	})))
	if err != nil {
		return nil, fmt.Errorf("legacy client: %w", err)
	}
	ipmiOpts := common
	ipmiOpts.Dialect = "legacy_ipmi"
	ipmi, err := httpapi.New(ipmiOpts, httpapi.BasicAuth(c.nodeCredentials))
	if err != nil {
		return nil, fmt.Errorf("legacy ipmi client: %w", err)
	}
	c.prism, c.ipmi = prism, ipmi
	return c, nil
}

// Authenticate returns the credential used for target.
func (c *Client) Authenticate(ctx context.Context, target string) (engine.Token, error) {
	if target == c.opts.Prism {
		return c.prism.Sessions().Get(ctx, target)
	}
	return c.ipmi.Sessions().Get(ctx, target)
}

func (c *Client) nodeCredentials(address string) (httpapi.Credentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cr, ok := c.ipmiCreds[address]
	return cr, ok
}

// FetchEntityList lists the entities of kind.
func (c *Client) FetchEntityList(ctx context.Context, kind engine.EntityKind) ([]engine.EntityRef, error) {
	switch kind {
	case KindCluster:
		var l list[Cluster]
		if err := c.getV2(ctx, "/clusters/", retry.Op{Kind: kind}, &l); err != nil {
			return nil, err
		}
		refs := make([]engine.EntityRef, 0, len(l.Entities))
		for _, cl := range l.Entities {
			refs = append(refs, engine.EntityRef{Kind: kind, ID: cl.UUID, Name: cl.Name, Target: c.opts.Prism})
		}
		return refs, nil

	case KindHost, KindIPMI:
		var l list[Host]
		if err := c.getV2(ctx, "/hosts/", retry.Op{Kind: kind}, &l); err != nil {
			return nil, err
		}
		if kind == KindIPMI {
			return c.ipmiRefs(l.Entities), nil
		}
		refs := make([]engine.EntityRef, 0, len(l.Entities))
		for _, h := range l.Entities {
			refs = append(refs, engine.EntityRef{Kind: kind, ID: h.UUID, Name: h.Name, Target: c.opts.Prism})
		}
		return refs, nil

	case KindStorageContainer:
		var l list[StorageContainer]
		if err := c.getV2(ctx, "/storage_containers/", retry.Op{Kind: kind}, &l); err != nil {
			return nil, err
		}
		refs := make([]engine.EntityRef, 0, len(l.Entities))
		for _, sc := range l.Entities {
			refs = append(refs, engine.EntityRef{Kind: kind, ID: sc.UUID, Name: sc.Name, Target: c.opts.Prism})
		}
		return refs, nil

	case KindVM:
		refs := make([]engine.EntityRef, 0, len(c.opts.VMList))
		for _, name := range c.opts.VMList {
			refs = append(refs, engine.EntityRef{Kind: kind, ID: name, Name: name, Target: c.opts.Prism})
		}
		return refs, nil

	case KindPrismCentral, KindNCMSSP:
		name := httpapi.DisplayName(ctx, c.opts.Prism, c.opts.Lookup)
		return []engine.EntityRef{{Kind: kind, ID: c.opts.Prism, Name: name, Target: c.opts.Prism}}, nil
	}
	return nil, fmt.Errorf("legacy: unsupported entity kind %q", kind)
}

func (c *Client) ipmiRefs(hosts []Host) []engine.EntityRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]engine.EntityRef, 0, len(hosts))
	for _, h := range hosts {
		if h.IPMIAddress == "" {
			continue
		}
		secret := c.opts.IPMISecret
		if secret == "" || secret == "null" {
			secret = h.Serial
		}
		c.ipmiCreds[h.IPMIAddress] = httpapi.Credentials{Username: c.opts.IPMIUsername, Password: secret}
		refs = append(refs, engine.EntityRef{
			Kind:   KindIPMI,
			ID:     h.IPMIAddress,
			Name:   engine.SanitizeName(h.Name),
			Target: h.IPMIAddress,
			Parent: h.UUID,
		})
	}
	return refs
}

// FetchEntityDetail fetches the payload of ref.
func (c *Client) FetchEntityDetail(ctx context.Context, ref engine.EntityRef) (engine.Payload, error) {
	op := retry.Op{Kind: ref.Kind, Entity: ref.Name}
	var body any
	var err error
	switch ref.Kind {
	case KindCluster:
		body, err = c.clusterInventory(ctx, ref, op)
	case KindHost:
		var h Host
		err = c.getV2(ctx, "/hosts/"+url.PathEscape(ref.ID), op, &h)
		body = HostDetail{Host: h}
	case KindStorageContainer:
		var sc StorageContainer
		err = c.getV2(ctx, "/storage_containers/"+url.PathEscape(ref.ID), op, &sc)
		body = ContainerDetail{Container: sc}
	case KindVM:
		body, err = c.vmStats(ctx, ref, op)
	case KindIPMI:
		body, err = redfish.FetchReading(ctx, c.ipmi, ref.Target, op)
	case KindPrismCentral:
		body, err = c.centralInventory(ctx, op)
	case KindNCMSSP:
		body, err = c.ncmCounts(ctx, op)
	default:
		return engine.Payload{}, fmt.Errorf("legacy: unsupported entity kind %q", ref.Kind)
	}
	if err != nil {
		return engine.Payload{}, err
	}
	return engine.Payload{Ref: ref, Body: body}, nil
}

func (c *Client) clusterInventory(ctx context.Context, ref engine.EntityRef, op retry.Op) (ClusterInventory, error) {
	var inv ClusterInventory
	var vms list[VM]
	var hosts list[Host]
	var vgs list[struct{}]

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.getV2(gctx, "/clusters/"+url.PathEscape(ref.ID), op, &inv.Cluster) })
	g.Go(func() error {
		return c.getV2(gctx, "/vms/?include_vm_disk_config=true&include_vm_nic_config=true", op, &vms)
	})
	g.Go(func() error { return c.getV2(gctx, "/hosts/", op, &hosts) })
	g.Go(func() error { return c.getV2(gctx, "/volume_groups/", op, &vgs) })
	if err := g.Wait(); err != nil {
		return ClusterInventory{}, err
	}
	inv.VMs = vms.Entities
	inv.Hosts = hosts.Entities
	inv.VolumeGroups = len(vgs.Entities)
	return inv, nil
}

func (c *Client) vmStats(ctx context.Context, ref engine.EntityRef, op retry.Op) (VMDetail, error) {
	var l list[VMStats]
	path := c.base + v1Root + "/vms/?filterCriteria=vm_name%3D%3D" + url.QueryEscape(ref.ID)
	if err := c.prism.GetJSON(ctx, c.opts.Prism, path, op, &l); err != nil {
		return VMDetail{}, err
	}
	if len(l.Entities) == 0 {
		return VMDetail{}, &engine.FetchError{
			Target:   c.opts.Prism,
			Endpoint: v1Root + "/vms/",
			Class:    engine.ClassPermanent,
			Err:      fmt.Errorf("vm %q not found", ref.ID),
		}
	}
	return VMDetail{VM: l.Entities[0]}, nil
}

func (c *Client) centralInventory(ctx context.Context, op retry.Op) (CentralInventory, error) {
	var inv CentralInventory
	total, err := c.v3Total(ctx, "vms", "vm", "", op)
	if err != nil {
		return inv, err
	}
	// Pages share one offset cursor, so they are read in order.
	for offset := 0; offset < total; offset += c.opts.PageLength {
		var page v3ListResponse[CentralVM]
		req := v3ListRequest{Kind: "vm", Length: c.opts.PageLength, Offset: offset}
		if err := c.prism.PostJSON(ctx, c.opts.Prism, c.base+v3Root+"/vms/list", req, op, &page); err != nil {
			return inv, err
		}
		if len(page.Entities) == 0 {
			break
		}
		inv.VMs = append(inv.VMs, page.Entities...)
	}
	inv.VolumeGroups, err = c.v3Total(ctx, "volume_groups", "volume_group", "", op)
	if err != nil {
		return inv, err
	}
	return inv, nil
}

const ncmExcludeSystem = "(name!=Infrastructure;name!=Self%20Service)"

type ncmQuery struct {
	metric string
	root   string
	kind   string
	filter string
}

var ncmQueries = []ncmQuery{
	{"applications", "apps", "app", ncmExcludeSystem + ";_state==running,_state==deleting,_state==error,_state==provisioning"},
	{"applications_running", "apps", "app", "_state==running;" + ncmExcludeSystem},
	{"applications_provisioning", "apps", "app", "_state==provisioning;" + ncmExcludeSystem},
	{"applications_error", "apps", "app", "_state==error;" + ncmExcludeSystem},
	{"applications_deleting", "apps", "app", "_state==deleting;" + ncmExcludeSystem},
	{"projects", "projects", "project", ""},
	{"marketplace_items", "marketplace_items", "marketplace_item", ""},
	{"blueprints", "blueprints", "blueprint", ""},
	{"runbooks", "runbooks", "runbook", ""},
}

func (c *Client) ncmCounts(ctx context.Context, op retry.Op) (NCMCounts, error) {
	counts := make(NCMCounts, len(ncmQueries))
	for _, q := range ncmQueries {
		n, err := c.v3Total(ctx, q.root, q.kind, q.filter, op)
		if err != nil {
			return nil, err
		}
		counts[q.metric] = n
	}
	return counts, nil
}

func (c *Client) v3Total(ctx context.Context, root, kind, filter string, op retry.Op) (int, error) {
	var resp v3ListResponse[struct{}]
	req := v3ListRequest{Kind: kind, Length: 1, Offset: 0, Filter: filter}
	if err := c.prism.PostJSON(ctx, c.opts.Prism, c.base+v3Root+"/"+root+"/list", req, op, &resp); err != nil {
		return 0, err
	}
	return resp.Metadata.TotalMatches, nil
}

func (c *Client) getV2(ctx context.Context, path string, op retry.Op, out any) error {
	op.Endpoint = v2Root + strings.SplitN(path, "?", 2)[0]
	return c.prism.GetJSON(ctx, c.opts.Prism, c.base+v2Root+path, op, out)
}
