// Package vsphere implements the remote endpoint model on top of govmomi.
package vsphere

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Options configures how sessions are opened against vCenter or ESXi.
type Options struct {
	Insecure bool
	// Datacenter is the inventory path of the datacenter; empty selects the
	// only one.
	Datacenter string
	// VSwitch hosts the port groups created by EnsureNetwork.
	VSwitch string
}

// Connector opens govmomi sessions.
type Connector struct {
	opts Options
}

var _ remote.Connector = (*Connector)(nil)

// NewConnector creates a Connector, defaulting the vSwitch to vSwitch0.
func NewConnector(opts Options) *Connector {
	if opts.VSwitch == "" {
		opts.VSwitch = "vSwitch0"
	}
	return &Connector{opts: opts}
}

func (c *Connector) Connect(ctx context.Context, ep remote.Endpoint) (remote.Client, error) {
	u, err := soap.ParseURL(ep.Address)
	if err != nil {
		return nil, errors.Errorf("parsing endpoint address: %w", err)
	}
	u.User = url.UserPassword(ep.Principal, ep.Secret)

	gc, err := govmomi.NewClient(ctx, u, c.opts.Insecure)
	if err != nil {
		return nil, fault.Connectivity(errors.Errorf("logging in to %s: %w", u.Host, err))
	}

	finder := find.NewFinder(gc.Client, true)
	dc, err := finder.DatacenterOrDefault(ctx, c.opts.Datacenter)
	if err != nil {
		_ = gc.Logout(ctx)
		return nil, errors.Errorf("selecting datacenter: %w", err)
	}
	finder.SetDatacenter(dc)

	zerolog.Ctx(ctx).Debug().
		Str("endpoint", u.Host).
		Str("datacenter", dc.InventoryPath).
		Str("api", gc.ServiceContent.About.ApiVersion).
		Msg("vsphere session opened")

	return &Client{gc: gc, finder: finder, dc: dc, opts: c.opts}, nil
}

// Client is a remote.Client over one govmomi session scoped to a datacenter.
type Client struct {
	gc     *govmomi.Client
	finder *find.Finder
	dc     *object.Datacenter
	opts   Options
}

var _ remote.Client = (*Client)(nil)

func (c *Client) IsActive(ctx context.Context) (bool, error) {
	ok, err := c.gc.SessionManager.SessionIsActive(ctx)
	if err != nil {
		return false, errors.Errorf("checking session: %w", classify(err))
	}
	return ok, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.gc.Logout(ctx); err != nil {
		return errors.Errorf("logging out: %w", err)
	}
	return nil
}

func (c *Client) About(ctx context.Context) (remote.About, error) {
	a := c.gc.ServiceContent.About
	return remote.About{
		Product:      a.FullName,
		APIVersion:   a.ApiVersion,
		InstanceUUID: a.InstanceUuid,
	}, nil
}

func (c *Client) AuxRefs() map[string]remote.Ref {
	sc := c.gc.ServiceContent
	refs := map[string]remote.Ref{
		"propertyCollector": toRef(sc.PropertyCollector),
		"datacenter":        toRef(c.dc.Reference()),
	}
	for name, r := range map[string]*types.ManagedObjectReference{
		"fileManager":         sc.FileManager,
		"virtualDiskManager":  sc.VirtualDiskManager,
		"searchIndex":         sc.SearchIndex,
		"customFieldsManager": sc.CustomFieldsManager,
	} {
		if r != nil {
			refs[name] = toRef(*r)
		}
	}
	return refs
}

func (c *Client) host(ctx context.Context, name string) (*object.HostSystem, error) {
	hosts, err := c.finder.HostSystemList(ctx, "*")
	if err != nil {
		return nil, errors.Errorf("listing hosts: %w", classify(err))
	}
	for _, h := range hosts {
		if name == "" || h.Name() == name {
			return h, nil
		}
	}
	return nil, fault.NotFoundf("host %s", name)
}

func (c *Client) HostCapabilities(ctx context.Context, name string) (remote.HostCapabilities, error) {
	h, err := c.host(ctx, name)
	if err != nil {
		return remote.HostCapabilities{}, err
	}

	var mh mo.HostSystem
	if err := h.Properties(ctx, h.Reference(), []string{"capability"}, &mh); err != nil {
		return remote.HostCapabilities{}, errors.Errorf("reading host capability: %w", classify(err))
	}

	var caps remote.HostCapabilities
	if mh.Capability != nil && mh.Capability.NestedHVSupported != nil {
		caps.NestedHV = *mh.Capability.NestedHVSupported
	}
	return caps, nil
}

func (c *Client) FindMachine(ctx context.Context, name string) (remote.Machine, error) {
	vm, err := c.finder.VirtualMachine(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, fault.NotFoundf("machine %s", name)
		}
		return nil, errors.Errorf("finding machine %s: %w", name, classify(err))
	}
	return &Machine{client: c, vm: vm, name: name}, nil
}

func (c *Client) networks(ctx context.Context, names []string) (Networks, error) {
	nets := Networks{}
	for _, name := range names {
		n, err := c.finder.Network(ctx, name)
		if err != nil {
			if isNotFound(err) {
				return nil, fault.NotFoundf("network %s", name)
			}
			return nil, errors.Errorf("finding network %s: %w", name, classify(err))
		}
		backing, err := n.EthernetCardBackingInfo(ctx)
		if err != nil {
			return nil, errors.Errorf("network %s backing: %w", name, classify(err))
		}
		nets[name] = backing
	}
	return nets, nil
}

func (c *Client) CreateMachine(ctx context.Context, spec *remote.ConfigSpec) (remote.Machine, error) {
	nets, err := c.networks(ctx, nicNetworks(spec))
	if err != nil {
		return nil, err
	}
	cfg, err := toConfigSpec(spec, nil, nets)
	if err != nil {
		return nil, errors.Errorf("building config for %s: %w", spec.Name, err)
	}
	cfg.Files = &types.VirtualMachineFileInfo{VmPathName: remote.DatastorePath(spec.Datastore, "")}

	folders, err := c.dc.Folders(ctx)
	if err != nil {
		return nil, errors.Errorf("reading datacenter folders: %w", classify(err))
	}
	pool, err := c.finder.DefaultResourcePool(ctx)
	if err != nil {
		return nil, errors.Errorf("selecting resource pool: %w", classify(err))
	}

	task, err := folders.VmFolder.CreateVM(ctx, cfg, pool, nil)
	if err != nil {
		return nil, errors.Errorf("creating machine %s: %w", spec.Name, classify(err))
	}
	info, err := task.WaitForResult(ctx)
	if err != nil {
		return nil, errors.Errorf("creating machine %s: %w", spec.Name, classify(err))
	}

	ref, ok := info.Result.(types.ManagedObjectReference)
	if !ok {
		return nil, errors.Errorf("creating machine %s: unexpected task result %T", spec.Name, info.Result)
	}
	return &Machine{client: c, vm: object.NewVirtualMachine(c.gc.Client, ref), name: spec.Name}, nil
}

func (c *Client) Datastore(ctx context.Context, name string) (remote.Datastore, error) {
	ds, err := c.finder.Datastore(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, fault.NotFoundf("datastore %s", name)
		}
		return nil, errors.Errorf("finding datastore %s: %w", name, classify(err))
	}
	return &Datastore{ds: ds, dc: c.dc, name: name}, nil
}

func (c *Client) EnsureNetwork(ctx context.Context, spec remote.NetworkSpec) (string, error) {
	_, err := c.finder.Network(ctx, spec.Name)
	if err == nil {
		return spec.Name, nil
	}
	if !isNotFound(err) {
		return "", errors.Errorf("finding network %s: %w", spec.Name, classify(err))
	}

	hosts, err := c.finder.HostSystemList(ctx, "*")
	if err != nil {
		return "", errors.Errorf("listing hosts: %w", classify(err))
	}
	for _, h := range hosts {
		ns, err := h.ConfigManager().NetworkSystem(ctx)
		if err != nil {
			return "", errors.Errorf("host %s network system: %w", h.Name(), classify(err))
		}
		err = ns.AddPortGroup(ctx, types.HostPortGroupSpec{
			Name:        spec.Name,
			VlanId:      spec.VLAN,
			VswitchName: c.opts.VSwitch,
			Policy:      types.HostNetworkPolicy{},
		})
		if err != nil {
			return "", errors.Errorf("adding port group %s on %s: %w", spec.Name, h.Name(), classify(err))
		}
	}

	zerolog.Ctx(ctx).Info().Str("network", spec.Name).Int32("vlan", spec.VLAN).Int("hosts", len(hosts)).Msg("port group created")
	return spec.Name, nil
}

// storeName derives a stable datastore name from a store url.
func storeName(raw string) string {
	return "store-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(raw)).String()[:8]
}

func (c *Client) MountStore(ctx context.Context, raw string) (remote.DatastoreRef, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "nfs" || u.Host == "" {
		return remote.DatastoreRef{}, fault.Validationf("store url %q is not an nfs url", raw)
	}

	name := storeName(raw)
	if _, err := c.finder.Datastore(ctx, name); err == nil {
		return remote.DatastoreRef{Name: name, URL: raw}, nil
	} else if !isNotFound(err) {
		return remote.DatastoreRef{}, errors.Errorf("finding datastore %s: %w", name, classify(err))
	}

	hosts, err := c.finder.HostSystemList(ctx, "*")
	if err != nil {
		return remote.DatastoreRef{}, errors.Errorf("listing hosts: %w", classify(err))
	}
	for _, h := range hosts {
		dss, err := h.ConfigManager().DatastoreSystem(ctx)
		if err != nil {
			return remote.DatastoreRef{}, errors.Errorf("host %s datastore system: %w", h.Name(), classify(err))
		}
		_, err = dss.CreateNasDatastore(ctx, types.HostNasVolumeSpec{
			RemoteHost: u.Hostname(),
			RemotePath: u.Path,
			LocalPath:  name,
			AccessMode: string(types.HostMountModeReadWrite),
		})
		if err != nil {
			return remote.DatastoreRef{}, errors.Errorf("mounting %s on %s: %w", raw, h.Name(), classify(err))
		}
	}
	return remote.DatastoreRef{Name: name, URL: raw}, nil
}

func isNotFound(err error) bool {
	var nf *find.NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	if soap.IsSoapFault(err) {
		_, ok := soap.ToSoapFault(err).VimFault().(types.ManagedObjectNotFound)
		return ok
	}
	return false
}

// classify marks lost sessions and transport failures as connectivity faults.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if soap.IsSoapFault(err) {
		switch soap.ToSoapFault(err).VimFault().(type) {
		case types.NotAuthenticated, *types.NotAuthenticated:
			return fault.Connectivity(err)
		}
	}
	if soap.IsVimFault(err) {
		if _, ok := soap.ToVimFault(err).(*types.NotAuthenticated); ok {
			return fault.Connectivity(err)
		}
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) || strings.Contains(err.Error(), "connection refused") {
		return fault.Connectivity(err)
	}
	return err
}
