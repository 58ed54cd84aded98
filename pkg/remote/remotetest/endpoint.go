// Package remotetest is an in-memory hypervisor endpoint. It applies device
// change plans with the same key, ordering and controller rules the real
// endpoint enforces, so planner output can be checked for convergence.
package remotetest

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Endpoint holds every object of the fake and implements remote.Connector.
type Endpoint struct {
	mu sync.Mutex

	APIVersion string
	NestedHV   bool
	// ConnectErr, when set, fails every Connect.
	ConnectErr error
	// ConfigureErr, when set, fails every Configure and CreateMachine.
	ConfigureErr error
	// ConsolidateErr, when set, fails every ConsolidateDisks.
	ConsolidateErr error
	// IgnoreShutdown makes guests ignore graceful shutdown requests.
	IgnoreShutdown bool

	machines   map[string]*machineRecord
	datastores map[string]*datastoreRecord
	networks   map[string]bool
	// sizes holds the provisioned capacity of disk files seen so far.
	sizes     map[string]int64
	nextKey   int32
	nextMoref int

	Connects       atomic.Int32
	Logouts        atomic.Int32
	ConfigureCalls atomic.Int32
	RelocateCalls  atomic.Int32
	Destroyed      atomic.Int32

	sessions []*Client
}

type machineRecord struct {
	ref   remote.Ref
	state remote.MachineState
}

type datastoreRecord struct {
	name string
	pod  string
	// files maps a datastore path to its parent path ("" for a base file).
	files map[string]string
}

// NewEndpoint creates an empty endpoint with nested virtualization support.
func NewEndpoint() *Endpoint {
	return &Endpoint{
		APIVersion: "7.0.3",
		NestedHV:   true,
		machines:   map[string]*machineRecord{},
		datastores: map[string]*datastoreRecord{},
		networks:   map[string]bool{},
		sizes:      map[string]int64{},
		nextKey:    1000,
	}
}

// AddDatastore registers a datastore, optionally inside a datastore cluster.
func (e *Endpoint) AddDatastore(name, pod string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.datastores[name] = &datastoreRecord{name: name, pod: pod, files: map[string]string{}}
}

// AddFile registers a disk file with an optional parent.
func (e *Endpoint) AddFile(p, parent string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addFileLocked(p, parent)
}

func (e *Endpoint) addFileLocked(p, parent string) {
	ds, ok := e.datastores[remote.DatastoreOf(p)]
	if !ok {
		ds = &datastoreRecord{name: remote.DatastoreOf(p), files: map[string]string{}}
		e.datastores[ds.name] = ds
	}
	ds.files[p] = parent
}

// SetFileSize records the provisioned capacity of a disk file.
func (e *Endpoint) SetFileSize(p string, size int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sizes[p] = size
}

func (e *Endpoint) moveFileLocked(from, to string) {
	if size, ok := e.sizes[from]; ok {
		delete(e.sizes, from)
		e.sizes[to] = size
	}
}

func (e *Endpoint) removeFileLocked(p string) {
	if ds := e.datastores[remote.DatastoreOf(p)]; ds != nil {
		delete(ds.files, p)
	}
	delete(e.sizes, p)
}

// RenameFile simulates an out-of-band rename of a disk file, updating every
// machine chain that references it.
func (e *Endpoint) RenameFile(from, to string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ds, ok := e.datastores[remote.DatastoreOf(from)]; ok {
		parent := ds.files[from]
		delete(ds.files, from)
		e.addFileLocked(to, parent)
		e.moveFileLocked(from, to)
		for p, par := range ds.files {
			if par == from {
				ds.files[p] = to
			}
		}
	}
	for _, m := range e.machines {
		for _, d := range m.state.Devices {
			if d.Disk == nil {
				continue
			}
			for i, f := range d.Disk.Chain {
				if f == from {
					d.Disk.Chain[i] = to
				}
			}
		}
	}
}

// Files lists the files of a datastore.
func (e *Endpoint) Files(ds string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.datastores[ds]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(rec.files))
}

func (e *Endpoint) Networks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Sorted(maps.Keys(e.networks))
}

// Machine returns a copy of a machine's state.
func (e *Endpoint) Machine(name string) (*remote.MachineState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[name]
	if !ok {
		return nil, false
	}
	return m.snapshot(), true
}

func (e *Endpoint) MachineNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Sorted(maps.Keys(e.machines))
}

// SetSnapshot toggles the snapshot flag of a machine.
func (e *Endpoint) SetSnapshot(name string, v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.machines[name]; ok {
		m.state.HasSnapshot = v
	}
}

// SetPower forces the power state of a machine.
func (e *Endpoint) SetPower(name string, s remote.PowerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.machines[name]; ok {
		m.state.PowerState = s
	}
}

// Mutate runs fn against the live state of a machine.
func (e *Endpoint) Mutate(name string, fn func(*remote.MachineState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.machines[name]; ok {
		fn(&m.state)
	}
}

// KillSessions marks every open session inactive.
func (e *Endpoint) KillSessions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		s.active.Store(false)
	}
}

func (m *machineRecord) snapshot() *remote.MachineState {
	s := m.state
	s.Devices = m.state.Devices.Clone()
	s.ExtraConfig = maps.Clone(m.state.ExtraConfig)
	return &s
}

func (e *Endpoint) Connect(ctx context.Context, ep remote.Endpoint) (remote.Client, error) {
	if e.ConnectErr != nil {
		return nil, e.ConnectErr
	}
	if ep.Address == "" || ep.Principal == "" {
		return nil, errors.Errorf("incomplete endpoint %q/%q", ep.Address, ep.Principal)
	}
	e.Connects.Add(1)
	c := &Client{ep: e, endpoint: ep}
	c.active.Store(true)
	e.mu.Lock()
	e.sessions = append(e.sessions, c)
	e.mu.Unlock()
	return c, nil
}

// Client is one fake session.
type Client struct {
	ep       *Endpoint
	endpoint remote.Endpoint
	active   atomic.Bool
}

var _ remote.Client = (*Client)(nil)

func (c *Client) check() error {
	if !c.active.Load() {
		return fault.Connectivity(errors.New("session is not authenticated"))
	}
	return nil
}

func (c *Client) IsActive(ctx context.Context) (bool, error) {
	return c.active.Load(), nil
}

func (c *Client) Logout(ctx context.Context) error {
	c.active.Store(false)
	c.ep.Logouts.Add(1)
	return nil
}

func (c *Client) About(ctx context.Context) (remote.About, error) {
	if err := c.check(); err != nil {
		return remote.About{}, err
	}
	return remote.About{Product: "fake", APIVersion: c.ep.APIVersion, InstanceUUID: "fake-0"}, nil
}

func (c *Client) AuxRefs() map[string]remote.Ref {
	return map[string]remote.Ref{
		"fileManager":        {Type: "FileManager", Value: "FileManager"},
		"virtualDiskManager": {Type: "VirtualDiskManager", Value: "virtualDiskManager"},
	}
}

func (c *Client) HostCapabilities(ctx context.Context, host string) (remote.HostCapabilities, error) {
	if err := c.check(); err != nil {
		return remote.HostCapabilities{}, err
	}
	return remote.HostCapabilities{NestedHV: c.ep.NestedHV}, nil
}

func (c *Client) FindMachine(ctx context.Context, name string) (remote.Machine, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	m, ok := c.ep.machines[name]
	if !ok {
		return nil, fault.NotFoundf("machine %s", name)
	}
	return &Machine{ep: c.ep, client: c, ref: m.ref, name: name}, nil
}

func (c *Client) CreateMachine(ctx context.Context, spec *remote.ConfigSpec) (remote.Machine, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if c.ep.ConfigureErr != nil {
		return nil, c.ep.ConfigureErr
	}
	e := c.ep
	e.mu.Lock()
	defer e.mu.Unlock()
	if spec.Name == "" {
		return nil, errors.New("invalid config: name")
	}
	if _, ok := e.machines[spec.Name]; ok {
		return nil, errors.Errorf("machine %s already exists", spec.Name)
	}
	e.nextMoref++
	rec := &machineRecord{
		ref: remote.Ref{Type: "VirtualMachine", Value: fmt.Sprintf("vm-%d", e.nextMoref)},
		state: remote.MachineState{
			Name:        spec.Name,
			PowerState:  remote.PoweredOff,
			Host:        "host-1",
			Datastore:   spec.Datastore,
			Firmware:    remote.FirmwareBIOS,
			ExtraConfig: map[string]string{},
		},
	}
	rec.state.Ref = rec.ref
	if err := e.applyLocked(rec, spec); err != nil {
		return nil, err
	}
	e.machines[spec.Name] = rec
	e.ConfigureCalls.Add(1)
	return &Machine{ep: e, client: c, ref: rec.ref, name: spec.Name}, nil
}

func (c *Client) Datastore(ctx context.Context, name string) (remote.Datastore, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	if _, ok := c.ep.datastores[name]; !ok {
		return nil, fault.NotFoundf("datastore %s", name)
	}
	return &Datastore{ep: c.ep, name: name}, nil
}

func (c *Client) EnsureNetwork(ctx context.Context, spec remote.NetworkSpec) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	c.ep.networks[spec.Name] = true
	return spec.Name, nil
}

func (c *Client) MountStore(ctx context.Context, url string) (remote.DatastoreRef, error) {
	if err := c.check(); err != nil {
		return remote.DatastoreRef{}, err
	}
	if !strings.HasPrefix(url, "nfs://") {
		return remote.DatastoreRef{}, errors.Errorf("unsupported store url %s", url)
	}
	name := strings.ReplaceAll(strings.TrimPrefix(url, "nfs://"), "/", "_")
	c.ep.AddDatastore(name, "")
	return remote.DatastoreRef{Name: name, URL: url}, nil
}

// Datastore is a fake datastore handle.
type Datastore struct {
	ep   *Endpoint
	name string
}

func (d *Datastore) Name() string { return d.name }

func (d *Datastore) Siblings(ctx context.Context) ([]string, error) {
	d.ep.mu.Lock()
	defer d.ep.mu.Unlock()
	rec := d.ep.datastores[d.name]
	if rec == nil || rec.pod == "" {
		return []string{d.name}, nil
	}
	var out []string
	for name, other := range d.ep.datastores {
		if other.pod == rec.pod {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (d *Datastore) Find(ctx context.Context, baseName string) (string, bool, error) {
	d.ep.mu.Lock()
	defer d.ep.mu.Unlock()
	rec := d.ep.datastores[d.name]
	if rec == nil {
		return "", false, nil
	}
	for _, p := range slices.Sorted(maps.Keys(rec.files)) {
		if remote.BaseName(p) == baseName {
			return p, true, nil
		}
	}
	return "", false, nil
}

func (d *Datastore) DiskChain(ctx context.Context, p string) ([]string, error) {
	d.ep.mu.Lock()
	defer d.ep.mu.Unlock()
	var chain []string
	for cur := p; cur != ""; {
		rec := d.ep.datastores[remote.DatastoreOf(cur)]
		if rec == nil {
			return nil, fault.NotFoundf("file %s", cur)
		}
		parent, ok := rec.files[cur]
		if !ok {
			return nil, fault.NotFoundf("file %s", cur)
		}
		chain = append(chain, cur)
		cur = parent
	}
	return chain, nil
}

func (d *Datastore) Disks(ctx context.Context, dir string) ([]remote.DiskFile, error) {
	d.ep.mu.Lock()
	defer d.ep.mu.Unlock()
	rec := d.ep.datastores[d.name]
	if rec == nil {
		return nil, fault.NotFoundf("datastore %s", d.name)
	}
	var out []remote.DiskFile
	for _, p := range slices.Sorted(maps.Keys(rec.files)) {
		if remote.DirOf(p) == dir {
			out = append(out, remote.DiskFile{Path: p, CapacityBytes: d.ep.sizes[p]})
		}
	}
	return out, nil
}

func (e *Endpoint) genDiskPath(ds, vm string, taken func(string) bool) string {
	for i := 0; ; i++ {
		name := vm + ".vmdk"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.vmdk", vm, i)
		}
		p := remote.DatastorePath(ds, path.Join(vm, name))
		if !taken(p) {
			return p
		}
	}
}
