package remotetest

import (
	"context"
	"maps"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Machine is a fake machine handle.
type Machine struct {
	ep     *Endpoint
	client *Client
	ref    remote.Ref
	name   string
}

var _ remote.Machine = (*Machine)(nil)

func (m *Machine) Ref() remote.Ref { return m.ref }
func (m *Machine) Name() string    { return m.name }

func (m *Machine) record() (*machineRecord, error) {
	if err := m.client.check(); err != nil {
		return nil, err
	}
	rec, ok := m.ep.machines[m.name]
	if !ok {
		return nil, fault.NotFoundf("machine %s", m.name)
	}
	return rec, nil
}

func (m *Machine) State(ctx context.Context) (*remote.MachineState, error) {
	m.ep.mu.Lock()
	defer m.ep.mu.Unlock()
	rec, err := m.record()
	if err != nil {
		return nil, err
	}
	return rec.snapshot(), nil
}

func (m *Machine) Configure(ctx context.Context, spec *remote.ConfigSpec) error {
	m.ep.mu.Lock()
	defer m.ep.mu.Unlock()
	rec, err := m.record()
	if err != nil {
		return err
	}
	if m.ep.ConfigureErr != nil {
		return m.ep.ConfigureErr
	}
	m.ep.ConfigureCalls.Add(1)
	return m.ep.applyLocked(rec, spec)
}

func (m *Machine) Relocate(ctx context.Context, spec *remote.RelocateSpec) error {
	m.ep.mu.Lock()
	defer m.ep.mu.Unlock()
	rec, err := m.record()
	if err != nil {
		return err
	}
	m.ep.RelocateCalls.Add(1)

	targets := map[int32]string{}
	for _, loc := range spec.Disks {
		if _, ok := m.ep.datastores[loc.Datastore]; !ok {
			return fault.NotFoundf("datastore %s", loc.Datastore)
		}
		targets[loc.DeviceKey] = loc.Datastore
	}
	if spec.Datastore != "" {
		if _, ok := m.ep.datastores[spec.Datastore]; !ok {
			return fault.NotFoundf("datastore %s", spec.Datastore)
		}
		rec.state.Datastore = spec.Datastore
	}
	for _, d := range rec.state.Devices {
		if d.Disk == nil {
			continue
		}
		target, ok := targets[d.Key]
		if !ok {
			// Endpoint default: an unpinned disk follows the home datastore.
			if spec.Datastore == "" {
				continue
			}
			target = spec.Datastore
		}
		if target == d.Disk.Datastore {
			continue
		}
		for i, f := range d.Disk.Chain {
			moved := remote.WithDatastore(f, target)
			src := m.ep.datastores[remote.DatastoreOf(f)]
			if src != nil {
				parent := src.files[f]
				delete(src.files, f)
				if parent != "" {
					parent = remote.WithDatastore(parent, target)
				}
				m.ep.addFileLocked(moved, parent)
				m.ep.moveFileLocked(f, moved)
			}
			d.Disk.Chain[i] = moved
		}
		d.Disk.Datastore = target
	}
	if spec.Host != "" {
		rec.state.Host = spec.Host
	}
	return nil
}

func (m *Machine) setPower(want remote.PowerState) error {
	m.ep.mu.Lock()
	defer m.ep.mu.Unlock()
	rec, err := m.record()
	if err != nil {
		return err
	}
	if rec.state.PowerState == want {
		return errors.Errorf("invalid power state: machine %s already %s", m.name, want)
	}
	rec.state.PowerState = want
	return nil
}

func (m *Machine) PowerOn(ctx context.Context) error  { return m.setPower(remote.PoweredOn) }
func (m *Machine) PowerOff(ctx context.Context) error { return m.setPower(remote.PoweredOff) }

func (m *Machine) ShutdownGuest(ctx context.Context) error {
	if m.ep.IgnoreShutdown {
		return nil
	}
	return m.setPower(remote.PoweredOff)
}

func (m *Machine) ConsolidateDisks(ctx context.Context) error {
	m.ep.mu.Lock()
	defer m.ep.mu.Unlock()
	rec, err := m.record()
	if err != nil {
		return err
	}
	if m.ep.ConsolidateErr != nil {
		return m.ep.ConsolidateErr
	}
	if rec.state.HasSnapshot {
		return nil
	}
	for _, d := range rec.state.Devices {
		if d.Disk != nil && len(d.Disk.Chain) > 1 {
			top := d.Disk.Chain[0]
			if ds := m.ep.datastores[remote.DatastoreOf(top)]; ds != nil {
				ds.files[top] = ""
			}
			d.Disk.Chain = d.Disk.Chain[:1]
		}
	}
	return nil
}

func (m *Machine) Stats(ctx context.Context) (*remote.Stats, error) {
	st, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	s := &remote.Stats{HostMemoryMB: st.MemoryMB}
	if st.PoweredOn() {
		s.CPUUsageMHz = int64(st.NumCPUs) * 100
		s.GuestMemoryMB = st.MemoryMB / 2
		s.Uptime = time.Minute
	}
	return s, nil
}

func (m *Machine) Destroy(ctx context.Context) error {
	m.ep.mu.Lock()
	defer m.ep.mu.Unlock()
	rec, err := m.record()
	if err != nil {
		return err
	}
	if rec.state.PowerState == remote.PoweredOn {
		return errors.Errorf("invalid power state: cannot destroy powered on machine %s", m.name)
	}
	for _, d := range rec.state.Devices {
		if d.Disk == nil {
			continue
		}
		for _, f := range d.Disk.Chain {
			m.ep.removeFileLocked(f)
		}
	}
	delete(m.ep.machines, m.name)
	m.ep.Destroyed.Add(1)
	return nil
}

// applyLocked applies spec atomically: either every change lands or none.
func (e *Endpoint) applyLocked(rec *machineRecord, spec *remote.ConfigSpec) error {
	next := rec.state
	next.Devices = rec.state.Devices.Clone()
	next.ExtraConfig = maps.Clone(rec.state.ExtraConfig)
	if next.ExtraConfig == nil {
		next.ExtraConfig = map[string]string{}
	}

	if spec.GuestOS != "" {
		next.GuestOS = spec.GuestOS
	}
	if spec.NumCPUs != 0 {
		next.NumCPUs = spec.NumCPUs
	}
	if spec.MemoryMB != 0 {
		next.MemoryMB = spec.MemoryMB
	}
	if spec.CPUReservationMHz != nil {
		next.CPUReservationMHz = *spec.CPUReservationMHz
	}
	if spec.CPULimitMHz != nil {
		next.CPULimitMHz = *spec.CPULimitMHz
	}
	if spec.MemoryReservationMB != nil {
		next.MemoryReservationMB = *spec.MemoryReservationMB
	}
	if spec.Firmware != "" {
		next.Firmware = spec.Firmware
	}
	if spec.SecureBoot != nil {
		next.SecureBoot = *spec.SecureBoot
	}
	if spec.NestedHV != nil {
		next.NestedHV = *spec.NestedHV
	}
	if spec.CPUHotAdd != nil {
		next.CPUHotAdd = *spec.CPUHotAdd
	}
	if spec.MemoryHotAdd != nil {
		next.MemoryHotAdd = *spec.MemoryHotAdd
	}
	for k, v := range spec.ExtraConfig {
		if v == "" {
			delete(next.ExtraConfig, k)
			continue
		}
		next.ExtraConfig[k] = v
	}

	temp := map[int32]int32{}
	created := map[string]string{}
	var destroyed []string

	for i, change := range spec.DeviceChanges {
		d := change.Device.Clone()
		if d.ControllerKey < 0 {
			real, ok := temp[d.ControllerKey]
			if !ok {
				return errors.Errorf("invalid device spec %d: controller key %d not added before use", i, d.ControllerKey)
			}
			d.ControllerKey = real
		}

		switch change.Op {
		case remote.OpAdd:
			if d.Key < 0 {
				e.nextKey++
				temp[d.Key] = e.nextKey
				d.Key = e.nextKey
			} else if _, exists := next.Devices.ByKey(d.Key); exists {
				return errors.Errorf("invalid device spec %d: key %d already present", i, d.Key)
			}
			if err := e.checkPlacement(next.Devices, d); err != nil {
				return errors.Errorf("invalid device spec %d: %w", i, err)
			}
			if d.Disk != nil {
				if err := e.placeDisk(&next, &d, change.File, created); err != nil {
					return errors.Errorf("invalid device spec %d: %w", i, err)
				}
			}
			next.Devices = append(next.Devices, d)

		case remote.OpEdit:
			idx := -1
			for j := range next.Devices {
				if next.Devices[j].Key == d.Key {
					idx = j
				}
			}
			if idx < 0 {
				return errors.Errorf("invalid device spec %d: edit of unknown key %d", i, d.Key)
			}
			old := next.Devices[idx]
			if d.Disk != nil && old.Disk != nil && d.Disk.CapacityBytes < old.Disk.CapacityBytes {
				return errors.Errorf("invalid device spec %d: disk shrink not supported", i)
			}
			if d.Disk != nil && old.Disk != nil && d.Disk.CapacityBytes != old.Disk.CapacityBytes && next.PowerState == remote.PoweredOn {
				if c, ok := next.Devices.ByKey(old.ControllerKey); ok && c.Controller.Type.Family() == remote.FamilyIDE {
					return errors.Errorf("invalid device spec %d: hot extend of IDE disk", i)
				}
			}
			next.Devices[idx] = d

		case remote.OpRemove:
			kept := next.Devices[:0]
			found := false
			for _, cur := range next.Devices {
				if cur.Key == d.Key {
					found = true
					if change.File == remote.FileDestroy && cur.Disk != nil {
						destroyed = append(destroyed, cur.Disk.Chain...)
					}
					continue
				}
				kept = append(kept, cur)
			}
			if !found {
				return errors.Errorf("invalid device spec %d: remove of unknown key %d", i, d.Key)
			}
			next.Devices = kept
		}
	}

	for _, d := range next.Devices {
		if d.Kind == remote.KindDisk || d.Kind == remote.KindMedia {
			if _, ok := next.Devices.ByKey(d.ControllerKey); !ok {
				return errors.Errorf("device %d references missing controller %d", d.Key, d.ControllerKey)
			}
		}
	}

	for p, parent := range created {
		e.addFileLocked(p, parent)
	}
	for _, p := range destroyed {
		e.removeFileLocked(p)
	}
	for _, d := range next.Devices {
		if d.Disk != nil && d.Disk.Top() != "" {
			e.sizes[d.Disk.Top()] = d.Disk.CapacityBytes
		}
	}
	rec.state = next
	return nil
}

func (e *Endpoint) checkPlacement(inv remote.Inventory, d remote.Device) error {
	switch d.Kind {
	case remote.KindController:
		fam := d.Controller.Type.Family()
		ctrls := inv.Controllers(fam)
		if len(ctrls) >= fam.MaxControllers() {
			return errors.Errorf("too many %s controllers", fam)
		}
		for _, c := range ctrls {
			if c.Controller.BusNumber == d.Controller.BusNumber {
				return errors.Errorf("%s bus %d in use", fam, d.Controller.BusNumber)
			}
		}
	case remote.KindDisk, remote.KindMedia:
		c, ok := inv.ByKey(d.ControllerKey)
		if !ok {
			return errors.Errorf("controller %d not found", d.ControllerKey)
		}
		fam := c.Controller.Type.Family()
		if d.UnitNumber < 0 || d.UnitNumber >= fam.UnitsPerController() || fam.Reserved(d.UnitNumber) {
			return errors.Errorf("unit %d invalid on %s", d.UnitNumber, fam)
		}
		for _, other := range inv.Attached(c.Key) {
			if other.UnitNumber == d.UnitNumber {
				return errors.Errorf("unit %d on controller %d in use", d.UnitNumber, c.Key)
			}
		}
	case remote.KindNic:
		for _, other := range inv.OfKind(remote.KindNic) {
			if other.Nic.MAC == d.Nic.MAC && d.Nic.MAC != "" {
				return errors.Errorf("duplicate mac %s", d.Nic.MAC)
			}
		}
		if d.Nic.Network != "" && !e.networks[d.Nic.Network] {
			return errors.Errorf("network %s not found", d.Nic.Network)
		}
	}
	return nil
}

func (e *Endpoint) placeDisk(next *remote.MachineState, d *remote.Device, op remote.FileOperation, created map[string]string) error {
	switch op {
	case remote.FileCreate:
		ds := d.Disk.Datastore
		if ds == "" {
			ds = remote.DatastoreOf(d.Disk.Top())
		}
		if _, ok := e.datastores[ds]; !ok {
			return errors.Errorf("datastore %q not found", ds)
		}
		p := d.Disk.Top()
		if p == "" || p == remote.DatastorePath(ds, "") {
			p = e.genDiskPath(ds, next.Name, func(c string) bool {
				_, ok := created[c]
				return ok || e.fileExists(c)
			})
		}
		if _, ok := created[p]; ok || e.fileExists(p) {
			return errors.Errorf("file %s already exists", p)
		}
		created[p] = ""
		d.Disk.Chain = []string{p}
		d.Disk.Datastore = ds
	default:
		top := d.Disk.Top()
		if !e.fileExists(top) {
			return errors.Errorf("file %s not found", top)
		}
		var chain []string
		for cur := top; cur != ""; {
			chain = append(chain, cur)
			rec := e.datastores[remote.DatastoreOf(cur)]
			if rec == nil {
				break
			}
			cur = rec.files[cur]
		}
		d.Disk.Chain = chain
		d.Disk.Datastore = remote.DatastoreOf(top)
		if d.Disk.CapacityBytes == 0 {
			d.Disk.CapacityBytes = e.sizes[top]
		}
	}
	return nil
}

func (e *Endpoint) fileExists(p string) bool {
	ds := e.datastores[remote.DatastoreOf(p)]
	if ds == nil {
		return false
	}
	_, ok := ds.files[p]
	return ok
}
