package vsphere

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/methods"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Machine is a remote.Machine backed by a govmomi virtual machine.
type Machine struct {
	client *Client
	vm     *object.VirtualMachine
	name   string
}

var _ remote.Machine = (*Machine)(nil)

func (m *Machine) Ref() remote.Ref { return toRef(m.vm.Reference()) }

func (m *Machine) Name() string { return m.name }

func (m *Machine) State(ctx context.Context) (*remote.MachineState, error) {
	var mvm mo.VirtualMachine
	err := m.vm.Properties(ctx, m.vm.Reference(), []string{"name", "config", "runtime", "snapshot"}, &mvm)
	if err != nil {
		return nil, errors.Errorf("reading %s: %w", m.name, classify(err))
	}

	var host string
	if mvm.Runtime.Host != nil {
		host, err = object.NewHostSystem(m.vm.Client(), *mvm.Runtime.Host).ObjectName(ctx)
		if err != nil {
			return nil, errors.Errorf("reading host of %s: %w", m.name, classify(err))
		}
	}
	return fromMachine(&mvm, host), nil
}

func (m *Machine) Configure(ctx context.Context, spec *remote.ConfigSpec) error {
	devices, err := m.vm.Device(ctx)
	if err != nil {
		return errors.Errorf("reading devices of %s: %w", m.name, classify(err))
	}
	nets, err := m.client.networks(ctx, nicNetworks(spec))
	if err != nil {
		return err
	}
	cfg, err := toConfigSpec(spec, devices, nets)
	if err != nil {
		return errors.Errorf("building config for %s: %w", m.name, err)
	}

	task, err := m.vm.Reconfigure(ctx, cfg)
	if err != nil {
		return errors.Errorf("reconfiguring %s: %w", m.name, classify(err))
	}
	if err := task.Wait(ctx); err != nil {
		return errors.Errorf("reconfiguring %s: %w", m.name, classify(err))
	}

	zerolog.Ctx(ctx).Debug().Str("vm", m.name).Int("device_changes", len(cfg.DeviceChange)).Msg("machine reconfigured")
	return nil
}

func (m *Machine) datastoreRef(ctx context.Context, name string) (*types.ManagedObjectReference, error) {
	ds, err := m.client.finder.Datastore(ctx, name)
	if err != nil {
		return nil, errors.Errorf("finding datastore %s: %w", name, classify(err))
	}
	ref := ds.Reference()
	return &ref, nil
}

func (m *Machine) Relocate(ctx context.Context, spec *remote.RelocateSpec) error {
	var rs types.VirtualMachineRelocateSpec

	if spec.Host != "" {
		h, err := m.client.host(ctx, spec.Host)
		if err != nil {
			return err
		}
		pool, err := h.ResourcePool(ctx)
		if err != nil {
			return errors.Errorf("resource pool of %s: %w", spec.Host, classify(err))
		}
		hr, pr := h.Reference(), pool.Reference()
		rs.Host, rs.Pool = &hr, &pr
	}
	if spec.Datastore != "" {
		ref, err := m.datastoreRef(ctx, spec.Datastore)
		if err != nil {
			return err
		}
		rs.Datastore = ref
	}
	for _, loc := range spec.Disks {
		ref, err := m.datastoreRef(ctx, loc.Datastore)
		if err != nil {
			return err
		}
		rs.Disk = append(rs.Disk, types.VirtualMachineRelocateSpecDiskLocator{
			DiskId:    loc.DeviceKey,
			Datastore: *ref,
		})
	}

	task, err := m.vm.Relocate(ctx, rs, types.VirtualMachineMovePriorityDefaultPriority)
	if err != nil {
		return errors.Errorf("relocating %s: %w", m.name, classify(err))
	}
	if err := task.Wait(ctx); err != nil {
		return errors.Errorf("relocating %s: %w", m.name, classify(err))
	}
	return nil
}

func (m *Machine) wait(ctx context.Context, op string, task *object.Task, err error) error {
	if err != nil {
		return errors.Errorf("%s %s: %w", op, m.name, classify(err))
	}
	if err := task.Wait(ctx); err != nil {
		return errors.Errorf("%s %s: %w", op, m.name, classify(err))
	}
	return nil
}

func (m *Machine) PowerOn(ctx context.Context) error {
	task, err := m.vm.PowerOn(ctx)
	return m.wait(ctx, "powering on", task, err)
}

func (m *Machine) PowerOff(ctx context.Context) error {
	task, err := m.vm.PowerOff(ctx)
	return m.wait(ctx, "powering off", task, err)
}

func (m *Machine) ShutdownGuest(ctx context.Context) error {
	if err := m.vm.ShutdownGuest(ctx); err != nil {
		return errors.Errorf("shutting down guest of %s: %w", m.name, classify(err))
	}
	return nil
}

func (m *Machine) ConsolidateDisks(ctx context.Context) error {
	req := types.ConsolidateVMDisks_Task{This: m.vm.Reference()}
	res, err := methods.ConsolidateVMDisks_Task(ctx, m.vm.Client(), &req)
	if err != nil {
		return errors.Errorf("consolidating disks of %s: %w", m.name, classify(err))
	}
	return m.wait(ctx, "consolidating disks of", object.NewTask(m.vm.Client(), res.Returnval), nil)
}

func (m *Machine) Stats(ctx context.Context) (*remote.Stats, error) {
	var mvm mo.VirtualMachine
	if err := m.vm.Properties(ctx, m.vm.Reference(), []string{"summary"}, &mvm); err != nil {
		return nil, errors.Errorf("reading stats of %s: %w", m.name, classify(err))
	}

	q := mvm.Summary.QuickStats
	st := &remote.Stats{
		CPUUsageMHz:   int64(q.OverallCpuUsage),
		GuestMemoryMB: int64(q.GuestMemoryUsage),
		HostMemoryMB:  int64(q.HostMemoryUsage),
		Uptime:        time.Duration(q.UptimeSeconds) * time.Second,
	}
	if mvm.Summary.Storage != nil {
		st.CommittedBytes = mvm.Summary.Storage.Committed
	}
	return st, nil
}

func (m *Machine) Destroy(ctx context.Context) error {
	task, err := m.vm.Destroy(ctx)
	return m.wait(ctx, "destroying", task, err)
}
