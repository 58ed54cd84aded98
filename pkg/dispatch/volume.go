package dispatch

import (
	"context"

	"github.com/samber/lo"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/chain"
	"github.com/walteh/cloudstack-vmware-agent/pkg/command"
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/planner"
	"github.com/walteh/cloudstack-vmware-agent/pkg/relocate"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
	"github.com/walteh/cloudstack-vmware-agent/pkg/session"
)

func resolveVolume(ctx context.Context, client remote.Client, v command.Volume, disks remote.Inventory) (*chain.Record, error) {
	rec, err := chain.NewResolver(client).Resolve(ctx, chain.Query{
		Datastore: v.Datastore,
		PathHint:  v.Path,
		ChainInfo: v.ChainInfo,
		Disks:     disks,
	})
	if err != nil {
		return nil, err
	}
	if !rec.Found() {
		return nil, fault.StaleReferencef("volume %s not found", v.Path)
	}
	return rec, nil
}

// attachedDisk resolves v among the disks of state.
func attachedDisk(ctx context.Context, client remote.Client, v command.Volume, state *remote.MachineState) (remote.Device, error) {
	rec, err := resolveVolume(ctx, client, v, state.Devices)
	if err != nil {
		return remote.Device{}, err
	}
	dev, ok := state.Devices.ByKey(rec.DeviceKey)
	if rec.DeviceKey == 0 || !ok {
		return remote.Device{}, fault.StaleReferencef("volume %s is not attached to %s", rec.Top(), state.Name)
	}
	return dev, nil
}

// detachedDisk describes a volume no machine holds, reading its capacity
// from the datastore so it can be validated without a worker.
func detachedDisk(ctx context.Context, client remote.Client, rec *chain.Record) (remote.Device, error) {
	ds, err := client.Datastore(ctx, rec.Datastore)
	if err != nil {
		return remote.Device{}, errors.Errorf("looking up datastore %s: %w", rec.Datastore, err)
	}
	files, err := ds.Disks(ctx, remote.DirOf(rec.Top()))
	if err != nil {
		return remote.Device{}, errors.Errorf("reading capacity of %s: %w", rec.Top(), err)
	}
	file, ok := lo.Find(files, func(f remote.DiskFile) bool { return f.Path == rec.Top() })
	if !ok {
		return remote.Device{}, fault.StaleReferencef("volume %s is no longer on %s", rec.Top(), rec.Datastore)
	}
	return remote.Device{
		Kind: remote.KindDisk,
		Disk: &remote.DiskInfo{
			CapacityBytes: file.CapacityBytes,
			Chain:         rec.Chain,
			Datastore:     rec.Datastore,
		},
	}, nil
}

func volumeResult(inv remote.Inventory, dev remote.Device, busName bool) command.VolumeResult {
	info := chain.Info{DiskChain: dev.Disk.Chain}
	if busName {
		info.DiskDeviceBusName = inv.BusName(dev)
	}
	return command.VolumeResult{
		Path:      dev.Disk.Top(),
		Datastore: dev.Disk.Datastore,
		SizeBytes: dev.Disk.CapacityBytes,
		ChainInfo: info.String(),
	}
}

func resize(ctx context.Context, m remote.Machine, state *remote.MachineState, dev remote.Device, size int64, live bool) (remote.Device, error) {
	if err := planner.ValidateResize(state.Devices, dev, size, live); err != nil {
		return dev, err
	}
	if size == dev.Disk.CapacityBytes {
		return dev, nil
	}
	grown := dev.Clone()
	grown.Disk.CapacityBytes = size
	err := m.Configure(ctx, &remote.ConfigSpec{DeviceChanges: []remote.DeviceChange{{Op: remote.OpEdit, Device: grown}}})
	if err != nil {
		return dev, errors.Errorf("resizing %s: %w", dev.Disk.Top(), err)
	}
	return grown, nil
}

func (d *Dispatcher) resizeVolume(ctx context.Context, sess *session.Session, cmd *command.ResizeVolumeCommand) (*command.Answer, error) {
	client := sess.Client()

	if cmd.VMName != "" {
		defer d.lock(cmd.VMName)()

		m, state, err := findMachine(ctx, client, cmd.VMName)
		if err != nil {
			return nil, err
		}
		dev, err := attachedDisk(ctx, client, cmd.Volume, state)
		if err != nil {
			return nil, err
		}
		grown, err := resize(ctx, m, state, dev, cmd.NewSizeBytes, state.PoweredOn())
		if err != nil {
			return nil, err
		}
		ans := command.Succeed("%s resized to %d bytes", grown.Disk.Top(), cmd.NewSizeBytes)
		ans.Volumes = []command.VolumeResult{volumeResult(state.Devices, grown, true)}
		return ans, nil
	}

	rec, err := resolveVolume(ctx, client, cmd.Volume, nil)
	if err != nil {
		return nil, err
	}
	dev, err := detachedDisk(ctx, client, rec)
	if err != nil {
		return nil, err
	}
	if err := planner.ValidateResize(nil, dev, cmd.NewSizeBytes, false); err != nil {
		return nil, err
	}
	if cmd.NewSizeBytes == dev.Disk.CapacityBytes {
		ans := command.Succeed("%s is already %d bytes", rec.Top(), cmd.NewSizeBytes)
		ans.Volumes = []command.VolumeResult{volumeResult(nil, dev, false)}
		return ans, nil
	}

	var result command.VolumeResult
	err = d.opts.Workers.WithWorker(ctx, client, rec.Datastore, rec.Top(), func(ctx context.Context, w remote.Machine) error {
		state, err := w.State(ctx)
		if err != nil {
			return errors.Errorf("reading worker state: %w", err)
		}
		dev, ok := lo.Find(state.Devices.OfKind(remote.KindDisk), func(dev remote.Device) bool { return dev.Disk.Top() == rec.Top() })
		if !ok {
			return errors.Errorf("worker is missing %s", rec.Top())
		}
		grown, err := resize(ctx, w, state, dev, cmd.NewSizeBytes, false)
		if err != nil {
			return err
		}
		result = volumeResult(state.Devices, grown, false)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ans := command.Succeed("%s resized to %d bytes", rec.Top(), cmd.NewSizeBytes)
	ans.Volumes = []command.VolumeResult{result}
	return ans, nil
}

func relocatedVolumes(res *relocate.Result, busName bool) []command.VolumeResult {
	return lo.Map(res.Disks, func(p relocate.DiskPath, _ int) command.VolumeResult {
		dev, _ := res.State.Devices.ByKey(p.DeviceKey)
		return volumeResult(res.State.Devices, dev, busName)
	})
}

func (d *Dispatcher) migrateWithStorage(ctx context.Context, sess *session.Session, cmd *command.MigrateWithStorageCommand) (*command.Answer, error) {
	defer d.lock(cmd.VMName)()

	client := sess.Client()
	m, err := client.FindMachine(ctx, cmd.VMName)
	if err != nil {
		return nil, errors.Errorf("finding %s: %w", cmd.VMName, err)
	}

	res, err := relocate.Relocate(ctx, client, m, cmd.TargetHost, cmd.Volumes)
	if res == nil {
		return nil, err
	}

	ans := command.Succeed("%s migrated to %s", cmd.VMName, res.State.Host)
	ans.Host = res.State.Host
	ans.PowerState = res.State.PowerState
	ans.Volumes = relocatedVolumes(res, true)
	return ans, err
}

func (d *Dispatcher) migrateVolume(ctx context.Context, sess *session.Session, cmd *command.MigrateVolumeCommand) (*command.Answer, error) {
	client := sess.Client()

	if cmd.VMName != "" {
		defer d.lock(cmd.VMName)()

		m, state, err := findMachine(ctx, client, cmd.VMName)
		if err != nil {
			return nil, err
		}
		dev, err := attachedDisk(ctx, client, cmd.Volume, state)
		if err != nil {
			return nil, err
		}
		top := dev.Disk.Top()

		res, err := relocate.Relocate(ctx, client, m, "", map[string]string{top: cmd.TargetDatastore})
		if res == nil {
			return nil, err
		}
		return migratedVolume(res, top, cmd.TargetDatastore, true), err
	}

	rec, err := resolveVolume(ctx, client, cmd.Volume, nil)
	if err != nil {
		return nil, err
	}
	top := rec.Top()

	var res *relocate.Result
	err = d.opts.Workers.WithWorker(ctx, client, rec.Datastore, top, func(ctx context.Context, w remote.Machine) error {
		var err error
		res, err = relocate.Relocate(ctx, client, w, "", map[string]string{top: cmd.TargetDatastore})
		return err
	})
	if res == nil {
		return nil, err
	}
	return migratedVolume(res, top, cmd.TargetDatastore, false), err
}

func migratedVolume(res *relocate.Result, top, target string, busName bool) *command.Answer {
	ans := command.Succeed("%s moved to %s", top, target)
	if p, ok := res.Path(top); ok {
		dev, _ := res.State.Devices.ByKey(p.DeviceKey)
		ans.Volumes = []command.VolumeResult{volumeResult(res.State.Devices, dev, busName)}
	}
	return ans
}

func (d *Dispatcher) mountStore(ctx context.Context, sess *session.Session, cmd *command.MountStoreCommand) (*command.Answer, error) {
	ref, err := sess.Client().MountStore(ctx, cmd.URL)
	if err != nil {
		return nil, errors.Errorf("mounting %s: %w", cmd.URL, err)
	}
	ans := command.Succeed("%s mounted as %s", cmd.URL, ref.Name)
	ans.Datastore = &ref
	return ans, nil
}
