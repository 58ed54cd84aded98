package dispatch

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/command"
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/planner"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
	"github.com/walteh/cloudstack-vmware-agent/pkg/session"
)

func (d *Dispatcher) registerDefaults() {
	d.Register(command.KindReady, typed(d.ready))
	d.Register(command.KindStart, typed(d.start))
	d.Register(command.KindStop, typed(d.stop))
	d.Register(command.KindReboot, typed(d.reboot))
	d.Register(command.KindScaleVm, typed(d.scale))
	d.Register(command.KindCheckVirtualMachine, typed(d.check))
	d.Register(command.KindGetVmStats, typed(d.stats))
	d.Register(command.KindAttachIso, typed(d.attachIso))
	d.Register(command.KindPlugNic, typed(d.plugNic))
	d.Register(command.KindUnplugNic, typed(d.unplugNic))
	d.Register(command.KindResizeVolume, typed(d.resizeVolume))
	d.Register(command.KindMigrateWithStorage, typed(d.migrateWithStorage))
	d.Register(command.KindMigrateVolume, typed(d.migrateVolume))
	d.Register(command.KindMountStore, typed(d.mountStore))
}

func (d *Dispatcher) planner(sess *session.Session) *planner.Planner {
	return planner.New(sess.Client(), d.opts.Planner)
}

func (d *Dispatcher) lock(name string) func() {
	return d.opts.Planner.Locks.Lock(name)
}

func findMachine(ctx context.Context, client remote.Client, name string) (remote.Machine, *remote.MachineState, error) {
	m, err := client.FindMachine(ctx, name)
	if err != nil {
		return nil, nil, errors.Errorf("finding %s: %w", name, err)
	}
	state, err := m.State(ctx)
	if err != nil {
		return nil, nil, errors.Errorf("reading state of %s: %w", name, err)
	}
	return m, state, nil
}

func (d *Dispatcher) ready(ctx context.Context, sess *session.Session, cmd *command.ReadyCommand) (*command.Answer, error) {
	about, err := sess.Client().About(ctx)
	if err != nil {
		return nil, errors.Errorf("reading endpoint identity: %w", err)
	}
	return command.Succeed("%s api %s, %d management references", about.Product, about.APIVersion, len(sess.AuxRefs())), nil
}

func (d *Dispatcher) start(ctx context.Context, sess *session.Session, cmd *command.StartCommand) (*command.Answer, error) {
	res, err := d.planner(sess).Converge(ctx, &cmd.Spec)
	if err != nil {
		return nil, err
	}

	ans := command.Succeed("%s converged", cmd.Spec.Name)
	if !res.Changed {
		ans = command.Succeed("%s already matches its target", cmd.Spec.Name)
	}
	ans.Warnings = res.Warnings
	ans.PowerState = res.State.PowerState
	ans.Host = res.State.Host
	ans.Volumes = lo.Map(res.Disks, func(r planner.DiskResult, _ int) command.VolumeResult {
		return command.VolumeResult{
			Role:      string(r.Role),
			Action:    string(r.Action),
			Path:      r.Path,
			Datastore: r.Datastore,
			SizeBytes: r.SizeBytes,
			ChainInfo: r.ChainInfo,
		}
	})
	return ans, nil
}

func (d *Dispatcher) stop(ctx context.Context, sess *session.Session, cmd *command.StopCommand) (*command.Answer, error) {
	defer d.lock(cmd.VMName)()

	m, state, err := findMachine(ctx, sess.Client(), cmd.VMName)
	if fault.Classify(err) == fault.KindNotFound {
		ans := command.Succeed("%s is not present", cmd.VMName)
		ans.PowerState = remote.PoweredOff
		return ans, nil
	}
	if err != nil {
		return nil, err
	}

	if state.PoweredOn() {
		if cmd.Force {
			if err := m.PowerOff(ctx); err != nil {
				return nil, errors.Errorf("powering off %s: %w", cmd.VMName, err)
			}
		} else if err := planner.PowerDown(ctx, m, d.opts.Planner.Power); err != nil {
			return nil, err
		}
	}

	ans := command.Succeed("%s stopped", cmd.VMName)
	ans.PowerState = remote.PoweredOff
	ans.Host = state.Host
	return ans, nil
}

func (d *Dispatcher) reboot(ctx context.Context, sess *session.Session, cmd *command.RebootCommand) (*command.Answer, error) {
	defer d.lock(cmd.VMName)()

	m, state, err := findMachine(ctx, sess.Client(), cmd.VMName)
	if err != nil {
		return nil, err
	}
	if !state.PoweredOn() {
		return nil, fault.Validationf("%s is not running", cmd.VMName)
	}
	if err := planner.PowerDown(ctx, m, d.opts.Planner.Power); err != nil {
		return nil, err
	}
	if _, err := planner.PowerUp(ctx, m); err != nil {
		return nil, err
	}

	ans := command.Succeed("%s rebooted", cmd.VMName)
	ans.PowerState = remote.PoweredOn
	return ans, nil
}

func (d *Dispatcher) scale(ctx context.Context, sess *session.Session, cmd *command.ScaleVmCommand) (*command.Answer, error) {
	defer d.lock(cmd.VMName)()

	m, state, err := findMachine(ctx, sess.Client(), cmd.VMName)
	if err != nil {
		return nil, err
	}

	cfg, err := planner.ScaleConfig(state, planner.Compute{
		CPUs:        cmd.CPUs,
		CPUSpeedMHz: cmd.CPUSpeedMHz,
		LimitCPU:    cmd.LimitCPU,
		MinMemoryMB: cmd.MinMemoryMB,
		MaxMemoryMB: cmd.MaxMemoryMB,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Empty() {
		return command.Succeed("%s already has %d cpus and %d MB", cmd.VMName, cmd.CPUs, cmd.MaxMemoryMB), nil
	}
	if err := m.Configure(ctx, cfg); err != nil {
		return nil, errors.Errorf("scaling %s: %w", cmd.VMName, err)
	}
	return command.Succeed("%s scaled to %d cpus and %d MB", cmd.VMName, cmd.CPUs, cmd.MaxMemoryMB), nil
}

func (d *Dispatcher) check(ctx context.Context, sess *session.Session, cmd *command.CheckVirtualMachineCommand) (*command.Answer, error) {
	_, state, err := findMachine(ctx, sess.Client(), cmd.VMName)
	if err != nil {
		return nil, err
	}
	ans := command.Succeed("%s is %s on %s", cmd.VMName, state.PowerState, state.Host)
	ans.PowerState = state.PowerState
	ans.Host = state.Host
	return ans, nil
}

func (d *Dispatcher) stats(ctx context.Context, sess *session.Session, cmd *command.GetVmStatsCommand) (*command.Answer, error) {
	logger := zerolog.Ctx(ctx)

	out := map[string]*remote.Stats{}
	for _, name := range lo.Uniq(cmd.VMNames) {
		m, err := sess.Client().FindMachine(ctx, name)
		if fault.Classify(err) == fault.KindNotFound {
			logger.Debug().Str("machine", name).Msg("skipping stats of absent machine")
			continue
		}
		if err != nil {
			return nil, errors.Errorf("finding %s: %w", name, err)
		}
		s, err := m.Stats(ctx)
		if err != nil {
			return nil, errors.Errorf("reading stats of %s: %w", name, err)
		}
		out[name] = s
	}

	ans := command.Succeed("stats for %d of %d machines", len(out), len(cmd.VMNames))
	ans.Stats = out
	return ans, nil
}

func (d *Dispatcher) attachIso(ctx context.Context, sess *session.Session, cmd *command.AttachIsoCommand) (*command.Answer, error) {
	defer d.lock(cmd.VMName)()

	m, state, err := findMachine(ctx, sess.Client(), cmd.VMName)
	if err != nil {
		return nil, err
	}

	media := state.Devices.OfKind(remote.KindMedia)
	if len(media) == 0 {
		return nil, fault.Capabilityf("%s has no removable-media device", cmd.VMName)
	}

	iso := ""
	if cmd.Attach {
		iso = cmd.ISOPath
	}
	if media[0].Media.ISOPath == iso {
		return command.Succeed("%s media unchanged", cmd.VMName), nil
	}

	edited := media[0].Clone()
	edited.Media.ISOPath = iso
	err = m.Configure(ctx, &remote.ConfigSpec{DeviceChanges: []remote.DeviceChange{{Op: remote.OpEdit, Device: edited}}})
	if err != nil {
		return nil, errors.Errorf("changing media of %s: %w", cmd.VMName, err)
	}
	if iso == "" {
		return command.Succeed("media ejected from %s", cmd.VMName), nil
	}
	return command.Succeed("%s inserted into %s", iso, cmd.VMName), nil
}

// maskChange returns the extra-config update persisting table, or nil when
// the stored mask already matches.
func maskChange(state *remote.MachineState, table *planner.SlotTable) map[string]string {
	have := state.ExtraConfig[planner.NicMaskTag]
	if have == "" {
		have = "0"
	}
	if want := table.Tag(); want != have {
		return map[string]string{planner.NicMaskTag: want}
	}
	return nil
}

func (d *Dispatcher) plugNic(ctx context.Context, sess *session.Session, cmd *command.PlugNicCommand) (*command.Answer, error) {
	defer d.lock(cmd.VMName)()

	client := sess.Client()
	m, state, err := findMachine(ctx, client, cmd.VMName)
	if err != nil {
		return nil, err
	}

	if nic, ok := lo.Find(state.Devices.OfKind(remote.KindNic), func(dev remote.Device) bool { return dev.Nic.MAC == cmd.Nic.MAC }); ok {
		ans := command.Succeed("nic %s already plugged into %s", cmd.Nic.MAC, cmd.VMName)
		ans.NicIndex = lo.ToPtr(nic.UnitNumber)
		return ans, nil
	}

	table := planner.LoadSlotTable(state)
	idx, err := table.Allocate(cmd.Nic.Public)
	if err != nil {
		return nil, err
	}

	network, err := client.EnsureNetwork(ctx, remote.NetworkSpec{Name: cmd.Nic.Network, VLAN: cmd.Nic.VLAN})
	if err != nil {
		return nil, errors.Errorf("ensuring network %s: %w", cmd.Nic.Network, err)
	}

	cfg := &remote.ConfigSpec{
		ExtraConfig: maskChange(state, table),
		DeviceChanges: []remote.DeviceChange{{Op: remote.OpAdd, Device: remote.Device{
			Key:        -1,
			Kind:       remote.KindNic,
			UnitNumber: idx,
			Nic: &remote.NicInfo{
				Adapter:   cmd.Nic.AdapterType(),
				MAC:       cmd.Nic.MAC,
				Network:   network,
				Connected: true,
			},
		}}},
	}
	if err := m.Configure(ctx, cfg); err != nil {
		return nil, errors.Errorf("plugging nic into %s: %w", cmd.VMName, err)
	}

	ans := command.Succeed("nic %s plugged into %s at index %d", cmd.Nic.MAC, cmd.VMName, idx)
	ans.NicIndex = lo.ToPtr(idx)
	return ans, nil
}

func (d *Dispatcher) unplugNic(ctx context.Context, sess *session.Session, cmd *command.UnplugNicCommand) (*command.Answer, error) {
	defer d.lock(cmd.VMName)()

	m, state, err := findMachine(ctx, sess.Client(), cmd.VMName)
	if err != nil {
		return nil, err
	}

	nic, ok := lo.Find(state.Devices.OfKind(remote.KindNic), func(dev remote.Device) bool { return dev.Nic.MAC == cmd.MAC })
	if !ok {
		return command.Succeed("nic %s is not plugged into %s", cmd.MAC, cmd.VMName), nil
	}

	table := planner.LoadSlotTable(state)
	table.Release(nic.UnitNumber)

	cfg := &remote.ConfigSpec{
		ExtraConfig:   maskChange(state, table),
		DeviceChanges: []remote.DeviceChange{{Op: remote.OpRemove, Device: nic}},
	}
	if err := m.Configure(ctx, cfg); err != nil {
		return nil, errors.Errorf("unplugging nic from %s: %w", cmd.VMName, err)
	}
	return command.Succeed("nic %s unplugged from %s", cmd.MAC, cmd.VMName), nil
}
