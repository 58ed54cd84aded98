package planner

import (
	"context"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/chain"
	"github.com/walteh/cloudstack-vmware-agent/pkg/control"
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// DiskResult reports where a spec disk ended up.
type DiskResult struct {
	Index     int        `json:"index"`
	Role      DiskRole   `json:"role"`
	Action    DiskAction `json:"action"`
	Path      string     `json:"path"`
	Datastore string     `json:"datastore"`
	SizeBytes int64      `json:"sizeBytes"`
	ChainInfo string     `json:"chainInfo"`
}

// Result is the outcome of Converge.
type Result struct {
	State    *remote.MachineState `json:"state"`
	Disks    []DiskResult         `json:"disks"`
	Warnings []string             `json:"warnings,omitempty"`
	// Changed is false when the machine already matched its target.
	Changed bool `json:"changed"`
}

// Apply submits plan as one configuration call: a create when the machine is
// absent, a reconfigure otherwise. A failed call aborts with the endpoint's
// error; nothing is retried.
func (p *Planner) Apply(ctx context.Context, machine remote.Machine, plan *Plan) (remote.Machine, error) {
	logger := zerolog.Ctx(ctx).With().Str("machine", plan.Name).Logger()

	if plan.Create {
		logger.Info().Int("device_changes", len(plan.Config.DeviceChanges)).Msg("creating machine")
		m, err := p.client.CreateMachine(ctx, &plan.Config)
		if err != nil {
			return nil, errors.Errorf("creating %s: %w", plan.Name, err)
		}
		return m, nil
	}

	if machine == nil {
		return nil, errors.Errorf("reconfiguring %s: no machine handle", plan.Name)
	}
	if plan.Config.Empty() {
		return machine, nil
	}

	for _, c := range plan.Config.DeviceChanges {
		logger.Debug().Stringer("change", c).Msg("device change")
	}
	logger.Info().Int("device_changes", len(plan.Config.DeviceChanges)).Msg("reconfiguring machine")
	if err := machine.Configure(ctx, &plan.Config); err != nil {
		return nil, errors.Errorf("reconfiguring %s: %w", plan.Name, err)
	}
	return machine, nil
}

// Converge brings the machine named by spec to spec: plan, power down when
// needed, apply, power up and, for system appliances, wait for the control
// channel and run the patch step.
func (p *Planner) Converge(ctx context.Context, spec *MachineSpec) (*Result, error) {
	logger := zerolog.Ctx(ctx).With().Str("machine", spec.Name).Logger()
	ctx = logger.WithContext(ctx)

	unlock := p.opts.Locks.Lock(spec.Name)
	defer unlock()

	machine, existing, err := p.find(ctx, spec.Name)
	if err != nil {
		return nil, err
	}

	plan, err := p.Plan(ctx, spec, existing)
	if err != nil {
		return nil, err
	}

	if !plan.Empty() && existing.PoweredOn() && !spec.Live {
		if err := PowerDown(ctx, machine, p.opts.Power); err != nil {
			return nil, err
		}
	}

	machine, err = p.Apply(ctx, machine, plan)
	if err != nil {
		return nil, err
	}

	booted := false
	if !spec.Live {
		booted, err = PowerUp(ctx, machine)
		if err != nil {
			return nil, err
		}
	}

	if booted && !spec.EndUser && spec.ControlAddress != "" && p.opts.Runner != nil {
		if err := control.Probe(ctx, p.opts.Runner, spec.ControlAddress, p.opts.Probe); err != nil {
			return nil, errors.Errorf("post-boot readiness of %s: %w", spec.Name, err)
		}
		if spec.PatchChecksum != "" {
			if err := control.Patch(ctx, p.opts.Runner, spec.ControlAddress, p.opts.PatchScript, spec.PatchChecksum, p.opts.PatchTimeout); err != nil {
				return nil, errors.Errorf("post-boot patch of %s: %w", spec.Name, err)
			}
		}
	}

	final, err := machine.State(ctx)
	if err != nil {
		return nil, errors.Errorf("reading state of %s: %w", spec.Name, err)
	}

	p.checkConvergence(ctx, spec, final)

	return &Result{
		State:    final,
		Disks:    diskResults(plan, final),
		Warnings: plan.Warnings,
		Changed:  !plan.Empty(),
	}, nil
}

func (p *Planner) find(ctx context.Context, name string) (remote.Machine, *remote.MachineState, error) {
	machine, err := p.client.FindMachine(ctx, name)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, errors.Errorf("looking up %s: %w", name, err)
	}
	state, err := machine.State(ctx)
	if err != nil {
		return nil, nil, errors.Errorf("reading state of %s: %w", name, err)
	}
	return machine, state, nil
}

// checkConvergence re-plans against the applied state and logs any change
// the endpoint did not take.
func (p *Planner) checkConvergence(ctx context.Context, spec *MachineSpec, final *remote.MachineState) {
	logger := zerolog.Ctx(ctx)

	again, err := p.Plan(ctx, spec, final)
	if err != nil {
		logger.Warn().Err(err).Msg("re-planning after apply")
		return
	}
	if again.Empty() {
		return
	}
	diff := cmp.Diff(remote.ConfigSpec{}, again.Config, cmpopts.EquateEmpty())
	logger.Warn().Str("drift", diff).Msg("machine did not converge")
}

func diskResults(plan *Plan, final *remote.MachineState) []DiskResult {
	var out []DiskResult
	for _, o := range plan.Disks {
		r := DiskResult{Index: o.Index, Role: o.Role, Action: o.Action}
		for _, d := range final.Devices.OfKind(remote.KindDisk) {
			if final.Devices.BusName(d) != o.BusName() {
				continue
			}
			info := chain.Info{DiskDeviceBusName: o.BusName(), DiskChain: d.Disk.Chain}
			r.Path = d.Disk.Top()
			r.Datastore = d.Disk.Datastore
			r.SizeBytes = d.Disk.CapacityBytes
			r.ChainInfo = info.String()
		}
		out = append(out, r)
	}
	return out
}
