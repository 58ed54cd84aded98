// Package relocate moves a machine between hosts and its disks between
// datastores.
package relocate

import (
	"context"
	"slices"

	"github.com/blang/semver/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/chain"
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/planner"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Endpoints below this version cannot change host and storage in one call.
var combinedMoveMinAPI = semver.MustParse("5.1.0")

// DiskPath is where one disk lives after a relocation.
type DiskPath struct {
	DeviceKey int32  `json:"deviceKey"`
	BusName   string `json:"busName"`
	Path      string `json:"path"`
	Datastore string `json:"datastore"`
	ChainInfo string `json:"chainInfo"`
}

// Result is the outcome of Relocate, returned even when a later step fails.
type Result struct {
	State    *remote.MachineState
	Disks    []DiskPath
	Warnings []string
	// Calls is the number of relocate calls made.
	Calls int
}

// Path returns the final location of the disk that was at p, matched by
// base name against the disks' chains.
func (r *Result) Path(p string) (DiskPath, bool) {
	for _, d := range r.Disks {
		dev, ok := r.State.Devices.ByKey(d.DeviceKey)
		if ok && matches(dev, p) {
			return d, true
		}
	}
	return DiskPath{}, false
}

func matches(d remote.Device, p string) bool {
	if d.Disk == nil {
		return false
	}
	base := remote.BaseName(p)
	return slices.ContainsFunc(d.Disk.Chain, func(f string) bool {
		return f == p || remote.BaseName(f) == base
	})
}

// PlanRelocation builds the relocation spec for existing. targets maps a
// volume path, or its base name, to the datastore it must end up on. Every
// disk gets a locator; disks not listed are pinned to their current
// datastore. The machine home follows the first disk that lives on it.
func PlanRelocation(existing *remote.MachineState, targetHost string, targets map[string]string) (*remote.RelocateSpec, error) {
	if existing == nil {
		return nil, fault.Validationf("relocating a machine that does not exist")
	}

	disks := existing.Devices.OfKind(remote.KindDisk)
	spec := &remote.RelocateSpec{}
	if targetHost != "" && targetHost != existing.Host {
		spec.Host = targetHost
	}

	claimed := map[string]bool{}
	for _, d := range disks {
		ds := d.Disk.Datastore
		for p, target := range targets {
			if matches(d, p) {
				ds = target
				claimed[p] = true
			}
		}
		spec.Disks = append(spec.Disks, remote.DiskLocator{DeviceKey: d.Key, Datastore: ds})
	}

	missing := lo.Filter(lo.Keys(targets), func(p string, _ int) bool { return !claimed[p] })
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fault.StaleReferencef("volumes %v are not attached to %s", missing, existing.Name)
	}

	home, ok := lo.Find(disks, func(d remote.Device) bool { return d.Disk.Datastore == existing.Datastore })
	if ok {
		loc, _ := lo.Find(spec.Disks, func(l remote.DiskLocator) bool { return l.DeviceKey == home.Key })
		if loc.Datastore != existing.Datastore {
			spec.Datastore = loc.Datastore
		}
	}
	return spec, nil
}

// Relocate moves machine to targetHost and the listed volumes to their
// target datastores, then consolidates its disks. Endpoints that cannot
// combine both moves get a storage move followed by a host move; each step is
// skipped when a previous attempt already completed it.
//
// A consolidation failure after a successful move returns the result together
// with a partial-result error.
func Relocate(ctx context.Context, client remote.Client, machine remote.Machine, targetHost string, targets map[string]string) (*Result, error) {
	logger := zerolog.Ctx(ctx).With().Str("machine", machine.Name()).Logger()

	about, err := client.About(ctx)
	if err != nil {
		return nil, errors.Errorf("reading endpoint version: %w", err)
	}

	state, err := machine.State(ctx)
	if err != nil {
		return nil, errors.Errorf("reading state of %s: %w", machine.Name(), err)
	}

	spec, err := PlanRelocation(state, targetHost, targets)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	movesHost := spec.MovesHost()
	movesStorage := spec.MovesStorage(state)

	switch {
	case !movesHost && !movesStorage:
		logger.Info().Msg("machine already in place")
	case movesHost && movesStorage && !planner.APIAtLeast(about.APIVersion, combinedMoveMinAPI):
		logger.Info().Str("api", about.APIVersion).Msg("splitting relocation into storage and host moves")

		storage := &remote.RelocateSpec{Datastore: spec.Datastore, Disks: spec.Disks}
		if err := machine.Relocate(ctx, storage); err != nil {
			return nil, errors.Errorf("moving storage of %s: %w", machine.Name(), err)
		}
		res.Calls++

		if err := machine.Relocate(ctx, &remote.RelocateSpec{Host: spec.Host}); err != nil {
			return nil, errors.Errorf("moving %s to host %s: %w", machine.Name(), spec.Host, err)
		}
		res.Calls++
	default:
		if err := machine.Relocate(ctx, spec); err != nil {
			return nil, errors.Errorf("relocating %s: %w", machine.Name(), err)
		}
		res.Calls++
	}

	var partial error
	if res.Calls > 0 {
		if err := machine.ConsolidateDisks(ctx); err != nil {
			partial = fault.PartialResult(errors.Errorf("consolidating disks of %s: %w", machine.Name(), err))
			res.Warnings = append(res.Warnings, partial.Error())
			logger.Warn().Err(err).Msg("relocation applied but consolidation failed")
		}
	}

	final, err := machine.State(ctx)
	if err != nil {
		return nil, errors.Errorf("reading state of %s: %w", machine.Name(), err)
	}
	res.State = final
	res.Disks = diskPaths(final)

	logger.Info().Int("calls", res.Calls).Str("host", final.Host).Msg("relocated machine")
	return res, partial
}

func diskPaths(state *remote.MachineState) []DiskPath {
	return lo.Map(state.Devices.OfKind(remote.KindDisk), func(d remote.Device, _ int) DiskPath {
		bus := state.Devices.BusName(d)
		return DiskPath{
			DeviceKey: d.Key,
			BusName:   bus,
			Path:      d.Disk.Top(),
			Datastore: d.Disk.Datastore,
			ChainInfo: chain.Info{DiskDeviceBusName: bus, DiskChain: d.Disk.Chain}.String(),
		}
	})
}
