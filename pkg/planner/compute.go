package planner

import (
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Compute is the CPU and memory shape of a machine.
type Compute struct {
	CPUs        int32
	CPUSpeedMHz int64
	// LimitCPU caps the machine at CPUs × CPUSpeedMHz; otherwise it is
	// unlimited.
	LimitCPU    bool
	MinMemoryMB int64
	MaxMemoryMB int64
}

func (c Compute) cpuLimit() int64 {
	if c.LimitCPU && c.CPUSpeedMHz > 0 {
		return int64(c.CPUs) * c.CPUSpeedMHz
	}
	return -1
}

// apply records in cfg the settings that differ from cur. A running machine
// only grows, and only where hot-add is enabled.
func (c Compute) apply(cfg *remote.ConfigSpec, cur *remote.MachineState, name string, live bool) error {
	if c.CPUs != cur.NumCPUs || c.MaxMemoryMB != cur.MemoryMB {
		if live {
			if c.CPUs < cur.NumCPUs || c.MaxMemoryMB < cur.MemoryMB {
				return fault.Capabilityf("cpu and memory cannot shrink on a running machine")
			}
			if c.CPUs != cur.NumCPUs && !cur.CPUHotAdd {
				return fault.Capabilityf("cpu hot-add is not enabled on %s", name)
			}
			if c.MaxMemoryMB != cur.MemoryMB && !cur.MemoryHotAdd {
				return fault.Capabilityf("memory hot-add is not enabled on %s", name)
			}
		}
		if c.CPUs != cur.NumCPUs {
			cfg.NumCPUs = c.CPUs
		}
		if c.MaxMemoryMB != cur.MemoryMB {
			cfg.MemoryMB = c.MaxMemoryMB
		}
	}
	if limit := c.cpuLimit(); limit != cur.CPULimitMHz {
		cfg.CPULimitMHz = &limit
	}
	if c.MinMemoryMB != cur.MemoryReservationMB {
		v := c.MinMemoryMB
		cfg.MemoryReservationMB = &v
	}
	return nil
}

// ScaleConfig builds the configuration call that reshapes an existing
// machine. A powered-on machine is scaled in place.
func ScaleConfig(state *remote.MachineState, c Compute) (*remote.ConfigSpec, error) {
	if c.CPUs <= 0 || c.MaxMemoryMB <= 0 {
		return nil, fault.Validationf("scaling %s: cpus and memory must be positive", state.Name)
	}
	cfg := &remote.ConfigSpec{}
	if err := c.apply(cfg, state, state.Name, state.PoweredOn()); err != nil {
		return nil, err
	}
	return cfg, nil
}
