package planner

import (
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

type controllerSlots struct {
	key  int32
	bus  int32
	used []bool
}

// unitAllocator hands out (controller, unit) pairs of one controller family,
// densest first: lowest bus, then lowest unit, skipping reserved units.
type unitAllocator struct {
	family      remote.ControllerFamily
	controllers []*controllerSlots
}

func newUnitAllocator(family remote.ControllerFamily) *unitAllocator {
	return &unitAllocator{family: family}
}

func (a *unitAllocator) addController(key, bus int32) {
	used := make([]bool, a.family.UnitsPerController())
	for u := range used {
		if a.family.Reserved(int32(u)) {
			used[u] = true
		}
	}
	c := &controllerSlots{key: key, bus: bus, used: used}

	i := len(a.controllers)
	for j, other := range a.controllers {
		if other.bus > bus {
			i = j
			break
		}
	}
	a.controllers = append(a.controllers, nil)
	copy(a.controllers[i+1:], a.controllers[i:])
	a.controllers[i] = c
}

func (a *unitAllocator) occupy(key, unit int32) {
	for _, c := range a.controllers {
		if c.key == key && unit >= 0 && int(unit) < len(c.used) {
			c.used[unit] = true
		}
	}
}

func (a *unitAllocator) next() (key, unit int32, err error) {
	for _, c := range a.controllers {
		for u, taken := range c.used {
			if !taken {
				c.used[u] = true
				return c.key, int32(u), nil
			}
		}
	}
	return 0, 0, fault.Validationf("no free unit on %d %s controllers", len(a.controllers), a.family)
}

func (a *unitAllocator) bus(key int32) int32 {
	for _, c := range a.controllers {
		if c.key == key {
			return c.bus
		}
	}
	return -1
}
