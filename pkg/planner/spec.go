package planner

import (
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// DiskRole says what a disk is for.
type DiskRole string

const (
	RoleRoot      DiskRole = "root"
	RoleData      DiskRole = "data"
	RoleRemovable DiskRole = "removable"
)

// DiskSpec is one disk of the target machine. A disk without Path or
// ChainInfo is created on Datastore; otherwise the existing volume is
// resolved and attached.
type DiskSpec struct {
	Role      DiskRole `json:"role"`
	SizeBytes int64    `json:"sizeBytes,omitempty"`
	Datastore string   `json:"datastore,omitempty"`
	// Controller requests a controller sub-type. Empty or "osdefault" defers
	// to the guest OS recommendation.
	Controller    remote.ControllerType `json:"controller,omitempty"`
	Path          string                `json:"path,omitempty"`
	ChainInfo     string                `json:"chainInfo,omitempty"`
	StoragePolicy string                `json:"storagePolicy,omitempty"`
	Thin          bool                  `json:"thin,omitempty"`
}

// NicSpec is one requested network adapter.
type NicSpec struct {
	MAC     string             `json:"mac"`
	Network string             `json:"network"`
	VLAN    int32              `json:"vlan,omitempty"`
	Adapter remote.AdapterType `json:"adapter,omitempty"`
	// Public marks a NIC that occupies a public slot of a routing appliance.
	Public bool `json:"public,omitempty"`
}

// AdapterType is the requested adapter, vmxnet3 when unset.
func (n NicSpec) AdapterType() remote.AdapterType {
	if n.Adapter == "" {
		return remote.AdapterVmxnet3
	}
	return n.Adapter
}

// MachineSpec is the declarative target of a machine.
type MachineSpec struct {
	Name      string `json:"name"`
	GuestOS   string `json:"guestOs"`
	Datastore string `json:"datastore"`

	CPUs        int32 `json:"cpus"`
	CPUSpeedMHz int64 `json:"cpuSpeedMhz,omitempty"`
	LimitCPU    bool  `json:"limitCpu,omitempty"`
	MinMemoryMB int64 `json:"minMemoryMb,omitempty"`
	MaxMemoryMB int64 `json:"maxMemoryMb"`

	Disks []DiskSpec `json:"disks"`
	Nics  []NicSpec  `json:"nics"`

	Firmware   remote.Firmware `json:"firmware,omitempty"`
	SecureBoot bool            `json:"secureBoot,omitempty"`
	NestedHV   bool            `json:"nestedHv,omitempty"`
	VideoRAMKB int64           `json:"videoRamKb,omitempty"`

	// StoragePolicy is applied to the root disk when it does not carry one.
	StoragePolicy string `json:"storagePolicy,omitempty"`

	// EndUser is false for system appliances, which get a readiness probe and
	// a patch step after boot.
	EndUser        bool   `json:"endUser"`
	ControlAddress string `json:"controlAddress,omitempty"`
	PatchChecksum  string `json:"patchChecksum,omitempty"`

	// Live applies the plan without a power cycle.
	Live bool `json:"live,omitempty"`
}

// Media returns the ISO path of the removable-media disk, "" for no media.
func (s *MachineSpec) Media() string {
	for _, d := range s.Disks {
		if d.Role == RoleRemovable {
			return d.Path
		}
	}
	return ""
}

// StorageDisks returns the root and data disks with their spec indexes.
func (s *MachineSpec) StorageDisks() []int {
	var out []int
	for i, d := range s.Disks {
		if d.Role != RoleRemovable {
			out = append(out, i)
		}
	}
	return out
}

// Validate checks the spec on its own, before any remote call.
func (s *MachineSpec) Validate() error {
	if s.Name == "" {
		return fault.Validationf("machine name is required")
	}
	if s.CPUs <= 0 {
		return fault.Validationf("machine %s: cpu count must be positive", s.Name)
	}
	if s.MaxMemoryMB <= 0 {
		return fault.Validationf("machine %s: memory must be positive", s.Name)
	}
	if s.MinMemoryMB > s.MaxMemoryMB {
		return fault.Validationf("machine %s: min memory %d above max %d", s.Name, s.MinMemoryMB, s.MaxMemoryMB)
	}
	if s.SecureBoot && s.Firmware != remote.FirmwareEFI {
		return fault.Validationf("machine %s: secure boot requires efi firmware", s.Name)
	}

	roots, media := 0, 0
	for i, d := range s.Disks {
		switch d.Role {
		case RoleRoot:
			roots++
		case RoleData:
		case RoleRemovable:
			media++
			continue
		default:
			return fault.Validationf("machine %s: disk %d has unknown role %q", s.Name, i, d.Role)
		}
		if d.SizeBytes < 0 {
			return fault.Validationf("machine %s: disk %d has negative size", s.Name, i)
		}
		if d.Controller != "" && d.Controller != osDefault && !d.Controller.Valid() {
			return fault.Validationf("machine %s: disk %d requests unknown controller %q", s.Name, i, d.Controller)
		}
	}
	if roots > 1 {
		return fault.Validationf("machine %s: more than one root disk", s.Name)
	}
	if media > 1 {
		return fault.Validationf("machine %s: more than one removable-media device", s.Name)
	}

	macs := map[string]bool{}
	for i, n := range s.Nics {
		if n.MAC == "" || n.Network == "" {
			return fault.Validationf("machine %s: nic %d needs a mac and a network", s.Name, i)
		}
		if macs[n.MAC] {
			return fault.Validationf("machine %s: duplicate mac %s", s.Name, n.MAC)
		}
		macs[n.MAC] = true
	}
	if len(s.Nics) > maxNics {
		return fault.Validationf("machine %s: %d nics exceed the limit of %d", s.Name, len(s.Nics), maxNics)
	}
	return nil
}
