package remote

// PowerState is the power state of a machine.
type PowerState string

const (
	PoweredOn  PowerState = "poweredOn"
	PoweredOff PowerState = "poweredOff"
	Suspended  PowerState = "suspended"
)

type Firmware string

const (
	FirmwareBIOS Firmware = "bios"
	FirmwareEFI  Firmware = "efi"
)

// MachineState is a snapshot of a machine's configuration and runtime.
type MachineState struct {
	Ref        Ref        `json:"ref"`
	Name       string     `json:"name"`
	GuestOS    string     `json:"guestOs"`
	PowerState PowerState `json:"powerState"`
	Host       string     `json:"host"`
	Datastore  string     `json:"datastore"`

	NumCPUs             int32 `json:"numCpus"`
	CPUReservationMHz   int64 `json:"cpuReservationMhz"`
	CPULimitMHz         int64 `json:"cpuLimitMhz"`
	MemoryMB            int64 `json:"memoryMb"`
	MemoryReservationMB int64 `json:"memoryReservationMb"`

	Firmware     Firmware `json:"firmware"`
	SecureBoot   bool     `json:"secureBoot"`
	NestedHV     bool     `json:"nestedHv"`
	CPUHotAdd    bool     `json:"cpuHotAdd"`
	MemoryHotAdd bool     `json:"memoryHotAdd"`

	ExtraConfig map[string]string `json:"extraConfig,omitempty"`
	Devices     Inventory         `json:"devices"`
	HasSnapshot bool              `json:"hasSnapshot"`
}

func (s *MachineState) PoweredOn() bool {
	return s != nil && s.PowerState == PoweredOn
}

// ConfigSpec is a single configuration call: VM-level settings plus the
// ordered device-change list. Zero values mean "leave unchanged".
type ConfigSpec struct {
	Name      string `json:"name,omitempty"`
	GuestOS   string `json:"guestOs,omitempty"`
	Datastore string `json:"datastore,omitempty"`

	NumCPUs             int32  `json:"numCpus,omitempty"`
	CPUReservationMHz   *int64 `json:"cpuReservationMhz,omitempty"`
	CPULimitMHz         *int64 `json:"cpuLimitMhz,omitempty"`
	MemoryMB            int64  `json:"memoryMb,omitempty"`
	MemoryReservationMB *int64 `json:"memoryReservationMb,omitempty"`

	Firmware     Firmware `json:"firmware,omitempty"`
	SecureBoot   *bool    `json:"secureBoot,omitempty"`
	NestedHV     *bool    `json:"nestedHv,omitempty"`
	CPUHotAdd    *bool    `json:"cpuHotAdd,omitempty"`
	MemoryHotAdd *bool    `json:"memoryHotAdd,omitempty"`

	ExtraConfig   map[string]string `json:"extraConfig,omitempty"`
	DeviceChanges []DeviceChange    `json:"deviceChanges,omitempty"`
}

// Empty reports whether submitting the spec would change nothing.
func (s *ConfigSpec) Empty() bool {
	if s == nil {
		return true
	}
	return s.Name == "" && s.GuestOS == "" &&
		s.NumCPUs == 0 && s.CPUReservationMHz == nil && s.CPULimitMHz == nil &&
		s.MemoryMB == 0 && s.MemoryReservationMB == nil &&
		s.Firmware == "" && s.SecureBoot == nil && s.NestedHV == nil &&
		s.CPUHotAdd == nil && s.MemoryHotAdd == nil &&
		len(s.ExtraConfig) == 0 && len(s.DeviceChanges) == 0
}

// DiskLocator pins one disk to a datastore during relocation.
type DiskLocator struct {
	DeviceKey int32  `json:"deviceKey"`
	Datastore string `json:"datastore"`
}

// RelocateSpec moves a machine to a host and/or its disks to datastores.
// Empty Host or Datastore means "stay".
type RelocateSpec struct {
	Host      string        `json:"host,omitempty"`
	Datastore string        `json:"datastore,omitempty"`
	Disks     []DiskLocator `json:"disks,omitempty"`
}

func (s *RelocateSpec) MovesHost() bool {
	return s != nil && s.Host != ""
}

func (s *RelocateSpec) MovesStorage(state *MachineState) bool {
	if s == nil {
		return false
	}
	if s.Datastore != "" && s.Datastore != state.Datastore {
		return true
	}
	for _, loc := range s.Disks {
		d, ok := state.Devices.ByKey(loc.DeviceKey)
		if ok && d.Disk != nil && d.Disk.Datastore != loc.Datastore {
			return true
		}
	}
	return false
}
