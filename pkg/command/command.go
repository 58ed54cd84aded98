// Package command defines the lifecycle commands the agent accepts and the
// answers it returns. On the wire every command travels in a one-key envelope
// named after its kind, for example {"StartCommand": {...}}.
package command

import (
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/planner"
)

// Kind names a command on the wire.
type Kind string

const (
	KindReady               Kind = "ReadyCommand"
	KindStart               Kind = "StartCommand"
	KindStop                Kind = "StopCommand"
	KindReboot              Kind = "RebootCommand"
	KindScaleVm             Kind = "ScaleVmCommand"
	KindCheckVirtualMachine Kind = "CheckVirtualMachineCommand"
	KindGetVmStats          Kind = "GetVmStatsCommand"
	KindAttachIso           Kind = "AttachIsoCommand"
	KindPlugNic             Kind = "PlugNicCommand"
	KindUnplugNic           Kind = "UnPlugNicCommand"
	KindResizeVolume        Kind = "ResizeVolumeCommand"
	KindMigrateWithStorage  Kind = "MigrateWithStorageCommand"
	KindMigrateVolume       Kind = "MigrateVolumeCommand"
	KindMountStore          Kind = "MountStoreCommand"
)

// Command is one inbound request.
type Command interface {
	Kind() Kind
	// Target names the machine or volume the command acts on, for logs.
	Target() string
	Validate() error
	Endpoint() *Endpoint
}

// Endpoint selects the management endpoint a command runs against. Commands
// without one use the agent's configured endpoint.
type Endpoint struct {
	Address   string `json:"address"`
	Principal string `json:"principal"`
	Secret    string `json:"secret,omitempty" jsonschema:"-"`
}

// Base carries the fields shared by every command.
type Base struct {
	Remote *Endpoint `json:"endpoint,omitempty"`
	// Wait is the orchestrator's timeout for the command, in seconds.
	Wait int `json:"wait,omitempty"`
}

func (b *Base) Endpoint() *Endpoint { return b.Remote }

type ReadyCommand struct {
	Base
}

func (c *ReadyCommand) Kind() Kind      { return KindReady }
func (c *ReadyCommand) Target() string  { return "" }
func (c *ReadyCommand) Validate() error { return nil }

// StartCommand converges a machine to Spec and powers it on.
type StartCommand struct {
	Base
	Spec planner.MachineSpec `json:"vm"`
}

func (c *StartCommand) Kind() Kind      { return KindStart }
func (c *StartCommand) Target() string  { return c.Spec.Name }
func (c *StartCommand) Validate() error { return c.Spec.Validate() }

type StopCommand struct {
	Base
	VMName string `json:"vmName"`
	// Force skips the graceful guest shutdown.
	Force bool `json:"forceStop,omitempty"`
}

func (c *StopCommand) Kind() Kind      { return KindStop }
func (c *StopCommand) Target() string  { return c.VMName }
func (c *StopCommand) Validate() error { return requireName(c.VMName) }

type RebootCommand struct {
	Base
	VMName string `json:"vmName"`
}

func (c *RebootCommand) Kind() Kind      { return KindReboot }
func (c *RebootCommand) Target() string  { return c.VMName }
func (c *RebootCommand) Validate() error { return requireName(c.VMName) }

type ScaleVmCommand struct {
	Base
	VMName      string `json:"vmName"`
	CPUs        int32  `json:"cpus"`
	CPUSpeedMHz int64  `json:"speed,omitempty"`
	LimitCPU    bool   `json:"limitCpuUse,omitempty"`
	MinMemoryMB int64  `json:"minRam,omitempty"`
	MaxMemoryMB int64  `json:"maxRam"`
}

func (c *ScaleVmCommand) Kind() Kind     { return KindScaleVm }
func (c *ScaleVmCommand) Target() string { return c.VMName }

func (c *ScaleVmCommand) Validate() error {
	if err := requireName(c.VMName); err != nil {
		return err
	}
	if c.CPUs <= 0 || c.MaxMemoryMB <= 0 {
		return fault.Validationf("scaling %s: cpus and memory must be positive", c.VMName)
	}
	if c.MinMemoryMB > c.MaxMemoryMB {
		return fault.Validationf("scaling %s: min memory %d above max %d", c.VMName, c.MinMemoryMB, c.MaxMemoryMB)
	}
	return nil
}

type CheckVirtualMachineCommand struct {
	Base
	VMName string `json:"vmName"`
}

func (c *CheckVirtualMachineCommand) Kind() Kind      { return KindCheckVirtualMachine }
func (c *CheckVirtualMachineCommand) Target() string  { return c.VMName }
func (c *CheckVirtualMachineCommand) Validate() error { return requireName(c.VMName) }

type GetVmStatsCommand struct {
	Base
	VMNames []string `json:"vmNames"`
}

func (c *GetVmStatsCommand) Kind() Kind     { return KindGetVmStats }
func (c *GetVmStatsCommand) Target() string { return "" }

func (c *GetVmStatsCommand) Validate() error {
	if len(c.VMNames) == 0 {
		return fault.Validationf("no machines to report on")
	}
	return nil
}

// AttachIsoCommand inserts ISOPath into the machine's removable-media device,
// or empties it when Attach is false.
type AttachIsoCommand struct {
	Base
	VMName  string `json:"vmName"`
	ISOPath string `json:"isoPath,omitempty"`
	Attach  bool   `json:"attach"`
}

func (c *AttachIsoCommand) Kind() Kind     { return KindAttachIso }
func (c *AttachIsoCommand) Target() string { return c.VMName }

func (c *AttachIsoCommand) Validate() error {
	if err := requireName(c.VMName); err != nil {
		return err
	}
	if c.Attach && c.ISOPath == "" {
		return fault.Validationf("attaching media to %s needs an iso path", c.VMName)
	}
	return nil
}

type PlugNicCommand struct {
	Base
	VMName string          `json:"vmName"`
	Nic    planner.NicSpec `json:"nic"`
}

func (c *PlugNicCommand) Kind() Kind     { return KindPlugNic }
func (c *PlugNicCommand) Target() string { return c.VMName }

func (c *PlugNicCommand) Validate() error {
	if err := requireName(c.VMName); err != nil {
		return err
	}
	if c.Nic.MAC == "" || c.Nic.Network == "" {
		return fault.Validationf("plugging a nic into %s needs a mac and a network", c.VMName)
	}
	return nil
}

type UnplugNicCommand struct {
	Base
	VMName string `json:"vmName"`
	MAC    string `json:"mac"`
}

func (c *UnplugNicCommand) Kind() Kind     { return KindUnplugNic }
func (c *UnplugNicCommand) Target() string { return c.VMName }

func (c *UnplugNicCommand) Validate() error {
	if err := requireName(c.VMName); err != nil {
		return err
	}
	if c.MAC == "" {
		return fault.Validationf("unplugging a nic from %s needs its mac", c.VMName)
	}
	return nil
}

// Volume identifies a disk file the way the orchestrator last saw it.
type Volume struct {
	Path      string `json:"path"`
	Datastore string `json:"datastore,omitempty"`
	ChainInfo string `json:"chainInfo,omitempty"`
}

func (v Volume) validate(what string) error {
	if v.Path == "" && v.ChainInfo == "" {
		return fault.Validationf("%s needs a volume path or chain info", what)
	}
	return nil
}

// ResizeVolumeCommand grows a volume. With VMName set the volume is resized
// on that machine, otherwise through a worker.
type ResizeVolumeCommand struct {
	Base
	VMName       string `json:"vmName,omitempty"`
	Volume       Volume `json:"volume"`
	NewSizeBytes int64  `json:"newSize"`
}

func (c *ResizeVolumeCommand) Kind() Kind     { return KindResizeVolume }
func (c *ResizeVolumeCommand) Target() string { return c.Volume.Path }

func (c *ResizeVolumeCommand) Validate() error {
	if err := c.Volume.validate("resize"); err != nil {
		return err
	}
	if c.NewSizeBytes <= 0 {
		return fault.Validationf("resize of %s needs a positive size", c.Volume.Path)
	}
	if c.VMName == "" && c.Volume.Datastore == "" {
		return fault.Validationf("offline resize of %s needs its datastore", c.Volume.Path)
	}
	return nil
}

// MigrateWithStorageCommand moves a machine to TargetHost and the listed
// volumes (by path) to their datastores.
type MigrateWithStorageCommand struct {
	Base
	VMName     string            `json:"vmName"`
	TargetHost string            `json:"targetHost,omitempty"`
	Volumes    map[string]string `json:"volumeToDatastore,omitempty"`
}

func (c *MigrateWithStorageCommand) Kind() Kind     { return KindMigrateWithStorage }
func (c *MigrateWithStorageCommand) Target() string { return c.VMName }

func (c *MigrateWithStorageCommand) Validate() error {
	if err := requireName(c.VMName); err != nil {
		return err
	}
	if c.TargetHost == "" && len(c.Volumes) == 0 {
		return fault.Validationf("migrating %s needs a target host or volumes", c.VMName)
	}
	return nil
}

// MigrateVolumeCommand moves one volume to TargetDatastore, on its machine
// when VMName is set and through a worker otherwise.
type MigrateVolumeCommand struct {
	Base
	VMName          string `json:"vmName,omitempty"`
	Volume          Volume `json:"volume"`
	TargetDatastore string `json:"targetDatastore"`
}

func (c *MigrateVolumeCommand) Kind() Kind     { return KindMigrateVolume }
func (c *MigrateVolumeCommand) Target() string { return c.Volume.Path }

func (c *MigrateVolumeCommand) Validate() error {
	if err := c.Volume.validate("volume migration"); err != nil {
		return err
	}
	if c.TargetDatastore == "" {
		return fault.Validationf("migration of %s needs a target datastore", c.Volume.Path)
	}
	if c.VMName == "" && c.Volume.Datastore == "" {
		return fault.Validationf("offline migration of %s needs its source datastore", c.Volume.Path)
	}
	return nil
}

// MountStoreCommand makes an object/image store (an NFS URL) available as a
// datastore.
type MountStoreCommand struct {
	Base
	URL string `json:"url"`
}

func (c *MountStoreCommand) Kind() Kind     { return KindMountStore }
func (c *MountStoreCommand) Target() string { return c.URL }

func (c *MountStoreCommand) Validate() error {
	if c.URL == "" {
		return fault.Validationf("mounting a store needs a url")
	}
	return nil
}

func requireName(name string) error {
	if name == "" {
		return fault.Validationf("machine name is required")
	}
	return nil
}
