package remote

import (
	"fmt"
	"path"
	"slices"

	"github.com/vmware/govmomi/object"
)

// DeviceKind classifies a virtual device.
type DeviceKind string

const (
	KindController DeviceKind = "controller"
	KindDisk       DeviceKind = "disk"
	KindNic        DeviceKind = "nic"
	KindMedia      DeviceKind = "removable-media"
	KindVideo      DeviceKind = "video"
)

// ControllerType is a concrete controller model.
type ControllerType string

const (
	ControllerIDE         ControllerType = "ide"
	ControllerLsiLogic    ControllerType = "lsilogic"
	ControllerLsiLogicSAS ControllerType = "lsisas1068"
	ControllerParaVirtual ControllerType = "pvscsi"
	ControllerBusLogic    ControllerType = "buslogic"
	ControllerSATA        ControllerType = "ahci"
	ControllerNVMe        ControllerType = "nvme"
)

// ControllerFamily groups controller models sharing bus rules.
type ControllerFamily string

const (
	FamilyIDE  ControllerFamily = "ide"
	FamilySCSI ControllerFamily = "scsi"
	FamilySATA ControllerFamily = "sata"
	FamilyNVMe ControllerFamily = "nvme"
)

func (c ControllerType) Family() ControllerFamily {
	switch c {
	case ControllerIDE:
		return FamilyIDE
	case ControllerSATA:
		return FamilySATA
	case ControllerNVMe:
		return FamilyNVMe
	case ControllerLsiLogic, ControllerLsiLogicSAS, ControllerParaVirtual, ControllerBusLogic:
		return FamilySCSI
	}
	return ""
}

func (c ControllerType) Valid() bool {
	return c.Family() != ""
}

// MaxControllers is the fixed number of controllers a family can hold on one
// machine.
func (f ControllerFamily) MaxControllers() int {
	if f == FamilyIDE {
		return 2
	}
	return 4
}

func (f ControllerFamily) UnitsPerController() int32 {
	switch f {
	case FamilyIDE:
		return 2
	case FamilySCSI:
		return 16
	case FamilySATA:
		return 30
	case FamilyNVMe:
		return 15
	}
	return 0
}

// Reserved reports whether unit is taken by the controller itself.
func (f ControllerFamily) Reserved(unit int32) bool {
	return f == FamilySCSI && unit == 7
}

// Capacity is the number of device slots the family offers on a machine.
func (f ControllerFamily) Capacity() int {
	per := int(f.UnitsPerController())
	if f == FamilySCSI {
		per--
	}
	return per * f.MaxControllers()
}

type AdapterType string

const (
	AdapterVmxnet3 AdapterType = "vmxnet3"
	AdapterE1000   AdapterType = "e1000"
	AdapterE1000e  AdapterType = "e1000e"
)

type ControllerInfo struct {
	Type      ControllerType `json:"type"`
	BusNumber int32          `json:"busNumber"`
}

// DiskInfo describes a virtual disk and its backing chain.
type DiskInfo struct {
	CapacityBytes int64 `json:"capacityBytes"`
	// Chain lists the backing files from the current (top) file to the base.
	Chain           []string `json:"chain"`
	Datastore       string   `json:"datastore"`
	ThinProvisioned bool     `json:"thinProvisioned"`
	// StoragePolicy is only honored when the disk file is created.
	StoragePolicy string `json:"storagePolicy,omitempty"`
}

func (d *DiskInfo) Top() string {
	if d == nil || len(d.Chain) == 0 {
		return ""
	}
	return d.Chain[0]
}

// HasParent reports whether the top file is a delta on top of another file.
func (d *DiskInfo) HasParent() bool {
	return d != nil && len(d.Chain) > 1
}

type NicInfo struct {
	Adapter   AdapterType `json:"adapter"`
	MAC       string      `json:"mac"`
	Network   string      `json:"network"`
	Connected bool        `json:"connected"`
}

type MediaInfo struct {
	// ISOPath is empty for a no-media placeholder.
	ISOPath string `json:"isoPath,omitempty"`
}

type VideoInfo struct {
	VideoRAMKB int64 `json:"videoRamKb"`
}

// Device is one entry of a machine's device inventory. Exactly one of the
// payload pointers is set, matching Kind. New devices carry negative keys
// until the endpoint assigns real ones; ControllerKey may reference such a
// temporary key.
type Device struct {
	Key           int32      `json:"key"`
	Kind          DeviceKind `json:"kind"`
	ControllerKey int32      `json:"controllerKey,omitempty"`
	UnitNumber    int32      `json:"unitNumber"`

	Controller *ControllerInfo `json:"controller,omitempty"`
	Disk       *DiskInfo       `json:"disk,omitempty"`
	Nic        *NicInfo        `json:"nic,omitempty"`
	Media      *MediaInfo      `json:"media,omitempty"`
	Video      *VideoInfo      `json:"video,omitempty"`
}

func (d Device) Clone() Device {
	c := d
	if d.Controller != nil {
		x := *d.Controller
		c.Controller = &x
	}
	if d.Disk != nil {
		x := *d.Disk
		x.Chain = slices.Clone(d.Disk.Chain)
		c.Disk = &x
	}
	if d.Nic != nil {
		x := *d.Nic
		c.Nic = &x
	}
	if d.Media != nil {
		x := *d.Media
		c.Media = &x
	}
	if d.Video != nil {
		x := *d.Video
		c.Video = &x
	}
	return c
}

type Operation string

const (
	OpAdd    Operation = "add"
	OpEdit   Operation = "edit"
	OpRemove Operation = "remove"
)

type FileOperation string

const (
	FileNone    FileOperation = ""
	FileCreate  FileOperation = "create"
	FileDestroy FileOperation = "destroy"
)

// DeviceChange is one entry of a device-change plan.
type DeviceChange struct {
	Op     Operation     `json:"op"`
	File   FileOperation `json:"file,omitempty"`
	Device Device        `json:"device"`
}

func (c DeviceChange) String() string {
	return fmt.Sprintf("%s %s key=%d", c.Op, c.Device.Kind, c.Device.Key)
}

// Inventory is a machine's device list.
type Inventory []Device

// ByKey finds a device by key.
func (inv Inventory) ByKey(key int32) (Device, bool) {
	for _, d := range inv {
		if d.Key == key {
			return d, true
		}
	}
	return Device{}, false
}

func (inv Inventory) OfKind(kind DeviceKind) Inventory {
	var out Inventory
	for _, d := range inv {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

// Controllers returns the controllers of a family ordered by bus number.
func (inv Inventory) Controllers(f ControllerFamily) Inventory {
	var out Inventory
	for _, d := range inv {
		if d.Kind == KindController && d.Controller.Type.Family() == f {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b Device) int {
		return int(a.Controller.BusNumber - b.Controller.BusNumber)
	})
	return out
}

// Attached returns the devices hanging off a controller.
func (inv Inventory) Attached(controllerKey int32) Inventory {
	var out Inventory
	for _, d := range inv {
		if d.Kind != KindController && d.ControllerKey == controllerKey {
			out = append(out, d)
		}
	}
	return out
}

// BusName renders the bus address of a controller-attached device, e.g.
// "scsi0:1". It returns "" when the controller is unknown.
func (inv Inventory) BusName(d Device) string {
	c, ok := inv.ByKey(d.ControllerKey)
	if !ok || c.Controller == nil {
		return ""
	}
	return fmt.Sprintf("%s%d:%d", c.Controller.Type.Family(), c.Controller.BusNumber, d.UnitNumber)
}

func (inv Inventory) Clone() Inventory {
	out := make(Inventory, len(inv))
	for i, d := range inv {
		out[i] = d.Clone()
	}
	return out
}

// DatastoreOf returns the datastore name of a "[ds] dir/file" path.
func DatastoreOf(p string) string {
	var dp object.DatastorePath
	if !dp.FromString(p) {
		return ""
	}
	return dp.Datastore
}

// BaseName returns the file name of a datastore path.
func BaseName(p string) string {
	var dp object.DatastorePath
	if !dp.FromString(p) {
		return path.Base(p)
	}
	return path.Base(dp.Path)
}

// DirOf returns the folder holding a datastore path, as a datastore path.
func DirOf(p string) string {
	var dp object.DatastorePath
	if !dp.FromString(p) {
		return path.Dir(p)
	}
	dir := path.Dir(dp.Path)
	if dir == "." {
		dir = ""
	}
	dp.Path = dir
	return dp.String()
}

// WithDatastore rewrites a datastore path to live on another datastore.
func WithDatastore(p, ds string) string {
	var dp object.DatastorePath
	if !dp.FromString(p) {
		return p
	}
	dp.Datastore = ds
	return dp.String()
}

// DatastorePath joins a datastore name and a relative path.
func DatastorePath(ds, rel string) string {
	return (&object.DatastorePath{Datastore: ds, Path: rel}).String()
}
