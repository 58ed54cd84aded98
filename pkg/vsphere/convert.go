package vsphere

import (
	"fmt"
	"maps"
	"slices"

	"github.com/samber/lo"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Networks maps a network name to the ethernet backing that attaches to it.
type Networks map[string]types.BaseVirtualDeviceBackingInfo

func toRef(r types.ManagedObjectReference) remote.Ref {
	return remote.Ref{Type: r.Type, Value: r.Value}
}

func controllerType(dev types.BaseVirtualDevice) (remote.ControllerType, bool) {
	switch dev.(type) {
	case *types.VirtualIDEController:
		return remote.ControllerIDE, true
	case *types.VirtualLsiLogicController:
		return remote.ControllerLsiLogic, true
	case *types.VirtualLsiLogicSASController:
		return remote.ControllerLsiLogicSAS, true
	case *types.ParaVirtualSCSIController:
		return remote.ControllerParaVirtual, true
	case *types.VirtualBusLogicController:
		return remote.ControllerBusLogic, true
	case *types.VirtualAHCIController:
		return remote.ControllerSATA, true
	case *types.VirtualNVMEController:
		return remote.ControllerNVMe, true
	}
	return "", false
}

func adapterType(dev types.BaseVirtualDevice) remote.AdapterType {
	switch dev.(type) {
	case *types.VirtualE1000:
		return remote.AdapterE1000
	case *types.VirtualE1000e:
		return remote.AdapterE1000e
	}
	return remote.AdapterVmxnet3
}

// diskChain walks the backing parents of a disk, top to base.
func diskChain(b types.BaseVirtualDeviceBackingInfo) (chain []string, thin bool) {
	switch x := b.(type) {
	case *types.VirtualDiskFlatVer2BackingInfo:
		thin = lo.FromPtr(x.ThinProvisioned)
		for p := x; p != nil; p = p.Parent {
			chain = append(chain, p.FileName)
		}
	case *types.VirtualDiskSeSparseBackingInfo:
		thin = true
		for p := x; p != nil; p = p.Parent {
			chain = append(chain, p.FileName)
		}
	case *types.VirtualDiskSparseVer2BackingInfo:
		thin = true
		for p := x; p != nil; p = p.Parent {
			chain = append(chain, p.FileName)
		}
	case types.BaseVirtualDeviceFileBackingInfo:
		chain = []string{x.GetVirtualDeviceFileBackingInfo().FileName}
	}
	return chain, thin
}

func fromDevices(list object.VirtualDeviceList) remote.Inventory {
	var inv remote.Inventory
	var nics int32

	sorted := slices.Clone(list)
	slices.SortFunc(sorted, func(a, b types.BaseVirtualDevice) int {
		return int(a.GetVirtualDevice().Key - b.GetVirtualDevice().Key)
	})

	for _, dev := range sorted {
		vd := dev.GetVirtualDevice()
		d := remote.Device{
			Key:           vd.Key,
			ControllerKey: vd.ControllerKey,
			UnitNumber:    lo.FromPtr(vd.UnitNumber),
		}

		switch x := dev.(type) {
		case *types.VirtualDisk:
			chain, thin := diskChain(vd.Backing)
			d.Kind = remote.KindDisk
			d.Disk = &remote.DiskInfo{
				CapacityBytes:   x.CapacityInBytes,
				Chain:           chain,
				Datastore:       remote.DatastoreOf(lo.FirstOrEmpty(chain)),
				ThinProvisioned: thin,
			}
		case *types.VirtualCdrom:
			d.Kind = remote.KindMedia
			d.Media = &remote.MediaInfo{}
			if iso, ok := vd.Backing.(*types.VirtualCdromIsoBackingInfo); ok {
				d.Media.ISOPath = iso.FileName
			}
		case types.BaseVirtualEthernetCard:
			card := x.GetVirtualEthernetCard()
			d.Kind = remote.KindNic
			// slot order is device order
			d.UnitNumber = nics
			nics++
			d.Nic = &remote.NicInfo{
				Adapter:   adapterType(dev),
				MAC:       card.MacAddress,
				Connected: card.Connectable != nil && card.Connectable.Connected,
			}
			if b, ok := vd.Backing.(*types.VirtualEthernetCardNetworkBackingInfo); ok {
				d.Nic.Network = b.DeviceName
			}
		case *types.VirtualMachineVideoCard:
			d.Kind = remote.KindVideo
			d.Video = &remote.VideoInfo{VideoRAMKB: x.VideoRamSizeInKB}
		default:
			t, ok := controllerType(dev)
			if !ok {
				continue
			}
			d.Kind = remote.KindController
			d.Controller = &remote.ControllerInfo{
				Type:      t,
				BusNumber: dev.(types.BaseVirtualController).GetVirtualController().BusNumber,
			}
		}
		inv = append(inv, d)
	}
	return inv
}

func fromMachine(mvm *mo.VirtualMachine, host string) *remote.MachineState {
	st := &remote.MachineState{
		Ref:         toRef(mvm.Self),
		Name:        mvm.Name,
		PowerState:  remote.PowerState(mvm.Runtime.PowerState),
		Host:        host,
		Firmware:    remote.FirmwareBIOS,
		HasSnapshot: mvm.Snapshot != nil && len(mvm.Snapshot.RootSnapshotList) > 0,
	}

	c := mvm.Config
	if c == nil {
		return st
	}

	st.GuestOS = c.GuestId
	st.Datastore = remote.DatastoreOf(c.Files.VmPathName)
	st.NumCPUs = c.Hardware.NumCPU
	st.MemoryMB = int64(c.Hardware.MemoryMB)
	if a := c.CpuAllocation; a != nil {
		st.CPUReservationMHz = lo.FromPtr(a.Reservation)
		st.CPULimitMHz = lo.FromPtr(a.Limit)
	}
	if a := c.MemoryAllocation; a != nil {
		st.MemoryReservationMB = lo.FromPtr(a.Reservation)
	}
	if c.Firmware != "" {
		st.Firmware = remote.Firmware(c.Firmware)
	}
	if c.BootOptions != nil {
		st.SecureBoot = lo.FromPtr(c.BootOptions.EfiSecureBootEnabled)
	}
	st.NestedHV = lo.FromPtr(c.NestedHVEnabled)
	st.CPUHotAdd = lo.FromPtr(c.CpuHotAddEnabled)
	st.MemoryHotAdd = lo.FromPtr(c.MemoryHotAddEnabled)

	st.ExtraConfig = map[string]string{}
	for _, ov := range c.ExtraConfig {
		o := ov.GetOptionValue()
		st.ExtraConfig[o.Key] = fmt.Sprint(o.Value)
	}
	st.Devices = fromDevices(c.Hardware.Device)
	return st
}

func scsiController(key, bus int32) types.VirtualSCSIController {
	return types.VirtualSCSIController{
		VirtualController: types.VirtualController{
			VirtualDevice: types.VirtualDevice{Key: key},
			BusNumber:     bus,
		},
		SharedBus: types.VirtualSCSISharingNoSharing,
	}
}

func newController(d remote.Device) (types.BaseVirtualDevice, error) {
	key, bus := d.Key, d.Controller.BusNumber
	base := types.VirtualController{VirtualDevice: types.VirtualDevice{Key: key}, BusNumber: bus}

	switch d.Controller.Type {
	case remote.ControllerIDE:
		return &types.VirtualIDEController{VirtualController: base}, nil
	case remote.ControllerLsiLogic:
		return &types.VirtualLsiLogicController{VirtualSCSIController: scsiController(key, bus)}, nil
	case remote.ControllerLsiLogicSAS:
		return &types.VirtualLsiLogicSASController{VirtualSCSIController: scsiController(key, bus)}, nil
	case remote.ControllerParaVirtual:
		return &types.ParaVirtualSCSIController{VirtualSCSIController: scsiController(key, bus)}, nil
	case remote.ControllerBusLogic:
		return &types.VirtualBusLogicController{VirtualSCSIController: scsiController(key, bus)}, nil
	case remote.ControllerSATA:
		return &types.VirtualAHCIController{VirtualSATAController: types.VirtualSATAController{VirtualController: base}}, nil
	case remote.ControllerNVMe:
		return &types.VirtualNVMEController{VirtualController: base}, nil
	}
	return nil, errors.Errorf("unsupported controller type %q", d.Controller.Type)
}

func connectable(connected bool) *types.VirtualDeviceConnectInfo {
	return &types.VirtualDeviceConnectInfo{
		StartConnected:    connected,
		Connected:         connected,
		AllowGuestControl: true,
	}
}

func mediaBacking(iso string) types.BaseVirtualDeviceBackingInfo {
	if iso == "" {
		return &types.VirtualCdromRemotePassthroughBackingInfo{
			VirtualDeviceRemoteDeviceBackingInfo: types.VirtualDeviceRemoteDeviceBackingInfo{},
		}
	}
	return &types.VirtualCdromIsoBackingInfo{
		VirtualDeviceFileBackingInfo: types.VirtualDeviceFileBackingInfo{FileName: iso},
	}
}

func newDevice(d remote.Device, nets Networks) (types.BaseVirtualDevice, error) {
	base := types.VirtualDevice{
		Key:           d.Key,
		ControllerKey: d.ControllerKey,
		UnitNumber:    lo.ToPtr(d.UnitNumber),
	}

	switch d.Kind {
	case remote.KindController:
		return newController(d)

	case remote.KindDisk:
		name := d.Disk.Top()
		if name == "" {
			// the endpoint names the file inside the machine folder
			name = remote.DatastorePath(d.Disk.Datastore, "")
		}
		base.Backing = &types.VirtualDiskFlatVer2BackingInfo{
			VirtualDeviceFileBackingInfo: types.VirtualDeviceFileBackingInfo{FileName: name},
			DiskMode:                     string(types.VirtualDiskModePersistent),
			ThinProvisioned:              lo.ToPtr(d.Disk.ThinProvisioned),
		}
		return &types.VirtualDisk{
			VirtualDevice:   base,
			CapacityInBytes: d.Disk.CapacityBytes,
			CapacityInKB:    d.Disk.CapacityBytes / 1024,
		}, nil

	case remote.KindNic:
		backing, ok := nets[d.Nic.Network]
		if !ok {
			return nil, errors.Errorf("network %s is not resolved", d.Nic.Network)
		}
		base.UnitNumber = nil
		base.Backing = backing
		base.Connectable = connectable(d.Nic.Connected)
		card := types.VirtualEthernetCard{
			VirtualDevice: base,
			AddressType:   string(types.VirtualEthernetCardMacTypeManual),
			MacAddress:    d.Nic.MAC,
		}
		switch d.Nic.Adapter {
		case remote.AdapterE1000:
			return &types.VirtualE1000{VirtualEthernetCard: card}, nil
		case remote.AdapterE1000e:
			return &types.VirtualE1000e{VirtualEthernetCard: card}, nil
		}
		return &types.VirtualVmxnet3{VirtualVmxnet: types.VirtualVmxnet{VirtualEthernetCard: card}}, nil

	case remote.KindMedia:
		base.Backing = mediaBacking(d.Media.ISOPath)
		base.Connectable = connectable(d.Media.ISOPath != "")
		return &types.VirtualCdrom{VirtualDevice: base}, nil

	case remote.KindVideo:
		base.UnitNumber = nil
		return &types.VirtualMachineVideoCard{VirtualDevice: base, VideoRamSizeInKB: d.Video.VideoRAMKB}, nil
	}
	return nil, errors.Errorf("unsupported device kind %q", d.Kind)
}

// editDevice applies the mutable fields of d onto the live device cur.
func editDevice(cur types.BaseVirtualDevice, d remote.Device, nets Networks) (types.BaseVirtualDevice, error) {
	switch x := cur.(type) {
	case *types.VirtualDisk:
		if d.Disk == nil {
			return nil, errors.Errorf("device %d is a disk", d.Key)
		}
		x.CapacityInBytes = d.Disk.CapacityBytes
		x.CapacityInKB = d.Disk.CapacityBytes / 1024
		return x, nil

	case *types.VirtualCdrom:
		if d.Media == nil {
			return nil, errors.Errorf("device %d is removable media", d.Key)
		}
		x.Backing = mediaBacking(d.Media.ISOPath)
		x.Connectable = connectable(d.Media.ISOPath != "")
		return x, nil

	case types.BaseVirtualEthernetCard:
		if d.Nic == nil {
			return nil, errors.Errorf("device %d is a nic", d.Key)
		}
		backing, ok := nets[d.Nic.Network]
		if !ok {
			return nil, errors.Errorf("network %s is not resolved", d.Nic.Network)
		}
		card := x.GetVirtualEthernetCard()
		card.Backing = backing
		card.Connectable = connectable(d.Nic.Connected)
		return cur, nil
	}
	return nil, errors.Errorf("editing device %d of type %T is not supported", d.Key, cur)
}

var operations = map[remote.Operation]types.VirtualDeviceConfigSpecOperation{
	remote.OpAdd:    types.VirtualDeviceConfigSpecOperationAdd,
	remote.OpEdit:   types.VirtualDeviceConfigSpecOperationEdit,
	remote.OpRemove: types.VirtualDeviceConfigSpecOperationRemove,
}

var fileOperations = map[remote.FileOperation]types.VirtualDeviceConfigSpecFileOperation{
	remote.FileCreate:  types.VirtualDeviceConfigSpecFileOperationCreate,
	remote.FileDestroy: types.VirtualDeviceConfigSpecFileOperationDestroy,
}

func toDeviceChange(change remote.DeviceChange, current object.VirtualDeviceList, nets Networks) (*types.VirtualDeviceConfigSpec, error) {
	op, ok := operations[change.Op]
	if !ok {
		return nil, errors.Errorf("unknown device operation %q", change.Op)
	}

	var dev types.BaseVirtualDevice
	var err error
	switch change.Op {
	case remote.OpAdd:
		dev, err = newDevice(change.Device, nets)
	default:
		cur := current.FindByKey(change.Device.Key)
		if cur == nil {
			return nil, errors.Errorf("%s: device %d not present", change, change.Device.Key)
		}
		dev = cur
		if change.Op == remote.OpEdit {
			dev, err = editDevice(cur, change.Device, nets)
		}
	}
	if err != nil {
		return nil, err
	}

	spec := &types.VirtualDeviceConfigSpec{
		Operation:     op,
		FileOperation: fileOperations[change.File],
		Device:        dev,
	}
	if change.File == remote.FileCreate && change.Device.Disk != nil && change.Device.Disk.StoragePolicy != "" {
		spec.Profile = []types.BaseVirtualMachineProfileSpec{
			&types.VirtualMachineDefinedProfileSpec{ProfileId: change.Device.Disk.StoragePolicy},
		}
	}
	return spec, nil
}

func toConfigSpec(spec *remote.ConfigSpec, current object.VirtualDeviceList, nets Networks) (types.VirtualMachineConfigSpec, error) {
	cfg := types.VirtualMachineConfigSpec{
		Name:                spec.Name,
		GuestId:             spec.GuestOS,
		NumCPUs:             spec.NumCPUs,
		MemoryMB:            spec.MemoryMB,
		Firmware:            string(spec.Firmware),
		NestedHVEnabled:     spec.NestedHV,
		CpuHotAddEnabled:    spec.CPUHotAdd,
		MemoryHotAddEnabled: spec.MemoryHotAdd,
	}
	if spec.CPUReservationMHz != nil || spec.CPULimitMHz != nil {
		cfg.CpuAllocation = &types.ResourceAllocationInfo{Reservation: spec.CPUReservationMHz, Limit: spec.CPULimitMHz}
	}
	if spec.MemoryReservationMB != nil {
		cfg.MemoryAllocation = &types.ResourceAllocationInfo{Reservation: spec.MemoryReservationMB}
	}
	if spec.SecureBoot != nil {
		cfg.BootOptions = &types.VirtualMachineBootOptions{EfiSecureBootEnabled: spec.SecureBoot}
	}

	for _, k := range slices.Sorted(maps.Keys(spec.ExtraConfig)) {
		cfg.ExtraConfig = append(cfg.ExtraConfig, &types.OptionValue{Key: k, Value: spec.ExtraConfig[k]})
	}

	for _, change := range spec.DeviceChanges {
		dc, err := toDeviceChange(change, current, nets)
		if err != nil {
			return cfg, err
		}
		cfg.DeviceChange = append(cfg.DeviceChange, dc)
	}
	return cfg, nil
}

// nicNetworks lists the networks referenced by NIC adds and edits.
func nicNetworks(spec *remote.ConfigSpec) []string {
	var out []string
	for _, c := range spec.DeviceChanges {
		if c.Op != remote.OpRemove && c.Device.Nic != nil {
			out = append(out, c.Device.Nic.Network)
		}
	}
	return lo.Uniq(out)
}
