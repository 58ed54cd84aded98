package planner

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/chain"
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// DiskAction is the planned outcome for one spec disk.
type DiskAction string

const (
	DiskCreate DiskAction = "create"
	DiskAttach DiskAction = "attach"
	DiskMove   DiskAction = "move"
	DiskGrow   DiskAction = "grow"
	DiskKeep   DiskAction = "keep"
)

// DiskOutcome records where one spec disk lands and how it gets there.
type DiskOutcome struct {
	Index  int
	Role   DiskRole
	Action DiskAction
	// Key is the device key, negative for devices the plan adds.
	Key    int32
	Family remote.ControllerFamily
	Bus    int32
	Unit   int32
	Record *chain.Record
}

// BusName renders the disk position as "scsi0:1".
func (o DiskOutcome) BusName() string {
	return fmt.Sprintf("%s%d:%d", o.Family, o.Bus, o.Unit)
}

// Plan is everything needed to move a machine to its target in one
// configuration call.
type Plan struct {
	Name string
	// Create is set when the machine does not exist yet.
	Create   bool
	Config   remote.ConfigSpec
	Disks    []DiskOutcome
	Warnings []string
}

// Empty reports whether applying the plan would change nothing.
func (p *Plan) Empty() bool {
	return p == nil || (!p.Create && p.Config.Empty())
}

var familyOrder = []remote.ControllerFamily{remote.FamilyIDE, remote.FamilySCSI, remote.FamilySATA, remote.FamilyNVMe}

// Plan computes the changes that converge existing (nil for an absent
// machine) to spec. Its only mutating remote call ensures the NICs' networks
// exist, and that happens once every other check has passed.
func (p *Planner) Plan(ctx context.Context, spec *MachineSpec, existing *remote.MachineState) (*Plan, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	about, err := p.client.About(ctx)
	if err != nil {
		return nil, errors.Errorf("reading endpoint version: %w", err)
	}

	b := &builder{
		p:           p,
		spec:        spec,
		existing:    existing,
		api:         about.APIVersion,
		plan:        &Plan{Name: spec.Name, Create: existing == nil},
		records:     map[int]*chain.Record{},
		matched:     map[int32]int{},
		diskFamily:  map[int]remote.ControllerFamily{},
		ctrlType:    map[remote.ControllerFamily]remote.ControllerType{},
		removedCtrl: map[int32]bool{},
		moving:      map[int]bool{},
		kept:        map[int32]bool{},
		alloc:       map[remote.ControllerFamily]*unitAllocator{},
	}
	if existing != nil {
		b.inv = existing.Devices
		b.live = spec.Live && existing.PoweredOn()
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"resolving disks", b.matchDisks},
		{"choosing controllers", b.chooseControllers},
		{"tearing down devices", b.teardown},
		{"checking controller capacity", b.checkCapacity},
		{"allocating controllers", b.allocateControllers},
		{"placing disks", b.placeDisks},
		{"placing nics", b.placeNics},
		{"placing removable media", b.placeMedia},
		{"configuring video", b.placeVideo},
		{"setting machine options", b.setOptions},
		{"ensuring networks", b.ensureNetworks},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return nil, errors.Errorf("planning %s: %s: %w", spec.Name, s.name, err)
		}
	}

	b.plan.Config.DeviceChanges = slices.Concat(b.removes, b.ctrlRemoves, b.ctrlAdds, b.diskChanges, b.nicChanges, b.mediaChanges, b.videoChanges)

	zerolog.Ctx(ctx).Debug().
		Str("machine", spec.Name).
		Bool("create", b.plan.Create).
		Int("device_changes", len(b.plan.Config.DeviceChanges)).
		Strs("warnings", b.plan.Warnings).
		Msg("planned machine")

	return b.plan, nil
}

type builder struct {
	p        *Planner
	spec     *MachineSpec
	existing *remote.MachineState
	inv      remote.Inventory
	api      string
	live     bool
	plan     *Plan
	temp     int32

	records     map[int]*chain.Record
	matched     map[int32]int
	diskFamily  map[int]remote.ControllerFamily
	ctrlType    map[remote.ControllerFamily]remote.ControllerType
	removedCtrl map[int32]bool
	moving      map[int]bool
	kept        map[int32]bool
	keptMedia   *remote.Device
	alloc       map[remote.ControllerFamily]*unitAllocator
	networks    []remote.NetworkSpec

	removes      []remote.DeviceChange
	ctrlRemoves  []remote.DeviceChange
	ctrlAdds     []remote.DeviceChange
	diskChanges  []remote.DeviceChange
	nicChanges   []remote.DeviceChange
	mediaChanges []remote.DeviceChange
	videoChanges []remote.DeviceChange
}

func (b *builder) nextKey() int32 {
	b.temp--
	return b.temp
}

func (b *builder) warn(format string, args ...any) {
	b.plan.Warnings = append(b.plan.Warnings, fmt.Sprintf(format, args...))
}

func (b *builder) hasSnapshot() bool {
	return b.existing != nil && b.existing.HasSnapshot
}

func (b *builder) familyOf(d remote.Device) remote.ControllerFamily {
	c, ok := b.inv.ByKey(d.ControllerKey)
	if !ok || c.Controller == nil {
		return ""
	}
	return c.Controller.Type.Family()
}

func hinted(d DiskSpec) bool {
	return d.Path != "" || d.ChainInfo != ""
}

// matchDisks pairs spec disks with existing devices: hinted disks through the
// chain resolver, then unhinted disks with the remaining attached disks in
// inventory order, preferring the family the disk will need.
func (b *builder) matchDisks(ctx context.Context) error {
	for _, i := range b.spec.StorageDisks() {
		d := b.spec.Disks[i]
		if !hinted(d) {
			continue
		}
		ds := d.Datastore
		if ds == "" {
			ds = b.spec.Datastore
		}
		rec, err := b.p.resolver.Resolve(ctx, chain.Query{
			Datastore: ds,
			PathHint:  d.Path,
			ChainInfo: d.ChainInfo,
			Disks:     b.inv,
		})
		if err != nil {
			return err
		}
		if rec.DeviceKey != 0 {
			if other, dup := b.matched[rec.DeviceKey]; dup {
				return fault.Validationf("disks %d and %d resolve to the same device", other, i)
			}
			b.matched[rec.DeviceKey] = i
		}
		b.records[i] = rec
	}

	for _, i := range b.spec.StorageDisks() {
		d := b.spec.Disks[i]
		if hinted(d) {
			continue
		}
		want := controllerFor(d.Controller, b.spec.GuestOS).Family()
		var pick *remote.Device
		for _, dev := range b.inv.OfKind(remote.KindDisk) {
			if _, taken := b.matched[dev.Key]; taken {
				continue
			}
			if pick == nil || (b.familyOf(dev) == want && b.familyOf(*pick) != want) {
				pick = &dev
			}
		}
		if pick == nil {
			b.records[i] = &chain.Record{Datastore: d.Datastore, Source: chain.SourceNone}
			continue
		}
		b.matched[pick.Key] = i
		b.records[i] = &chain.Record{
			Chain:     slices.Clone(pick.Disk.Chain),
			Datastore: remote.DatastoreOf(pick.Disk.Top()),
			DeviceKey: pick.Key,
			BusName:   b.inv.BusName(*pick),
			Source:    chain.SourceAttached,
		}
	}
	return nil
}

// chooseControllers settles one sub-type per family. Explicit requests are
// settled first and must agree; disks deferring to policy adopt the sub-type
// already chosen for their family.
func (b *builder) chooseControllers(ctx context.Context) error {
	for _, i := range b.spec.StorageDisks() {
		d := b.spec.Disks[i]
		if d.Controller == "" || d.Controller == osDefault {
			continue
		}
		f := d.Controller.Family()
		if cur, ok := b.ctrlType[f]; ok && cur != d.Controller {
			return fault.Validationf("disk %d requests %s but another disk requests %s on the %s family", i, d.Controller, cur, f)
		}
		b.ctrlType[f] = d.Controller
		b.diskFamily[i] = f
	}
	for _, i := range b.spec.StorageDisks() {
		if _, done := b.diskFamily[i]; done {
			continue
		}
		t := controllerFor(b.spec.Disks[i].Controller, b.spec.GuestOS)
		f := t.Family()
		if _, ok := b.ctrlType[f]; !ok {
			b.ctrlType[f] = t
		}
		b.diskFamily[i] = f
	}

	for _, f := range familyOrder {
		want, ok := b.ctrlType[f]
		if !ok {
			continue
		}
		var switching bool
		for _, c := range b.inv.Controllers(f) {
			if c.Controller.Type != want {
				switching = true
			}
		}
		if !switching {
			continue
		}
		if b.hasSnapshot() {
			return fault.Validationf("switching %s controllers to %s is not possible while the machine has a snapshot", f, want)
		}
		if b.live {
			return fault.Validationf("switching %s controllers to %s requires the machine to be powered off", f, want)
		}
		// every controller of the family is recreated, not only the
		// mismatched ones
		for _, c := range b.inv.Controllers(f) {
			b.removedCtrl[c.Key] = true
			b.ctrlRemoves = append(b.ctrlRemoves, remote.DeviceChange{Op: remote.OpRemove, Device: c.Clone()})
		}
	}
	return nil
}

// teardown removes disks and NICs that do not belong to the target. Under a
// snapshot no disk is removed.
func (b *builder) teardown(ctx context.Context) error {
	for _, d := range b.inv.OfKind(remote.KindDisk) {
		idx, isMatched := b.matched[d.Key]
		onRemoved := b.removedCtrl[d.ControllerKey]

		switch {
		case isMatched && !onRemoved && b.familyOf(d) == b.diskFamily[idx]:
			b.kept[d.Key] = true
		case b.hasSnapshot():
			if isMatched {
				b.warn("disk %d stays on %s: the machine has a snapshot", idx, b.inv.BusName(d))
				f := b.familyOf(d)
				b.diskFamily[idx] = f
				if _, ok := b.ctrlType[f]; !ok {
					c, _ := b.inv.ByKey(d.ControllerKey)
					b.ctrlType[f] = c.Controller.Type
				}
			}
			b.kept[d.Key] = true
		default:
			if isMatched {
				b.moving[idx] = true
			}
			b.removes = append(b.removes, remote.DeviceChange{Op: remote.OpRemove, Device: d.Clone()})
		}
	}

	for _, d := range b.inv.OfKind(remote.KindMedia) {
		if b.keptMedia == nil && !b.removedCtrl[d.ControllerKey] {
			m := d.Clone()
			b.keptMedia = &m
			b.kept[d.Key] = true
			continue
		}
		b.removes = append(b.removes, remote.DeviceChange{Op: remote.OpRemove, Device: d.Clone()})
	}

	wanted := map[string]NicSpec{}
	for _, n := range b.spec.Nics {
		wanted[n.MAC] = n
	}
	for _, d := range b.inv.OfKind(remote.KindNic) {
		n, ok := wanted[d.Nic.MAC]
		if ok && n.AdapterType() == d.Nic.Adapter {
			b.kept[d.Key] = true
			continue
		}
		b.removes = append(b.removes, remote.DeviceChange{Op: remote.OpRemove, Device: d.Clone()})
	}
	return nil
}

func (b *builder) needsMedia() bool {
	return b.keptMedia == nil
}

// checkCapacity rejects plans that need more device slots on a family than
// its fixed controller maximum offers.
func (b *builder) checkCapacity(ctx context.Context) error {
	counts := map[remote.ControllerFamily]int{}
	for _, i := range b.spec.StorageDisks() {
		counts[b.diskFamily[i]]++
	}
	for _, d := range b.inv {
		if !b.kept[d.Key] {
			continue
		}
		if d.Kind == remote.KindMedia {
			counts[b.familyOf(d)]++
		}
		if d.Kind == remote.KindDisk {
			if _, ok := b.matched[d.Key]; !ok {
				counts[b.familyOf(d)]++
			}
		}
	}
	if b.needsMedia() {
		counts[remote.FamilyIDE]++
	}
	for _, f := range familyOrder {
		if counts[f] > f.Capacity() {
			return fault.Validationf("%d devices requested on %s controllers, at most %d fit", counts[f], f, f.Capacity())
		}
	}
	return nil
}

func (b *builder) allocateControllers(ctx context.Context) error {
	needed := map[remote.ControllerFamily]bool{}
	for _, f := range b.diskFamily {
		needed[f] = true
	}
	if b.needsMedia() {
		needed[remote.FamilyIDE] = true
		if _, ok := b.ctrlType[remote.FamilyIDE]; !ok {
			b.ctrlType[remote.FamilyIDE] = remote.ControllerIDE
		}
	}

	for _, f := range familyOrder {
		if !needed[f] {
			continue
		}
		a := newUnitAllocator(f)
		b.alloc[f] = a

		buses := map[int32]bool{}
		count := 0
		for _, c := range b.inv.Controllers(f) {
			if b.removedCtrl[c.Key] {
				continue
			}
			a.addController(c.Key, c.Controller.BusNumber)
			buses[c.Controller.BusNumber] = true
			count++
			for _, d := range b.inv.Attached(c.Key) {
				if b.kept[d.Key] {
					a.occupy(c.Key, d.UnitNumber)
				}
			}
		}

		typ, ok := b.ctrlType[f]
		if !ok {
			return errors.Errorf("no controller type settled for %s", f)
		}
		if b.live && f == remote.FamilyIDE && count < f.MaxControllers() {
			if count == 0 {
				delete(b.alloc, f)
			}
			b.warn("ide controllers cannot be added to a running machine")
			continue
		}
		for bus := int32(0); count < f.MaxControllers(); bus++ {
			if buses[bus] {
				continue
			}
			key := b.nextKey()
			b.ctrlAdds = append(b.ctrlAdds, remote.DeviceChange{Op: remote.OpAdd, Device: remote.Device{
				Key:        key,
				Kind:       remote.KindController,
				Controller: &remote.ControllerInfo{Type: typ, BusNumber: bus},
			}})
			a.addController(key, bus)
			buses[bus] = true
			count++
		}
	}
	return nil
}

func (b *builder) placeDisks(ctx context.Context) error {
	for _, i := range b.spec.StorageDisks() {
		d := b.spec.Disks[i]
		rec := b.records[i]
		out := DiskOutcome{Index: i, Role: d.Role, Record: rec, Family: b.diskFamily[i]}

		if rec.DeviceKey != 0 && b.kept[rec.DeviceKey] {
			dev, _ := b.inv.ByKey(rec.DeviceKey)
			c, _ := b.inv.ByKey(dev.ControllerKey)
			out.Key, out.Bus, out.Unit = dev.Key, c.Controller.BusNumber, dev.UnitNumber
			out.Family = c.Controller.Type.Family()
			out.Action = DiskKeep

			if d.SizeBytes != 0 && d.SizeBytes != dev.Disk.CapacityBytes {
				if err := ValidateResize(b.inv, dev, d.SizeBytes, b.live); err != nil {
					return errors.Errorf("disk %d: %w", i, err)
				}
				grown := dev.Clone()
				grown.Disk.CapacityBytes = d.SizeBytes
				b.diskChanges = append(b.diskChanges, remote.DeviceChange{Op: remote.OpEdit, Device: grown})
				out.Action = DiskGrow
			}
			b.plan.Disks = append(b.plan.Disks, out)
			continue
		}

		a := b.alloc[out.Family]
		if a == nil {
			return errors.Errorf("disk %d: no %s controllers", i, out.Family)
		}
		ctrlKey, unit, err := a.next()
		if err != nil {
			return errors.Errorf("disk %d: %w", i, err)
		}
		out.Key, out.Bus, out.Unit = b.nextKey(), a.bus(ctrlKey), unit

		dev := remote.Device{
			Key:           out.Key,
			Kind:          remote.KindDisk,
			ControllerKey: ctrlKey,
			UnitNumber:    unit,
			Disk:          &remote.DiskInfo{CapacityBytes: d.SizeBytes, ThinProvisioned: d.Thin},
		}
		change := remote.DeviceChange{Op: remote.OpAdd}

		switch {
		case b.moving[i]:
			old, _ := b.inv.ByKey(rec.DeviceKey)
			if d.SizeBytes != 0 && d.SizeBytes != old.Disk.CapacityBytes {
				if err := ValidateResize(b.inv, old, d.SizeBytes, false); err != nil {
					return errors.Errorf("disk %d: %w", i, err)
				}
			}
			dev.Disk.CapacityBytes = max(d.SizeBytes, old.Disk.CapacityBytes)
			dev.Disk.Chain = slices.Clone(old.Disk.Chain)
			dev.Disk.Datastore = old.Disk.Datastore
			dev.Disk.ThinProvisioned = old.Disk.ThinProvisioned
			out.Action = DiskMove
		case rec.Found():
			dev.Disk.Chain = slices.Clone(rec.Chain)
			dev.Disk.Datastore = rec.Datastore
			out.Action = DiskAttach
		default:
			if d.SizeBytes == 0 {
				return fault.Validationf("disk %d is new and needs a size", i)
			}
			ds := d.Datastore
			if ds == "" {
				ds = b.spec.Datastore
			}
			dev.Disk.Datastore = ds
			dev.Disk.StoragePolicy = d.StoragePolicy
			if d.Role == RoleRoot && dev.Disk.StoragePolicy == "" {
				dev.Disk.StoragePolicy = b.spec.StoragePolicy
			}
			change.File = remote.FileCreate
			out.Action = DiskCreate
		}

		change.Device = dev
		b.diskChanges = append(b.diskChanges, change)
		b.plan.Disks = append(b.plan.Disks, out)
	}
	return nil
}

func (b *builder) placeNics(ctx context.Context) error {
	table := &SlotTable{}
	existing := map[string]remote.Device{}
	for _, d := range b.inv.OfKind(remote.KindNic) {
		if b.kept[d.Key] {
			existing[d.Nic.MAC] = d
		}
	}
	for _, n := range b.spec.Nics {
		if d, ok := existing[n.MAC]; ok {
			table.Occupy(d.UnitNumber, n.Public)
		}
	}

	for _, n := range b.spec.Nics {
		network := n.Network
		if !slices.ContainsFunc(b.networks, func(ns remote.NetworkSpec) bool { return ns.Name == network }) {
			b.networks = append(b.networks, remote.NetworkSpec{Name: network, VLAN: n.VLAN})
		}

		if d, ok := existing[n.MAC]; ok {
			if d.Nic.Network != network || !d.Nic.Connected {
				edited := d.Clone()
				edited.Nic.Network = network
				edited.Nic.Connected = true
				b.nicChanges = append(b.nicChanges, remote.DeviceChange{Op: remote.OpEdit, Device: edited})
			}
			continue
		}

		idx, err := table.Allocate(n.Public)
		if err != nil {
			return err
		}
		b.nicChanges = append(b.nicChanges, remote.DeviceChange{Op: remote.OpAdd, Device: remote.Device{
			Key:        b.nextKey(),
			Kind:       remote.KindNic,
			UnitNumber: idx,
			Nic: &remote.NicInfo{
				Adapter:   n.AdapterType(),
				MAC:       n.MAC,
				Network:   network,
				Connected: true,
			},
		}})
	}

	have := "0"
	if b.existing != nil && b.existing.ExtraConfig[NicMaskTag] != "" {
		have = b.existing.ExtraConfig[NicMaskTag]
	}
	if want := table.Tag(); want != have {
		b.setExtra(NicMaskTag, want)
	}
	return nil
}

// ensureNetworks creates the port groups the NICs need. It runs after every
// validating step so a rejected plan leaves the endpoint untouched.
func (b *builder) ensureNetworks(ctx context.Context) error {
	for _, ns := range b.networks {
		name, err := b.p.client.EnsureNetwork(ctx, ns)
		if err != nil {
			return errors.Errorf("ensuring network %s: %w", ns.Name, err)
		}
		if name == ns.Name {
			continue
		}
		for _, c := range b.nicChanges {
			if c.Device.Nic.Network == ns.Name {
				c.Device.Nic.Network = name
			}
		}
	}

	// an edit may have become a no-op once the endpoint named the network
	b.nicChanges = slices.DeleteFunc(b.nicChanges, func(c remote.DeviceChange) bool {
		if c.Op != remote.OpEdit {
			return false
		}
		cur, ok := b.inv.ByKey(c.Device.Key)
		return ok && cur.Nic.Network == c.Device.Nic.Network && cur.Nic.Connected
	})
	return nil
}

func (b *builder) setExtra(k, v string) {
	if b.plan.Config.ExtraConfig == nil {
		b.plan.Config.ExtraConfig = map[string]string{}
	}
	b.plan.Config.ExtraConfig[k] = v
}

func (b *builder) placeMedia(ctx context.Context) error {
	iso := b.spec.Media()
	if b.keptMedia != nil {
		if b.keptMedia.Media.ISOPath != iso {
			edited := b.keptMedia.Clone()
			edited.Media.ISOPath = iso
			b.mediaChanges = append(b.mediaChanges, remote.DeviceChange{Op: remote.OpEdit, Device: edited})
		}
		return nil
	}

	a := b.alloc[remote.FamilyIDE]
	if a == nil {
		b.warn("no ide controller available for removable media")
		return nil
	}
	ctrlKey, unit, err := a.next()
	if err != nil {
		return errors.Errorf("removable media: %w", err)
	}
	b.mediaChanges = append(b.mediaChanges, remote.DeviceChange{Op: remote.OpAdd, Device: remote.Device{
		Key:           b.nextKey(),
		Kind:          remote.KindMedia,
		ControllerKey: ctrlKey,
		UnitNumber:    unit,
		Media:         &remote.MediaInfo{ISOPath: iso},
	}})
	return nil
}

func (b *builder) placeVideo(ctx context.Context) error {
	want := b.spec.VideoRAMKB
	if want <= 0 {
		return nil
	}
	videos := b.inv.OfKind(remote.KindVideo)
	if len(videos) == 0 {
		b.videoChanges = append(b.videoChanges, remote.DeviceChange{Op: remote.OpAdd, Device: remote.Device{
			Key:   b.nextKey(),
			Kind:  remote.KindVideo,
			Video: &remote.VideoInfo{VideoRAMKB: want},
		}})
		return nil
	}
	if videos[0].Video.VideoRAMKB != want {
		edited := videos[0].Clone()
		edited.Video.VideoRAMKB = want
		b.videoChanges = append(b.videoChanges, remote.DeviceChange{Op: remote.OpEdit, Device: edited})
	}
	return nil
}

func (b *builder) setOptions(ctx context.Context) error {
	cur := b.existing
	if cur == nil {
		cur = &remote.MachineState{}
		b.plan.Config.Name = b.spec.Name
		b.plan.Config.Datastore = b.spec.Datastore
	}
	cfg := &b.plan.Config
	spec := b.spec

	if spec.GuestOS != "" && spec.GuestOS != cur.GuestOS {
		cfg.GuestOS = spec.GuestOS
	}

	compute := Compute{
		CPUs:        spec.CPUs,
		CPUSpeedMHz: spec.CPUSpeedMHz,
		LimitCPU:    spec.LimitCPU,
		MinMemoryMB: spec.MinMemoryMB,
		MaxMemoryMB: spec.MaxMemoryMB,
	}
	if err := compute.apply(cfg, cur, spec.Name, b.live); err != nil {
		return err
	}

	firmware := spec.Firmware
	if firmware == "" {
		firmware = remote.FirmwareBIOS
	}
	if firmware != cur.Firmware || spec.SecureBoot != cur.SecureBoot {
		if b.live {
			return fault.Validationf("boot firmware of %s cannot change while it runs", spec.Name)
		}
		if firmware != cur.Firmware {
			cfg.Firmware = firmware
		}
		if spec.SecureBoot != cur.SecureBoot {
			v := spec.SecureBoot
			cfg.SecureBoot = &v
		}
	}

	switch {
	case spec.NestedHV && !cur.NestedHV:
		caps, err := b.p.client.HostCapabilities(ctx, cur.Host)
		if err != nil {
			return errors.Errorf("querying host capabilities: %w", err)
		}
		if caps.NestedHV {
			v := true
			cfg.NestedHV = &v
		} else {
			b.warn("nested virtualization requested but not supported by the host")
		}
	case !spec.NestedHV && cur.NestedHV:
		v := false
		cfg.NestedHV = &v
	}

	hotAdd := guestSupportsHotAdd(spec.GuestOS)
	if hotAdd && !APIAtLeast(b.api, hotAddMinAPI) {
		b.warn("cpu and memory hot-add disabled: endpoint api %s is below %s", b.api, hotAddMinAPI)
		hotAdd = false
	}
	if !guestSupportsHotAdd(spec.GuestOS) && spec.GuestOS != "" {
		b.warn("cpu and memory hot-add disabled: guest os %s does not support it", spec.GuestOS)
	}
	if hotAdd != cur.CPUHotAdd || hotAdd != cur.MemoryHotAdd {
		if b.live {
			b.warn("hot-add settings of %s change on its next power cycle", spec.Name)
		} else {
			if hotAdd != cur.CPUHotAdd {
				cfg.CPUHotAdd = &hotAdd
			}
			if hotAdd != cur.MemoryHotAdd {
				v := hotAdd
				cfg.MemoryHotAdd = &v
			}
		}
	}
	return nil
}

// ValidateResize checks that disk d can be resized to size. Shrinking is never
// possible, a disk with a backing parent must be consolidated first, and IDE
// disks cannot grow while the machine runs.
func ValidateResize(inv remote.Inventory, d remote.Device, size int64, live bool) error {
	if d.Disk == nil {
		return fault.Validationf("device %d is not a disk", d.Key)
	}
	switch {
	case size < d.Disk.CapacityBytes:
		return fault.Validationf("disk %s cannot shrink from %d to %d bytes", d.Disk.Top(), d.Disk.CapacityBytes, size)
	case size == d.Disk.CapacityBytes:
		return nil
	case d.Disk.HasParent():
		return fault.Validationf("disk %s has a backing parent; consolidate before resizing", d.Disk.Top())
	}
	if live {
		if c, ok := inv.ByKey(d.ControllerKey); ok && c.Controller.Type.Family() == remote.FamilyIDE {
			return fault.Validationf("disk %s is on an ide controller and cannot grow while powered on", d.Disk.Top())
		}
	}
	return nil
}
