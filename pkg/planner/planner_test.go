package planner_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/cloudstack-vmware-agent/pkg/chain"
	"github.com/walteh/cloudstack-vmware-agent/pkg/control"
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/planner"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote/remotetest"
)

const gib = int64(1) << 30

type env struct {
	ep      *remotetest.Endpoint
	client  remote.Client
	planner *planner.Planner
}

func newEnv(t *testing.T, opts planner.Options) *env {
	t.Helper()
	ep := remotetest.NewEndpoint()
	ep.AddDatastore("pool1", "")
	client, err := ep.Connect(t.Context(), remote.Endpoint{Address: "vc", Principal: "admin"})
	require.NoError(t, err)
	opts.Power = planner.PowerOptions{ShutdownTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	return &env{ep: ep, client: client, planner: planner.New(client, opts)}
}

func (e *env) state(t *testing.T, name string) *remote.MachineState {
	t.Helper()
	st, ok := e.ep.Machine(name)
	require.True(t, ok, "machine %s exists", name)
	return st
}

func scenarioA() *planner.MachineSpec {
	return &planner.MachineSpec{
		Name:        "i-2-3-VM",
		GuestOS:     "ubuntu64Guest",
		Datastore:   "pool1",
		CPUs:        2,
		MaxMemoryMB: 2048,
		Disks:       []planner.DiskSpec{{Role: planner.RoleRoot, SizeBytes: 20 * gib, Datastore: "pool1"}},
		Nics:        []planner.NicSpec{{MAC: "00:11:22:33:44:55", Network: "guest"}},
		EndUser:     true,
	}
}

func count(plan *planner.Plan, op remote.Operation, kind remote.DeviceKind) int {
	n := 0
	for _, c := range plan.Config.DeviceChanges {
		if c.Op == op && c.Device.Kind == kind {
			n++
		}
	}
	return n
}

func TestScenarioACreatesMachine(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	plan, err := e.planner.Plan(ctx, scenarioA(), nil)
	require.NoError(t, err)
	assert.True(t, plan.Create)
	assert.Equal(t, 1, count(plan, remote.OpAdd, remote.KindDisk))
	assert.Equal(t, 1, count(plan, remote.OpAdd, remote.KindNic))
	assert.Equal(t, 1, count(plan, remote.OpAdd, remote.KindMedia))
	assert.Equal(t, 6, count(plan, remote.OpAdd, remote.KindController), "two ide and four scsi controllers")
	assert.Zero(t, count(plan, remote.OpRemove, remote.KindDisk))

	res, err := e.planner.Converge(ctx, scenarioA())
	require.NoError(t, err)
	assert.True(t, res.Changed)

	st := e.state(t, "i-2-3-VM")
	assert.True(t, st.PoweredOn())
	assert.Len(t, st.Devices.OfKind(remote.KindDisk), 1)
	assert.Len(t, st.Devices.OfKind(remote.KindNic), 1)
	assert.Len(t, st.Devices.OfKind(remote.KindMedia), 1)
	assert.Equal(t, int32(2), st.NumCPUs)
	assert.Equal(t, int64(2048), st.MemoryMB)

	require.Len(t, res.Disks, 1)
	assert.Equal(t, planner.DiskCreate, res.Disks[0].Action)
	assert.Equal(t, "[pool1] i-2-3-VM/i-2-3-VM.vmdk", res.Disks[0].Path)
	info, err := chain.ParseInfo(res.Disks[0].ChainInfo)
	require.NoError(t, err)
	assert.Equal(t, "scsi0:0", info.DiskDeviceBusName)
}

func TestScenarioBReapplyIsEmpty(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	_, err := e.planner.Converge(ctx, scenarioA())
	require.NoError(t, err)
	calls := e.ep.ConfigureCalls.Load()

	plan, err := e.planner.Plan(ctx, scenarioA(), e.state(t, "i-2-3-VM"))
	require.NoError(t, err)
	assert.True(t, plan.Empty(), "unexpected changes: %v", plan.Config.DeviceChanges)

	res, err := e.planner.Converge(ctx, scenarioA())
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, calls, e.ep.ConfigureCalls.Load())
}

func TestScenarioCRenamedTopFile(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()
	e.ep.AddFile("[pool1] vol/base.vmdk", "")
	e.ep.AddFile("[pool1] vol/top.vmdk", "[pool1] vol/base.vmdk")

	spec := scenarioA()
	spec.Disks[0].Path = "[pool1] vol/top.vmdk"

	first, err := e.planner.Converge(ctx, spec)
	require.NoError(t, err)
	require.Len(t, first.Disks, 1)
	assert.Equal(t, planner.DiskAttach, first.Disks[0].Action)

	e.ep.RenameFile("[pool1] vol/top.vmdk", "[pool1] vol/top2.vmdk")
	spec.Disks[0].ChainInfo = first.Disks[0].ChainInfo

	second, err := e.planner.Converge(ctx, spec)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, "[pool1] vol/top2.vmdk", second.Disks[0].Path)

	info, err := chain.ParseInfo(second.Disks[0].ChainInfo)
	require.NoError(t, err)
	assert.Equal(t, []string{"[pool1] vol/top2.vmdk", "[pool1] vol/base.vmdk"}, info.DiskChain)
}

func TestScenarioDShrinkRejectedBeforeAnyCall(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	_, err := e.planner.Converge(ctx, scenarioA())
	require.NoError(t, err)
	calls := e.ep.ConfigureCalls.Load()

	spec := scenarioA()
	spec.Disks[0].SizeBytes = 10 * gib
	_, err = e.planner.Converge(ctx, spec)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
	assert.Equal(t, calls, e.ep.ConfigureCalls.Load())
	assert.True(t, e.state(t, "i-2-3-VM").PoweredOn(), "machine untouched")
}

func TestDiskGrowth(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	_, err := e.planner.Converge(ctx, scenarioA())
	require.NoError(t, err)

	spec := scenarioA()
	spec.Disks[0].SizeBytes = 40 * gib
	res, err := e.planner.Converge(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, planner.DiskGrow, res.Disks[0].Action)
	assert.Equal(t, 40*gib, res.Disks[0].SizeBytes)
	assert.True(t, e.state(t, "i-2-3-VM").PoweredOn())
}

func TestConvergenceFromDriftedMachine(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	spec := scenarioA()
	spec.Disks = append(spec.Disks, planner.DiskSpec{Role: planner.RoleData, SizeBytes: 5 * gib})
	spec.Nics = append(spec.Nics, planner.NicSpec{MAC: "00:11:22:33:44:66", Network: "storage", VLAN: 30})
	_, err := e.planner.Converge(ctx, spec)
	require.NoError(t, err)

	target := scenarioA()
	target.CPUs = 4
	target.Nics = []planner.NicSpec{{MAC: "00:11:22:33:44:77", Network: "guest"}}
	res, err := e.planner.Converge(ctx, target)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	st := e.state(t, "i-2-3-VM")
	assert.Len(t, st.Devices.OfKind(remote.KindDisk), 1)
	nics := st.Devices.OfKind(remote.KindNic)
	require.Len(t, nics, 1)
	assert.Equal(t, "00:11:22:33:44:77", nics[0].Nic.MAC)
	assert.Equal(t, int32(4), st.NumCPUs)

	plan, err := e.planner.Plan(ctx, target, st)
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestControllerCap(t *testing.T) {
	tests := []struct {
		name    string
		disks   int
		wantErr bool
	}{
		{"fills every scsi slot", 60, false},
		{"one too many", 61, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, planner.Options{})
			ctx := t.Context()

			spec := scenarioA()
			for range tt.disks - 1 {
				spec.Disks = append(spec.Disks, planner.DiskSpec{Role: planner.RoleData, SizeBytes: gib})
			}

			_, err := e.planner.Converge(ctx, spec)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, fault.KindValidation, fault.Classify(err))
				assert.Empty(t, e.ep.MachineNames())
				return
			}
			require.NoError(t, err)

			st := e.state(t, "i-2-3-VM")
			ctrls := st.Devices.Controllers(remote.FamilySCSI)
			assert.Len(t, ctrls, remote.FamilySCSI.MaxControllers())
			for _, c := range ctrls {
				attached := st.Devices.Attached(c.Key)
				assert.LessOrEqual(t, len(attached), 15)
				for _, d := range attached {
					assert.NotEqual(t, int32(7), d.UnitNumber)
				}
			}
		})
	}
}

func TestSnapshotKeepsDisksButRebuildsNics(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	spec := scenarioA()
	spec.Disks = append(spec.Disks, planner.DiskSpec{Role: planner.RoleData, SizeBytes: 5 * gib})
	_, err := e.planner.Converge(ctx, spec)
	require.NoError(t, err)
	e.ep.SetSnapshot("i-2-3-VM", true)

	target := scenarioA()
	target.Nics = []planner.NicSpec{{MAC: "00:11:22:33:44:99", Network: "guest"}}

	plan, err := e.planner.Plan(ctx, target, e.state(t, "i-2-3-VM"))
	require.NoError(t, err)
	assert.Zero(t, count(plan, remote.OpRemove, remote.KindDisk))
	assert.Equal(t, 1, count(plan, remote.OpRemove, remote.KindNic))
	assert.Equal(t, 1, count(plan, remote.OpAdd, remote.KindNic))

	_, err = e.planner.Converge(ctx, target)
	require.NoError(t, err)
	assert.Len(t, e.state(t, "i-2-3-VM").Devices.OfKind(remote.KindDisk), 2)
}

func TestControllerSubTypeSwitch(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	_, err := e.planner.Converge(ctx, scenarioA())
	require.NoError(t, err)
	before := e.state(t, "i-2-3-VM").Devices.OfKind(remote.KindDisk)[0].Disk.Top()

	spec := scenarioA()
	spec.Disks[0].Controller = remote.ControllerLsiLogic

	plan, err := e.planner.Plan(ctx, spec, e.state(t, "i-2-3-VM"))
	require.NoError(t, err)
	assert.Equal(t, 4, count(plan, remote.OpRemove, remote.KindController))
	assert.Equal(t, 4, count(plan, remote.OpAdd, remote.KindController))
	assert.Equal(t, 1, count(plan, remote.OpRemove, remote.KindDisk))
	assert.Equal(t, 1, count(plan, remote.OpAdd, remote.KindDisk))

	// the re-attach must come after the controller adds
	lastCtrlAdd, diskAdd := -1, -1
	for i, c := range plan.Config.DeviceChanges {
		if c.Op == remote.OpAdd && c.Device.Kind == remote.KindController {
			lastCtrlAdd = i
		}
		if c.Op == remote.OpAdd && c.Device.Kind == remote.KindDisk {
			diskAdd = i
		}
	}
	assert.Less(t, lastCtrlAdd, diskAdd)

	res, err := e.planner.Converge(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, planner.DiskMove, res.Disks[0].Action)

	st := e.state(t, "i-2-3-VM")
	for _, c := range st.Devices.Controllers(remote.FamilySCSI) {
		assert.Equal(t, remote.ControllerLsiLogic, c.Controller.Type)
	}
	disks := st.Devices.OfKind(remote.KindDisk)
	require.Len(t, disks, 1)
	assert.Equal(t, before, disks[0].Disk.Top(), "same file re-attached")
}

func TestControllerSwitchRejectedUnderSnapshot(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	_, err := e.planner.Converge(ctx, scenarioA())
	require.NoError(t, err)
	e.ep.SetSnapshot("i-2-3-VM", true)

	spec := scenarioA()
	spec.Disks[0].Controller = remote.ControllerLsiLogic
	_, err = e.planner.Plan(ctx, spec, e.state(t, "i-2-3-VM"))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
}

func TestConflictingControllerRequests(t *testing.T) {
	e := newEnv(t, planner.Options{})

	spec := scenarioA()
	spec.Disks[0].Controller = remote.ControllerLsiLogic
	spec.Disks = append(spec.Disks, planner.DiskSpec{Role: planner.RoleData, SizeBytes: gib, Controller: remote.ControllerParaVirtual})

	_, err := e.planner.Plan(t.Context(), spec, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
}

func TestPublicNicSlotMask(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	spec := scenarioA()
	spec.Nics = []planner.NicSpec{
		{MAC: "0e:00:a9:fe:00:01", Network: "control"},
		{MAC: "06:00:00:00:00:01", Network: "public", VLAN: 100, Public: true},
		{MAC: "02:00:00:00:00:01", Network: "guest"},
	}
	_, err := e.planner.Converge(ctx, spec)
	require.NoError(t, err)

	st := e.state(t, "i-2-3-VM")
	assert.Equal(t, "2", st.ExtraConfig[planner.NicMaskTag])

	table := planner.LoadSlotTable(st)
	assert.True(t, table.Public().Has(1))
	idx, err := table.Allocate(true)
	require.NoError(t, err)
	assert.Equal(t, int32(3), idx)
	assert.Equal(t, "10", table.Tag())
}

func TestHotAddNeedsAPIVersion(t *testing.T) {
	e := newEnv(t, planner.Options{})
	e.ep.APIVersion = "4.1"

	plan, err := e.planner.Plan(t.Context(), scenarioA(), nil)
	require.NoError(t, err)
	assert.Nil(t, plan.Config.CPUHotAdd)
	assert.NotEmpty(t, plan.Warnings)

	e.ep.APIVersion = "6.7.0"
	plan, err = e.planner.Plan(t.Context(), scenarioA(), nil)
	require.NoError(t, err)
	require.NotNil(t, plan.Config.CPUHotAdd)
	assert.True(t, *plan.Config.CPUHotAdd)
}

func TestNestedVirtualizationDowngrade(t *testing.T) {
	e := newEnv(t, planner.Options{})
	e.ep.NestedHV = false

	spec := scenarioA()
	spec.NestedHV = true
	plan, err := e.planner.Plan(t.Context(), spec, nil)
	require.NoError(t, err)
	assert.Nil(t, plan.Config.NestedHV)
	assert.Contains(t, plan.Warnings, "nested virtualization requested but not supported by the host")
}

func TestGracefulShutdownFallsBackToPowerOff(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	_, err := e.planner.Converge(ctx, scenarioA())
	require.NoError(t, err)
	e.ep.IgnoreShutdown = true

	spec := scenarioA()
	spec.CPUs = 4
	_, err = e.planner.Converge(ctx, spec)
	require.NoError(t, err)

	st := e.state(t, "i-2-3-VM")
	assert.True(t, st.PoweredOn())
	assert.Equal(t, int32(4), st.NumCPUs)
}

func TestLiveIDEGrowthRejected(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	spec := scenarioA()
	spec.GuestOS = "otherGuest"
	_, err := e.planner.Converge(ctx, spec)
	require.NoError(t, err)
	root := e.state(t, "i-2-3-VM").Devices.OfKind(remote.KindDisk)[0]
	assert.Contains(t, e.state(t, "i-2-3-VM").Devices.BusName(root), "ide")

	spec.Live = true
	spec.Disks[0].SizeBytes = 30 * gib
	_, err = e.planner.Converge(ctx, spec)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
}

func TestRejectedPlanCreatesNoNetwork(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	_, err := e.planner.Converge(ctx, scenarioA())
	require.NoError(t, err)
	require.Equal(t, []string{"guest"}, e.ep.Networks())
	calls := e.ep.ConfigureCalls.Load()

	spec := scenarioA()
	spec.Live = true
	spec.Firmware = remote.FirmwareEFI
	spec.Nics = append(spec.Nics, planner.NicSpec{MAC: "00:11:22:33:44:66", Network: "storage", VLAN: 120})

	_, err = e.planner.Plan(ctx, spec, e.state(t, "i-2-3-VM"))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
	assert.Equal(t, []string{"guest"}, e.ep.Networks(), "storage network must not be created")
	assert.Equal(t, calls, e.ep.ConfigureCalls.Load())

	spec.Live = false
	plan, err := e.planner.Plan(ctx, spec, e.state(t, "i-2-3-VM"))
	require.NoError(t, err)
	assert.Equal(t, 1, count(plan, remote.OpAdd, remote.KindNic))
	assert.Equal(t, []string{"guest", "storage"}, e.ep.Networks())
}

func TestStaleVolumeReference(t *testing.T) {
	e := newEnv(t, planner.Options{})

	spec := scenarioA()
	spec.Disks = append(spec.Disks, planner.DiskSpec{Role: planner.RoleData, Path: "[pool1] gone/gone.vmdk"})
	_, err := e.planner.Converge(t.Context(), spec)
	require.Error(t, err)
	assert.Equal(t, fault.KindStaleReference, fault.Classify(err))
	assert.Empty(t, e.ep.MachineNames())
}

func TestRemovableMedia(t *testing.T) {
	e := newEnv(t, planner.Options{})
	ctx := t.Context()

	_, err := e.planner.Converge(ctx, scenarioA())
	require.NoError(t, err)

	spec := scenarioA()
	spec.Disks = append(spec.Disks, planner.DiskSpec{Role: planner.RoleRemovable, Path: "[iso] systemvm.iso"})
	plan, err := e.planner.Plan(ctx, spec, e.state(t, "i-2-3-VM"))
	require.NoError(t, err)
	assert.Equal(t, 1, count(plan, remote.OpEdit, remote.KindMedia))
	assert.Zero(t, count(plan, remote.OpAdd, remote.KindMedia))

	_, err = e.planner.Converge(ctx, spec)
	require.NoError(t, err)
	media := e.state(t, "i-2-3-VM").Devices.OfKind(remote.KindMedia)
	require.Len(t, media, 1)
	assert.Equal(t, "[iso] systemvm.iso", media[0].Media.ISOPath)
}

type scriptedRunner struct {
	mu      sync.Mutex
	scripts []string
}

func (r *scriptedRunner) Run(ctx context.Context, address, script string, args []string, timeout time.Duration) (control.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, script)
	if len(args) > 0 {
		return control.Result{OK: true, Output: args[0] + "\n"}, nil
	}
	return control.Result{OK: true}, nil
}

func TestSystemApplianceWaitsForReadinessAndPatches(t *testing.T) {
	runner := &scriptedRunner{}
	e := newEnv(t, planner.Options{
		Runner: runner,
		Probe:  control.ProbeOptions{Retries: 3, Interval: time.Millisecond},
	})

	spec := scenarioA()
	spec.Name = "r-4-VM"
	spec.EndUser = false
	spec.ControlAddress = "169.254.3.4"
	spec.PatchChecksum = "5f1c"

	_, err := e.planner.Converge(t.Context(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/true", "/opt/cloud/bin/patch.sh"}, runner.scripts)
}

func TestValidateResize(t *testing.T) {
	inv := remote.Inventory{
		{Key: 200, Kind: remote.KindController, Controller: &remote.ControllerInfo{Type: remote.ControllerIDE}},
		{Key: 1000, Kind: remote.KindController, Controller: &remote.ControllerInfo{Type: remote.ControllerParaVirtual}},
	}
	disk := func(ctrl int32, chainFiles ...string) remote.Device {
		return remote.Device{Key: 2000, Kind: remote.KindDisk, ControllerKey: ctrl, Disk: &remote.DiskInfo{CapacityBytes: 10 * gib, Chain: chainFiles}}
	}

	tests := []struct {
		name    string
		dev     remote.Device
		size    int64
		live    bool
		wantErr bool
	}{
		{"grow scsi live", disk(1000, "[ds] a.vmdk"), 20 * gib, true, false},
		{"same size", disk(200, "[ds] a.vmdk", "[ds] b.vmdk"), 10 * gib, true, false},
		{"shrink", disk(1000, "[ds] a.vmdk"), 5 * gib, false, true},
		{"parent chain", disk(1000, "[ds] a.vmdk", "[ds] b.vmdk"), 20 * gib, false, true},
		{"ide live", disk(200, "[ds] a.vmdk"), 20 * gib, true, true},
		{"ide offline", disk(200, "[ds] a.vmdk"), 20 * gib, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := planner.ValidateResize(inv, tt.dev, tt.size, tt.live)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, fault.KindValidation, fault.Classify(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLocksSerializePerMachine(t *testing.T) {
	locks := planner.NewLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("r-4-VM")
			defer unlock()

			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, locks.Len(), "released machines leave no entry behind")
}

func TestLocksDropEntriesOnRelease(t *testing.T) {
	locks := planner.NewLocks()

	first := locks.Lock("r-4-VM")
	second := locks.Lock("r-5-VM")
	assert.Equal(t, 2, locks.Len())

	waiting := make(chan func())
	go func() { waiting <- locks.Lock("r-4-VM") }()

	first()
	third := <-waiting
	assert.Equal(t, 2, locks.Len(), "the next holder owns the entry")

	third()
	second()
	assert.Zero(t, locks.Len())
}
