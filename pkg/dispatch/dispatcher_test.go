package dispatch_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/walteh/cloudstack-vmware-agent/pkg/command"
	"github.com/walteh/cloudstack-vmware-agent/pkg/dispatch"
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/planner"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote/remotetest"
	"github.com/walteh/cloudstack-vmware-agent/pkg/session"
)

const gib = int64(1) << 30

var creds = session.Credentials{Address: "vc.lab", Principal: "svc-agent", Secret: "s3cret"}

type fixture struct {
	ep   *remotetest.Endpoint
	pool *session.Pool
	reg  *prometheus.Registry
	d    *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ep := remotetest.NewEndpoint()
	ep.AddDatastore("pool1", "")
	ep.AddDatastore("pool2", "")

	pool := session.NewPool(ep, session.Options{Timeout: time.Hour})
	t.Cleanup(func() { pool.Close(context.Background()) })

	reg := prometheus.NewRegistry()
	d := dispatch.New(pool, dispatch.Options{
		Credentials: creds,
		Registerer:  reg,
		Planner: planner.Options{
			Power: planner.PowerOptions{ShutdownTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		},
	})
	return &fixture{ep: ep, pool: pool, reg: reg, d: d}
}

func startCommand() *command.StartCommand {
	return &command.StartCommand{Spec: planner.MachineSpec{
		Name:        "i-2-3-VM",
		GuestOS:     "ubuntu64Guest",
		Datastore:   "pool1",
		CPUs:        2,
		MaxMemoryMB: 2048,
		Disks: []planner.DiskSpec{
			{Role: planner.RoleRoot, SizeBytes: 20 * gib},
			{Role: planner.RoleData, SizeBytes: 5 * gib},
		},
		Nics:    []planner.NicSpec{{MAC: "02:00:00:00:00:01", Network: "guest"}},
		EndUser: true,
	}}
}

func (f *fixture) start(t *testing.T) *command.Answer {
	t.Helper()
	ans := f.d.Execute(t.Context(), startCommand())
	require.True(t, ans.Result, ans.Details)
	return ans
}

func TestStartRecordsDiagnosticsAndReleasesSession(t *testing.T) {
	f := newFixture(t)

	ans := f.start(t)
	assert.Equal(t, remote.PoweredOn, ans.PowerState)
	require.Len(t, ans.Volumes, 2)
	assert.Equal(t, "create", ans.Volumes[0].Action)
	assert.NotEmpty(t, ans.Volumes[0].ChainInfo)
	assert.Equal(t, uint64(1), ans.Seq)

	assert.Equal(t, 1, f.d.Ring().Len())
	assert.Equal(t, 1, f.pool.Idle(creds.Key()))

	again := f.d.Execute(t.Context(), startCommand())
	require.True(t, again.Result)
	assert.Contains(t, again.Details, "already matches")
	assert.Equal(t, int32(1), f.ep.Connects.Load(), "session reused")
}

func TestFailureIsClassifiedAndNotRecorded(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	shrink := startCommand()
	shrink.Spec.Disks[0].SizeBytes = gib
	ans := f.d.Execute(t.Context(), shrink)

	assert.False(t, ans.Result)
	assert.Equal(t, fault.KindValidation, ans.Fault)
	assert.Contains(t, ans.Details, "cannot shrink")
	assert.Zero(t, ans.Seq)
	assert.Equal(t, 1, f.d.Ring().Len())
	assert.Equal(t, 1, f.pool.Idle(creds.Key()), "session released after a failure")
}

func TestConnectivityFaultInvalidatesSession(t *testing.T) {
	f := newFixture(t)
	f.d.Register(command.KindReady, func(ctx context.Context, sess *session.Session, cmd command.Command) (*command.Answer, error) {
		return nil, fault.Connectivity(errors.New("connection reset by peer"))
	})

	ans := f.d.Execute(t.Context(), &command.ReadyCommand{})
	assert.False(t, ans.Result)
	assert.Equal(t, fault.KindConnectivity, ans.Fault)
	assert.Zero(t, f.pool.Idle(creds.Key()))
	assert.Equal(t, int32(1), f.ep.Logouts.Load())

	check := f.d.Execute(t.Context(), &command.CheckVirtualMachineCommand{VMName: "missing"})
	assert.Equal(t, fault.KindNotFound, check.Fault, "a fresh session serves the next command")
	assert.Equal(t, int32(2), f.ep.Connects.Load())
}

func TestConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.ep.ConnectErr = errors.New("dial tcp: connection refused")

	ans := f.d.Execute(t.Context(), &command.ReadyCommand{})
	assert.False(t, ans.Result)
	assert.Equal(t, fault.KindConnectivity, ans.Fault)

	f.ep.ConnectErr = nil
	ans = f.d.Execute(t.Context(), &command.ReadyCommand{})
	assert.True(t, ans.Result, ans.Details)
	assert.Contains(t, ans.Details, "api 7.0.3")
}

type bogusCommand struct{ command.Base }

func (bogusCommand) Kind() command.Kind { return "BogusCommand" }
func (bogusCommand) Target() string     { return "" }
func (bogusCommand) Validate() error    { return nil }

func TestUnsupportedAndInvalidCommands(t *testing.T) {
	f := newFixture(t)

	ans := f.d.Execute(t.Context(), &bogusCommand{})
	assert.False(t, ans.Result)
	assert.Equal(t, fault.KindValidation, ans.Fault)

	ans = f.d.Execute(t.Context(), &command.StopCommand{})
	assert.False(t, ans.Result)
	assert.Equal(t, fault.KindValidation, ans.Fault)
	assert.Zero(t, f.ep.Connects.Load(), "invalid commands never reach the endpoint")
}

func TestExecuteRaw(t *testing.T) {
	f := newFixture(t)

	out := f.d.ExecuteRaw(t.Context(), []byte(`{"StopCommand": {"vmName": "i-9-9-VM"}}`))
	name, ans, err := command.DecodeAnswer(out)
	require.NoError(t, err)
	assert.Equal(t, "StopAnswer", name)
	assert.True(t, ans.Result)
	assert.Equal(t, remote.PoweredOff, ans.PowerState)

	out = f.d.ExecuteRaw(t.Context(), []byte(`{"StopCommand": `))
	name, ans, err = command.DecodeAnswer(out)
	require.NoError(t, err)
	assert.Equal(t, "UnknownAnswer", name)
	assert.False(t, ans.Result)
}

func TestDiagnosticsRedactSecrets(t *testing.T) {
	f := newFixture(t)

	ans := f.d.Execute(t.Context(), &command.ReadyCommand{Base: command.Base{Remote: &command.Endpoint{
		Address: "vc2.lab", Principal: "root", Secret: "hunter2",
	}}})
	require.True(t, ans.Result, ans.Details)

	recs := f.d.Ring().Recent(1)
	require.Len(t, recs, 1)
	assert.Equal(t, "ReadyCommand", recs[0].Kind)
	assert.Contains(t, string(recs[0].Request), "vc2.lab")
	assert.NotContains(t, string(recs[0].Request), "hunter2")
	assert.Equal(t, 1, f.pool.Idle(session.Key{Address: "vc2.lab", Principal: "root"}))
}

func TestStopAndReboot(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	ans := f.d.Execute(t.Context(), &command.RebootCommand{VMName: "i-2-3-VM"})
	require.True(t, ans.Result, ans.Details)

	ans = f.d.Execute(t.Context(), &command.StopCommand{VMName: "i-2-3-VM"})
	require.True(t, ans.Result, ans.Details)
	st, _ := f.ep.Machine("i-2-3-VM")
	assert.False(t, st.PoweredOn())

	ans = f.d.Execute(t.Context(), &command.RebootCommand{VMName: "i-2-3-VM"})
	assert.False(t, ans.Result)
	assert.Equal(t, fault.KindValidation, ans.Fault)
}

func TestScaleRunningMachine(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	ans := f.d.Execute(t.Context(), &command.ScaleVmCommand{VMName: "i-2-3-VM", CPUs: 4, MaxMemoryMB: 4096})
	require.True(t, ans.Result, ans.Details)
	st, _ := f.ep.Machine("i-2-3-VM")
	assert.Equal(t, int32(4), st.NumCPUs)
	assert.True(t, st.PoweredOn())

	ans = f.d.Execute(t.Context(), &command.ScaleVmCommand{VMName: "i-2-3-VM", CPUs: 2, MaxMemoryMB: 4096})
	assert.False(t, ans.Result)
	assert.Equal(t, fault.KindCapability, ans.Fault)
}

func TestCheckAndStats(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	ans := f.d.Execute(t.Context(), &command.CheckVirtualMachineCommand{VMName: "i-2-3-VM"})
	require.True(t, ans.Result)
	assert.Equal(t, remote.PoweredOn, ans.PowerState)
	assert.Equal(t, "host-1", ans.Host)

	ans = f.d.Execute(t.Context(), &command.GetVmStatsCommand{VMNames: []string{"i-2-3-VM", "gone", "i-2-3-VM"}})
	require.True(t, ans.Result)
	require.Len(t, ans.Stats, 1)
	assert.Equal(t, int64(200), ans.Stats["i-2-3-VM"].CPUUsageMHz)
}

func TestAttachAndEjectIso(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	ans := f.d.Execute(t.Context(), &command.AttachIsoCommand{VMName: "i-2-3-VM", ISOPath: "[iso] tools.iso", Attach: true})
	require.True(t, ans.Result, ans.Details)
	st, _ := f.ep.Machine("i-2-3-VM")
	assert.Equal(t, "[iso] tools.iso", st.Devices.OfKind(remote.KindMedia)[0].Media.ISOPath)

	ans = f.d.Execute(t.Context(), &command.AttachIsoCommand{VMName: "i-2-3-VM"})
	require.True(t, ans.Result, ans.Details)
	st, _ = f.ep.Machine("i-2-3-VM")
	assert.Empty(t, st.Devices.OfKind(remote.KindMedia)[0].Media.ISOPath)
}

func TestPlugAndUnplugPublicNic(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	plug := &command.PlugNicCommand{VMName: "i-2-3-VM", Nic: planner.NicSpec{MAC: "06:00:00:00:00:02", Network: "public", VLAN: 200, Public: true}}
	ans := f.d.Execute(t.Context(), plug)
	require.True(t, ans.Result, ans.Details)
	require.NotNil(t, ans.NicIndex)
	assert.Equal(t, int32(1), *ans.NicIndex)

	st, _ := f.ep.Machine("i-2-3-VM")
	assert.Equal(t, "2", st.ExtraConfig[planner.NicMaskTag])

	again := f.d.Execute(t.Context(), plug)
	require.True(t, again.Result)
	assert.Equal(t, int32(1), *again.NicIndex)
	st, _ = f.ep.Machine("i-2-3-VM")
	assert.Len(t, st.Devices.OfKind(remote.KindNic), 2)

	ans = f.d.Execute(t.Context(), &command.UnplugNicCommand{VMName: "i-2-3-VM", MAC: "06:00:00:00:00:02"})
	require.True(t, ans.Result, ans.Details)
	st, _ = f.ep.Machine("i-2-3-VM")
	assert.Len(t, st.Devices.OfKind(remote.KindNic), 1)
	assert.Equal(t, "0", st.ExtraConfig[planner.NicMaskTag])

	// the converged spec still matches after the hot-plug round trip
	ans = f.d.Execute(t.Context(), startCommand())
	require.True(t, ans.Result, ans.Details)
	assert.Contains(t, ans.Details, "already matches")
}

func TestPlugNicWithoutFreeSlotCreatesNoNetwork(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.ep.Mutate("i-2-3-VM", func(st *remote.MachineState) {
		for i := int32(1); i < 10; i++ {
			st.Devices = append(st.Devices, remote.Device{
				Key:        5000 + i,
				Kind:       remote.KindNic,
				UnitNumber: i,
				Nic:        &remote.NicInfo{MAC: fmt.Sprintf("02:00:00:00:01:%02x", i), Network: "guest", Connected: true},
			})
		}
	})

	ans := f.d.Execute(t.Context(), &command.PlugNicCommand{VMName: "i-2-3-VM", Nic: planner.NicSpec{MAC: "06:00:00:00:00:02", Network: "public", VLAN: 200}})
	assert.False(t, ans.Result)
	assert.Equal(t, fault.KindValidation, ans.Fault)
	assert.Equal(t, []string{"guest"}, f.ep.Networks())
}

func TestResizeAttachedVolume(t *testing.T) {
	f := newFixture(t)
	started := f.start(t)
	data := started.Volumes[1]

	ans := f.d.Execute(t.Context(), &command.ResizeVolumeCommand{
		VMName:       "i-2-3-VM",
		Volume:       command.Volume{Path: data.Path, Datastore: data.Datastore, ChainInfo: data.ChainInfo},
		NewSizeBytes: 10 * gib,
	})
	require.True(t, ans.Result, ans.Details)
	require.Len(t, ans.Volumes, 1)
	assert.Equal(t, 10*gib, ans.Volumes[0].SizeBytes)
	assert.Equal(t, data.Path, ans.Volumes[0].Path)

	ans = f.d.Execute(t.Context(), &command.ResizeVolumeCommand{
		VMName:       "i-2-3-VM",
		Volume:       command.Volume{Path: data.Path},
		NewSizeBytes: gib,
	})
	assert.False(t, ans.Result)
	assert.Equal(t, fault.KindValidation, ans.Fault)
}

func TestOfflineVolumeOperationsUseWorker(t *testing.T) {
	f := newFixture(t)
	f.ep.AddFile("[pool1] vols/data-7.vmdk", "")

	ans := f.d.Execute(t.Context(), &command.ResizeVolumeCommand{
		Volume:       command.Volume{Path: "[pool1] vols/data-7.vmdk", Datastore: "pool1"},
		NewSizeBytes: 8 * gib,
	})
	require.True(t, ans.Result, ans.Details)
	assert.Equal(t, 8*gib, ans.Volumes[0].SizeBytes)
	assert.Equal(t, int32(1), f.ep.Destroyed.Load())

	ans = f.d.Execute(t.Context(), &command.MigrateVolumeCommand{
		Volume:          command.Volume{Path: "data-7.vmdk", Datastore: "pool1"},
		TargetDatastore: "pool2",
	})
	require.True(t, ans.Result, ans.Details)
	require.Len(t, ans.Volumes, 1)
	assert.Equal(t, "[pool2] vols/data-7.vmdk", ans.Volumes[0].Path)
	assert.Equal(t, int32(2), f.ep.Destroyed.Load())
	assert.Contains(t, f.ep.Files("pool2"), "[pool2] vols/data-7.vmdk")
	assert.Empty(t, f.ep.MachineNames(), "workers are gone")
}

func TestOfflineResizeRejectedBeforeWorker(t *testing.T) {
	tests := []struct {
		name  string
		setup func(ep *remotetest.Endpoint)
		path  string
		size  int64
	}{
		{
			name: "delta over a base",
			setup: func(ep *remotetest.Endpoint) {
				ep.AddFile("[pool1] vols/base.vmdk", "")
				ep.AddFile("[pool1] vols/delta.vmdk", "[pool1] vols/base.vmdk")
			},
			path: "[pool1] vols/delta.vmdk",
			size: 8 * gib,
		},
		{
			name: "shrink",
			setup: func(ep *remotetest.Endpoint) {
				ep.AddFile("[pool1] vols/data-9.vmdk", "")
				ep.SetFileSize("[pool1] vols/data-9.vmdk", 10*gib)
			},
			path: "[pool1] vols/data-9.vmdk",
			size: 4 * gib,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.ep)

			ans := f.d.Execute(t.Context(), &command.ResizeVolumeCommand{
				Volume:       command.Volume{Path: tt.path, Datastore: "pool1"},
				NewSizeBytes: tt.size,
			})
			assert.False(t, ans.Result)
			assert.Equal(t, fault.KindValidation, ans.Fault)
			assert.Zero(t, f.ep.ConfigureCalls.Load(), "no worker was created or configured")
			assert.Zero(t, f.ep.Destroyed.Load())
			assert.Empty(t, f.ep.MachineNames())
		})
	}
}

func TestOfflineResizeToCurrentSizeSkipsWorker(t *testing.T) {
	f := newFixture(t)
	f.ep.AddFile("[pool1] vols/data-9.vmdk", "")
	f.ep.SetFileSize("[pool1] vols/data-9.vmdk", 10*gib)

	ans := f.d.Execute(t.Context(), &command.ResizeVolumeCommand{
		Volume:       command.Volume{Path: "[pool1] vols/data-9.vmdk", Datastore: "pool1"},
		NewSizeBytes: 10 * gib,
	})
	require.True(t, ans.Result, ans.Details)
	assert.Equal(t, 10*gib, ans.Volumes[0].SizeBytes)
	assert.Zero(t, f.ep.ConfigureCalls.Load())
}

func TestMigrateWithStoragePartialResult(t *testing.T) {
	f := newFixture(t)
	started := f.start(t)
	f.ep.ConsolidateErr = errors.New("consolidation task failed")

	ans := f.d.Execute(t.Context(), &command.MigrateWithStorageCommand{
		VMName:     "i-2-3-VM",
		TargetHost: "host-2",
		Volumes:    map[string]string{started.Volumes[0].Path: "pool2"},
	})
	require.True(t, ans.Result, ans.Details)
	assert.Equal(t, "host-2", ans.Host)
	require.NotEmpty(t, ans.Warnings)
	assert.True(t, strings.Contains(ans.Warnings[0], "consolidat"))
	assert.NotZero(t, ans.Seq)

	paths := map[string]string{}
	for _, v := range ans.Volumes {
		paths[v.Datastore] = v.Path
	}
	assert.Equal(t, "[pool2] i-2-3-VM/i-2-3-VM.vmdk", paths["pool2"])
}

func TestMigrateAttachedVolume(t *testing.T) {
	f := newFixture(t)
	started := f.start(t)
	data := started.Volumes[1]

	ans := f.d.Execute(t.Context(), &command.MigrateVolumeCommand{
		VMName:          "i-2-3-VM",
		Volume:          command.Volume{Path: data.Path, ChainInfo: data.ChainInfo},
		TargetDatastore: "pool2",
	})
	require.True(t, ans.Result, ans.Details)
	require.Len(t, ans.Volumes, 1)
	assert.Equal(t, "pool2", ans.Volumes[0].Datastore)

	st, _ := f.ep.Machine("i-2-3-VM")
	assert.Equal(t, "pool1", st.Datastore, "root disk and home stay")
}

func TestMountStore(t *testing.T) {
	f := newFixture(t)

	ans := f.d.Execute(t.Context(), &command.MountStoreCommand{URL: "nfs://10.0.0.5/export/secondary"})
	require.True(t, ans.Result, ans.Details)
	require.NotNil(t, ans.Datastore)
	assert.Equal(t, "nfs://10.0.0.5/export/secondary", ans.Datastore.URL)
}

func TestConcurrentCommandsUseSeparateSessions(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	g, ctx := errgroup.WithContext(t.Context())
	for range 8 {
		g.Go(func() error {
			ans := f.d.Execute(ctx, &command.CheckVirtualMachineCommand{VMName: "i-2-3-VM"})
			if !ans.Result {
				return errors.New(ans.Details)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, f.pool.Idle(creds.Key()), 8)
	assert.Equal(t, 9, f.d.Ring().Len())
}

func TestMetricsAndHandlerOrder(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.d.Execute(t.Context(), &command.StopCommand{})

	n, err := testutil.GatherAndCount(f.reg, "hostagent_commands_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per kind and outcome")

	kinds := f.d.Kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, command.KindReady, kinds[0])
	assert.ElementsMatch(t, command.Kinds(), kinds)
}
