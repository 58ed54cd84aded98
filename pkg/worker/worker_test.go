package worker_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote/remotetest"
	"github.com/walteh/cloudstack-vmware-agent/pkg/worker"
)

func setup(t *testing.T) (*remotetest.Endpoint, remote.Client) {
	t.Helper()
	ep := remotetest.NewEndpoint()
	ep.AddDatastore("pool1", "")
	ep.AddFile("[pool1] vol/data.vmdk", "")
	client, err := ep.Connect(t.Context(), remote.Endpoint{Address: "vc", Principal: "admin"})
	require.NoError(t, err)
	return ep, client
}

func TestWithWorkerAttachesAndCleansUp(t *testing.T) {
	ep, client := setup(t)
	lc := worker.NewLifecycle()

	var seen string
	err := lc.WithWorker(t.Context(), client, "pool1", "[pool1] vol/data.vmdk", func(ctx context.Context, w remote.Machine) error {
		st, err := w.State(ctx)
		require.NoError(t, err)
		disks := st.Devices.OfKind(remote.KindDisk)
		require.Len(t, disks, 1)
		seen = disks[0].Disk.Top()
		assert.True(t, strings.HasPrefix(w.Name(), "cloud-worker-"))
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "[pool1] vol/data.vmdk", seen)
	assert.Empty(t, ep.MachineNames())
	assert.Equal(t, int32(1), ep.Destroyed.Load())
	assert.Contains(t, ep.Files("pool1"), "[pool1] vol/data.vmdk", "volume survives worker teardown")
}

func TestWithWorkerCleansUpOnFailure(t *testing.T) {
	ep, client := setup(t)
	lc := worker.NewLifecycle()

	boom := errors.New("resize failed")
	err := lc.WithWorker(t.Context(), client, "pool1", "[pool1] vol/data.vmdk", func(ctx context.Context, w remote.Machine) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, ep.MachineNames())
	assert.Contains(t, ep.Files("pool1"), "[pool1] vol/data.vmdk")
}

func TestWithWorkerCleansUpPoweredOnWorker(t *testing.T) {
	ep, client := setup(t)
	lc := worker.NewLifecycle()

	err := lc.WithWorker(t.Context(), client, "pool1", "[pool1] vol/data.vmdk", func(ctx context.Context, w remote.Machine) error {
		return w.PowerOn(ctx)
	})
	require.NoError(t, err)
	assert.Empty(t, ep.MachineNames())
}

func TestCleanupFailureIsNotReturned(t *testing.T) {
	ep, client := setup(t)
	lc := worker.NewLifecycle()

	err := lc.WithWorker(t.Context(), client, "pool1", "[pool1] vol/data.vmdk", func(ctx context.Context, w remote.Machine) error {
		ep.ConfigureErr = errors.New("task failed")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), ep.Destroyed.Load(), "worker with an attached volume is never destroyed")
	assert.Contains(t, ep.Files("pool1"), "[pool1] vol/data.vmdk")
}

func TestWithWorkerRequiresDisk(t *testing.T) {
	_, client := setup(t)

	err := worker.NewLifecycle().WithWorker(t.Context(), client, "pool1", "", func(ctx context.Context, w remote.Machine) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.Classify(err))
}

func TestWithWorkerCreateFailure(t *testing.T) {
	ep, client := setup(t)

	err := worker.NewLifecycle().WithWorker(t.Context(), client, "pool1", "[pool1] vol/missing.vmdk", func(ctx context.Context, w remote.Machine) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.Error(t, err)
	assert.Empty(t, ep.MachineNames())
}

func TestConcurrentWorkersOnOneDatastore(t *testing.T) {
	ep, client := setup(t)
	for i := range 4 {
		ep.AddFile(fmt.Sprintf("[pool1] vol/v%d.vmdk", i), "")
	}
	lc := worker.NewLifecycle()

	g, ctx := errgroup.WithContext(t.Context())
	for i := range 4 {
		g.Go(func() error {
			return lc.WithWorker(ctx, client, "pool1", fmt.Sprintf("[pool1] vol/v%d.vmdk", i), func(ctx context.Context, w remote.Machine) error {
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Empty(t, ep.MachineNames())
	assert.Equal(t, int32(4), ep.Destroyed.Load())
}
