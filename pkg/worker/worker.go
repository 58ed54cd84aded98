package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

const (
	namePrefix = "cloud-worker-"
	guestOS    = "otherGuest64"
)

// Lifecycle creates, hands out and destroys worker machines. The attach step
// is serialized per datastore since the endpoint derives file names for the
// worker from shared per-datastore naming state.
type Lifecycle struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLifecycle creates a new Lifecycle
func NewLifecycle() *Lifecycle {
	return &Lifecycle{locks: map[string]*sync.Mutex{}}
}

func (l *Lifecycle) lock(datastore string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[datastore]
	if !ok {
		m = &sync.Mutex{}
		l.locks[datastore] = m
	}
	return m
}

// WithWorker creates a worker on datastore with diskPath attached, runs fn,
// then detaches the disk and destroys the worker. Cleanup runs even when fn
// fails or ctx is cancelled; cleanup failures are logged and never returned.
func (l *Lifecycle) WithWorker(ctx context.Context, client remote.Client, datastore, diskPath string, fn func(ctx context.Context, worker remote.Machine) error) error {
	if diskPath == "" {
		return fault.Validationf("worker on %s needs a disk to attach", datastore)
	}

	name := namePrefix + uuid.NewString()
	logger := zerolog.Ctx(ctx).With().Str("worker", name).Str("datastore", datastore).Logger()
	ctx = logger.WithContext(ctx)

	machine, err := l.create(ctx, client, name, datastore, diskPath)
	if err != nil {
		return err
	}

	defer l.cleanup(context.WithoutCancel(ctx), machine)

	logger.Debug().Str("disk", diskPath).Msg("worker ready")

	if err := fn(ctx, machine); err != nil {
		return err
	}
	return nil
}

func (l *Lifecycle) create(ctx context.Context, client remote.Client, name, datastore, diskPath string) (remote.Machine, error) {
	mu := l.lock(datastore)
	mu.Lock()
	defer mu.Unlock()

	spec := &remote.ConfigSpec{
		Name:      name,
		GuestOS:   guestOS,
		Datastore: datastore,
		NumCPUs:   1,
		MemoryMB:  256,
		DeviceChanges: []remote.DeviceChange{
			{Op: remote.OpAdd, Device: remote.Device{
				Key:        -1,
				Kind:       remote.KindController,
				Controller: &remote.ControllerInfo{Type: remote.ControllerLsiLogic},
			}},
			{Op: remote.OpAdd, Device: remote.Device{
				Key:           -2,
				Kind:          remote.KindDisk,
				ControllerKey: -1,
				UnitNumber:    0,
				Disk:          &remote.DiskInfo{Chain: []string{diskPath}},
			}},
		},
	}

	machine, err := client.CreateMachine(ctx, spec)
	if err != nil {
		return nil, errors.Errorf("creating worker %s: %w", name, err)
	}
	return machine, nil
}

// cleanup detaches every disk without deleting files, then destroys the
// worker.
func (l *Lifecycle) cleanup(ctx context.Context, machine remote.Machine) {
	logger := zerolog.Ctx(ctx)

	state, err := machine.State(ctx)
	if err != nil {
		logger.Warn().Err(fault.Cleanup(errors.Errorf("reading worker state: %w", err))).Msg("worker cleanup")
		return
	}

	if state.PoweredOn() {
		if err := machine.PowerOff(ctx); err != nil {
			logger.Warn().Err(err).Msg("powering off worker")
		}
	}

	var detach []remote.DeviceChange
	for _, d := range state.Devices.OfKind(remote.KindDisk) {
		detach = append(detach, remote.DeviceChange{Op: remote.OpRemove, Device: d})
	}
	if len(detach) > 0 {
		if err := machine.Configure(ctx, &remote.ConfigSpec{DeviceChanges: detach}); err != nil {
			// destroying with the disk still attached would delete the volume
			logger.Warn().Err(fault.Cleanup(errors.Errorf("detaching disks: %w", err))).Msg("worker cleanup")
			return
		}
	}

	if err := machine.Destroy(ctx); err != nil {
		logger.Warn().Err(fault.Cleanup(errors.Errorf("destroying worker: %w", err))).Msg("worker cleanup")
		return
	}
	logger.Debug().Msg("worker destroyed")
}
