package planner

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// PowerOptions tunes power transitions.
type PowerOptions struct {
	// ShutdownTimeout bounds the wait for a graceful guest shutdown before
	// the machine is powered off hard.
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
}

func (o PowerOptions) withDefaults() PowerOptions {
	if o.ShutdownTimeout == 0 {
		o.ShutdownTimeout = 10 * time.Minute
	}
	if o.PollInterval == 0 {
		o.PollInterval = 5 * time.Second
	}
	return o
}

// PowerDown asks the guest to shut down, waits a bounded time with a fixed
// poll interval, then powers the machine off hard. Cancelling ctx abandons
// the wait.
func PowerDown(ctx context.Context, machine remote.Machine, opts PowerOptions) error {
	logger := zerolog.Ctx(ctx).With().Str("machine", machine.Name()).Logger()
	opts = opts.withDefaults()

	state, err := machine.State(ctx)
	if err != nil {
		return errors.Errorf("reading power state: %w", err)
	}
	if !state.PoweredOn() {
		return nil
	}

	if err := machine.ShutdownGuest(ctx); err != nil {
		logger.Warn().Err(err).Msg("guest shutdown request failed, powering off")
	} else {
		retries := uint64(opts.ShutdownTimeout / opts.PollInterval)
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.PollInterval), retries), ctx)
		err := backoff.Retry(func() error {
			st, err := machine.State(ctx)
			if err != nil {
				return backoff.Permanent(err)
			}
			if st.PoweredOn() {
				return errors.New("guest still running")
			}
			return nil
		}, b)
		if err == nil {
			logger.Info().Msg("guest shut down")
			return nil
		}
		if ctx.Err() != nil {
			return errors.Errorf("waiting for guest shutdown: %w", ctx.Err())
		}
		logger.Warn().Err(err).Dur("timeout", opts.ShutdownTimeout).Msg("guest did not shut down in time, powering off")
	}

	if err := machine.PowerOff(ctx); err != nil {
		return errors.Errorf("powering off %s: %w", machine.Name(), err)
	}
	return nil
}

// PowerUp powers the machine on unless it already runs. It reports whether a
// power-on was issued.
func PowerUp(ctx context.Context, machine remote.Machine) (bool, error) {
	state, err := machine.State(ctx)
	if err != nil {
		return false, errors.Errorf("reading power state: %w", err)
	}
	if state.PoweredOn() {
		return false, nil
	}
	if err := machine.PowerOn(ctx); err != nil {
		return false, errors.Errorf("powering on %s: %w", machine.Name(), err)
	}
	return true, nil
}
