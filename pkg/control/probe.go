package control

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

type ProbeOptions struct {
	Retries  uint64
	Interval time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
	Script  string
}

func (o ProbeOptions) withDefaults() ProbeOptions {
	if o.Retries == 0 {
		o.Retries = 10
	}
	if o.Interval == 0 {
		o.Interval = 5 * time.Second
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Script == "" {
		o.Script = "/bin/true"
	}
	return o
}

// Probe polls the control channel until a trivial script succeeds, with a
// fixed number of attempts at a fixed interval.
func Probe(ctx context.Context, runner Runner, address string, opts ProbeOptions) error {
	logger := zerolog.Ctx(ctx)
	opts = opts.withDefaults()

	attempt := 0
	op := func() error {
		attempt++
		res, err := runner.Run(ctx, address, opts.Script, nil, opts.Timeout)
		if err != nil {
			logger.Debug().Err(err).Int("attempt", attempt).Str("address", address).Msg("control channel not ready")
			return err
		}
		if !res.OK {
			return errors.Errorf("probe exited %d", res.ExitCode)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Interval), opts.Retries-1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return errors.Errorf("waiting for control channel on %s after %d attempts: %w", address, attempt, err)
	}
	logger.Info().Str("address", address).Int("attempts", attempt).Msg("control channel ready")
	return nil
}

// Patch runs the post-boot patch script and checks that it reports the
// expected checksum.
func Patch(ctx context.Context, runner Runner, address, script, checksum string, timeout time.Duration) error {
	res, err := runner.Run(ctx, address, script, []string{checksum}, timeout)
	if err != nil {
		return errors.Errorf("running patch script on %s: %w", address, err)
	}
	if !res.OK {
		return errors.Errorf("patch script on %s exited %d: %s", address, res.ExitCode, strings.TrimSpace(res.Output))
	}
	if got := strings.TrimSpace(res.Output); got != checksum {
		return errors.Errorf("patch checksum mismatch on %s: got %q, want %q", address, got, checksum)
	}
	return nil
}
