// Package dispatch is the single entry point for commands. It checks a
// session out of the pool, routes the command to its handler, records
// diagnostics and turns errors into failure answers. Handlers never see the
// pool.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/command"
	"github.com/walteh/cloudstack-vmware-agent/pkg/diagnostics"
	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/planner"
	"github.com/walteh/cloudstack-vmware-agent/pkg/session"
	"github.com/walteh/cloudstack-vmware-agent/pkg/worker"
)

// Handler executes one command on a checked-out session. A partial-result
// error returned together with an answer still counts as success.
type Handler func(ctx context.Context, sess *session.Session, cmd command.Command) (*command.Answer, error)

// Options configures a Dispatcher.
type Options struct {
	// Credentials are used by commands that name no endpoint.
	Credentials session.Credentials
	Planner     planner.Options
	Ring        *diagnostics.Ring
	Workers     *worker.Lifecycle
	// Registerer receives the dispatcher metrics; nil skips registration.
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Dispatcher routes commands to their handlers under a pooled session.
type Dispatcher struct {
	pool     *session.Pool
	opts     Options
	handlers *orderedmap.OrderedMap[command.Kind, Handler]
	metrics  *metrics
}

// New creates a Dispatcher with every command handler registered.
func New(pool *session.Pool, opts Options) *Dispatcher {
	if opts.Ring == nil {
		opts.Ring = diagnostics.NewRing(diagnostics.DefaultCapacity)
	}
	if opts.Workers == nil {
		opts.Workers = worker.NewLifecycle()
	}
	if opts.Planner.Locks == nil {
		opts.Planner.Locks = planner.NewLocks()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	d := &Dispatcher{
		pool:     pool,
		opts:     opts,
		handlers: orderedmap.New[command.Kind, Handler](),
		metrics:  newMetrics(opts.Registerer),
	}
	d.registerDefaults()
	return d
}

// Register installs h for kind, replacing any earlier handler.
func (d *Dispatcher) Register(kind command.Kind, h Handler) {
	d.handlers.Set(kind, h)
}

// Kinds lists the handled command kinds in registration order.
func (d *Dispatcher) Kinds() []command.Kind {
	kinds := make([]command.Kind, 0, d.handlers.Len())
	for pair := d.handlers.Oldest(); pair != nil; pair = pair.Next() {
		kinds = append(kinds, pair.Key)
	}
	return kinds
}

// Ring returns the diagnostics log of completed commands.
func (d *Dispatcher) Ring() *diagnostics.Ring {
	return d.opts.Ring
}

func typed[C command.Command](fn func(ctx context.Context, sess *session.Session, cmd C) (*command.Answer, error)) Handler {
	return func(ctx context.Context, sess *session.Session, cmd command.Command) (*command.Answer, error) {
		c, ok := cmd.(C)
		if !ok {
			return nil, errors.Errorf("handler for %s got %T", cmd.Kind(), cmd)
		}
		return fn(ctx, sess, c)
	}
}

// Execute runs cmd and always returns an answer.
func (d *Dispatcher) Execute(ctx context.Context, cmd command.Command) *command.Answer {
	started := d.opts.Now()
	logger := zerolog.Ctx(ctx).With().
		Str("command", string(cmd.Kind())).
		Str("target", cmd.Target()).
		Str("request_id", uuid.NewString()).
		Logger()
	ctx = logger.WithContext(ctx)

	logger.Info().Msg("executing command")

	ans := d.execute(ctx, cmd, started)

	took := d.opts.Now().Sub(started)
	d.metrics.observe(cmd.Kind(), ans, took)

	var ev *zerolog.Event
	if ans.Result {
		ev = logger.Info()
	} else {
		ev = logger.Warn().Str("fault", string(ans.Fault)).Str("details", ans.Details)
	}
	ev.Dur("took", took).Bool("result", ans.Result).Strs("warnings", ans.Warnings).Msg("command finished")
	return ans
}

func (d *Dispatcher) execute(ctx context.Context, cmd command.Command, started time.Time) *command.Answer {
	logger := zerolog.Ctx(ctx)

	h, ok := d.handlers.Get(cmd.Kind())
	if !ok {
		return command.Fail(fault.Validationf("unsupported command %s", cmd.Kind()))
	}
	if err := cmd.Validate(); err != nil {
		return command.Fail(err)
	}

	sess, err := d.pool.Acquire(ctx, d.credentials(cmd))
	if err != nil {
		return command.Fail(err)
	}

	var herr error
	defer func() {
		if fault.Classify(herr) == fault.KindConnectivity {
			d.pool.Invalidate(ctx, sess)
			return
		}
		d.pool.Release(ctx, sess)
	}()

	ctx = logger.With().Stringer("session", sess.Key()).Uint64("session_seq", sess.Next()).Logger().WithContext(ctx)

	var ans *command.Answer
	ans, herr = h(ctx, sess, cmd)
	switch {
	case herr == nil:
	case ans != nil && fault.Classify(herr) == fault.KindPartialResult:
		ans.Warnings = append(ans.Warnings, herr.Error())
	default:
		return command.Fail(herr)
	}
	if ans == nil {
		ans = &command.Answer{}
	}
	ans.Result = true
	ans.Seq = d.record(ctx, cmd, ans, started)
	return ans
}

func (d *Dispatcher) credentials(cmd command.Command) session.Credentials {
	if ep := cmd.Endpoint(); ep != nil && ep.Address != "" {
		return session.Credentials{Address: ep.Address, Principal: ep.Principal, Secret: ep.Secret}
	}
	return d.opts.Credentials
}

func (d *Dispatcher) record(ctx context.Context, cmd command.Command, ans *command.Answer, started time.Time) uint64 {
	logger := zerolog.Ctx(ctx)

	req, err := command.Encode(cmd)
	if err != nil {
		logger.Warn().Err(err).Msg("encoding diagnostic request")
	}
	resp, err := command.EncodeAnswer(cmd.Kind(), ans)
	if err != nil {
		logger.Warn().Err(err).Msg("encoding diagnostic response")
	}
	return d.opts.Ring.Add(diagnostics.Record{
		Kind:     string(cmd.Kind()),
		Request:  redact(req),
		Response: resp,
		Started:  started,
		Finished: d.opts.Now(),
	})
}

// redact blanks every "secret" field of a JSON document.
func redact(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				if k == "secret" {
					t[k] = "***"
					continue
				}
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(doc)
	out, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return out
}

// ExecuteRaw decodes a command envelope, executes it and encodes the answer
// envelope. Undecodable input yields a failure answer.
func (d *Dispatcher) ExecuteRaw(ctx context.Context, raw []byte) []byte {
	kind := command.Kind("Unknown")
	var ans *command.Answer

	cmd, err := command.Decode(ctx, raw)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("rejecting command")
		ans = command.Fail(err)
	} else {
		kind = cmd.Kind()
		ans = d.Execute(ctx, cmd)
	}

	out, err := command.EncodeAnswer(kind, ans)
	if err != nil {
		out, _ = command.EncodeAnswer(kind, command.Fail(err))
	}
	return out
}
