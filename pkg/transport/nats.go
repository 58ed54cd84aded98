package transport

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Executor turns a command envelope into an answer envelope. It never fails;
// undecodable input yields a failure answer.
type Executor interface {
	ExecuteRaw(ctx context.Context, raw []byte) []byte
}

// Options configures the NATS command listener.
type Options struct {
	URL     string
	Subject string
	// Queue shares the subject between agents of the same host group.
	Queue string
	Name  string
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
}

// Server answers commands published on a NATS subject.
type Server struct {
	exec Executor
	opts Options

	nc  *nats.Conn
	sub *nats.Subscription
	wg  sync.WaitGroup
}

// NewServer creates a new Server
func NewServer(exec Executor, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "hostagent"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &Server{exec: exec, opts: opts}
}

// Serve connects, subscribes and handles requests until ctx is done, then
// drains the subscription and waits for in-flight commands.
func (s *Server) Serve(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("subject", s.opts.Subject).Logger()
	ctx = logger.WithContext(ctx)

	nc, err := nats.Connect(s.opts.URL,
		nats.Name(s.opts.Name),
		nats.Timeout(s.opts.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return errors.Errorf("connecting to nats %s: %w", s.opts.URL, err)
	}
	s.nc = nc
	defer nc.Close()

	s.sub, err = nc.QueueSubscribe(s.opts.Subject, s.opts.Queue, func(msg *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, msg)
		}()
	})
	if err != nil {
		return errors.Errorf("subscribing to %s: %w", s.opts.Subject, err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Str("queue", s.opts.Queue).Msg("accepting commands")

	<-ctx.Done()

	if err := s.sub.Drain(); err != nil {
		logger.Warn().Err(err).Msg("draining subscription")
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handle(ctx context.Context, msg *nats.Msg) {
	// commands run to completion once accepted
	out := s.Process(context.WithoutCancel(ctx), msg.Subject, msg.Data)
	if msg.Reply == "" {
		zerolog.Ctx(ctx).Warn().Msg("dropping answer of request without reply subject")
		return
	}
	if err := msg.Respond(out); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("sending answer")
	}
}

// Process executes one request payload.
func (s *Server) Process(ctx context.Context, subject string, data []byte) []byte {
	logger := zerolog.Ctx(ctx).With().Str("subject", subject).Int("bytes", len(data)).Logger()
	logger.Debug().Msg("received command")
	return s.exec.ExecuteRaw(logger.WithContext(ctx), data)
}

// Request sends one command envelope and waits for the answer envelope.
func Request(ctx context.Context, url, subject string, raw []byte) ([]byte, error) {
	nc, err := nats.Connect(url, nats.Name("hostagent-exec"))
	if err != nil {
		return nil, errors.Errorf("connecting to nats %s: %w", url, err)
	}
	defer nc.Close()

	msg, err := nc.RequestWithContext(ctx, subject, raw)
	if err != nil {
		return nil, errors.Errorf("requesting %s: %w", subject, err)
	}
	return msg.Data, nil
}
