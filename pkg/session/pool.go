package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Credentials are what a command needs to check out a session.
type Credentials struct {
	Address   string
	Principal string
	Secret    string
}

// Key returns the pool key the credentials check out under.
func (c Credentials) Key() Key {
	return Key{Address: c.Address, Principal: c.Principal}
}

// Options configures a Pool.
type Options struct {
	// Timeout must match the endpoint's session timeout setting. Sessions
	// created under another value are discarded on checkout.
	Timeout time.Duration
	// MaxIdle bounds the idle sessions kept per key.
	MaxIdle int
	// Now is overridable for tests.
	Now func() time.Time
}

// Pool hands out sessions. It is safe for concurrent use.
type Pool struct {
	connector remote.Connector
	opts      Options

	mu     sync.Mutex
	idle   map[Key][]*Session
	closed bool
}

// NewPool creates a Pool that opens sessions through connector.
func NewPool(connector remote.Connector, opts Options) *Pool {
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pool{
		connector: connector,
		opts:      opts,
		idle:      map[Key][]*Session{},
	}
}

// Acquire checks out a session for creds, reusing a valid idle one when
// possible. Invalid idle sessions are discarded along the way.
func (p *Pool) Acquire(ctx context.Context, creds Credentials) (*Session, error) {
	logger := zerolog.Ctx(ctx)
	key := creds.Key()

	for {
		s := p.pop(key)
		if s == nil {
			break
		}
		if s.Valid(ctx, p.opts.Timeout, p.opts.Now()) {
			s.touch(p.opts.Now())
			logger.Trace().Stringer("key", key).Uint64("seq", s.Seq()).Msg("reusing pooled session")
			return s, nil
		}
		p.Invalidate(ctx, s)
	}

	s, err := p.create(ctx, creds)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Pool) create(ctx context.Context, creds Credentials) (*Session, error) {
	logger := zerolog.Ctx(ctx)

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.New("session pool is closed")
	}

	client, err := p.connector.Connect(ctx, remote.Endpoint{
		Address:   creds.Address,
		Principal: creds.Principal,
		Secret:    creds.Secret,
	})
	if err != nil {
		return nil, fault.Connectivity(errors.Errorf("connecting to %s as %s: %w", creds.Address, creds.Principal, err))
	}

	now := p.opts.Now()
	s := &Session{
		key:     creds.Key(),
		client:  client,
		aux:     client.AuxRefs(),
		timeout: p.opts.Timeout,
		created: now,
	}
	s.touch(now)

	logger.Info().Stringer("key", s.key).Int("aux_refs", len(s.aux)).Msg("created endpoint session")
	return s, nil
}

func (p *Pool) pop(key Key) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.idle[key]
	if len(list) == 0 {
		return nil
	}
	s := list[len(list)-1]
	p.idle[key] = list[:len(list)-1]
	return s
}

// Release returns a session to the pool. Sessions marked invalid, or that no
// longer fit in the idle list, are logged out instead.
func (p *Pool) Release(ctx context.Context, s *Session) {
	if s == nil {
		return
	}
	if s.invalid.Load() {
		p.Invalidate(ctx, s)
		return
	}
	s.touch(p.opts.Now())

	p.mu.Lock()
	if !p.closed && len(p.idle[s.key]) < p.opts.MaxIdle {
		p.idle[s.key] = append(p.idle[s.key], s)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.logout(ctx, s)
}

// Invalidate marks a session unusable and logs it out. It never affects other
// sessions in the pool.
func (p *Pool) Invalidate(ctx context.Context, s *Session) {
	if s == nil {
		return
	}
	if s.invalid.Swap(true) {
		return
	}
	zerolog.Ctx(ctx).Info().
		Stringer("key", s.key).
		Dur("age", p.opts.Now().Sub(s.Created())).
		Msg("invalidating endpoint session")
	p.logout(ctx, s)
}

func (p *Pool) logout(ctx context.Context, s *Session) {
	s.invalid.Store(true)
	if err := s.client.Logout(ctx); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Stringer("key", s.key).Msg("logout failed")
	}
}

// Idle returns the number of idle sessions held for key.
func (p *Pool) Idle(key Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[key])
}

// Close logs out every idle session and refuses new ones.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = map[Key][]*Session{}
	p.mu.Unlock()

	for _, list := range idle {
		for _, s := range list {
			p.logout(ctx, s)
		}
	}
}
