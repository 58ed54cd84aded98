// Package session pools authenticated endpoint sessions keyed by
// (address, principal). A session is checked out by exactly one command at a
// time, validated before every reuse, and returned to the pool on release
// instead of being closed.
package session

import (
	"context"
	"maps"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Key identifies a reusable session.
type Key struct {
	Address   string
	Principal string
}

func (k Key) String() string {
	return k.Principal + "@" + k.Address
}

// Session is one authenticated endpoint session.
type Session struct {
	key     Key
	client  remote.Client
	aux     map[string]remote.Ref
	timeout time.Duration
	created time.Time

	seq      atomic.Uint64
	lastUsed atomic.Int64
	invalid  atomic.Bool
}

// Key returns the pool key the session is checked out under.
func (s *Session) Key() Key                  { return s.key }
func (s *Session) Client() remote.Client     { return s.client }
func (s *Session) Created() time.Time        { return s.created }
func (s *Session) Timeout() time.Duration    { return s.timeout }
func (s *Session) Aux(name string) remote.Ref { return s.aux[name] }

// AuxRefs returns a copy of the auxiliary references registered at login.
func (s *Session) AuxRefs() map[string]remote.Ref {
	return maps.Clone(s.aux)
}

// Next returns the next value of the session's monotonic sequence counter.
func (s *Session) Next() uint64 {
	return s.seq.Add(1)
}

// Seq returns the current sequence value without advancing it.
func (s *Session) Seq() uint64 {
	return s.seq.Load()
}

func (s *Session) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

func (s *Session) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastUsed.Load()))
}

// Valid checks the session against the endpoint and the pool's configured
// timeout. A session created under a different timeout, idle for longer than
// its timeout, or no longer active on the endpoint is invalid.
func (s *Session) Valid(ctx context.Context, timeout time.Duration, now time.Time) bool {
	logger := zerolog.Ctx(ctx)

	if s.invalid.Load() {
		return false
	}
	if s.timeout != timeout {
		logger.Debug().Stringer("key", s.key).Dur("session_timeout", s.timeout).Dur("configured_timeout", timeout).Msg("session timeout changed")
		return false
	}
	if timeout > 0 && s.idle(now) >= timeout {
		logger.Debug().Stringer("key", s.key).Dur("idle", s.idle(now)).Msg("session idle past timeout")
		return false
	}
	active, err := s.client.IsActive(ctx)
	if err != nil {
		logger.Debug().Err(err).Stringer("key", s.key).Msg("session liveness check failed")
		return false
	}
	return active
}
