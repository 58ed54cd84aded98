// Package planner converges a remote machine to a declarative target. It
// diffs the target against the live inventory, builds one device-change plan
// and submits it in a single configuration call, power cycling the machine
// around it.
package planner

import (
	"time"

	"github.com/walteh/cloudstack-vmware-agent/pkg/chain"
	"github.com/walteh/cloudstack-vmware-agent/pkg/control"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Options configures a Planner.
type Options struct {
	// Locks is shared by every planner of the process.
	Locks *Locks
	// Runner reaches the control channel of system appliances. When nil the
	// post-boot steps are skipped.
	Runner       control.Runner
	Probe        control.ProbeOptions
	PatchScript  string
	PatchTimeout time.Duration
	Power        PowerOptions
}

// Planner converges machines on one endpoint session to their specs.
type Planner struct {
	client   remote.Client
	resolver *chain.Resolver
	opts     Options
}

// New creates a Planner bound to client, filling in defaults for unset options.
func New(client remote.Client, opts Options) *Planner {
	if opts.Locks == nil {
		opts.Locks = NewLocks()
	}
	if opts.PatchScript == "" {
		opts.PatchScript = "/opt/cloud/bin/patch.sh"
	}
	if opts.PatchTimeout == 0 {
		opts.PatchTimeout = 2 * time.Minute
	}
	return &Planner{
		client:   client,
		resolver: chain.NewResolver(client),
		opts:     opts,
	}
}
