// Package chain locates the live backing-file chain of a disk. Disk files
// drift between commands: snapshot tooling renames the top file and storage
// rebalancing moves disks between datastores of the same cluster. The
// resolver finds the current chain from whatever hints the orchestrator still
// holds, or reports a stale reference. It never creates disks.
package chain

import (
	"context"
	"slices"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Source says how a record was found.
type Source string

const (
	// SourceNone means no hint was given; the caller should create a disk.
	SourceNone      Source = "none"
	SourceAttached  Source = "attached"
	SourceDatastore Source = "datastore"
	SourceChainInfo Source = "chain-info"
	SourceBusName   Source = "bus-name"
)

// Record is a resolved disk chain.
type Record struct {
	// Chain runs from the top file to the base.
	Chain     []string
	Datastore string
	// DeviceKey is set when the chain belongs to a disk already attached to
	// the queried machine.
	DeviceKey int32
	BusName   string
	Source    Source
}

// Found reports whether any hint led to a chain.
func (r *Record) Found() bool {
	return r != nil && r.Source != SourceNone
}

// Top returns the file a new write lands in.
func (r *Record) Top() string {
	if r == nil || len(r.Chain) == 0 {
		return ""
	}
	return r.Chain[0]
}

// HasParent reports whether the top file is a delta over another file.
func (r *Record) HasParent() bool {
	return r != nil && len(r.Chain) > 1
}

// Info renders the chain-info to hand back to the orchestrator.
func (r *Record) Info() Info {
	return Info{DiskDeviceBusName: r.BusName, DiskChain: slices.Clone(r.Chain)}
}

// Query describes the disk to find.
type Query struct {
	// Datastore is the datastore the orchestrator believes holds the disk.
	Datastore string
	// PathHint is a datastore path or bare file name.
	PathHint  string
	ChainInfo string
	// Disks is the current inventory of the machine the disk belongs to, if
	// any.
	Disks remote.Inventory
}

// Resolver looks disk chains up through one endpoint session.
type Resolver struct {
	client remote.Client
}

// NewResolver creates a Resolver bound to client.
func NewResolver(client remote.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve runs the lookup chain: the path hint by base name (attached disks
// first, then the datastore and its cluster siblings), then every file of the
// chain-info top to base, then the bus name recorded in the chain-info. A
// chain-info match below the top on a datastore stands only when a single
// longest chain in the same folder still builds on the matched file.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*Record, error) {
	logger := zerolog.Ctx(ctx).With().Str("path_hint", q.PathHint).Str("datastore", q.Datastore).Logger()

	info, err := ParseInfo(q.ChainInfo)
	if err != nil {
		return nil, fault.Validationf("chain info for %s: %v", q.PathHint, err)
	}

	if q.PathHint == "" && info == nil {
		return &Record{Datastore: q.Datastore, Source: SourceNone}, nil
	}

	dsName := q.Datastore
	if dsName == "" {
		dsName = remote.DatastoreOf(q.PathHint)
	}
	candidates, err := r.candidates(ctx, dsName)
	if err != nil {
		return nil, err
	}

	if q.PathHint != "" {
		rec, err := r.lookup(ctx, q.Disks, candidates, remote.BaseName(q.PathHint), true)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			logger.Debug().Str("top", rec.Top()).Str("source", string(rec.Source)).Msg("resolved disk by path")
			return rec, nil
		}
	}

	if info != nil {
		for i, f := range info.DiskChain {
			rec, err := r.lookup(ctx, q.Disks, candidates, remote.BaseName(f), false)
			if err != nil {
				return nil, err
			}
			if rec != nil && i > 0 && rec.Source == SourceDatastore {
				// only an ancestor is left under its old name; the live top
				// must be a file that still builds on it
				live, err := r.liveTop(ctx, rec)
				if err != nil {
					return nil, err
				}
				if live == nil {
					logger.Warn().Str("matched", f).Msg("chain info matched an ancestor with no provable live top")
					break
				}
				rec = live
			}
			if rec != nil {
				rec.Source = SourceChainInfo
				logger.Info().Str("matched", f).Str("top", rec.Top()).Msg("resolved disk through chain info")
				return rec, nil
			}
		}

		if info.DiskDeviceBusName != "" {
			for _, d := range q.Disks.OfKind(remote.KindDisk) {
				if q.Disks.BusName(d) == info.DiskDeviceBusName {
					rec := attachedRecord(q.Disks, d)
					rec.Source = SourceBusName
					logger.Info().Str("bus", info.DiskDeviceBusName).Str("top", rec.Top()).Msg("resolved disk by bus name")
					return rec, nil
				}
			}
		}
	}

	return nil, fault.StaleReferencef("disk %s not found on %s or its siblings", q.PathHint, dsName)
}

// candidates returns the stated datastore followed by its cluster siblings.
func (r *Resolver) candidates(ctx context.Context, name string) ([]string, error) {
	if name == "" {
		return nil, nil
	}
	ds, err := r.client.Datastore(ctx, name)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return []string{name}, nil
		}
		return nil, errors.Errorf("looking up datastore %s: %w", name, err)
	}
	siblings, err := ds.Siblings(ctx)
	if err != nil {
		return nil, errors.Errorf("listing siblings of %s: %w", name, err)
	}
	out := []string{name}
	for _, s := range siblings {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// lookup matches base against attached disks, then searches the candidate
// datastores. With topOnly, attached disks match only on their top file.
func (r *Resolver) lookup(ctx context.Context, disks remote.Inventory, candidates []string, base string, topOnly bool) (*Record, error) {
	for _, d := range disks.OfKind(remote.KindDisk) {
		if d.Disk == nil {
			continue
		}
		for i, f := range d.Disk.Chain {
			if topOnly && i > 0 {
				break
			}
			if remote.BaseName(f) != base {
				continue
			}
			if len(candidates) > 0 && !slices.Contains(candidates, remote.DatastoreOf(f)) {
				continue
			}
			return attachedRecord(disks, d), nil
		}
	}

	for _, name := range candidates {
		ds, err := r.client.Datastore(ctx, name)
		if err != nil {
			if errors.Is(err, fault.ErrNotFound) {
				continue
			}
			return nil, errors.Errorf("looking up datastore %s: %w", name, err)
		}
		p, ok, err := ds.Find(ctx, base)
		if err != nil {
			return nil, errors.Errorf("searching %s for %s: %w", name, base, err)
		}
		if !ok {
			continue
		}
		files, err := ds.DiskChain(ctx, p)
		if err != nil {
			return nil, errors.Errorf("reading chain of %s: %w", p, err)
		}
		return &Record{Chain: files, Datastore: name, Source: SourceDatastore}, nil
	}
	return nil, nil
}

// liveTop lists the folder of ancestor's top file and returns the longest
// chain that runs through it. It returns nil when no file builds on the
// ancestor or when two different tops tie for the longest chain.
func (r *Resolver) liveTop(ctx context.Context, ancestor *Record) (*Record, error) {
	ds, err := r.client.Datastore(ctx, ancestor.Datastore)
	if err != nil {
		return nil, errors.Errorf("looking up datastore %s: %w", ancestor.Datastore, err)
	}
	anchor := ancestor.Top()
	files, err := ds.Disks(ctx, remote.DirOf(anchor))
	if err != nil {
		return nil, errors.Errorf("listing disks next to %s: %w", anchor, err)
	}

	var (
		best int
		tops []string
		live []string
	)
	for _, f := range files {
		if f.Path == anchor {
			continue
		}
		c, err := ds.DiskChain(ctx, f.Path)
		if err != nil {
			return nil, errors.Errorf("reading chain of %s: %w", f.Path, err)
		}
		if len(c) < 2 || !slices.Contains(c[1:], anchor) {
			continue
		}
		switch {
		case len(c) > best:
			best, live, tops = len(c), c, []string{c[0]}
		case len(c) == best:
			tops = append(tops, c[0])
		}
	}
	if len(tops) != 1 {
		zerolog.Ctx(ctx).Debug().Str("ancestor", anchor).Strs("tops", tops).Msg("no provable live top")
		return nil, nil
	}
	return &Record{Chain: live, Datastore: ancestor.Datastore, Source: ancestor.Source}, nil
}

func attachedRecord(disks remote.Inventory, d remote.Device) *Record {
	return &Record{
		Chain:     slices.Clone(d.Disk.Chain),
		Datastore: remote.DatastoreOf(d.Disk.Top()),
		DeviceKey: d.Key,
		BusName:   disks.BusName(d),
		Source:    SourceAttached,
	}
}
