package vsphere

import (
	"context"
	"path"

	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// Datastore is a remote.Datastore backed by a govmomi datastore object.
type Datastore struct {
	ds   *object.Datastore
	dc   *object.Datacenter
	name string
}

var _ remote.Datastore = (*Datastore)(nil)

func (d *Datastore) Name() string { return d.name }

func (d *Datastore) Siblings(ctx context.Context) ([]string, error) {
	var mds mo.Datastore
	if err := d.ds.Properties(ctx, d.ds.Reference(), []string{"parent"}, &mds); err != nil {
		return nil, errors.Errorf("reading parent of %s: %w", d.name, classify(err))
	}
	if mds.Parent == nil || mds.Parent.Type != "StoragePod" {
		return []string{d.name}, nil
	}

	pc := property.DefaultCollector(d.ds.Client())
	var pod mo.StoragePod
	if err := pc.RetrieveOne(ctx, *mds.Parent, []string{"childEntity"}, &pod); err != nil {
		return nil, errors.Errorf("reading datastore cluster of %s: %w", d.name, classify(err))
	}
	if len(pod.ChildEntity) == 0 {
		return []string{d.name}, nil
	}

	var members []mo.Datastore
	if err := pc.Retrieve(ctx, pod.ChildEntity, []string{"name"}, &members); err != nil {
		return nil, errors.Errorf("reading datastore cluster members: %w", classify(err))
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	return names, nil
}

func (d *Datastore) Find(ctx context.Context, baseName string) (string, bool, error) {
	b, err := d.ds.Browser(ctx)
	if err != nil {
		return "", false, errors.Errorf("datastore browser for %s: %w", d.name, classify(err))
	}

	task, err := b.SearchDatastoreSubFolders(ctx, remote.DatastorePath(d.name, ""), &types.HostDatastoreBrowserSearchSpec{
		MatchPattern: []string{baseName},
	})
	if err != nil {
		return "", false, errors.Errorf("searching %s: %w", d.name, classify(err))
	}
	info, err := task.WaitForResult(ctx)
	if err != nil {
		return "", false, errors.Errorf("searching %s: %w", d.name, classify(err))
	}

	res, ok := info.Result.(types.ArrayOfHostDatastoreBrowserSearchResults)
	if !ok {
		return "", false, nil
	}
	for _, r := range res.HostDatastoreBrowserSearchResults {
		for _, f := range r.File {
			var dp object.DatastorePath
			if !dp.FromString(r.FolderPath) {
				dp = object.DatastorePath{Datastore: d.name}
			}
			dp.Path = path.Join(dp.Path, f.GetFileInfo().Path)
			return dp.String(), true, nil
		}
	}
	return "", false, nil
}

func (d *Datastore) DiskChain(ctx context.Context, p string) ([]string, error) {
	infos, err := object.NewVirtualDiskManager(d.ds.Client()).QueryVirtualDiskInfo(ctx, p, d.dc, true)
	if err != nil {
		return nil, errors.Errorf("querying chain of %s: %w", p, classify(err))
	}
	chain := make([]string, 0, len(infos))
	for _, info := range infos {
		chain = append(chain, info.Name)
	}
	return chain, nil
}

// Disks runs a disk-file query over one folder so delta extents and
// non-disk files are left out.
func (d *Datastore) Disks(ctx context.Context, dir string) ([]remote.DiskFile, error) {
	b, err := d.ds.Browser(ctx)
	if err != nil {
		return nil, errors.Errorf("datastore browser for %s: %w", d.name, classify(err))
	}

	task, err := b.SearchDatastore(ctx, dir, &types.HostDatastoreBrowserSearchSpec{
		MatchPattern: []string{"*.vmdk"},
		Query: []types.BaseFileQuery{&types.VmDiskFileQuery{
			Details: &types.VmDiskFileQueryFlags{CapacityKb: true, DiskType: true, HardwareVersion: true},
		}},
		Details: &types.FileQueryFlags{FileType: true},
	})
	if err != nil {
		return nil, errors.Errorf("listing %s: %w", dir, classify(err))
	}
	info, err := task.WaitForResult(ctx)
	if err != nil {
		return nil, errors.Errorf("listing %s: %w", dir, classify(err))
	}

	res, ok := info.Result.(types.HostDatastoreBrowserSearchResults)
	if !ok {
		return nil, nil
	}
	var dp object.DatastorePath
	if !dp.FromString(res.FolderPath) {
		dp = object.DatastorePath{Datastore: d.name}
	}
	out := make([]remote.DiskFile, 0, len(res.File))
	for _, f := range res.File {
		file := remote.DiskFile{Path: remote.DatastorePath(dp.Datastore, path.Join(dp.Path, f.GetFileInfo().Path))}
		if disk, ok := f.(*types.VmDiskFileInfo); ok {
			file.CapacityBytes = disk.CapacityKb * 1024
		}
		out = append(out, file)
	}
	return out, nil
}
