package remote_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

func TestInventoryBusName(t *testing.T) {
	inv := remote.Inventory{
		{Key: 1000, Kind: remote.KindController, Controller: &remote.ControllerInfo{Type: remote.ControllerParaVirtual, BusNumber: 1}},
		{Key: 200, Kind: remote.KindController, Controller: &remote.ControllerInfo{Type: remote.ControllerIDE, BusNumber: 0}},
		{Key: 2001, Kind: remote.KindDisk, ControllerKey: 1000, UnitNumber: 3, Disk: &remote.DiskInfo{}},
		{Key: 3000, Kind: remote.KindMedia, ControllerKey: 200, UnitNumber: 1, Media: &remote.MediaInfo{}},
		{Key: 3001, Kind: remote.KindMedia, ControllerKey: 999, Media: &remote.MediaInfo{}},
	}

	assert.Equal(t, "scsi1:3", inv.BusName(inv[2]))
	assert.Equal(t, "ide0:1", inv.BusName(inv[3]))
	assert.Equal(t, "", inv.BusName(inv[4]))
	assert.Len(t, inv.Attached(1000), 1)
	assert.Len(t, inv.Controllers(remote.FamilySCSI), 1)
}

func TestFamilyLimits(t *testing.T) {
	assert.Equal(t, 60, remote.FamilySCSI.Capacity())
	assert.Equal(t, 4, remote.FamilyIDE.Capacity())
	assert.True(t, remote.FamilySCSI.Reserved(7))
	assert.False(t, remote.FamilySATA.Reserved(7))
	assert.Equal(t, remote.FamilySCSI, remote.ControllerLsiLogicSAS.Family())
	assert.False(t, remote.ControllerType("floppy").Valid())
}

func TestDatastorePaths(t *testing.T) {
	p := "[pool1] i-2-10-VM/ROOT-10.vmdk"
	assert.Equal(t, "pool1", remote.DatastoreOf(p))
	assert.Equal(t, "ROOT-10.vmdk", remote.BaseName(p))
	assert.Equal(t, "[pool2] i-2-10-VM/ROOT-10.vmdk", remote.WithDatastore(p, "pool2"))
	assert.Equal(t, "", remote.DatastoreOf("ROOT-10.vmdk"))
	assert.Equal(t, "ROOT-10.vmdk", remote.BaseName("ROOT-10.vmdk"))
	assert.Equal(t, "[pool1] i-2-10-VM", remote.DirOf(p))
	assert.Equal(t, "[pool1]", remote.DirOf("[pool1] ROOT-10.vmdk"))
}

func TestDeviceCloneIsDeep(t *testing.T) {
	d := remote.Device{Key: 1, Kind: remote.KindDisk, Disk: &remote.DiskInfo{Chain: []string{"[a] x.vmdk"}}}
	c := d.Clone()
	c.Disk.Chain[0] = "[b] y.vmdk"
	require.Equal(t, "[a] x.vmdk", d.Disk.Top())
}

func TestConfigSpecEmpty(t *testing.T) {
	var nilSpec *remote.ConfigSpec
	assert.True(t, nilSpec.Empty())
	assert.True(t, (&remote.ConfigSpec{}).Empty())
	on := true
	assert.False(t, (&remote.ConfigSpec{NestedHV: &on}).Empty())
	assert.False(t, (&remote.ConfigSpec{DeviceChanges: []remote.DeviceChange{{Op: remote.OpAdd}}}).Empty())
}
