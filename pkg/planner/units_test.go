package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

func TestUnitAllocatorSkipsReservedUnit(t *testing.T) {
	a := newUnitAllocator(remote.FamilySCSI)
	a.addController(-2, 1)
	a.addController(-1, 0)

	var units []int32
	for range 15 {
		key, unit, err := a.next()
		require.NoError(t, err)
		assert.Equal(t, int32(-1), key, "bus 0 fills first")
		units = append(units, unit)
	}
	assert.NotContains(t, units, int32(7))

	key, unit, err := a.next()
	require.NoError(t, err)
	assert.Equal(t, int32(-2), key)
	assert.Equal(t, int32(0), unit)
	assert.Equal(t, int32(1), a.bus(key))
}

func TestUnitAllocatorFull(t *testing.T) {
	a := newUnitAllocator(remote.FamilyIDE)
	a.addController(200, 0)
	a.occupy(200, 0)

	_, unit, err := a.next()
	require.NoError(t, err)
	assert.Equal(t, int32(1), unit)

	_, _, err = a.next()
	require.Error(t, err)
}

func TestControllerPolicy(t *testing.T) {
	tests := []struct {
		requested remote.ControllerType
		guest     string
		want      remote.ControllerType
	}{
		{"", "windows9Server64Guest", remote.ControllerLsiLogicSAS},
		{"", "ubuntu64Guest", remote.ControllerParaVirtual},
		{osDefault, "rhel8_64Guest", remote.ControllerParaVirtual},
		{"", "otherGuest", remote.ControllerIDE},
		{"", "freebsd12_64Guest", legacyController},
		{remote.ControllerBusLogic, "ubuntu64Guest", remote.ControllerBusLogic},
	}
	for _, tt := range tests {
		t.Run(string(tt.requested)+"/"+tt.guest, func(t *testing.T) {
			assert.Equal(t, tt.want, controllerFor(tt.requested, tt.guest))
		})
	}
}

func TestAPIAtLeast(t *testing.T) {
	assert.True(t, APIAtLeast("6.7", hotAddMinAPI))
	assert.True(t, APIAtLeast("5.0", hotAddMinAPI))
	assert.False(t, APIAtLeast("4.1", hotAddMinAPI))
	assert.False(t, APIAtLeast("garbage", hotAddMinAPI))
}
