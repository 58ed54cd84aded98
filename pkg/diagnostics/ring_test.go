package diagnostics_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/cloudstack-vmware-agent/pkg/diagnostics"
)

func TestRingEvictsOldestFirst(t *testing.T) {
	tests := []struct {
		capacity int
		adds     int
	}{
		{capacity: 4, adds: 0},
		{capacity: 4, adds: 3},
		{capacity: 4, adds: 4},
		{capacity: 4, adds: 7},
		{capacity: 1, adds: 5},
		{capacity: 10, adds: 25},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("cap=%d/adds=%d", tt.capacity, tt.adds), func(t *testing.T) {
			ring := diagnostics.NewRing(tt.capacity)
			for i := range tt.adds {
				ring.Add(diagnostics.Record{Kind: fmt.Sprintf("cmd-%d", i)})
			}

			want := min(tt.capacity, tt.adds)
			require.Equal(t, want, ring.Len())

			recent := ring.Recent(0)
			require.Len(t, recent, want)
			for i, rec := range recent {
				// newest first
				assert.Equal(t, fmt.Sprintf("cmd-%d", tt.adds-1-i), rec.Kind)
				assert.Equal(t, uint64(tt.adds-i), rec.Seq)
			}
		})
	}
}

func TestRecentLimit(t *testing.T) {
	ring := diagnostics.NewRing(8)
	for i := range 5 {
		ring.Add(diagnostics.Record{Kind: fmt.Sprintf("cmd-%d", i)})
	}

	recent := ring.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "cmd-4", recent[0].Kind)
	assert.Equal(t, "cmd-3", recent[1].Kind)

	assert.Len(t, ring.Recent(100), 5)
}

func TestDefaultCapacity(t *testing.T) {
	assert.Equal(t, diagnostics.DefaultCapacity, diagnostics.NewRing(0).Cap())
}

func TestConcurrentAdd(t *testing.T) {
	ring := diagnostics.NewRing(16)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				ring.Add(diagnostics.Record{Kind: "x"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, ring.Len())
	recent := ring.Recent(0)
	assert.Equal(t, uint64(400), recent[0].Seq)
	assert.Equal(t, uint64(385), recent[15].Seq)
}
