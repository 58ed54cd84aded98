package planner

import (
	"strconv"
	"sync"

	"github.com/walteh/cloudstack-vmware-agent/pkg/fault"
	"github.com/walteh/cloudstack-vmware-agent/pkg/remote"
)

// NicMaskTag is the machine tag holding the public NIC slot mask.
const NicMaskTag = "cloud.nic.mask"

const maxNics = 10

// SlotMask is a set of NIC device indexes.
type SlotMask uint32

// ParseSlotMask reads a mask stored under NicMaskTag. Garbage reads as empty.
func ParseSlotMask(s string) SlotMask {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0
	}
	return SlotMask(v)
}

func (m SlotMask) Has(i int32) bool         { return m&(1<<uint(i)) != 0 }
func (m SlotMask) With(i int32) SlotMask    { return m | 1<<uint(i) }
func (m SlotMask) Without(i int32) SlotMask { return m &^ (1 << uint(i)) }

func (m SlotMask) String() string {
	return strconv.FormatUint(uint64(m), 10)
}

// SlotTable tracks which NIC device indexes of one machine are in use and
// which of those hold public NICs. It is persisted only through the public
// mask tag.
type SlotTable struct {
	used   SlotMask
	public SlotMask
}

// LoadSlotTable builds the table from a machine's NICs and its mask tag.
// Public bits for indexes with no NIC are dropped.
func LoadSlotTable(state *remote.MachineState) *SlotTable {
	t := &SlotTable{}
	if state == nil {
		return t
	}
	for _, d := range state.Devices.OfKind(remote.KindNic) {
		t.used = t.used.With(d.UnitNumber)
	}
	t.public = ParseSlotMask(state.ExtraConfig[NicMaskTag]) & t.used
	return t
}

func (t *SlotTable) Occupy(idx int32, public bool) {
	t.used = t.used.With(idx)
	if public {
		t.public = t.public.With(idx)
	} else {
		t.public = t.public.Without(idx)
	}
}

// Allocate takes the lowest free index.
func (t *SlotTable) Allocate(public bool) (int32, error) {
	for i := int32(0); i < maxNics; i++ {
		if !t.used.Has(i) {
			t.Occupy(i, public)
			return i, nil
		}
	}
	return -1, fault.Validationf("no free nic slot, all %d in use", maxNics)
}

// Release frees a slot.
func (t *SlotTable) Release(idx int32) {
	t.used = t.used.Without(idx)
	t.public = t.public.Without(idx)
}

func (t *SlotTable) Public() SlotMask { return t.public }

// Tag renders the value to persist under NicMaskTag.
func (t *SlotTable) Tag() string {
	return t.public.String()
}

// Locks hands out one mutex per machine name. Holders read, change and
// persist the machine's slot table under it. An entry lives only while some
// caller holds or waits for it.
type Locks struct {
	mu sync.Mutex
	m  map[string]*machineLock
}

type machineLock struct {
	sync.Mutex
	refs int
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{m: map[string]*machineLock{}}
}

// Lock blocks until the machine's lock is held and returns its release.
func (l *Locks) Lock(name string) func() {
	l.mu.Lock()
	ml, ok := l.m[name]
	if !ok {
		ml = &machineLock{}
		l.m[name] = ml
	}
	ml.refs++
	l.mu.Unlock()

	ml.Lock()
	return func() {
		ml.Unlock()

		l.mu.Lock()
		defer l.mu.Unlock()
		ml.refs--
		if ml.refs == 0 {
			delete(l.m, name)
		}
	}
}

// Len returns the number of machines with a held or awaited lock.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
