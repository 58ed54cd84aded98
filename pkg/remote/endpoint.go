// Package remote models the hypervisor management endpoint as seen by the
// planners: opaque object handles, a device inventory, and the handful of
// calls the agent depends on (connect, liveness, configure, relocate, power).
//
// The wire protocol lives behind these interfaces; see package vsphere for
// the govmomi implementation and package remotetest for an in-memory one.
package remote

import (
	"context"
	"fmt"
	"time"
)

// Ref is an opaque handle to an endpoint-owned object.
type Ref struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.Value)
}

func (r Ref) IsZero() bool {
	return r.Type == "" && r.Value == ""
}

// Endpoint identifies the management endpoint and the principal used to log in.
type Endpoint struct {
	Address   string
	Principal string
	Secret    string
}

// About describes the endpoint product and API level.
type About struct {
	Product      string `json:"product"`
	APIVersion   string `json:"apiVersion"`
	InstanceUUID string `json:"instanceUuid"`
}

// HostCapabilities reports per-host feature support.
type HostCapabilities struct {
	NestedHV bool `json:"nestedHv"`
}

// NetworkSpec describes a port group the agent may need to create.
type NetworkSpec struct {
	Name string
	VLAN int32
}

// DatastoreRef is a mounted store as returned by MountStore.
type DatastoreRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// DiskFile is a virtual disk descriptor found on a datastore.
type DiskFile struct {
	Path          string `json:"path"`
	CapacityBytes int64  `json:"capacityBytes"`
}

// Stats is the raw quick-stats view of a machine.
type Stats struct {
	CPUUsageMHz    int64         `json:"cpuUsageMhz"`
	GuestMemoryMB  int64         `json:"guestMemoryMb"`
	HostMemoryMB   int64         `json:"hostMemoryMb"`
	Uptime         time.Duration `json:"uptime"`
	CommittedBytes int64         `json:"committedBytes"`
}

// Connector opens authenticated sessions against an endpoint.
type Connector interface {
	Connect(ctx context.Context, ep Endpoint) (Client, error)
}

// Client is one authenticated session against the endpoint.
type Client interface {
	IsActive(ctx context.Context) (bool, error)
	Logout(ctx context.Context) error
	About(ctx context.Context) (About, error)
	// AuxRefs returns named management-plane handles resolved at login.
	AuxRefs() map[string]Ref

	HostCapabilities(ctx context.Context, host string) (HostCapabilities, error)
	FindMachine(ctx context.Context, name string) (Machine, error)
	CreateMachine(ctx context.Context, spec *ConfigSpec) (Machine, error)
	Datastore(ctx context.Context, name string) (Datastore, error)
	EnsureNetwork(ctx context.Context, spec NetworkSpec) (string, error)
	MountStore(ctx context.Context, url string) (DatastoreRef, error)
}

// Machine is a handle to one virtual machine on the endpoint.
type Machine interface {
	Ref() Ref
	Name() string
	State(ctx context.Context) (*MachineState, error)
	// Configure submits the whole spec as one configuration call and waits
	// for the resulting task.
	Configure(ctx context.Context, spec *ConfigSpec) error
	Relocate(ctx context.Context, spec *RelocateSpec) error
	PowerOn(ctx context.Context) error
	PowerOff(ctx context.Context) error
	ShutdownGuest(ctx context.Context) error
	ConsolidateDisks(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
	Destroy(ctx context.Context) error
}

// Datastore is a handle to one datastore.
type Datastore interface {
	Name() string
	// Siblings returns the names of every datastore in the same datastore
	// cluster, including this one. A standalone datastore returns itself.
	Siblings(ctx context.Context) ([]string, error)
	// Find looks a file up by base name anywhere on the datastore and returns
	// its full datastore path.
	Find(ctx context.Context, baseName string) (string, bool, error)
	// DiskChain returns the backing chain of a disk file, top to base.
	DiskChain(ctx context.Context, path string) ([]string, error)
	// Disks lists the disk descriptors in one folder, given as a datastore
	// path such as "[ds] vols".
	Disks(ctx context.Context, dir string) ([]DiskFile, error)
}
