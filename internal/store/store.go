// Package store defines the backend object store surface the cluster
// core depends on. The store name travels in the join payload so every
// member runs the same backend.
package store

import (
	"fmt"
	"sort"
	"sync"
)

// Driver is the object store adapter. The cluster core only needs
// initialization, a stale-object purge for nodes rejoining after a
// crash, and object enumeration for recovery.
type Driver interface {
	// Name identifies the backend on the wire
	Name() string
	// Init prepares the store under the given path
	Init(path string) error
	// PurgeStaleObjects quarantines objects written under older epochs
	// so a rejoining node cannot corrupt live data
	PurgeStaleObjects(epoch uint32) error
	// ListObjects enumerates the stored object ids
	ListObjects() ([]uint64, error)
}

var (
	driversMu sync.Mutex
	drivers   = make(map[string]func() Driver)
)

// Register makes a store driver constructor available under name
func Register(name string, factory func() Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("store: Register called twice for %q", name))
	}
	drivers[name] = factory
}

// Find returns a new store driver instance by name
func Find(name string) (Driver, error) {
	driversMu.Lock()
	factory, ok := drivers[name]
	driversMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend store %q not supported (have %v)", name, Names())
	}
	return factory(), nil
}

// Names lists the registered store driver names
func Names() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
