// Package driver defines the contract between the cluster core and a
// group-communication backend. Any backend that delivers join, leave,
// and notify callbacks in the same total order on every member
// satisfies it.
package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sbcm-osx/sheepdog/internal/errors"
	"github.com/sbcm-osx/sheepdog/internal/model"
	"go.uber.org/zap"
)

// Options configures a driver instance
type Options struct {
	// Endpoints are backend-specific addresses (etcd endpoints, a bus
	// name for the local driver)
	Endpoints []string
	// Namespace isolates one cluster from another on a shared backend
	Namespace string
}

// Driver is a totally-ordered group-communication backend. Payload
// bytes are delivered bit-exact.
type Driver interface {
	// Init prepares the driver; the handler receives all callbacks
	Init(opts Options, self model.Node, h Handler, logger *zap.Logger) error
	// Join proposes self for membership with an opaque payload
	Join(self model.Node, payload []byte) error
	// Leave departs the cluster gracefully
	Leave() error
	// Notify broadcasts payload to all members, self included, in
	// total order
	Notify(payload []byte) error
	// Block enters the cluster-wide critical section; the driver
	// single-flights concurrent requests and invokes OnBlock on the
	// originator once it holds the section
	Block() error
	// Unblock broadcasts payload and exits the critical section
	Unblock(payload []byte) error
	// Shutdown releases driver resources
	Shutdown() error
}

// Handler receives driver callbacks. Implementations serialize the
// callbacks onto their own main loop; the driver may invoke them from
// any goroutine but never concurrently.
type Handler interface {
	// OnJoin delivers a committed membership proposal with its verdict
	OnJoin(joined model.Node, members []model.Node, result errors.JoinResult, payload []byte)
	// OnLeave delivers a departure and the surviving membership
	OnLeave(left model.Node, members []model.Node)
	// OnNotify delivers a totally-ordered broadcast
	OnNotify(sender model.Node, payload []byte)
	// OnBlock fires on the originator once it holds the cluster-wide
	// critical section
	OnBlock()
	// CheckJoin runs the admission query on an existing member before
	// a join is committed; it may rewrite the payload with the
	// cluster's view
	CheckJoin(joining model.Node, payload []byte) (errors.JoinResult, []byte)
}

var (
	driversMu sync.Mutex
	drivers   = make(map[string]func() Driver)
)

// Register makes a driver constructor available under name
func Register(name string, factory func() Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("driver: Register called twice for %q", name))
	}
	drivers[name] = factory
}

// Find returns a new driver instance by name
func Find(name string) (Driver, error) {
	driversMu.Lock()
	factory, ok := drivers[name]
	driversMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown cluster driver %q (have %v)", name, Names())
	}
	return factory(), nil
}

// Names lists the registered driver names
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
