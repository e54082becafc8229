// Package local provides an in-process group driver: every endpoint on
// the same bus observes join, leave, and notify events in one total
// order. It backs single-host deployments and the scenario tests.
package local

import (
	"fmt"
	"sync"

	"github.com/sbcm-osx/sheepdog/internal/driver"
	"github.com/sbcm-osx/sheepdog/internal/errors"
	"github.com/sbcm-osx/sheepdog/internal/model"
	"go.uber.org/zap"
)

func init() {
	driver.Register("local", func() driver.Driver { return &Local{} })
}

var (
	busesMu sync.Mutex
	buses   = make(map[string]*bus)
)

func findBus(namespace string) *bus {
	busesMu.Lock()
	defer busesMu.Unlock()
	b, ok := buses[namespace]
	if !ok {
		b = newBus()
		buses[namespace] = b
	}
	return b
}

// bus serializes all proposals for one namespace through a single
// goroutine, which is what gives the driver its total order
type bus struct {
	proposals chan func()

	mu       sync.Mutex
	members  []*Local
	blocked  bool
	blockers []*Local
}

func newBus() *bus {
	b := &bus{proposals: make(chan func(), 256)}
	go func() {
		for fn := range b.proposals {
			fn()
		}
	}()
	return b
}

func (b *bus) propose(fn func()) {
	b.proposals <- fn
}

func (b *bus) snapshot() []*Local {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Local, len(b.members))
	copy(out, b.members)
	return out
}

func (b *bus) memberNodes() []model.Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	nodes := make([]model.Node, len(b.members))
	for i, m := range b.members {
		nodes[i] = m.self
	}
	return nodes
}

// Local is one endpoint on a shared in-process bus
type Local struct {
	bus    *bus
	self   model.Node
	h      driver.Handler
	logger *zap.Logger
}

// Init implements driver.Driver
func (l *Local) Init(opts driver.Options, self model.Node, h driver.Handler,
	logger *zap.Logger) error {
	l.bus = findBus(opts.Namespace)
	l.self = self
	l.h = h
	l.logger = logger
	return nil
}

// Join implements driver.Driver: the oldest member arbitrates the
// admission, then every endpoint observes the committed proposal
func (l *Local) Join(self model.Node, payload []byte) error {
	if !self.Equal(l.self) {
		return fmt.Errorf("local driver can only join its own node")
	}
	buf := append([]byte(nil), payload...)

	l.bus.propose(func() {
		endpoints := l.bus.snapshot()

		arbiter := l
		if len(endpoints) > 0 {
			arbiter = endpoints[0]
		}
		result, out := arbiter.h.CheckJoin(self, buf)

		if result == errors.JoinSuccess || result == errors.JoinMasterTransfer {
			l.bus.mu.Lock()
			l.bus.members = append(l.bus.members, l)
			l.bus.mu.Unlock()
		}

		members := l.bus.memberNodes()
		for _, ep := range l.bus.snapshot() {
			ep.h.OnJoin(self, members, result, out)
		}
		// a refused joiner still hears the verdict
		if result != errors.JoinSuccess && result != errors.JoinMasterTransfer {
			l.h.OnJoin(self, members, result, out)
		}
	})
	return nil
}

// Leave implements driver.Driver
func (l *Local) Leave() error {
	l.bus.propose(func() {
		l.bus.mu.Lock()
		found := false
		for i, ep := range l.bus.members {
			if ep == l {
				l.bus.members = append(l.bus.members[:i], l.bus.members[i+1:]...)
				found = true
				break
			}
		}
		l.bus.mu.Unlock()
		if !found {
			return
		}

		members := l.bus.memberNodes()
		for _, ep := range l.bus.snapshot() {
			ep.h.OnLeave(l.self, members)
		}
	})
	return nil
}

// Notify implements driver.Driver
func (l *Local) Notify(payload []byte) error {
	buf := append([]byte(nil), payload...)
	l.bus.propose(func() {
		for _, ep := range l.bus.snapshot() {
			ep.h.OnNotify(l.self, buf)
		}
	})
	return nil
}

// Block implements driver.Driver: requests queue behind a single
// cluster-wide critical section; the holder is called back once it
// owns the section
func (l *Local) Block() error {
	l.bus.propose(func() {
		l.bus.mu.Lock()
		l.bus.blockers = append(l.bus.blockers, l)
		grant := !l.bus.blocked
		if grant {
			l.bus.blocked = true
		}
		l.bus.mu.Unlock()
		if grant {
			l.bus.grantNext()
		}
	})
	return nil
}

func (b *bus) grantNext() {
	b.mu.Lock()
	if len(b.blockers) == 0 {
		b.blocked = false
		b.mu.Unlock()
		return
	}
	holder := b.blockers[0]
	b.blockers = b.blockers[1:]
	b.mu.Unlock()
	holder.h.OnBlock()
}

// Unblock implements driver.Driver: the result is broadcast in order,
// then the critical section passes to the next waiter
func (l *Local) Unblock(payload []byte) error {
	buf := append([]byte(nil), payload...)
	l.bus.propose(func() {
		for _, ep := range l.bus.snapshot() {
			ep.h.OnNotify(l.self, buf)
		}
		l.bus.grantNext()
	})
	return nil
}

// Shutdown implements driver.Driver: the endpoint vanishes without a
// leave event, as a crashed process would
func (l *Local) Shutdown() error {
	done := make(chan struct{})
	l.bus.propose(func() {
		l.bus.mu.Lock()
		for i, ep := range l.bus.members {
			if ep == l {
				l.bus.members = append(l.bus.members[:i], l.bus.members[i+1:]...)
				break
			}
		}
		l.bus.mu.Unlock()
		close(done)
	})
	<-done
	return nil
}

// Fail simulates a crash observed by the surviving members: the
// endpoint is removed and the survivors receive the leave event. Test
// and admin hook.
func (l *Local) Fail() {
	l.bus.propose(func() {
		l.bus.mu.Lock()
		found := false
		for i, ep := range l.bus.members {
			if ep == l {
				l.bus.members = append(l.bus.members[:i], l.bus.members[i+1:]...)
				found = true
				break
			}
		}
		l.bus.mu.Unlock()
		if !found {
			return
		}

		members := l.bus.memberNodes()
		for _, ep := range l.bus.snapshot() {
			ep.h.OnLeave(l.self, members)
		}
	})
}
