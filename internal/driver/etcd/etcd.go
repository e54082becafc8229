// Package etcd provides a group driver backed by an etcd cluster. All
// membership and notify traffic is funneled through puts to a single
// log key; etcd's modification revisions give every watcher the same
// total order. The cluster-wide critical section maps onto an etcd
// mutex.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/sbcm-osx/sheepdog/internal/driver"
	"github.com/sbcm-osx/sheepdog/internal/errors"
	"github.com/sbcm-osx/sheepdog/internal/model"
)

func init() {
	driver.Register("etcd", func() driver.Driver { return &Etcd{} })
}

const (
	dialTimeout = 5 * time.Second
	sessionTTL  = 10 // seconds
)

type recordKind int

const (
	recJoinRequest recordKind = iota
	recJoinResponse
	recLeave
	recNotify
)

// record is one entry on the ordered log. Payload bytes survive the
// JSON round trip bit-exact through base64.
type record struct {
	Kind    recordKind        `json:"kind"`
	Node    []byte            `json:"node"`
	Members [][]byte          `json:"members,omitempty"`
	Result  errors.JoinResult `json:"result,omitempty"`
	Payload []byte            `json:"payload,omitempty"`
}

// Etcd is one endpoint of the etcd-backed group driver
type Etcd struct {
	cli     *clientv3.Client
	session *concurrency.Session
	mutex   *concurrency.Mutex

	self   model.Node
	h      driver.Handler
	logger *zap.Logger
	prefix string

	mu      sync.Mutex
	members []model.Node
	// alone records whether no member keys existed when we proposed
	// our join; only then may we arbitrate our own admission
	alone bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Init implements driver.Driver
func (e *Etcd) Init(opts driver.Options, self model.Node, h driver.Handler,
	logger *zap.Logger) error {

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(cli, concurrency.WithTTL(sessionTTL))
	if err != nil {
		cli.Close()
		return fmt.Errorf("failed to create etcd session: %w", err)
	}

	ns := opts.Namespace
	if ns == "" {
		ns = "default"
	}

	e.cli = cli
	e.session = session
	e.self = self
	e.h = h
	e.logger = logger
	e.prefix = "/sheepdog/" + ns
	e.mutex = concurrency.NewMutex(session, e.prefix+"/block")
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return nil
}

func (e *Etcd) logKey() string {
	return e.prefix + "/log"
}

func (e *Etcd) memberKey(n model.Node) string {
	return e.prefix + "/members/" + n.String()
}

func (e *Etcd) put(rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = e.cli.Put(e.ctx, e.logKey(), string(data))
	return err
}

func (e *Etcd) memberNodes() []model.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.CopyNodes(e.members)
}

func (e *Etcd) isMaster(joining model.Node) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.members) == 0 {
		return e.alone && joining.Equal(e.self)
	}
	return e.members[0].Equal(e.self)
}

// Join implements driver.Driver: start watching before publishing the
// proposal so this endpoint observes its own verdict
func (e *Etcd) Join(self model.Node, payload []byte) error {
	resp, err := e.cli.Get(e.ctx, e.logKey())
	if err != nil {
		return fmt.Errorf("failed to read log head: %w", err)
	}
	rev := resp.Header.Revision

	existing, err := e.cli.Get(e.ctx, e.prefix+"/members/",
		clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return fmt.Errorf("failed to count members: %w", err)
	}
	e.mu.Lock()
	e.alone = existing.Count == 0
	e.mu.Unlock()

	go e.watch(rev + 1)

	rec := &record{Kind: recJoinRequest, Node: marshalNode(self), Payload: payload}
	if err := e.put(rec); err != nil {
		return fmt.Errorf("failed to publish join proposal: %w", err)
	}
	return nil
}

func (e *Etcd) watch(fromRev int64) {
	wch := e.cli.Watch(e.ctx, e.logKey(), clientv3.WithRev(fromRev))
	mch := e.cli.Watch(e.ctx, e.prefix+"/members/", clientv3.WithPrefix())

	for {
		select {
		case wresp, ok := <-wch:
			if !ok {
				return
			}
			for _, ev := range wresp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				e.dispatch(ev.Kv.Value)
			}
		case mresp, ok := <-mch:
			if !ok {
				return
			}
			for _, ev := range mresp.Events {
				if ev.Type == mvccpb.DELETE {
					e.memberGone(ev.Kv.Key)
				}
			}
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Etcd) dispatch(value []byte) {
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		e.logger.Error("Malformed log record", zap.Error(err))
		return
	}
	node, err := unmarshalNode(rec.Node)
	if err != nil {
		e.logger.Error("Malformed node in log record", zap.Error(err))
		return
	}

	switch rec.Kind {
	case recJoinRequest:
		if !e.isMaster(node) {
			return
		}
		result, out := e.h.CheckJoin(node, rec.Payload)
		members := e.memberNodes()
		if result == errors.JoinSuccess || result == errors.JoinMasterTransfer {
			members = append(members, node)
		}
		resp := &record{
			Kind:    recJoinResponse,
			Node:    rec.Node,
			Members: marshalNodes(members),
			Result:  result,
			Payload: out,
		}
		if err := e.put(resp); err != nil {
			e.logger.Error("Failed to publish join verdict", zap.Error(err))
		}

	case recJoinResponse:
		members, err := unmarshalNodeList(rec.Members)
		if err != nil {
			e.logger.Error("Malformed member list in join verdict", zap.Error(err))
			return
		}
		if rec.Result == errors.JoinSuccess || rec.Result == errors.JoinMasterTransfer {
			e.mu.Lock()
			e.members = members
			e.mu.Unlock()
			if node.Equal(e.self) {
				e.register()
			}
		}
		e.h.OnJoin(node, members, rec.Result, rec.Payload)

	case recLeave:
		members, err := unmarshalNodeList(rec.Members)
		if err != nil {
			e.logger.Error("Malformed member list in leave record", zap.Error(err))
			return
		}
		e.mu.Lock()
		e.members = members
		e.mu.Unlock()
		e.h.OnLeave(node, members)

	case recNotify:
		e.h.OnNotify(node, rec.Payload)
	}
}

// register binds this member's key to the session lease so a crash is
// noticed when the lease expires
func (e *Etcd) register() {
	_, err := e.cli.Put(e.ctx, e.memberKey(e.self), string(marshalNode(e.self)),
		clientv3.WithLease(e.session.Lease()))
	if err != nil {
		e.logger.Error("Failed to register member key", zap.Error(err))
	}
}

// memberGone reacts to a member key disappearing: the master publishes
// the departure so every watcher observes it in log order
func (e *Etcd) memberGone(key []byte) {
	id := string(key[len(e.prefix+"/members/"):])

	e.mu.Lock()
	var dead model.Node
	found := false
	for _, m := range e.members {
		if m.String() == id {
			dead = m
			found = true
			break
		}
	}
	// the surviving master publishes; if the master itself died, the
	// next in line takes over
	publisher := false
	for _, m := range e.members {
		if m.Equal(dead) {
			continue
		}
		publisher = m.Equal(e.self)
		break
	}
	survivors := make([]model.Node, 0, len(e.members))
	for _, m := range e.members {
		if !m.Equal(dead) {
			survivors = append(survivors, m)
		}
	}
	e.mu.Unlock()

	if !found || dead.Equal(e.self) || !publisher {
		return
	}

	rec := &record{Kind: recLeave, Node: marshalNode(dead), Members: marshalNodes(survivors)}
	if err := e.put(rec); err != nil {
		e.logger.Error("Failed to publish leave record", zap.Error(err))
	}
}

// Leave implements driver.Driver: publish our own departure, then drop
// the member key
func (e *Etcd) Leave() error {
	survivors := make([]model.Node, 0)
	for _, m := range e.memberNodes() {
		if !m.Equal(e.self) {
			survivors = append(survivors, m)
		}
	}
	rec := &record{Kind: recLeave, Node: marshalNode(e.self), Members: marshalNodes(survivors)}
	if err := e.put(rec); err != nil {
		return err
	}
	_, err := e.cli.Delete(e.ctx, e.memberKey(e.self))
	return err
}

// Notify implements driver.Driver
func (e *Etcd) Notify(payload []byte) error {
	return e.put(&record{Kind: recNotify, Node: marshalNode(e.self), Payload: payload})
}

// Block implements driver.Driver: the etcd mutex single-flights the
// critical section cluster-wide
func (e *Etcd) Block() error {
	go func() {
		if err := e.mutex.Lock(e.ctx); err != nil {
			e.logger.Error("Failed to acquire cluster lock", zap.Error(err))
			return
		}
		e.h.OnBlock()
	}()
	return nil
}

// Unblock implements driver.Driver
func (e *Etcd) Unblock(payload []byte) error {
	if err := e.Notify(payload); err != nil {
		return err
	}
	return e.mutex.Unlock(e.ctx)
}

// Shutdown implements driver.Driver
func (e *Etcd) Shutdown() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.session != nil {
		e.session.Close()
	}
	if e.cli != nil {
		return e.cli.Close()
	}
	return nil
}

func marshalNode(n model.Node) []byte {
	buf := make([]byte, model.NodeBinarySize)
	n.Marshal(buf)
	return buf
}

func unmarshalNode(buf []byte) (model.Node, error) {
	return model.UnmarshalNode(buf)
}

func marshalNodes(nodes []model.Node) [][]byte {
	out := make([][]byte, len(nodes))
	for i, n := range nodes {
		out[i] = marshalNode(n)
	}
	return out
}

func unmarshalNodeList(bufs [][]byte) ([]model.Node, error) {
	nodes := make([]model.Node, len(bufs))
	for i, b := range bufs {
		n, err := model.UnmarshalNode(b)
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}
