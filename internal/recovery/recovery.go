// Package recovery walks the local objects after a membership change
// and counts which of them this node still holds a replica of under the
// new snapshot; it does not copy or move any object. The cluster core
// fires StartRecovery and never awaits completion.
package recovery

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sbcm-osx/sheepdog/internal/model"
	"github.com/sbcm-osx/sheepdog/internal/vnodes"
)

// ObjectLister enumerates locally stored objects
type ObjectLister interface {
	ListObjects() ([]uint64, error)
}

// Placer resolves the replica set for an object under the current
// snapshot
type Placer interface {
	Vnodes() *vnodes.Snapshot
	NrCopies() uint8
	Self() model.Node
}

// Recovery walks the local objects after an epoch change and flags the
// ones this node no longer holds a replica obligation for. The walk is
// rate limited so recovery cannot starve foreground I/O.
type Recovery struct {
	lister  ObjectLister
	placer  Placer
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Config holds recovery configuration
type Config struct {
	// ObjectsPerSecond caps the recovery walk rate; zero means a
	// conservative default
	ObjectsPerSecond float64
}

// New creates a recovery module
func New(cfg Config, lister ObjectLister, placer Placer, logger *zap.Logger) *Recovery {
	ops := cfg.ObjectsPerSecond
	if ops <= 0 {
		ops = 512
	}
	return &Recovery{
		lister:  lister,
		placer:  placer,
		limiter: rate.NewLimiter(rate.Limit(ops), int(ops)),
		logger:  logger,
	}
}

// StartRecovery begins a recovery run at epoch. Fire-and-forget; each
// run evaluates every object against the snapshot that was current when
// the run started, and a newer run does not cancel an older one.
func (r *Recovery) StartRecovery(epoch uint32) {
	go r.run(epoch)
}

func (r *Recovery) run(epoch uint32) {
	r.logger.Info("Recovery started", zap.Uint32("epoch", epoch))

	oids, err := r.lister.ListObjects()
	if err != nil {
		r.logger.Error("Recovery cannot enumerate objects", zap.Error(err))
		return
	}

	snap := r.placer.Vnodes()
	if snap == nil {
		return
	}
	defer snap.Release()

	copies := snap.EffectiveCopies(int(r.placer.NrCopies()))
	self := r.placer.Self()

	kept, moved := 0, 0
	ctx := context.Background()
	for _, oid := range oids {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		replicas := snap.Locate(oid, copies)
		if model.FindNode(replicas, self) >= 0 {
			kept++
		} else {
			moved++
		}
	}

	r.logger.Info("Recovery finished",
		zap.Uint32("epoch", epoch),
		zap.Int("nr_objects", len(oids)),
		zap.Int("kept", kept),
		zap.Int("moved", moved))
}
