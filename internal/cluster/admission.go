package cluster

import (
	"github.com/sbcm-osx/sheepdog/internal/errors"
	"github.com/sbcm-osx/sheepdog/internal/model"
	"go.uber.org/zap"
)

// sanityCheck validates a joiner's claimed history against local truth.
// Runs on the main loop.
func (c *Cluster) sanityCheck(entries []model.Node, ctime uint64, claimedEpoch uint32) errors.ResultCode {
	if c.Status() == model.StatusWaitFormat || c.Status() == model.StatusShutdown {
		return errors.ResOK
	}
	// A newly created node carries no history to check
	if len(entries) == 0 {
		return errors.ResOK
	}

	if ctime != c.ctime {
		return errors.ResInvalidCtime
	}

	latest := c.elog.Latest()
	if claimedEpoch > latest {
		// The joiner is from the future of a different history
		return errors.ResOldNodeVer
	}

	if c.Status().CanRecover() {
		return errors.ResOK
	}

	if claimedEpoch < latest {
		return errors.ResNewNodeVer
	}

	local, err := c.elog.Read(claimedEpoch)
	if err != nil {
		c.logger.Error("Failed to read epoch record",
			zap.Uint32("epoch", claimedEpoch), zap.Error(err))
		return errors.ResEIO
	}
	claimed := model.CopyNodes(entries)
	model.SortNodes(claimed)
	if !model.SameNodes(claimed, local) {
		return errors.ResInvalidEpoch
	}

	return errors.ResOK
}

// clusterStatusFor computes the admission verdict for a joiner: the
// advised post-join cluster status, whether the epoch must advance, and
// the result code. Runs on the main loop.
func (c *Cluster) clusterStatusFor(from model.Node, entries []model.Node, ctime uint64,
	claimedEpoch uint32) (model.ClusterStatus, bool, errors.ResultCode) {

	status := c.Status()
	incEpoch := false

	res := c.sanityCheck(entries, ctime, claimedEpoch)
	if res != errors.ResOK {
		c.logger.Info("Join rejected",
			zap.String("joining", from.String()),
			zap.String("reason", res.String()))
		return status, false, res
	}

	switch c.Status() {
	case model.StatusOK, model.StatusHalt:
		incEpoch = true

	case model.StatusWaitFormat:
		if len(entries) != 0 {
			res = errors.ResNotFormatted
		}

	case model.StatusWaitJoin:
		need := len(c.nodes) + 1
		have := c.elog.NrNodesAt(claimedEpoch)
		if need != have {
			gone := c.leaveList.Size()
			if have == need+gone {
				// The missing members are permanently lost; make do
				// without them and order recovery right away
				incEpoch = true
				status = model.StatusOK
			}
			break
		}

		local, err := c.elog.Read(claimedEpoch)
		if err != nil {
			res = errors.ResEIO
			break
		}
		complete := true
		for _, ent := range local {
			if ent.Equal(from) || model.FindNode(c.nodes, ent) >= 0 {
				continue
			}
			complete = false
			break
		}
		if complete {
			status = model.StatusOK
		}

	case model.StatusShutdown:
		res = errors.ResShutdown
	}

	return status, incEpoch, res
}

// checkJoin runs the admission query on behalf of the group driver and
// rewrites the join payload with the cluster's view. Runs on the main
// loop.
func (c *Cluster) checkJoin(joining model.Node, payload []byte) (errors.JoinResult, []byte) {
	jm, err := model.UnmarshalJoinMessage(payload)
	if err != nil {
		c.logger.Error("Malformed join payload",
			zap.String("joining", joining.String()), zap.Error(err))
		return errors.JoinFail, payload
	}

	if jm.ProtoVer != model.ProtoVer {
		c.logger.Error("Join protocol version mismatch",
			zap.String("joining", joining.String()),
			zap.Uint8("proto_ver", jm.ProtoVer))
		jm.Result = errors.ResVerMismatch
		return errors.JoinFail, marshalOr(jm, payload)
	}

	if joining.Equal(c.self) {
		// First member of the group: elect ourselves master without a
		// proposal round
		epoch := c.elog.Latest()
		if epoch == 0 {
			jm.ClusterStatus = model.StatusWaitFormat
		} else {
			nodes, _ := c.elog.Read(epoch)
			ctime, _ := c.elog.Ctime()
			c.epoch.Store(epoch)
			c.mu.Lock()
			c.ctime = ctime
			c.mu.Unlock()
			jm.Ctime = ctime
			status, _, _ := c.clusterStatusFor(joining, nodes, ctime, epoch)
			jm.ClusterStatus = status
		}
		return errors.JoinSuccess, marshalOr(jm, payload)
	}

	claimedEpoch := jm.Epoch

	status, incEpoch, res := c.clusterStatusFor(joining, jm.Nodes, jm.Ctime, claimedEpoch)
	jm.Result = res
	jm.ClusterStatus = status
	jm.IncEpoch = incEpoch
	jm.NrCopies = c.nrCopies
	jm.ClusterFlags = c.flags
	jm.Ctime = c.ctime
	jm.LeaveNodes = nil
	if c.curStore != nil {
		jm.Store = c.curStore.Name()
	}

	if res == errors.ResOK && status != model.StatusOK {
		// Carry the leave list back so the joiner can account for the
		// missing members
		jm.Nodes = nil
		jm.LeaveNodes = c.leaveList.Nodes()
	} else if res != errors.ResOK && claimedEpoch > c.epoch.Load() &&
		status == model.StatusWaitJoin {
		// The joiner's history is ahead of ours; hand it authoritative
		// cluster state. Its claimed epoch stays in the payload.
		c.logger.Info("Transferring mastership",
			zap.Uint32("joiner_epoch", claimedEpoch),
			zap.Uint32("local_epoch", c.epoch.Load()))
		return errors.JoinMasterTransfer, marshalOr(jm, payload)
	}
	jm.Epoch = c.epoch.Load()

	out := marshalOr(jm, payload)
	switch res {
	case errors.ResOK:
		return errors.JoinSuccess, out
	case errors.ResOldNodeVer, errors.ResNewNodeVer:
		return errors.JoinLater, out
	default:
		return errors.JoinFail, out
	}
}

func marshalOr(jm *model.JoinMessage, fallback []byte) []byte {
	buf, err := jm.Marshal()
	if err != nil {
		return fallback
	}
	return buf
}
