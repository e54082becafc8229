package cluster

import (
	"github.com/google/uuid"
	"github.com/sbcm-osx/sheepdog/internal/errors"
	"github.com/sbcm-osx/sheepdog/internal/model"
)

// Operation describes a cluster-wide request that requires uniform
// ordering across all nodes. ProcessWork, when set, is the local
// pre-compute run inside the driver's single-flighted critical section
// on the originator; ProcessMain, when set, is applied on every node
// when the ordered notification arrives.
type Operation struct {
	Name   string
	Opcode uint32

	ProcessWork func(c *Cluster, req *model.ReqHeader, data []byte) (errors.ResultCode, []byte)
	ProcessMain func(c *Cluster, req *model.ReqHeader, rsp *model.RspHeader, data []byte) errors.ResultCode
}

// HasProcessWork reports whether the operation needs the blocked
// pre-compute step
func (op *Operation) HasProcessWork() bool {
	return op != nil && op.ProcessWork != nil
}

// HasProcessMain reports whether the operation applies a main step on
// every node
func (op *Operation) HasProcessMain() bool {
	return op != nil && op.ProcessMain != nil
}

// PendingOp is an originator-local entry awaiting the totally-ordered
// echo of its request
type PendingOp struct {
	ID  uuid.UUID
	Op  *Operation
	Msg *model.NotifyMessage

	done chan *model.NotifyMessage
}

// Wait blocks until the ordered response is delivered
func (p *PendingOp) Wait() *model.NotifyMessage {
	return <-p.done
}

// prepareNotifyMessage packages a request for broadcast. The body is
// included only when the operation has a main-processing step; other
// operations carry headers alone.
func prepareNotifyMessage(op *Operation, req model.ReqHeader, data []byte) *model.NotifyMessage {
	msg := &model.NotifyMessage{Req: req}
	if op.HasProcessMain() {
		msg.Data = data
		msg.Req.DataLength = uint32(len(data))
	} else {
		msg.Req.DataLength = 0
	}
	return msg
}
