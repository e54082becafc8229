package cluster

import (
	"encoding/binary"
	"time"

	"github.com/sbcm-osx/sheepdog/internal/errors"
	"github.com/sbcm-osx/sheepdog/internal/model"
	"go.uber.org/zap"
)

// Cluster operation opcodes
const (
	// OpFormat initializes a fresh cluster: stamps the creation time
	// and commits epoch 1 with the present membership
	OpFormat uint32 = 0x0101
	// OpShutdown transitions every node to the terminal state
	OpShutdown uint32 = 0x0102
)

var opTable = map[uint32]*Operation{
	OpFormat: {
		Name:        "format",
		Opcode:      OpFormat,
		ProcessWork: formatWork,
		ProcessMain: formatMain,
	},
	OpShutdown: {
		Name:        "shutdown",
		Opcode:      OpShutdown,
		ProcessMain: shutdownMain,
	},
}

// findOp resolves an opcode to its operation, nil if unknown
func findOp(opcode uint32) *Operation {
	return opTable[opcode]
}

// formatWork stamps the cluster creation time inside the critical
// section, so two racing format requests cannot produce two histories
func formatWork(c *Cluster, req *model.ReqHeader, data []byte) (errors.ResultCode, []byte) {
	if len(data) != 9 {
		return errors.ResEIO, data
	}
	out := make([]byte, 9)
	copy(out, data)
	binary.BigEndian.PutUint64(out[0:8], uint64(time.Now().UnixNano()))
	return errors.ResOK, out
}

// formatMain commits the format on every node: record the creation
// time, commit epoch 1 with the present membership, and open for
// writes
func formatMain(c *Cluster, req *model.ReqHeader, rsp *model.RspHeader, data []byte) errors.ResultCode {
	if len(data) != 9 {
		return errors.ResEIO
	}
	ctime := binary.BigEndian.Uint64(data[0:8])
	copies := data[8]

	c.mu.Lock()
	c.nrCopies = copies
	c.ctime = ctime
	c.mu.Unlock()
	if err := c.elog.SetCtime(ctime); err != nil {
		c.logger.Error("Failed to record cluster ctime", zap.Error(err))
		return errors.ResEIO
	}

	c.epoch.Store(1)
	if err := c.elog.Append(1, c.nodes); err != nil {
		c.logger.Error("Failed to commit epoch 1", zap.Error(err))
		return errors.ResEIO
	}

	c.clearLeaveList()
	c.setStatus(model.StatusOK)

	c.logger.Info("Cluster formatted",
		zap.Uint8("nr_copies", copies),
		zap.Int("nr_nodes", len(c.nodes)))
	return errors.ResOK
}

// shutdownMain drains the cluster: the terminal state refuses new work
func shutdownMain(c *Cluster, req *model.ReqHeader, rsp *model.RspHeader, data []byte) errors.ResultCode {
	c.setStatus(model.StatusShutdown)
	return errors.ResOK
}
