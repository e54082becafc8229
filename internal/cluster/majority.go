package cluster

import (
	"net"
	"time"

	"github.com/sbcm-osx/sheepdog/internal/model"
	"go.uber.org/zap"
)

const probeTimeout = 2 * time.Second

// Prober checks reachability of a peer address. A peer counts as
// reachable only on a successful TCP three-way handshake.
type Prober func(addr string) bool

// tcpProbe is the default prober
func tcpProbe(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// checkMajority reports whether a majority of the listed members are
// still reachable. Clusters below three nodes cannot distinguish a
// partition from a failure, so they always pass.
func checkMajority(nodes []model.Node, probe Prober, logger *zap.Logger) bool {
	if len(nodes) < 3 {
		return true
	}

	majority := len(nodes)/2 + 1
	reachable := 0
	for _, n := range nodes {
		if !probe(n.String()) {
			continue
		}
		reachable++
		if reachable >= majority {
			return true
		}
	}

	logger.Error("Majority of nodes are unreachable",
		zap.Int("nr_nodes", len(nodes)),
		zap.Int("majority", majority),
		zap.Int("reachable", reachable))
	return false
}
