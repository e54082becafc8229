// Package service holds the daemon's sidecar services: health gossip
// over memberlist and the peer-to-peer state exchange used during
// joins.
package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/sbcm-osx/sheepdog/internal/model"
)

// StatusSource exposes the cluster view the gossip layer advertises
type StatusSource interface {
	Status() model.ClusterStatus
	Epoch() uint32
}

// GossipService spreads node health and cluster view beside the
// ordered group driver. It carries no membership authority; the
// ordered driver decides who is in the cluster, gossip only tells
// operators and peers how members feel.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	source     StatusSource
	logger     *zap.Logger
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NewGossipService creates and starts the gossip sidecar
func NewGossipService(cfg *GossipConfig, nodeID string, source StatusSource,
	logger *zap.Logger) (*GossipService, error) {

	gs := &GossipService{
		config: cfg,
		nodeID: nodeID,
		source: source,
		logger: logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &gossipEventDelegate{service: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some gossip seeds", zap.Error(err))
		}
	}

	return gs, nil
}

func (s *GossipService) health() *model.HealthStatus {
	return &model.HealthStatus{
		NodeID:    s.nodeID,
		Status:    model.NodeHealthy,
		Epoch:     s.source.Epoch(),
		Cluster:   s.source.Status(),
		Timestamp: time.Now().Unix(),
	}
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.health())
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var hs model.HealthStatus
	if err := json.Unmarshal(data, &hs); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	s.logger.Debug("Received health status",
		zap.String("node_id", hs.NodeID),
		zap.Uint32("epoch", hs.Epoch),
		zap.String("cluster", hs.Cluster.String()))
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	data, _ := json.Marshal(s.health())
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	var hs model.HealthStatus
	if err := json.Unmarshal(buf, &hs); err != nil {
		return
	}
	s.logger.Debug("Merged remote health state",
		zap.String("node_id", hs.NodeID),
		zap.Uint32("epoch", hs.Epoch))
}

// NrAlive returns the number of gossip-visible peers
func (s *GossipService) NrAlive() int {
	return s.memberlist.NumMembers()
}

// Shutdown leaves the gossip pool
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// gossipEventDelegate logs memberlist events
type gossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins the gossip pool
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Gossip peer joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

// NotifyLeave is called when a node leaves the gossip pool
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Gossip peer left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node's advertised state changes
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Gossip peer updated",
		zap.String("node_id", node.Name))
}
