package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sbcm-osx/sheepdog/internal/cluster"
	"github.com/sbcm-osx/sheepdog/internal/config"
	"github.com/sbcm-osx/sheepdog/internal/driver"
	_ "github.com/sbcm-osx/sheepdog/internal/driver/etcd"
	_ "github.com/sbcm-osx/sheepdog/internal/driver/local"
	"github.com/sbcm-osx/sheepdog/internal/epochlog"
	"github.com/sbcm-osx/sheepdog/internal/metrics"
	"github.com/sbcm-osx/sheepdog/internal/model"
	"github.com/sbcm-osx/sheepdog/internal/recovery"
	"github.com/sbcm-osx/sheepdog/internal/server"
	"github.com/sbcm-osx/sheepdog/internal/service"
	"github.com/sbcm-osx/sheepdog/internal/util/workerpool"
)

func main() {
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./sheep.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	if lvl, err := zap.ParseAtomicLevel(cfg.Logging.Level); err == nil {
		zcfg := zap.NewProductionConfig()
		zcfg.Level = lvl
		if rebuilt, err := zcfg.Build(); err == nil {
			logger = rebuilt
		}
	}

	self, err := model.NewNode(cfg.Server.Host, cfg.Server.Port,
		cfg.Server.Zone, cfg.Server.NrVnodes)
	if err != nil {
		logger.Fatal("Invalid node identity", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("node", self.String()),
		zap.String("driver", cfg.Cluster.Driver),
		zap.Uint8("nr_copies", cfg.Cluster.NrCopies))

	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	elog, err := epochlog.Open(cfg.Store.DataDir+"/epoch", logger)
	if err != nil {
		logger.Fatal("Failed to open epoch log", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	peers := service.NewPeerTCPClient(logger)

	cl, err := cluster.New(cluster.Config{
		Self:      self,
		NrCopies:  cfg.Cluster.NrCopies,
		ObjPath:   cfg.Store.DataDir,
		StoreName: cfg.Store.Backend,
	}, elog, peers, nil, m, logger)
	if err != nil {
		logger.Fatal("Failed to create cluster core", zap.Error(err))
	}

	rec := recovery.New(recovery.Config{
		ObjectsPerSecond: cfg.Recovery.ObjectsPerSecond,
	}, cl, cl, logger)
	cl.SetRecoverer(rec)

	// the event pool must stay single-worker so events serialize
	eventPool := workerpool.New(workerpool.Config{Name: "event", Workers: 1}, logger)
	blockPool := workerpool.New(workerpool.Config{Name: "block", Workers: 2}, logger)
	ioPool := workerpool.New(workerpool.Config{Name: "io", Workers: 16}, logger)
	defer eventPool.Stop(10 * time.Second)
	defer blockPool.Stop(10 * time.Second)
	defer ioPool.Stop(10 * time.Second)
	cl.SetPools(eventPool.Submit, blockPool.Submit)

	peerSrv, err := service.NewPeerServer(self.String(), cl, ioPool.Submit, logger)
	if err != nil {
		logger.Fatal("Failed to start peer server", zap.Error(err))
	}
	defer peerSrv.Close()

	if cfg.Gossip.Enabled {
		gossip, err := service.NewGossipService(&service.GossipConfig{
			Enabled:        cfg.Gossip.Enabled,
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, self.String(), cl, logger)
		if err != nil {
			logger.Error("Failed to start gossip service", zap.Error(err))
		} else {
			defer gossip.Shutdown()
		}
	}

	if cfg.Admin.Enabled {
		admin := server.NewAdminServer(&server.Config{Port: cfg.Admin.Port},
			cl, elog, prometheus.DefaultGatherer, logger)
		admin.Start()
		defer admin.Stop()
	}

	drv, err := driver.Find(cfg.Cluster.Driver)
	if err != nil {
		logger.Fatal("Unknown cluster driver", zap.Error(err))
	}

	if err := cl.Start(drv, driver.Options{
		Endpoints: cfg.Cluster.Endpoints,
		Namespace: cfg.Cluster.Namespace,
	}); err != nil {
		logger.Fatal("Failed to start cluster core", zap.Error(err))
	}
	defer cl.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", zap.String("signal", sig.String()))
		if err := cl.LeaveCluster(); err != nil {
			logger.Warn("Graceful leave failed", zap.Error(err))
		}
	case reason := <-cl.Demoted():
		// a demoted node restarts clean rather than staying in an
		// incoherent state
		logger.Error("Node demoted; exiting", zap.String("reason", string(reason)))
		shutdownAndExit(logger, cl)
	}
}

func shutdownAndExit(logger *zap.Logger, cl *cluster.Cluster) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		cl.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	logger.Sync()
	os.Exit(1)
}

// initLogger initializes the zap logger
func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	level := os.Getenv("LOG_LEVEL")
	if level != "" {
		var l zap.AtomicLevel
		if err := l.UnmarshalText([]byte(level)); err == nil {
			cfg.Level = l
		}
	}
	return cfg.Build()
}
