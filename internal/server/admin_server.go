// Package server exposes the daemon's admin HTTP surface: Prometheus
// metrics, health, and read-only cluster state.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sbcm-osx/sheepdog/internal/epochlog"
	"github.com/sbcm-osx/sheepdog/internal/model"
)

// ClusterView is the read-only cluster state the admin server exposes
type ClusterView interface {
	Status() model.ClusterStatus
	Epoch() uint32
	Nodes() []model.Node
	LeaveNodes() []model.Node
	NrCopies() uint8
}

// AdminServer serves metrics and cluster state over HTTP
type AdminServer struct {
	httpServer *http.Server
	view       ClusterView
	elog       *epochlog.Log
	logger     *zap.Logger
}

// Config holds the admin server configuration
type Config struct {
	Port int
}

// NewAdminServer creates the admin server
func NewAdminServer(cfg *Config, view ClusterView, elog *epochlog.Log,
	gatherer prometheus.Gatherer, logger *zap.Logger) *AdminServer {

	s := &AdminServer{
		view:   view,
		elog:   elog,
		logger: logger,
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/epoch/{epoch}", s.epochHandler).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving
func (s *AdminServer) Start() {
	s.logger.Info("Admin server starting", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the server down
func (s *AdminServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

type nodeView struct {
	Addr     string `json:"addr"`
	Zone     uint32 `json:"zone"`
	NrVnodes uint16 `json:"nr_vnodes"`
}

func nodeViews(nodes []model.Node) []nodeView {
	out := make([]nodeView, len(nodes))
	for i, n := range nodes {
		out[i] = nodeView{Addr: n.String(), Zone: n.Zone, NrVnodes: n.NrVnodes}
	}
	return out
}

func (s *AdminServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status     string     `json:"status"`
		Epoch      uint32     `json:"epoch"`
		NrCopies   uint8      `json:"nr_copies"`
		Nodes      []nodeView `json:"nodes"`
		LeaveNodes []nodeView `json:"leave_nodes,omitempty"`
	}{
		Status:     s.view.Status().String(),
		Epoch:      s.view.Epoch(),
		NrCopies:   s.view.NrCopies(),
		Nodes:      nodeViews(s.view.Nodes()),
		LeaveNodes: nodeViews(s.view.LeaveNodes()),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *AdminServer) epochHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	epoch, err := strconv.ParseUint(vars["epoch"], 10, 32)
	if err != nil {
		http.Error(w, "invalid epoch", http.StatusBadRequest)
		return
	}

	nodes, err := s.elog.Read(uint32(epoch))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if nodes == nil {
		http.Error(w, "no such epoch", http.StatusNotFound)
		return
	}

	resp := struct {
		Epoch uint32     `json:"epoch"`
		Nodes []nodeView `json:"nodes"`
	}{Epoch: uint32(epoch), Nodes: nodeViews(nodes)}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
