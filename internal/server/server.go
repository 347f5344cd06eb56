package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apklens/apklens/internal/partition"
)

// Server exposes the ops endpoints: liveness, partition fetch progress and
// prometheus metrics.
type Server struct {
	Engine *gin.Engine
	Addr   string
	store  *partition.Store
}

// New builds the ops server around the partition store and metric registry.
func New(addr string, store *partition.Store, registry *prometheus.Registry, mode string) *Server {
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	s := &Server{
		Engine: r,
		Addr:   addr,
		store:  store,
	}

	r.GET("/health", s.healthHandler)
	r.GET("/partitions", s.partitionsHandler)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return s
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"run_id": s.store.RunID(),
	})
}

// partitionsHandler reports per-partition fetch state plus a state summary.
func (s *Server) partitionsHandler(c *gin.Context) {
	partitions := s.store.List()

	summary := make(map[string]int)
	for _, p := range partitions {
		summary[string(p.State)]++
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":     s.store.RunID(),
		"summary":    summary,
		"partitions": partitions,
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("Starting ops HTTP server...", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("Stopping ops HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Ops HTTP server forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
