// Package dashboard serves a read-only HTTP view of the daemon: worker
// pool state, active conversations, recent turns, and a live event feed.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/roundhouse/internal/backend"
	"github.com/zulandar/roundhouse/internal/pool"
	"github.com/zulandar/roundhouse/internal/tracker"
)

// PoolView is the slice of the worker pool the dashboard reads.
type PoolView interface {
	Snapshot() []*pool.Instance
}

// TrackerView is the slice of the conversation tracker the dashboard reads.
type TrackerView interface {
	ActiveContexts() map[string]tracker.ActiveContext
}

// Subscribe registers a live-event callback and returns its cancel func.
// Wired to the daemon's event streams.
type Subscribe func(fn func(backend.Event)) func()

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Pool      PoolView
	Tracker   TrackerView
	DB        *gorm.DB  // optional; turns endpoints 404 without it
	Subscribe Subscribe // optional; SSE sends heartbeats only without it
	Addr      string
	Out       io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Pool == nil {
		return fmt.Errorf("dashboard: pool is required")
	}
	if opts.Tracker == nil {
		return fmt.Errorf("dashboard: tracker is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8170"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, opts)

	srv := &http.Server{
		Addr:    opts.Addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard listening on %s\n", opts.Addr)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
