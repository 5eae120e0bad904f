// Package dashboard serves the HTTP control surface: session status,
// correlation chains, the image library, command submission, and a live
// notification stream.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/easel/internal/gateway"
	"github.com/zulandar/easel/internal/models"
	"github.com/zulandar/easel/internal/notify"
)

// dispatcher is the dashboard's view of the command dispatcher.
type dispatcher interface {
	Imagine(ctx context.Context, prompt string) (string, error)
	Upscale(ctx context.Context, messageID string, slot int, customID string) (string, error)
	Variation(ctx context.Context, messageID string, slot int) (string, error)
}

// statusSource is the dashboard's view of the gateway session.
type statusSource interface {
	State() gateway.State
	SessionID() string
	Seq() int64
}

// commandIndex is the dashboard's view of the correlation tracker.
type commandIndex interface {
	Chain(id string) ([]models.TrackedCommand, error)
	Len() int
}

// imageLibrary is the dashboard's view of the library.
type imageLibrary interface {
	Images(limit int) ([]models.ImageMeta, error)
	TagImage(path, tag string) error
	RateFolder(folder string, rating int) error
}

// analyzer is the dashboard's view of the vision analyzer.
type analyzer interface {
	AnalyzeFile(ctx context.Context, imagePath string) (map[string]string, error)
}

// notificationLog is the read side of the notification hub.
type notificationLog interface {
	Recent(limit int) ([]models.AssetNotification, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Port       int
	Session    statusSource
	Dispatcher dispatcher
	Tracker    commandIndex
	Library    imageLibrary
	Analyzer   analyzer // optional; analysis endpoint 503s without it
	Hub        *notify.Hub
	Out        io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is
// cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := newRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin engine. Split from Start so tests can drive the
// handlers without a listener.
func newRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("dashboard: session is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dashboard: dispatcher is required")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("dashboard: tracker is required")
	}
	if opts.Library == nil {
		return nil, fmt.Errorf("dashboard: library is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("dashboard: hub is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router, nil
}
