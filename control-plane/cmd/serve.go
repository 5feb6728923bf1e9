package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/saintparish4/trafficcop/control-plane/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load()
			if err != nil {
				return err
			}
			defer a.Close()

			ln, err := net.Listen("tcp", a.cfg.Addr())
			if err != nil {
				a.log.Error("Operation failed: listen", "addr", a.cfg.Addr(), "error", err)
				return err
			}
			return a.serve(cmd.Context(), ln)
		},
	}
}

// serve runs the API on ln and the scheduler until ctx is cancelled, then
// shuts both down within the configured timeout.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	router := mux.NewRouter()
	a.api.RegisterRoutes(router)
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.log.Info("Operation started: serve",
		"addr", ln.Addr().String(),
		"prom_url", a.cfg.PromURL,
		"pg_url", a.cfg.PushURL,
		"job", a.cfg.Job,
		"tz", a.cfg.Location.String(),
		"notify_channels", a.notifier.Len(),
	)
	a.scheduler.Start()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.log.Warn("scheduler did not stop cleanly", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		a.log.Error("Operation failed: serve", "error", err)
		return err
	}
	a.log.Info("Operation completed: serve")
	return nil
}
