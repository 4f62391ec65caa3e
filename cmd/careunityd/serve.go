package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/careunity/careunity/backend/internal/cache"
	"github.com/careunity/careunity/backend/internal/sync/scheduler"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync API, replay scheduler and caching proxy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, a)
	},
}

// serve runs until ctx is cancelled or the listener fails.
func serve(ctx context.Context, a *app) error {
	client := a.upstreamClient()

	replayer, err := a.newReplayer(client)
	if err != nil {
		return err
	}
	hub := NewWSHub(a.logger)
	defer hub.Close()
	replayer.SetEventSink(hub)

	probe := &scheduler.HTTPProber{Client: client, URL: strings.TrimRight(a.cfg.Upstream.URL, "/") + "/api/health"}
	sched := scheduler.New(replayer, a.queue, probe,
		scheduler.Config{
			ReplayInterval:    a.cfg.Sync.ReplayInterval,
			ProbeInterval:     a.cfg.Sync.ProbeInterval,
			RetentionInterval: time.Hour,
			Retention:         a.cfg.Sync.Retention,
		}, a.logger)

	r := routes{queue: a.queue, replay: sched, hub: hub, logger: a.logger}
	if a.cfg.Cache.Enabled {
		base, err := url.Parse(a.cfg.Upstream.URL)
		if err != nil {
			return fmt.Errorf("invalid upstream url: %w", err)
		}
		r.router, err = cache.NewRouter(cache.DefaultPolicies()...)
		if err != nil {
			return err
		}
		r.proxy = cache.NewProxy(r.router, cache.NewHTTPFetcher(client, base), base, cache.WithLogger(a.logger))
		defer r.proxy.Wait()
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           newMux(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("careunityd listening", map[string]interface{}{
			"addr":     srv.Addr,
			"upstream": a.cfg.Upstream.URL,
			"cache":    a.cfg.Cache.Enabled,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	sched.Start(gctx)
	err = g.Wait()
	sched.Stop()

	a.logger.Info("careunityd stopped")
	return err
}
