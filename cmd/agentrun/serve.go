package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/agentrun/pkg/events"
	"github.com/go-go-golems/agentrun/pkg/helpers"
	"github.com/go-go-golems/agentrun/pkg/inference/fixtures"
	"github.com/go-go-golems/agentrun/pkg/server"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve runs over HTTP and websockets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
	cmd.Flags().String("address", ":8080", "Listen address")
	cmd.Flags().Bool("log-events", false, "Log every run event at debug level")
	cmd.Flags().String("event-log", "", "Append every run event as JSON lines to this file")
	addModelFlags(cmd)
	addStoreFlags(cmd)
	return cmd
}

func serve(ctx context.Context) error {
	router, err := events.NewEventRouter(events.WithLogger(helpers.NewWatermill(log.Logger)))
	if err != nil {
		return err
	}
	defer func() { _ = router.Close() }()

	if viper.GetBool("log-events") {
		router.AddEventHandler("log-events", events.LogEvents)
	}
	if path := viper.GetString("event-log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrap(err, "could not open event log")
		}
		defer func() { _ = f.Close() }()
		eventLog := fixtures.NewEventLogSink(f)
		router.AddEventHandler("event-log", func(_ context.Context, e events.Event) error {
			return eventLog.PublishEvent(e)
		})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sessions, cleanup, err := buildSessions(reg, router.Sink())
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              viper.GetString("address"),
		Handler:           server.New(sessions, server.WithRegistry(reg)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	eg.Go(func() error {
		<-router.Running()
		log.Info().Str("address", srv.Addr).Msg("serving runs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
