// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/luxfi/vswitch/monitor"
)

func newMonitorCommand(app **App) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch vote progress and alert on delinquency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd.Context(), *app, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"expose prometheus metrics on this address (empty disables)")
	return cmd
}

func runMonitor(ctx context.Context, app *App, metricsAddr string) error {
	registry := prometheus.NewRegistry()
	metrics, err := monitor.NewMetrics(registry)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() { _ = srv.ListenAndServe() }()
		defer func() { _ = srv.Close() }()
	}

	fmt.Println("Monitoring vote progress; interrupt to stop.")
	m := monitor.New(app.Config, app.Alerter, metrics, app.Log)
	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
