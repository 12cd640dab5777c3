// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"kernsync.io/lockstat"
	"kernsync.io/types/logger"
)

// metricsHandler serves the lock statistics: /metrics through the
// Prometheus client, /debug/varz as expvar JSON, and /debug/lockstat as
// plain Prometheus text straight from lockstat.
func metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(lockstat.NewCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/varz", expvar.Handler())
	mux.HandleFunc("/debug/lockstat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		if err := lockstat.WritePrometheus(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}

func newMetricsServer(logf logger.Logf) *http.Server {
	return &http.Server{
		Handler:           metricsHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(logger.WithPrefix(logf, "metrics: ")),
	}
}

// serveMetrics starts serving metricsHandler on addr and returns a func
// that shuts the server down.
func serveMetrics(addr string, logf logger.Logf) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := newMetricsServer(logf)
	logf("serving metrics on http://%v/metrics", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logf("metrics server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
