/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/numaproj/numaflow-projections/pkg/shared/logging"
	"github.com/numaproj/numaflow-projections/pkg/shared/util"
)

// DefaultMetricsPort is the port the metrics server listens on.
const DefaultMetricsPort = 2469

// EnvPPROF enables the pprof endpoints.
const EnvPPROF = "PROJECTION_PPROF"

// metricsServer runs an HTTP server to:
// 1. Expose metrics;
// 2. Serve endpoints to execute health checks
type metricsServer struct {
	port  int
	ready *atomic.Bool
	// Functions that readiness check executes
	healthCheckExecutors []func() error
}

type Option func(*metricsServer)

// WithPort sets the listening port, 0 picks a free one.
func WithPort(port int) Option {
	return func(m *metricsServer) {
		m.port = port
	}
}

// WithHealthCheckExecutor appends a health check executor
func WithHealthCheckExecutor(f func() error) Option {
	return func(m *metricsServer) {
		m.healthCheckExecutors = append(m.healthCheckExecutors, f)
	}
}

// NewMetricsServer returns a Prometheus metrics server instance.
func NewMetricsServer(opts ...Option) *metricsServer {
	m := &metricsServer{
		port:  DefaultMetricsPort,
		ready: atomic.NewBool(false),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// MarkReady makes /readyz run the health check executors instead of failing.
func (ms *metricsServer) MarkReady() {
	ms.ready.Store(true)
}

func (ms *metricsServer) handler(log *zap.SugaredLogger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ms.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		for _, ex := range ms.healthCheckExecutors {
			if err := ex(); err != nil {
				log.Warnw("Health check failed", zap.Error(err))
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if util.LookupEnvBoolOr(logging.EnvDebug, false) || util.LookupEnvBoolOr(EnvPPROF, false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		log.Info("Not enabling pprof debug endpoints")
	}
	return mux
}

// Start starts the HTTP service to expose metrics, it returns the bound address,
// a shutdown function and an error if any.
func (ms *metricsServer) Start(ctx context.Context) (string, func(ctx context.Context) error, error) {
	log := logging.FromContext(ctx)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", ms.port))
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen on port %d: %w", ms.port, err)
	}
	httpServer := &http.Server{
		Handler:           ms.handler(log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infow("Starting metrics HTTP server", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("Metrics server stopped unexpectedly", zap.Error(err))
		}
		log.Info("Metrics server shutdown")
	}()
	return ln.Addr().String(), httpServer.Shutdown, nil
}
