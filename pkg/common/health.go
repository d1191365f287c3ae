// Package common holds small process-level helpers shared by the binaries.
package common

import (
	"net/http"
	"sync/atomic"
	"time"
)

// HealthServer exposes liveness and readiness probes for the process.
type HealthServer struct {
	server *http.Server
	ready  *atomic.Bool
}

// NewHealthServer starts an HTTP server answering /v1/health and
// /v1/readiness. Readiness follows the ready flag so startup wiring can gate
// traffic until dependencies are connected.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		server: &http.Server{
			Addr:              ":8081",
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ready: ready,
	}

	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !hs.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The process keeps running; probes just stop answering.
			return
		}
	}()

	return hs
}

// Server returns the underlying HTTP server for shutdown.
func (hs *HealthServer) Server() *http.Server { return hs.server }
