// Copyright 2025 James Ross
package worker

import (
	"net/http"

	"github.com/flyingrobots/taskctl/internal/obs"
)

// StartHTTP exposes /metrics, /health and /readyz on the worker's
// configured metrics port, wired to the store-reachability readiness
// probe this worker runs against.
func (w *Worker) StartHTTP() *http.Server {
	return obs.StartHTTPServer(w.cfg, readinessProbe(w.cfg, w.store), w.healthInfo)
}
