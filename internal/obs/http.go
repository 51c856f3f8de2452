// Copyright 2025 James Ross
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/gorilla/mux"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthInfo is the JSON body /health reports: a process's identity,
// aggregate lifecycle state, and current resource snapshot.
type HealthInfo struct {
	Status        string    `json:"status"`
	State         string    `json:"state"`
	WorkerID      string    `json:"worker_id"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Resources     Resources `json:"resources"`
	Timestamp     time.Time `json:"timestamp"`
}

// StartHTTPServer exposes /metrics, /health and /readyz on a process's
// metrics port. readiness is a callback that should return nil when the
// process is ready to accept work. healthInfo, if non-nil, supplies the
// full worker health snapshot for /health; processes with no per-worker
// state to report (the control plane) pass nil and get a minimal
// {status:"ok"} body instead.
func StartHTTPServer(cfg *config.Config, readiness func(context.Context) error, healthInfo func(context.Context) HealthInfo) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		var info HealthInfo
		if healthInfo != nil {
			info = healthInfo(req.Context())
		} else {
			info = HealthInfo{Status: "ok", Timestamp: time.Now().UTC()}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(info)
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if readiness == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		if err := readiness(req.Context()); err != nil {
			http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: r}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
