// Copyright 2025 James Ross
package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flyingrobots/taskctl/internal/config"
	"github.com/gorilla/mux"
)

// Server exposes Commands over HTTP, in the teacher's gorilla/mux
// style (internal/obs.StartHTTPServer), on its own listener separate
// from a worker's metrics/health port so an operator can run it
// standalone alongside the autoscaler loop.
type Server struct {
	cmds *Commands
	http *http.Server
}

func NewServer(cfg *config.Config, cmds *Commands) *Server {
	r := mux.NewRouter()
	s := &Server{cmds: cmds}

	r.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	r.HandleFunc("/classes/{class}/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/classes/{class}/scale", s.handleScale).Methods(http.MethodPost)
	r.HandleFunc("/classes/{class}/drain", s.handleDrain).Methods(http.MethodPost)
	r.HandleFunc("/classes/{class}/dead-letter", s.handlePeekDeadLetter).Methods(http.MethodGet)
	r.HandleFunc("/classes/{class}/dead-letter/reprocess", s.handleReprocess).Methods(http.MethodPost)
	r.HandleFunc("/classes/{class}/dead-letter", s.handlePurgeDeadLetter).Methods(http.MethodDelete)
	r.HandleFunc("/purge-all", s.handlePurgeAll).Methods(http.MethodPost)
	r.HandleFunc("/classes/{class}/bench", s.handleBench).Methods(http.MethodPost)

	s.http = &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort+1), Handler: r}
	return s
}

func (s *Server) Start() { go func() { _ = s.http.ListenAndServe() }() }

func (s *Server) Close() error { return s.http.Close() }

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt64(r, "limit", 0)
	workers, err := s.cmds.ListWorkers(r.Context(), limit)
	writeJSON(w, workers, err)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	stats, err := s.cmds.Stats(r.Context(), class)
	writeJSON(w, stats, err)
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	var body struct {
		Target int `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err := s.cmds.Scale(r.Context(), class, body.Target)
	writeJSON(w, map[string]string{"status": "ok"}, err)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	err := s.cmds.Drain(r.Context(), class)
	writeJSON(w, map[string]string{"status": "ok"}, err)
}

func (s *Server) handlePeekDeadLetter(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	limit := queryInt64(r, "limit", 50)
	entries, err := s.cmds.PeekDeadLetter(r.Context(), class, limit)
	writeJSON(w, entries, err)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	limit := queryInt64(r, "limit", 50)
	resetRetry := r.URL.Query().Get("reset_retry") != "false"
	n, err := s.cmds.ReprocessDeadLetter(r.Context(), class, limit, resetRetry)
	writeJSON(w, map[string]int{"reprocessed": n}, err)
}

func (s *Server) handlePurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	err := s.cmds.PurgeDeadLetter(r.Context(), class)
	writeJSON(w, map[string]string{"status": "ok"}, err)
}

func (s *Server) handlePurgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.cmds.PurgeAll(r.Context())
	writeJSON(w, map[string]int{"streams_purged": n}, err)
}

func (s *Server) handleBench(w http.ResponseWriter, r *http.Request) {
	class := mux.Vars(r)["class"]
	count := int(queryInt64(r, "count", 100))
	payloadSize := int(queryInt64(r, "payload_size", 64))
	timeoutSec := queryInt64(r, "timeout_seconds", 30)
	res, err := s.cmds.Bench(r.Context(), class, count, payloadSize, time.Duration(timeoutSec)*time.Second)
	writeJSON(w, res, err)
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
