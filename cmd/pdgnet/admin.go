package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ezavada/pdg-node/pkg/peers"
)

// adminRouter serves health, peer records and metrics. Closed peer records
// can be forgotten early with DELETE.
func adminRouter(metricsPath string, ps *peers.Store, g prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/peers", func(w http.ResponseWriter, _ *http.Request) {
		recs := ps.List()
		if recs == nil {
			recs = []peers.Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(recs)
	})
	r.Get("/peers/{id}", func(w http.ResponseWriter, req *http.Request) {
		rec, ok := ps.Get(chi.URLParam(req, "id"))
		if !ok {
			http.Error(w, "unknown peer", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)
	})
	r.Delete("/peers/{id}", func(w http.ResponseWriter, req *http.Request) {
		if !ps.Delete(chi.URLParam(req, "id")) {
			http.Error(w, "unknown peer", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle(metricsPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return r
}
