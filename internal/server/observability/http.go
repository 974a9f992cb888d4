// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mayla-health/rppg-server/internal/rppg"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// Register monta as rotas da API de observabilidade em /api/v1,
// guardadas pela ACL.
func Register(router *mux.Router, registry *rppg.Registry, events *EventRing, acl *ACL) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(mux.MiddlewareFunc(acl.Middleware))

	api.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/metrics", makeMetricsHandler(registry)).Methods(http.MethodGet)
	api.HandleFunc("/sessions", makeSessionsHandler(registry)).Methods(http.MethodGet)
	api.HandleFunc("/events", makeEventsHandler(events)).Methods(http.MethodGet)
}

// handleHealth retorna status do processo, uptime e versão.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(startTime).String(),
		Version: Version,
		Go:      runtime.Version(),
	})
}

func makeMetricsHandler(registry *rppg.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := MetricsResponse{
			ActiveSessions:  registry.Len(),
			SessionsCreated: registry.SessionsCreated.Load(),
			SessionsSwept:   registry.SessionsSwept.Load(),
			FramesIngested:  registry.FramesIngested.Load(),
			BytesIngested:   registry.BytesIngested.Load(),
			ChunksIngested:  registry.ChunksIngested.Load(),
			ResultsGood:     registry.ResultsGood.Load(),
			ResultsMedium:   registry.ResultsMedium.Load(),
			ResultsPoor:     registry.ResultsPoor.Load(),
		}

		// Métricas de processo são best-effort: indisponíveis em alguns
		// sistemas, e o endpoint continua útil sem elas.
		if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				resp.ProcessRSSBytes = mem.RSS
			}
			if cpu, err := proc.CPUPercent(); err == nil {
				resp.ProcessCPUPercent = cpu
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

func makeSessionsHandler(registry *rppg.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := registry.ActiveSnapshots()
		sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.Before(snaps[j].CreatedAt) })

		out := make([]SessionSummary, 0, len(snaps))
		for _, s := range snaps {
			sum := SessionSummary{
				SessionID:      truncateID(s.ID),
				CreatedAt:      s.CreatedAt.Format(time.RFC3339),
				ExpiresAt:      s.ExpiresAt.Format(time.RFC3339),
				FramesReceived: s.FramesReceived,
				BytesReceived:  s.BytesReceived,
				ChunksReceived: s.ChunksReceived,
				BufferLen:      s.BufferLen,
				Status:         "waiting",
			}
			if !s.StartedAt.IsZero() {
				sum.StartedAt = s.StartedAt.Format(time.RFC3339)
				sum.Status = "capturing"
			}
			if s.Finished {
				sum.Status = "finishing"
			}
			out = append(out, sum)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func makeEventsHandler(events *EventRing) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if q := r.URL.Query().Get("limit"); q != "" {
			if v, err := strconv.Atoi(q); err == nil {
				limit = v
			}
		}
		writeJSON(w, http.StatusOK, events.Recent(limit))
	}
}

// truncateID expõe só o prefixo do session_id: o ID completo dá acesso
// ao stream da sessão.
func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "…"
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
