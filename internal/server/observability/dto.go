// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package observability

// HealthResponse é retornado por GET /api/v1/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
	Go      string `json:"go"`
}

// MetricsResponse é retornado por GET /api/v1/metrics.
type MetricsResponse struct {
	ActiveSessions  int   `json:"active_sessions"`
	SessionsCreated int64 `json:"sessions_created"`
	SessionsSwept   int64 `json:"sessions_swept"`
	FramesIngested  int64 `json:"frames_ingested"`
	BytesIngested   int64 `json:"bytes_ingested"`
	ChunksIngested  int64 `json:"chunks_ingested"`
	ResultsGood     int64 `json:"results_good"`
	ResultsMedium   int64 `json:"results_medium"`
	ResultsPoor     int64 `json:"results_poor"`

	// Recursos do processo (gopsutil); omitidos quando indisponíveis.
	ProcessRSSBytes   uint64  `json:"process_rss_bytes,omitempty"`
	ProcessCPUPercent float64 `json:"process_cpu_percent,omitempty"`
}

// SessionSummary é usado na lista de GET /api/v1/sessions.
// O session_id é truncado: o ID completo é credencial de acesso ao stream.
type SessionSummary struct {
	SessionID      string `json:"session_id"`
	CreatedAt      string `json:"created_at"`
	ExpiresAt      string `json:"expires_at"`
	StartedAt      string `json:"started_at,omitempty"`
	FramesReceived int    `json:"frames_received"`
	BytesReceived  int64  `json:"bytes_received"`
	ChunksReceived int    `json:"chunks_received"`
	BufferLen      int    `json:"buffer_len"`
	Status         string `json:"status"` // waiting | capturing | finishing
}

// EventEntry representa um evento do ciclo de vida no ring buffer.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // session_created | stream_attached | guardrail | session_finalized | session_swept | rate_limited
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}
