// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"math"

	"github.com/mayla-health/rppg-server/internal/rppg"
)

// StartRequest é o corpo de POST /sessions/start.
// O consentimento LGPD precisa ser explícito.
type StartRequest struct {
	Consent bool `json:"consent"`
}

// SessionParams é a resposta de POST /sessions/start: o contrato de
// captura acordado entre backend e client.
type SessionParams struct {
	SessionID          string  `json:"session_id"`
	CaptureSeconds     int     `json:"capture_seconds"`
	TargetFPS          int     `json:"target_fps"`
	Resolution         string  `json:"resolution"`
	JPEGQuality        float64 `json:"jpeg_quality"`
	ROIRefreshInterval int     `json:"roi_refresh_interval"`
	TTLSec             int     `json:"ttl_sec"`
	MaxFrames          int     `json:"max_frames"`
	MaxBytesMB         int     `json:"max_bytes_mb"`
	MaxChunkSize       int     `json:"max_chunk_size"`
	MockMode           bool    `json:"mock_mode"`
}

func sessionParamsFrom(s *rppg.SessionState) SessionParams {
	p := s.Params
	return SessionParams{
		SessionID:          s.ID,
		CaptureSeconds:     p.CaptureSeconds,
		TargetFPS:          p.TargetFPS,
		Resolution:         p.Resolution,
		JPEGQuality:        p.JPEGQuality,
		ROIRefreshInterval: p.ROIRefreshInterval,
		TTLSec:             p.TTLSec,
		MaxFrames:          p.MaxFrames,
		MaxBytesMB:         p.MaxBytesMB,
		MaxChunkSize:       p.MaxChunkSize,
		MockMode:           p.MockMode,
	}
}

// ChunkAck confirma um chunk aceito. Mesma estrutura no stream e no REST.
type ChunkAck struct {
	Type     string `json:"type"`
	ChunkSeq int64  `json:"chunk_seq"`
	Received int64  `json:"received"`
}

// EndRequest é o corpo de POST /sessions/end.
type EndRequest struct {
	SessionID string `json:"session_id"`
}

// OKResponse é a resposta idempotente {ok:true}.
type OKResponse struct {
	OK bool `json:"ok"`
}

// errorFrame é o frame de erro do stream: {type:"error", message:<kind>}.
type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// progressFrame é a notificação opcional enviada antes da finalização.
type progressFrame struct {
	Type  string `json:"type"`
	Stage string `json:"stage"`
}

// errorBody é o corpo de erro HTTP: {"detail": ...}, compatível com o
// contrato consumido pelo app.
type errorBody struct {
	Detail any `json:"detail"`
}

// intField extrai um inteiro de um valor JSON dinâmico. Números com
// parte fracionária não contam como inteiros.
func intField(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}
