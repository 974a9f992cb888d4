// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/mayla-health/rppg-server/internal/mayla"
	"github.com/mayla-health/rppg-server/internal/rppg"
)

// maxRequestBody limita o corpo aceito nos endpoints JSON. Um chunk REST
// cheio (10 frames de ~300KB em base64) fica folgado abaixo disso.
const maxRequestBody = 8 << 20 // 8MB

// handleStart cria uma sessão: POST /sessions/start {consent:true}.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if !req.Consent {
		writeDetail(w, http.StatusBadRequest, rppg.ErrConsentRequired.Error())
		return
	}

	sess, err := s.registry.Create(clientIP(r))
	if err != nil {
		if errors.Is(err, rppg.ErrRateLimited) {
			writeDetail(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sessionParamsFrom(sess))
}

// handleChunk ingere um chunk fora do stream: POST /sessions/{id}/chunk.
// Mesmo contrato de ack do stream.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]

	var payload map[string]any
	if err := decodeJSON(r, &payload); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid_json")
		return
	}

	chunkSeq, ok := intField(payload["chunk_seq"])
	if !ok {
		writeDetail(w, http.StatusBadRequest, "missing_chunk_seq")
		return
	}
	frames, ok := payload["frames"].([]any)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "missing_frames")
		return
	}

	n, _, err := s.registry.IngestBase64(id, frames)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	received := int64(n)
	if declared, ok := intField(payload["n"]); ok {
		received = declared
	}
	writeJSON(w, http.StatusOK, ChunkAck{Type: "ack", ChunkSeq: chunkSeq, Received: received})
}

// handleFinalize finaliza a sessão via REST: POST /sessions/{id}/end.
// Mesmo shape de resultado do stream; a sessão é sempre removida.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]

	ctx, cancel := finalizeContext()
	defer cancel()

	res, err := s.registry.FinalizeSession(ctx, id)
	s.registry.End(id)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleEnd encerra (idempotente) uma sessão: POST /sessions/end.
func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req EndRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid_json")
		return
	}
	s.registry.End(req.SessionID)
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleHealth responde o health check público.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// handleMaylaLogin encaminha o login de paciente para o upstream.
func (s *Server) handleMaylaLogin(w http.ResponseWriter, r *http.Request) {
	body, ok := rawJSONBody(w, r)
	if !ok {
		return
	}

	resp, err := s.mayla.PatientLogin(r.Context(), body)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, resp)
}

// handleMaylaVitalSigns encaminha sinais vitais para o upstream,
// exigindo o bearer token do paciente.
func (s *Server) handleMaylaVitalSigns(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "missing_bearer_token")
		return
	}

	body, ok := rawJSONBody(w, r)
	if !ok {
		return
	}

	resp, err := s.mayla.PostVitalSigns(r.Context(), body, token)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, resp)
}

// bearerToken extrai o token do header Authorization.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(auth[len("bearer "):])
	if token == "" {
		return "", false
	}
	return token, true
}

// clientIP resolve o IP do cliente a partir do RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	return dec.Decode(v)
}

// rawJSONBody lê o corpo como JSON opaco para forwarding. Responde 400
// e retorna false quando o corpo não é JSON válido.
func rawJSONBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil || !json.Valid(body) {
		writeDetail(w, http.StatusBadRequest, "invalid_json")
		return nil, false
	}
	return body, true
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	var ue *mayla.UpstreamError
	if errors.As(err, &ue) {
		writeJSON(w, http.StatusBadGateway, errorBody{Detail: map[string]any{
			"upstream": "mayla",
			"status":   ue.Status,
			"body":     ue.Body,
		}})
		return
	}
	writeJSON(w, http.StatusBadGateway, errorBody{Detail: "upstream_error"})
}

func writeDetail(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, errorBody{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(body)
}
