// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mayla-health/rppg-server/internal/rppg"
)

// finalizeTimeout é o orçamento duro da finalização. No estouro o
// stream ainda envia um resultado poor antes de fechar.
const finalizeTimeout = 10 * time.Second

// Close codes de aplicação do protocolo de stream:
// 1000 normal, 1011 erro de server, 4400 guardrail, 4404 sessão desconhecida.
const (
	closeNormal    = websocket.CloseNormalClosure
	closeServerErr = websocket.CloseInternalServerErr
	closeGuardrail = 4400
	closeNotFound  = 4404
)

// wsWriteTimeout limita cada write no stream.
const wsWriteTimeout = 10 * time.Second

// finalizeContext deriva o contexto limitado da finalização. Não deriva
// do contexto do request: este morre junto com a conexão.
func finalizeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), finalizeTimeout)
}

// handleStream é o handler do stream bidirecional de uma sessão:
// GET /ws/sessions/{session_id} com upgrade para WebSocket.
//
// Máquina de estados por stream: ATTACHING (lookup da sessão) → ACTIVE
// (loop chunk/ack) → FINALIZING (end explícito ou capture_seconds
// decorridos) → END. Erros de parse mantêm o stream ACTIVE; violação de
// guardrail fecha com 4400; desconexão libera a sessão sem resultado.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// O upgrader já respondeu o handshake com erro.
		s.logger.Warn("ws upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("session_id", sessionID, "remote", conn.RemoteAddr().String())

	sess := s.registry.Get(sessionID)
	if sess == nil {
		logger.Warn("ws attach to unknown or expired session")
		writeFrame(conn, errorFrame{Type: "error", Message: rppg.ErrSessionNotFound.Error()})
		closeWith(conn, closeNotFound)
		return
	}

	s.registry.TouchStarted(sessionID)
	startedAt := time.Now()
	captureWindow := time.Duration(sess.Params.CaptureSeconds) * time.Second
	logger.Info("ws session started",
		"capture_seconds", sess.Params.CaptureSeconds,
		"max_chunk_size", sess.Params.MaxChunkSize,
	)

	// Back-pressure por stream: token bucket de chunks/s com burst de um
	// chunk cheio. Chunks acima da taxa esperam, não erram.
	var limiter *rate.Limiter
	if s.cfg.Ingest.ChunksPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.Ingest.ChunksPerSec), sess.Params.MaxChunkSize)
	}

	defer func() {
		// Pânico no handler nunca derruba o processo: o stream fecha
		// com server_error e a sessão é liberada.
		if rec := recover(); rec != nil {
			logger.Error("ws handler panic", "panic", rec)
			writeFrame(conn, errorFrame{Type: "error", Message: "server_error"})
			closeWith(conn, closeServerErr)
			s.registry.End(sessionID)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Desconexão: libera a sessão; nenhum resultado é enviado.
			logger.Info("ws disconnect", "error", err)
			s.registry.End(sessionID)
			return
		}

		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			logger.Debug("ws invalid json")
			if writeFrame(conn, errorFrame{Type: "error", Message: "invalid_json"}) != nil {
				s.registry.End(sessionID)
				return
			}
			continue
		}

		if t, _ := payload["type"].(string); t == "end" {
			s.finalizeStream(conn, logger, sessionID, startedAt, "client_end")
			return
		}

		chunkSeq, ok := intField(payload["chunk_seq"])
		if !ok {
			if writeFrame(conn, errorFrame{Type: "error", Message: "missing_chunk_seq"}) != nil {
				s.registry.End(sessionID)
				return
			}
			continue
		}

		frames, ok := payload["frames"].([]any)
		if !ok {
			if writeFrame(conn, errorFrame{Type: "error", Message: "missing_frames"}) != nil {
				s.registry.End(sessionID)
				return
			}
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(r.Context()); err != nil {
				s.registry.End(sessionID)
				return
			}
		}

		nIngested, totalBytes, err := s.registry.IngestBase64(sessionID, frames)
		if err != nil {
			// Guardrail (ou sessão sumida sob o stream): fatal para o
			// stream, não para o processo.
			logger.Warn("ws guardrail triggered", "chunk_seq", chunkSeq, "error", err)
			writeFrame(conn, errorFrame{Type: "error", Message: err.Error()})
			if rppg.IsGuardrail(err) {
				closeWith(conn, closeGuardrail)
			} else {
				closeWith(conn, closeNotFound)
			}
			return
		}

		received := int64(nIngested)
		if declared, ok := intField(payload["n"]); ok {
			received = declared
		}
		if writeFrame(conn, ChunkAck{Type: "ack", ChunkSeq: chunkSeq, Received: received}) != nil {
			s.registry.End(sessionID)
			return
		}
		logger.Debug("ws chunk",
			"chunk_seq", chunkSeq,
			"n_ingested", nIngested,
			"bytes", totalBytes,
		)

		// Finalização automática por tempo, avaliada a cada mensagem.
		if time.Since(startedAt) >= captureWindow {
			s.finalizeStream(conn, logger, sessionID, startedAt, "elapsed")
			return
		}
	}
}

// finalizeStream executa o passo FINALIZING: progress opcional,
// finalização com orçamento limitado, resultado SEMPRE enviado como
// última mensagem, close 1000 e remoção da sessão.
func (s *Server) finalizeStream(conn *websocket.Conn, logger *slog.Logger, sessionID string, startedAt time.Time, reason string) {
	elapsed := time.Since(startedAt).Seconds()
	logger.Info("ws finalizing", "reason", reason)

	writeFrame(conn, progressFrame{Type: "progress", Stage: "processing"})

	ctx, cancel := finalizeContext()
	defer cancel()

	res, err := s.registry.FinalizeSession(ctx, sessionID)
	if err != nil {
		logger.Error("ws finalize error", "error", err)
		framesReceived := 0
		if sess := s.registry.Get(sessionID); sess != nil {
			framesReceived = sess.FramesReceived
		}
		res = rppg.PoorResult(elapsed, framesReceived, rppg.MsgFinalizeFailed)
	}

	// O server prefere a duração medida no próprio stream.
	res.SetDuration(elapsed)

	if err := writeFrame(conn, res); err != nil {
		logger.Warn("ws result write failed", "error", err)
	}
	closeWith(conn, closeNormal)
	s.registry.End(sessionID)
}

// writeFrame serializa v e envia como frame de texto.
func writeFrame(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// closeWith envia o close frame com o código de aplicação.
func closeWith(conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, msg)
}
