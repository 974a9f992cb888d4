// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mayla-health/rppg-server/internal/config"
	"github.com/mayla-health/rppg-server/internal/rppg"
)

// newWSServer sobe o router completo em um listener real para que o
// upgrade de WebSocket funcione de ponta a ponta.
func newWSServer(t *testing.T, mutate func(cfg *config.ServerConfig)) (*Server, *httptest.Server) {
	t.Helper()
	srv := newTestServer(t, mutate)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

// dialStream abre o stream da sessão.
func dialStream(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame lê a próxima mensagem do stream como JSON dinâmico.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("frame is not JSON: %q", raw)
	}
	return frame
}

// sendJSON envia um payload no stream.
func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// expectClose lê até o close frame e confere o código.
func expectClose(t *testing.T, conn *websocket.Conn, wantCode int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want close error", err)
	}
	if ce.Code != wantCode {
		t.Fatalf("close code = %d, want %d", ce.Code, wantCode)
	}
}

func chunkPayload(seq int, frames ...string) map[string]any {
	items := make([]any, len(frames))
	for i, f := range frames {
		items[i] = f
	}
	return map[string]any{"type": "chunk", "chunk_seq": seq, "n": len(frames), "frames": items}
}

func TestStream_ChunkAckEndResult(t *testing.T) {
	srv, ts := newWSServer(t, nil)
	params := startSession(t, srv.Router())

	conn := dialStream(t, ts, params.SessionID)

	sendJSON(t, conn, chunkPayload(0, "AAAA", "AAAA"))
	ack := readFrame(t, conn)
	if ack["type"] != "ack" || ack["chunk_seq"] != float64(0) || ack["received"] != float64(2) {
		t.Fatalf("ack = %v", ack)
	}

	sendJSON(t, conn, map[string]any{"type": "end"})

	progress := readFrame(t, conn)
	if progress["type"] != "progress" {
		t.Fatalf("expected progress frame, got %v", progress)
	}

	result := readFrame(t, conn)
	if result["type"] != "result" {
		t.Fatalf("expected result frame, got %v", result)
	}
	bpm, ok := result["bpm"].(float64)
	if !ok || bpm < 68 || bpm > 85 {
		t.Fatalf("bpm = %v, want float in [68,85]", result["bpm"])
	}
	if result["frames_received"] != float64(2) {
		t.Fatalf("frames_received = %v, want 2", result["frames_received"])
	}

	expectClose(t, conn, websocket.CloseNormalClosure)

	if srv.Registry().Len() != 0 {
		t.Fatal("session must be removed after the stream result")
	}
}

func TestStream_UnknownSessionCloses4404(t *testing.T) {
	_, ts := newWSServer(t, nil)

	conn := dialStream(t, ts, "inexistente")
	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["message"] != rppg.ErrSessionNotFound.Error() {
		t.Fatalf("frame = %v", frame)
	}
	expectClose(t, conn, closeNotFound)
}

func TestStream_GuardrailCloses4400(t *testing.T) {
	srv, ts := newWSServer(t, nil)
	params := startSession(t, srv.Router())

	conn := dialStream(t, ts, params.SessionID)

	// 11 frames com max_chunk_size 10
	frames := make([]string, 11)
	for i := range frames {
		frames[i] = "AAAA"
	}
	sendJSON(t, conn, chunkPayload(0, frames...))

	frame := readFrame(t, conn)
	if frame["message"] != rppg.ErrChunkSizeExceeded.Error() {
		t.Fatalf("frame = %v", frame)
	}
	expectClose(t, conn, closeGuardrail)

	// A sessão continua viva para o TTL colher, não é encerrada aqui
	if srv.Registry().Len() != 1 {
		t.Fatalf("registry len = %d, want 1 (session left for TTL sweep)", srv.Registry().Len())
	}
}

func TestStream_FrameTooLargeCloses4400(t *testing.T) {
	srv, ts := newWSServer(t, func(cfg *config.ServerConfig) {
		cfg.Session.MaxFrameBytes = 10
	})
	params := startSession(t, srv.Router())

	conn := dialStream(t, ts, params.SessionID)

	big := base64.StdEncoding.EncodeToString(make([]byte, 16))
	sendJSON(t, conn, chunkPayload(0, big))

	frame := readFrame(t, conn)
	if frame["message"] != rppg.ErrFrameTooLarge.Error() {
		t.Fatalf("frame = %v", frame)
	}
	expectClose(t, conn, closeGuardrail)
}

func TestStream_ParseErrorsKeepStreamOpen(t *testing.T) {
	srv, ts := newWSServer(t, nil)
	params := startSession(t, srv.Router())

	conn := dialStream(t, ts, params.SessionID)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("isto não é json")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}
	if frame := readFrame(t, conn); frame["message"] != "invalid_json" {
		t.Fatalf("frame = %v", frame)
	}

	sendJSON(t, conn, map[string]any{"type": "chunk", "frames": []any{"AAAA"}})
	if frame := readFrame(t, conn); frame["message"] != "missing_chunk_seq" {
		t.Fatalf("frame = %v", frame)
	}

	sendJSON(t, conn, map[string]any{"type": "chunk", "chunk_seq": 0})
	if frame := readFrame(t, conn); frame["message"] != "missing_frames" {
		t.Fatalf("frame = %v", frame)
	}

	// O stream segue ACTIVE e aceita o próximo chunk válido
	sendJSON(t, conn, chunkPayload(1, "AAAA"))
	if frame := readFrame(t, conn); frame["type"] != "ack" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestStream_AutoFinalizeAfterCaptureWindow(t *testing.T) {
	srv, ts := newWSServer(t, func(cfg *config.ServerConfig) {
		cfg.Session.CaptureSeconds = 1
	})
	params := startSession(t, srv.Router())

	conn := dialStream(t, ts, params.SessionID)

	sendJSON(t, conn, chunkPayload(0, "AAAA"))
	if frame := readFrame(t, conn); frame["type"] != "ack" {
		t.Fatalf("frame = %v", frame)
	}

	time.Sleep(1100 * time.Millisecond)

	// O chunk após a janela ainda é aceito; a finalização vem em seguida
	sendJSON(t, conn, chunkPayload(1, "AAAA"))
	if frame := readFrame(t, conn); frame["type"] != "ack" {
		t.Fatalf("frame = %v", frame)
	}
	if frame := readFrame(t, conn); frame["type"] != "progress" {
		t.Fatalf("frame = %v", frame)
	}

	result := readFrame(t, conn)
	if result["type"] != "result" {
		t.Fatalf("frame = %v", result)
	}
	if d, _ := result["duration_s"].(float64); d < 1 {
		t.Fatalf("duration_s = %v, want >= 1 (stream elapsed)", result["duration_s"])
	}
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestStream_DisconnectReleasesSession(t *testing.T) {
	srv, ts := newWSServer(t, nil)
	params := startSession(t, srv.Router())

	conn := dialStream(t, ts, params.SessionID)
	sendJSON(t, conn, chunkPayload(0, "AAAA"))
	if frame := readFrame(t, conn); frame["type"] != "ack" {
		t.Fatalf("frame = %v", frame)
	}

	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
