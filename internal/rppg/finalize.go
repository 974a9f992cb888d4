// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package rppg

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/mayla-health/rppg-server/internal/config"
)

// FinalizeSession executa a transição terminal da sessão e produz o
// resultado. O check-and-set de Finished sob o lock do registry garante
// no máximo um resultado por sessão mesmo quando múltiplos gatilhos
// (end do client, tempo decorrido, falha) disputam a finalização.
//
// O caller controla o orçamento de tempo via ctx (10s no protocolo);
// no estouro o resultado é o fallback poor com a mensagem de timeout.
// O buffer de frames é liberado em qualquer caminho de saída.
func (r *Registry) FinalizeSession(ctx context.Context, id string) (*Result, error) {
	r.mu.Lock()
	r.sweepLocked(time.Now())
	s := r.sessions[id]
	if s == nil {
		r.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.Finished {
		r.mu.Unlock()
		return nil, ErrSessionAlreadyFinished
	}
	s.Finished = true

	duration := s.Elapsed(time.Now()).Seconds()
	params := s.Params
	framesReceived := s.FramesReceived
	chunksReceived := s.ChunksReceived
	bytesReceived := s.BytesReceived
	decoder := s.decoder
	s.decoder = nil
	r.mu.Unlock()

	var res *Result
	var processingMS float64
	if params.MockMode {
		res = mockResult(id, params, framesReceived, duration)
	} else {
		res, processingMS = r.finalizeReal(ctx, s, id, params, framesReceived, duration, decoder)
	}

	r.mu.Lock()
	decodeMS := s.DecodeMSTotal
	s.releaseBuffer()
	r.mu.Unlock()

	switch res.Quality {
	case "good":
		r.ResultsGood.Add(1)
	case "medium":
		r.ResultsMedium.Add(1)
	default:
		r.ResultsPoor.Add(1)
	}
	if r.events != nil {
		r.events.PushEvent("info", "session_finalized", id, "quality "+res.Quality)
	}

	// Linha consolidada de métricas por sessão (medição de custo/gargalo).
	r.logger.Info("session metrics",
		"session_id", id,
		"frames_received", framesReceived,
		"chunks_received", chunksReceived,
		"bytes_received", bytesReceived,
		"elapsed_total_ms", int64(duration*1000),
		"quality", res.Quality,
		"decode_ms_total", decodeMS,
		"processing_ms", processingMS,
		"mock_mode", params.MockMode,
	)
	return res, nil
}

// finalizeReal drena o worker de decode e invoca o processador externo.
// Qualquer falha vira o fallback poor; nada propaga para o stream.
func (r *Registry) finalizeReal(ctx context.Context, s *SessionState, id string, params config.SessionDefaults, framesReceived int, duration float64, decoder *frameDecoder) (*Result, float64) {
	if decoder != nil {
		decoder.stopCtx(ctx)
	}

	r.mu.Lock()
	frames := s.frames
	s.frames = nil
	s.bufferClosed = true
	r.mu.Unlock()

	if r.processor == nil {
		return PoorResult(duration, framesReceived, MsgProcessingFailed), 0
	}
	if len(frames) == 0 {
		return PoorResult(duration, framesReceived, MsgInsufficient), 0
	}

	opts := ProcessOptions{
		FPS:                float64(params.TargetFPS),
		WinSize:            5,
		Stride:             1,
		ROIRefreshInterval: params.ROIRefreshInterval,
	}

	type procOut struct {
		est *Estimate
		err error
	}
	ch := make(chan procOut, 1)
	t0 := time.Now()
	go func(frames []*image.RGBA) {
		est, err := r.processor.Process(ctx, frames, opts)
		ch <- procOut{est: est, err: err}
	}(frames)

	select {
	case out := <-ch:
		processingMS := float64(time.Since(t0).Microseconds()) / 1000.0
		if out.err != nil || out.est == nil {
			r.logger.Error("rppg processing failed", "session_id", id, "error", out.err)
			return PoorResult(duration, framesReceived, MsgProcessingFailed), processingMS
		}
		return shapeEstimate(out.est, duration, framesReceived), processingMS
	case <-ctx.Done():
		r.logger.Warn("rppg processing timed out", "session_id", id)
		return PoorResult(duration, framesReceived, MsgProcessingTimeout), float64(time.Since(t0).Microseconds()) / 1000.0
	}
}

// shapeEstimate converte a saída do processador no schema de resultado
// do protocolo.
func shapeEstimate(est *Estimate, duration float64, framesReceived int) *Result {
	quality := est.Quality
	if quality == "" {
		quality = "poor"
	}

	msg := est.Message
	if msg == "" && quality == "poor" {
		msg = MsgInsufficient
	}

	var snrDB *float64
	switch {
	case est.SNRDB != nil:
		snrDB = est.SNRDB
	case est.SNRScore != nil && *est.SNRScore > 0:
		// Mapeamento snr_score → dB usado pelo adapter (-5..15 dB).
		snrDB = floatPtr(*est.SNRScore*20 - 5)
	}

	return &Result{
		Type:           "result",
		BPM:            est.BPM,
		Confidence:     est.Confidence,
		Quality:        quality,
		Message:        strPtr(msg),
		DurationS:      round2(duration),
		FramesReceived: framesReceived,
		FaceDetectRate: est.FaceDetectRate,
		SNRDB:          snrDB,
		BPMSeries:      est.BPMSeries,
	}
}

// mockResult produz o resultado sintético determinístico do mock mode.
// Estável para o mesmo session_id e contadores idênticos.
func mockResult(id string, params config.SessionDefaults, framesReceived int, duration float64) *Result {
	seed := mockSeed(id)
	bpm := float64(68 + seed%18) // 68..85

	minFrames := int(float64(params.CaptureSeconds) * float64(params.TargetFPS) * 0.6)
	if minFrames < 10 {
		minFrames = 10
	}
	confidence := 0.35
	if framesReceived >= minFrames {
		confidence = 0.6
	}
	quality := "medium"
	snrDB := 6.0
	if confidence >= 0.6 {
		quality = "good"
		snrDB = 12.0
	}

	return &Result{
		Type:           "result",
		BPM:            floatPtr(bpm),
		Confidence:     confidence,
		Quality:        quality,
		Message:        strPtr(MsgMock),
		DurationS:      round2(duration),
		FramesReceived: framesReceived,
		FaceDetectRate: 1.0,
		SNRDB:          floatPtr(snrDB),
		BPMSeries:      nil,
	}
}

// mockSeed deriva um seed estável em [0,10000) do session_id,
// equivalente a (uuid como inteiro de 128 bits) mod 10000.
func mockSeed(id string) int {
	v := 0
	if u, err := uuid.Parse(id); err == nil {
		for _, b := range u[:] {
			v = (v*256 + int(b)) % 10000
		}
		return v
	}
	for _, b := range []byte(id) {
		v = (v*256 + int(b)) % 10000
	}
	return v
}
