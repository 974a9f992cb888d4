// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

// Package rppg implementa o ciclo de vida de sessões de medição rPPG:
// registro de sessões com TTL e admissão por IP, guardrails de ingestão,
// decodificação de frames e finalização com resultado único.
package rppg

import (
	"image"
	"time"

	"github.com/mayla-health/rppg-server/internal/config"
)

// Dimensões do frame decodificado mantido em memória. O downscale para
// 256x144 mantém o detector de face estável com custo de memória baixo.
const (
	frameWidth  = 256
	frameHeight = 144
)

// SessionState é o registro por sessão: parâmetros imutáveis, contadores,
// timing e o buffer de frames decodificados. Todo acesso é serializado
// pelo lock do Registry; SessionState não tem lock próprio.
type SessionState struct {
	ID string

	// Parâmetros copiados de config.SessionDefaults na criação.
	Params config.SessionDefaults

	CreatedAt time.Time
	ExpiresAt time.Time
	StartedAt time.Time // zero até o primeiro attach de stream
	Finished  bool      // transição terminal; nunca volta a false

	FramesReceived int
	BytesReceived  int64
	ChunksReceived int
	DecodeMSTotal  float64

	// Buffer ordenado de frames RGB decodificados (256x144).
	// Liberado em toda transição terminal.
	frames []*image.RGBA

	// bufferClosed bloqueia appends tardios do worker de decode depois
	// que o buffer foi liberado ou entregue ao finalizador.
	bufferClosed bool

	// decoder é o worker de decode JPEG da sessão (nil em mock mode ou
	// antes da primeira ingestão real).
	decoder *frameDecoder
}

// Started reporta se algum stream já fez attach na sessão.
func (s *SessionState) Started() bool { return !s.StartedAt.IsZero() }

// Expired reporta se a sessão passou do TTL.
func (s *SessionState) Expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// Elapsed retorna o tempo decorrido desde o attach (0 se nunca iniciou).
func (s *SessionState) Elapsed(now time.Time) time.Duration {
	if !s.Started() {
		return 0
	}
	d := now.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// maxBytes retorna o teto de bytes da sessão em bytes.
func (s *SessionState) maxBytes() int64 {
	return int64(s.Params.MaxBytesMB) * 1024 * 1024
}

// releaseBuffer solta o buffer de frames para o GC e bloqueia appends.
func (s *SessionState) releaseBuffer() {
	s.frames = nil
	s.bufferClosed = true
}

// FrameCount retorna o tamanho atual do buffer decodificado.
// Apenas para snapshots de observabilidade e testes.
func (s *SessionState) FrameCount() int { return len(s.frames) }

// Snapshot é uma visão imutável de uma sessão ativa para a API de
// observabilidade.
type Snapshot struct {
	ID             string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	StartedAt      time.Time
	FramesReceived int
	BytesReceived  int64
	ChunksReceived int
	BufferLen      int
	Finished       bool
}

func (s *SessionState) snapshot() Snapshot {
	return Snapshot{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		StartedAt:      s.StartedAt,
		FramesReceived: s.FramesReceived,
		BytesReceived:  s.BytesReceived,
		ChunksReceived: s.ChunksReceived,
		BufferLen:      len(s.frames),
		Finished:       s.Finished,
	}
}
