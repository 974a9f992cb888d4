// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package rppg

import (
	"encoding/base64"
	"time"
)

// IngestBase64 ingere um chunk de frames base64-JPEG na sessão.
//
// Entradas que não são string ou que falham no decode base64 são
// descartadas em silêncio: não contam frames nem bytes. O guardrail é
// avaliado sobre o que sobreviveu ao base64; em mock mode a ingestão
// para aí. Em modo real os JPEGs vão para a fila do worker de decode
// da sessão (send bloqueante = back-pressure), que decodifica,
// reamostra para 256x144 e anexa ao buffer fora do caminho de I/O.
//
// Retorna (n, totalBytes) onde n é a contagem afirmada contra o
// guardrail, não a que sobreviveu ao decode JPEG.
func (r *Registry) IngestBase64(id string, frames []any) (int, int64, error) {
	t0 := time.Now()

	// Decode base64 fora do lock: só depende da entrada.
	jpegs := make([][]byte, 0, len(frames))
	sizes := make([]int64, 0, len(frames))
	var totalBytes int64
	for _, f := range frames {
		str, ok := f.(string)
		if !ok {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			continue
		}
		jpegs = append(jpegs, b)
		sizes = append(sizes, int64(len(b)))
		totalBytes += int64(len(b))
	}
	n := len(jpegs)

	r.mu.Lock()
	r.sweepLocked(time.Now())
	s := r.sessions[id]
	if s == nil {
		r.mu.Unlock()
		return 0, 0, ErrSessionNotFound
	}

	if err := checkGuardrails(s, n, totalBytes, sizes); err != nil {
		r.mu.Unlock()
		if r.events != nil {
			r.events.PushEvent("warn", "guardrail", id, err.Error())
		}
		return 0, 0, err
	}
	r.commitChunkLocked(s, n, totalBytes)
	s.DecodeMSTotal += float64(time.Since(t0).Microseconds()) / 1000.0

	if s.Params.MockMode {
		// Mock mode não decodifica nem armazena frames.
		r.mu.Unlock()
		return n, totalBytes, nil
	}

	d := s.decoder
	if d == nil {
		d = newFrameDecoder(r, id, s.Params.MaxChunkSize)
		s.decoder = d
		go d.run()
	}
	r.mu.Unlock()

	// Fila limitada (cap = max_chunk_size frames): se o decode atrasar,
	// o send bloqueia e o stream deixa de ackar até drenar.
	for _, b := range jpegs {
		d.enqueue(b)
	}
	return n, totalBytes, nil
}
