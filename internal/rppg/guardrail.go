// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package rppg

// checkGuardrails valida um chunk contra o estado da sessão, na ordem
// prescrita pelo protocolo: estado terminal → shape do chunk → tamanho
// por frame → tetos da sessão. Retorna o primeiro erro encontrado.
// Função pura: não muta contadores.
func checkGuardrails(s *SessionState, nFrames int, totalBytes int64, frameSizes []int64) error {
	if s.Finished {
		return ErrSessionAlreadyFinished
	}
	if nFrames <= 0 || nFrames > s.Params.MaxChunkSize {
		return ErrChunkSizeExceeded
	}
	for _, sz := range frameSizes {
		if sz > s.Params.MaxFrameBytes {
			return ErrFrameTooLarge
		}
	}
	if s.FramesReceived+nFrames > s.Params.MaxFrames {
		return ErrMaxFramesExceeded
	}
	if s.BytesReceived+totalBytes > s.maxBytes() {
		return ErrMaxBytesExceeded
	}
	return nil
}

// commitChunkLocked registra um chunk aceito. Único ponto do código que
// escreve os contadores de ingestão. Exige r.mu.
func (r *Registry) commitChunkLocked(s *SessionState, nFrames int, totalBytes int64) {
	s.FramesReceived += nFrames
	s.BytesReceived += totalBytes
	s.ChunksReceived++

	r.FramesIngested.Add(int64(nFrames))
	r.BytesIngested.Add(totalBytes)
	r.ChunksIngested.Add(1)
}
