// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package rppg

import "errors"

// Erros de protocolo e guardrail. O texto de cada erro é contrato de API:
// viaja verbatim no campo "message" dos frames de erro e no "detail" HTTP.
var (
	ErrConsentRequired        = errors.New("consent_required")
	ErrRateLimited            = errors.New("rate_limited")
	ErrSessionNotFound        = errors.New("session_not_found_or_expired")
	ErrSessionAlreadyFinished = errors.New("session_already_finished")
	ErrChunkSizeExceeded      = errors.New("chunk_size_exceeded")
	ErrFrameTooLarge          = errors.New("frame_too_large")
	ErrMaxFramesExceeded      = errors.New("max_frames_exceeded")
	ErrMaxBytesExceeded       = errors.New("max_bytes_exceeded")
	ErrRegistryClosed         = errors.New("registry_closed")
)

// IsGuardrail reporta se err é uma violação de guardrail que deve encerrar
// o stream com close code 4400.
func IsGuardrail(err error) bool {
	switch {
	case errors.Is(err, ErrSessionAlreadyFinished),
		errors.Is(err, ErrChunkSizeExceeded),
		errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, ErrMaxFramesExceeded),
		errors.Is(err, ErrMaxBytesExceeded):
		return true
	}
	return false
}
