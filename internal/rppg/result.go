// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package rppg

import "math"

// Mensagens localizadas exibidas ao paciente no app de captura.
const (
	MsgMock              = "Medição simulada (mock_mode)."
	MsgInsufficient      = "Qualidade insuficiente para estimar BPM."
	MsgProcessingFailed  = "Falha no processamento rPPG."
	MsgFinalizeFailed    = "Falha ao processar a medição."
	MsgProcessingTimeout = "Processamento excedeu o tempo limite. Tente novamente."
)

// Result é o objeto terminal de uma sessão, enviado como última
// mensagem do stream (type:"result") e como corpo do endpoint de
// finalização REST.
type Result struct {
	Type           string    `json:"type"`
	BPM            *float64  `json:"bpm"`
	Confidence     float64   `json:"confidence"`
	Quality        string    `json:"quality"`
	Message        *string   `json:"message"`
	DurationS      float64   `json:"duration_s"`
	FramesReceived int       `json:"frames_received"`
	FaceDetectRate float64   `json:"face_detect_rate"`
	SNRDB          *float64  `json:"snr_db"`
	BPMSeries      []float64 `json:"bpm_series"`
}

// SetDuration sobrescreve duration_s (arredondado a 2 casas). O stream
// prefere a duração medida no próprio handler.
func (res *Result) SetDuration(seconds float64) {
	res.DurationS = round2(seconds)
}

// PoorResult constrói o resultado fallback de qualidade poor usado em
// timeout, exceção do processador e qualidade insuficiente.
func PoorResult(durationS float64, framesReceived int, message string) *Result {
	return &Result{
		Type:           "result",
		BPM:            nil,
		Confidence:     0,
		Quality:        "poor",
		Message:        strPtr(message),
		DurationS:      round2(durationS),
		FramesReceived: framesReceived,
		FaceDetectRate: 0,
		SNRDB:          nil,
		BPMSeries:      nil,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func floatPtr(v float64) *float64 { return &v }
