// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package rppg

import (
	"context"
	"image"
)

// ProcessOptions parametriza uma invocação do processador de sinal.
type ProcessOptions struct {
	FPS                float64
	WinSize            int
	Stride             int
	ROIRefreshInterval int
}

// Estimate é a saída bruta do processador de sinal rPPG.
// SNRDB pode vir ausente; nesse caso a finalização deriva de SNRScore.
type Estimate struct {
	BPM            *float64
	Confidence     float64
	Quality        string // good | medium | poor
	Message        string
	FaceDetectRate float64
	SNRScore       *float64
	SNRDB          *float64
	BPMSeries      []float64
}

// Processor é o pipeline de processamento de sinal rPPG (detecção de
// ROI, extração do sinal de cor, estimativa espectral). Colaborador
// externo a este subsistema: stateless e seguro para uso concorrente.
type Processor interface {
	Process(ctx context.Context, frames []*image.RGBA, opts ProcessOptions) (*Estimate, error)
}
