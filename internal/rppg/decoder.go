// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package rppg

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"golang.org/x/image/draw"
)

// frameDecoder é o worker de decode JPEG de uma sessão. Um único
// goroutine consome a fila, preservando a ordem dos frames no buffer.
// O decode roda fora do goroutine de I/O do stream; a fila limitada
// fornece o back-pressure.
type frameDecoder struct {
	r         *Registry
	sessionID string

	queue chan []byte
	flush chan struct{} // fechado para drenar a fila e encerrar
	kill  chan struct{} // fechado para descartar a fila e encerrar
	done  chan struct{}

	flushOnce sync.Once
	killOnce  sync.Once
}

func newFrameDecoder(r *Registry, sessionID string, queueSize int) *frameDecoder {
	if queueSize < 1 {
		queueSize = 1
	}
	return &frameDecoder{
		r:         r,
		sessionID: sessionID,
		queue:     make(chan []byte, queueSize),
		flush:     make(chan struct{}),
		kill:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// enqueue envia um JPEG para a fila. Bloqueia quando a fila está cheia;
// descarta se o worker já está encerrando.
func (d *frameDecoder) enqueue(jpegBytes []byte) {
	select {
	case d.queue <- jpegBytes:
	case <-d.flush:
	case <-d.kill:
	}
}

func (d *frameDecoder) run() {
	defer close(d.done)
	for {
		select {
		case <-d.kill:
			return
		case b := <-d.queue:
			d.decodeOne(b)
		case <-d.flush:
			for {
				select {
				case <-d.kill:
					return
				case b := <-d.queue:
					d.decodeOne(b)
				default:
					return
				}
			}
		}
	}
}

// stop drena a fila e aguarda o worker terminar.
func (d *frameDecoder) stop() {
	d.flushOnce.Do(func() { close(d.flush) })
	<-d.done
}

// stopCtx drena a fila respeitando o deadline; se o contexto expira,
// o restante da fila é descartado.
func (d *frameDecoder) stopCtx(ctx context.Context) {
	d.flushOnce.Do(func() { close(d.flush) })
	select {
	case <-d.done:
	case <-ctx.Done():
		d.stopAsync()
		<-d.done
	}
}

// stopAsync encerra descartando a fila, sem aguardar.
func (d *frameDecoder) stopAsync() {
	d.killOnce.Do(func() { close(d.kill) })
}

// decodeOne decodifica um JPEG, reamostra para 256x144 (bilinear) e
// anexa ao buffer da sessão. Frames que falham no decode são pulados
// em silêncio: o orçamento de bytes já os consumiu no guardrail.
func (d *frameDecoder) decodeOne(b []byte) {
	t0 := time.Now()

	src, err := jpeg.Decode(bytes.NewReader(b))
	elapsedMS := float64(time.Since(t0).Microseconds()) / 1000.0
	if err != nil {
		d.r.addDecodeTime(d.sessionID, elapsedMS)
		return
	}

	dst := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	elapsedMS = float64(time.Since(t0).Microseconds()) / 1000.0

	d.r.appendFrame(d.sessionID, dst, elapsedMS)
}

// appendFrame anexa um frame decodificado ao buffer da sessão, se ela
// ainda existe e não atingiu estado terminal.
func (r *Registry) appendFrame(id string, frame *image.RGBA, decodeMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[id]
	if s == nil || s.bufferClosed {
		return
	}
	// Frames pendentes na fila quando a finalização dispara ainda são
	// anexados: já foram contados pelo guardrail.
	s.frames = append(s.frames, frame)
	s.DecodeMSTotal += decodeMS
}

// addDecodeTime acumula tempo de decode de um frame descartado.
func (r *Registry) addDecodeTime(id string, decodeMS float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.sessions[id]; s != nil {
		s.DecodeMSTotal += decodeMS
	}
}
