// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package rppg

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mayla-health/rppg-server/internal/config"
)

// Admissão por IP: no máximo ipWindowMaxStarts criações de sessão por
// janela fixa de ipWindowDuration. A janela reinicia quando uma nova
// chamada chega mais de ipWindowDuration após a origem da janela.
const (
	ipWindowDuration  = 60 * time.Second
	ipWindowMaxStarts = 10
)

// sweepSchedule é o intervalo do sweep de TTL em background. O sweep
// também roda em todo acesso ao registry, então o job periódico só
// garante que sessões abandonadas não fiquem esperando o próximo lookup.
const sweepSchedule = "@every 30s"

// EventSink recebe eventos operacionais do ciclo de vida das sessões.
// Implementado pelo ring buffer de observabilidade; nil desabilita.
type EventSink interface {
	PushEvent(level, eventType, sessionID, message string)
}

// ipWindow rastreia criações de sessão de um IP dentro da janela corrente.
type ipWindow struct {
	count int
	since time.Time
}

// Registry é o dono exclusivo de todas as SessionState ativas.
// Todas as operações que tocam estado compartilhado são serializadas
// por um único mutex; streams pegam referências emprestadas mas nunca
// as retêm depois da transição terminal.
type Registry struct {
	mu        sync.Mutex
	logger    *slog.Logger
	defaults  config.SessionDefaults
	sessions  map[string]*SessionState
	ipWindows map[string]*ipWindow
	closed    bool
	sweeper   *cron.Cron
	events    EventSink
	processor Processor

	// Métricas acumuladas, observáveis pelo endpoint de ops.
	SessionsCreated atomic.Int64
	SessionsSwept   atomic.Int64
	FramesIngested  atomic.Int64
	BytesIngested   atomic.Int64
	ChunksIngested  atomic.Int64
	ResultsGood     atomic.Int64
	ResultsMedium   atomic.Int64
	ResultsPoor     atomic.Int64
}

// NewRegistry cria um Registry com os defaults de sessão fornecidos.
// processor pode ser nil: sessões em modo real produzem então o
// fallback de qualidade poor na finalização. events pode ser nil.
func NewRegistry(defaults config.SessionDefaults, processor Processor, events EventSink, logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		defaults:  defaults,
		sessions:  make(map[string]*SessionState),
		ipWindows: make(map[string]*ipWindow),
		events:    events,
		processor: processor,
	}
}

// StartSweeper agenda o sweep periódico de TTL. Deve ser chamado no
// máximo uma vez; Close() interrompe o job.
func (r *Registry) StartSweeper() {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(r.logger.Handler(), slog.LevelDebug))))
	// sweepSchedule é constante válida; o erro só ocorre com expressão malformada.
	if _, err := c.AddFunc(sweepSchedule, func() { r.Sweep() }); err != nil {
		r.logger.Error("scheduling ttl sweep", "error", err)
		return
	}
	c.Start()

	r.mu.Lock()
	r.sweeper = c
	r.mu.Unlock()
}

// Create aloca uma nova sessão para o clientIP, aplicando sweep de TTL
// e admissão por IP antes da inserção.
func (r *Registry) Create(clientIP string) (*SessionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	now := time.Now()
	r.sweepLocked(now)

	if err := r.admitLocked(clientIP, now); err != nil {
		if r.events != nil {
			r.events.PushEvent("warn", "rate_limited", "", "per-IP start quota exceeded: "+clientIP)
		}
		return nil, err
	}

	s := &SessionState{
		ID:        uuid.NewString(),
		Params:    r.defaults,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(r.defaults.TTLSec) * time.Second),
	}
	r.sessions[s.ID] = s
	r.SessionsCreated.Add(1)

	r.logger.Info("session created", "session_id", s.ID, "client_ip", clientIP, "ttl_sec", r.defaults.TTLSec)
	if r.events != nil {
		r.events.PushEvent("info", "session_created", s.ID, "client "+clientIP)
	}
	return s, nil
}

// admitLocked aplica a janela fixa de criações por IP.
// Na recusa a janela corrente não é alterada: chamadas acima do teto
// continuam falhando até a janela expirar.
func (r *Registry) admitLocked(clientIP string, now time.Time) error {
	w, ok := r.ipWindows[clientIP]
	if !ok || now.Sub(w.since) > ipWindowDuration {
		w = &ipWindow{since: now}
		r.ipWindows[clientIP] = w
	}
	if w.count+1 > ipWindowMaxStarts {
		return ErrRateLimited
	}
	w.count++
	return nil
}

// Get retorna a sessão pelo ID, ou nil se desconhecida ou expirada.
// A referência retornada é emprestada: parâmetros são imutáveis, mas
// contadores e buffer só podem ser tocados via métodos do Registry.
func (r *Registry) Get(id string) *SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(time.Now())
	return r.sessions[id]
}

// TouchStarted marca o attach do stream, se ainda não marcado.
func (r *Registry) TouchStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[id]
	if s == nil || s.Started() {
		return
	}
	s.StartedAt = time.Now()
	if r.events != nil {
		r.events.PushEvent("info", "stream_attached", id, "")
	}
}

// End remove a sessão e libera o buffer. Idempotente.
func (r *Registry) End(id string) {
	r.mu.Lock()
	s := r.sessions[id]
	if s != nil {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if s == nil {
		return
	}
	r.stopDecoder(s)

	r.mu.Lock()
	s.releaseBuffer()
	r.mu.Unlock()

	r.logger.Debug("session ended", "session_id", id)
}

// Sweep remove todas as sessões expiradas. Também executado em todo
// acesso ao registry.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(time.Now())
}

// sweepLocked exige r.mu.
func (r *Registry) sweepLocked(now time.Time) {
	for id, s := range r.sessions {
		if !s.Expired(now) {
			continue
		}
		delete(r.sessions, id)
		if s.decoder != nil {
			// Stop sem aguardar: o worker descarta o restante da fila.
			s.decoder.stopAsync()
		}
		s.releaseBuffer()
		r.SessionsSwept.Add(1)
		r.logger.Info("session swept", "session_id", id, "expired_at", s.ExpiresAt)
		if r.events != nil {
			r.events.PushEvent("info", "session_swept", id, "")
		}
	}
}

// Len retorna o número de sessões ativas.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActiveSnapshots retorna visões imutáveis das sessões ativas, para a
// API de observabilidade.
func (r *Registry) ActiveSnapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(time.Now())
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Close derruba o registry: interrompe o sweeper, libera todos os
// buffers e passa a recusar novas sessões.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sweeper := r.sweeper
	r.sweeper = nil
	sessions := make([]*SessionState, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	for _, s := range sessions {
		r.stopDecoder(s)
		r.mu.Lock()
		s.releaseBuffer()
		r.mu.Unlock()
	}
	r.logger.Info("session registry closed", "released", len(sessions))
}

// stopDecoder encerra o worker de decode da sessão, aguardando o flush
// da fila. Deve ser chamado SEM r.mu (o worker precisa do lock para
// anexar frames pendentes).
func (r *Registry) stopDecoder(s *SessionState) {
	r.mu.Lock()
	d := s.decoder
	s.decoder = nil
	r.mu.Unlock()

	if d != nil {
		d.stop()
	}
}
