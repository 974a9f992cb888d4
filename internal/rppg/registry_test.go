// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package rppg

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mayla-health/rppg-server/internal/config"
)

// newTestLogger retorna um logger silencioso para testes.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testDefaults retorna os defaults de sessão em mock mode.
func testDefaults() config.SessionDefaults {
	d := config.Default().Session
	d.MockMode = true
	return d
}

// newTestRegistry cria um Registry com defaults de teste.
func newTestRegistry(t *testing.T, d config.SessionDefaults) *Registry {
	t.Helper()
	r := NewRegistry(d, nil, nil, newTestLogger())
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry(t, testDefaults())

	s, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		t.Fatalf("expires_at %v must be after created_at %v", s.ExpiresAt, s.CreatedAt)
	}

	got := r.Get(s.ID)
	if got != s {
		t.Fatalf("Get(%s) = %v, want the created session", s.ID, got)
	}
	if r.Get("nao-existe") != nil {
		t.Fatal("Get of unknown id must return nil")
	}
}

func TestRegistry_RateLimitPerIP(t *testing.T) {
	r := newTestRegistry(t, testDefaults())

	for i := 0; i < 10; i++ {
		if _, err := r.Create("10.0.0.2"); err != nil {
			t.Fatalf("create #%d: %v", i+1, err)
		}
	}

	// 11ª criação dentro da janela: recusada
	if _, err := r.Create("10.0.0.2"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("11th create: got %v, want ErrRateLimited", err)
	}
	// E continua recusada enquanto a janela não expira
	if _, err := r.Create("10.0.0.2"); !errors.Is(err, ErrRateLimited) {
		t.Fatal("12th create must still be rate limited")
	}

	// Outro IP não é afetado
	if _, err := r.Create("10.0.0.3"); err != nil {
		t.Fatalf("create from other ip: %v", err)
	}
}

func TestRegistry_RateLimitWindowReset(t *testing.T) {
	r := newTestRegistry(t, testDefaults())

	// Janela esgotada com origem há mais de 60s
	r.mu.Lock()
	r.ipWindows["10.0.0.4"] = &ipWindow{count: 10, since: time.Now().Add(-61 * time.Second)}
	r.mu.Unlock()

	if _, err := r.Create("10.0.0.4"); err != nil {
		t.Fatalf("create after window expiry: %v", err)
	}
}

func TestRegistry_TTLSweep(t *testing.T) {
	r := newTestRegistry(t, testDefaults())

	s, err := r.Create("10.0.0.5")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Expira a sessão manualmente e força um acesso
	r.mu.Lock()
	s.ExpiresAt = time.Now().Add(-time.Second)
	r.mu.Unlock()

	if got := r.Get(s.ID); got != nil {
		t.Fatalf("expired session must be unreachable, got %+v", got)
	}
	if n := r.Len(); n != 0 {
		t.Fatalf("registry len = %d, want 0 after sweep", n)
	}
	if swept := r.SessionsSwept.Load(); swept != 1 {
		t.Fatalf("sessions_swept = %d, want 1", swept)
	}
}

func TestRegistry_EndIdempotent(t *testing.T) {
	r := newTestRegistry(t, testDefaults())

	s, err := r.Create("10.0.0.6")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.End(s.ID)
	if r.Get(s.ID) != nil {
		t.Fatal("session must be gone after End")
	}
	// Segunda chamada é no-op
	r.End(s.ID)
	r.End("nunca-existiu")
}

func TestRegistry_TouchStarted(t *testing.T) {
	r := newTestRegistry(t, testDefaults())

	s, err := r.Create("10.0.0.7")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Started() {
		t.Fatal("session must not be started before attach")
	}

	r.TouchStarted(s.ID)
	first := s.StartedAt
	if first.IsZero() {
		t.Fatal("TouchStarted must set started_at")
	}

	// Segundo attach não move o relógio
	r.TouchStarted(s.ID)
	if !s.StartedAt.Equal(first) {
		t.Fatalf("started_at moved from %v to %v on second touch", first, s.StartedAt)
	}
}

func TestRegistry_CloseRefusesNewSessions(t *testing.T) {
	r := NewRegistry(testDefaults(), nil, nil, newTestLogger())

	if _, err := r.Create("10.0.0.8"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.Close()

	if n := r.Len(); n != 0 {
		t.Fatalf("registry len = %d after Close, want 0", n)
	}
	if _, err := r.Create("10.0.0.8"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("create after Close: got %v, want ErrRegistryClosed", err)
	}
	// Close é idempotente
	r.Close()
}
