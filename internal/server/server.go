// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

// Package server expõe a API HTTP/WebSocket do rppg-server: criação de
// sessões com guardrails, ingestão de chunks (REST e stream), proxy
// para a API clínica e endpoints operacionais.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"

	"github.com/mayla-health/rppg-server/internal/config"
	"github.com/mayla-health/rppg-server/internal/mayla"
	"github.com/mayla-health/rppg-server/internal/rppg"
	"github.com/mayla-health/rppg-server/internal/server/observability"
)

// shutdownGrace é o tempo máximo do drain de conexões no shutdown.
const shutdownGrace = 10 * time.Second

// Server agrega as dependências dos handlers HTTP e de stream.
type Server struct {
	cfg      *config.ServerConfig
	logger   *slog.Logger
	registry *rppg.Registry
	mayla    *mayla.Client
	events   *observability.EventRing
	upgrader websocket.Upgrader
}

// New monta um Server com o processador de sinal fornecido (pode ser
// nil: sessões em modo real finalizam com fallback poor).
func New(cfg *config.ServerConfig, logger *slog.Logger, processor rppg.Processor) *Server {
	events := observability.NewEventRing(500)
	return &Server{
		cfg:      cfg,
		logger:   logger,
		registry: rppg.NewRegistry(cfg.Session, processor, events, logger),
		mayla:    mayla.NewClient(cfg.Mayla.APIBase, cfg.Mayla.Timeout, logger),
		events:   events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// O handshake de origem fica a cargo do CORS da camada HTTP;
			// a sessão em si é a credencial do stream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Registry expõe o registry de sessões (testes e observabilidade).
func (s *Server) Registry() *rppg.Registry { return s.registry }

// Router monta o http.Handler completo: rotas de sessão, stream,
// proxy Mayla, health e API de ops, com CORS e compressão gzip.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/sessions/start", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/sessions/end", s.handleEnd).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{session_id}/chunk", s.handleChunk).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{session_id}/end", s.handleFinalize).Methods(http.MethodPost)
	r.HandleFunc("/ws/sessions/{session_id}", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/mayla/auth/patient/login", s.handleMaylaLogin).Methods(http.MethodPost)
	r.HandleFunc("/mayla/vital-signs", s.handleMaylaVitalSigns).Methods(http.MethodPost)

	if s.cfg.Ops.Enabled {
		observability.Register(r, s.registry, s.events, observability.NewACL(s.cfg.Ops.ParsedCIDRs))
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.cfg.Server.AllowOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	return gzhttp.GzipHandler(cors(r))
}

// Run inicia o server HTTP e bloqueia até o context ser cancelado.
// No shutdown o registry é fechado, liberando todos os buffers.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger, processor rppg.Processor) error {
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	return RunWithListener(ctx, ln, cfg, logger, processor)
}

// RunWithListener inicia o server com um listener já existente (testes).
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.ServerConfig, logger *slog.Logger, processor rppg.Processor) error {
	srv := New(cfg, logger, processor)
	srv.registry.StartSweeper()

	httpSrv := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		// Sem WriteTimeout global: streams WebSocket vivem além de
		// qualquer deadline razoável de response.
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", "address", ln.Addr().String(), "mock_mode", cfg.Session.MockMode)
	err := httpSrv.Serve(ln)

	srv.registry.Close()
	if errors.Is(err, http.ErrServerClosed) {
		logger.Info("server shutdown complete")
		return nil
	}
	return err
}
