// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do rppg-server.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultMaylaBase é a origem upstream default do proxy clínico.
const defaultMaylaBase = "https://dev.saudecomvc.com.br"

// ServerConfig representa a configuração completa do rppg-server.
type ServerConfig struct {
	Server  HTTPListen      `yaml:"server"`
	Logging LoggingInfo     `yaml:"logging"`
	Session SessionDefaults `yaml:"session"`
	Ingest  IngestConfig    `yaml:"ingest"`
	Mayla   MaylaConfig     `yaml:"mayla"`
	Ops     OpsConfig       `yaml:"ops"`
}

// HTTPListen contém o listener HTTP público e os parâmetros de CORS.
type HTTPListen struct {
	Listen            string        `yaml:"listen"`              // default: "0.0.0.0:8000"
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"` // default: 10s
	IdleTimeout       time.Duration `yaml:"idle_timeout"`        // default: 60s
	AllowOrigins      []string      `yaml:"allow_origins"`       // CORS; default: ["*"]
}

// LoggingInfo configura o logger estruturado do processo.
type LoggingInfo struct {
	Level  string `yaml:"level"`  // debug|info|warn|error (default: info)
	Format string `yaml:"format"` // json|text (default: json)
	File   string `yaml:"file"`   // opcional: duplica logs em arquivo
}

// SessionDefaults é o snapshot imutável de parâmetros copiado para cada
// sessão no momento da criação. Os valores default espelham o protocolo
// acordado com o app de captura.
type SessionDefaults struct {
	CaptureSeconds     int     `yaml:"capture_seconds"`      // default: 25
	TargetFPS          int     `yaml:"target_fps"`           // default: 8
	Resolution         string  `yaml:"resolution"`           // default: "640x360" (advisory ao client)
	JPEGQuality        float64 `yaml:"jpeg_quality"`         // default: 0.5 (advisory ao client)
	ROIRefreshInterval int     `yaml:"roi_refresh_interval"` // default: 3

	TTLSec        int   `yaml:"ttl_sec"`         // default: 180
	MaxFrames     int   `yaml:"max_frames"`      // default: 400
	MaxBytesMB    int   `yaml:"max_bytes_mb"`    // default: 20
	MaxChunkSize  int   `yaml:"max_chunk_size"`  // default: 10
	MaxFrameBytes int64 `yaml:"max_frame_bytes"` // default: 300000 (~300KB/frame)

	// Thresholds de qualidade aplicados pelo processador de sinal.
	FaceDetectMin float64 `yaml:"face_detect_min"` // default: 0.7
	SNRGood       float64 `yaml:"snr_good"`        // default: 0.6
	SNRPoor       float64 `yaml:"snr_poor"`        // default: 0.3

	// MockMode devolve resultados sintéticos determinísticos sem invocar
	// o processador rPPG. Default true: o pipeline real é um colaborador
	// opcional do deploy.
	MockMode bool `yaml:"mock_mode"`
}

// IngestConfig controla back-pressure da ingestão por stream.
type IngestConfig struct {
	// ChunksPerSec limita a taxa de chunks processados por stream
	// (token bucket, burst = max_chunk_size). 0 desabilita o limiter.
	ChunksPerSec float64 `yaml:"chunks_per_sec"` // default: 30
}

// MaylaConfig configura o proxy para a API clínica upstream.
type MaylaConfig struct {
	APIBase string        `yaml:"api_base"` // default: env MAYLA_API_BASE ou dev.saudecomvc.com.br
	Timeout time.Duration `yaml:"timeout"`  // default: 15s
}

// OpsConfig configura a API de observabilidade em /api/v1/.
type OpsConfig struct {
	Enabled      bool     `yaml:"enabled"`       // default: false
	AllowOrigins []string `yaml:"allow_origins"` // IP ou CIDR; loopback sempre permitido

	// ParsedCIDRs é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// seedDefaults pré-carrega os defaults que não são o zero value do
// tipo. Aplicado ANTES do unmarshal: chave ausente no YAML preserva o
// default, valor explícito sobrescreve.
func seedDefaults() ServerConfig {
	return ServerConfig{Session: SessionDefaults{MockMode: true}}
}

// Default retorna uma ServerConfig com todos os defaults aplicados.
func Default() *ServerConfig {
	cfg := seedDefaults()
	// validate() nunca falha sobre os seeds: só aplica defaults.
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("config: invalid built-in defaults: %v", err))
	}
	return &cfg
}

// Load lê e valida o arquivo YAML de configuração do server.
func Load(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	cfg := seedDefaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

// MockMode é um atalho de leitura do toggle de modo.
func (c *ServerConfig) MockMode() bool { return c.Session.MockMode }

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = "0.0.0.0:8000"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if len(c.Server.AllowOrigins) == 0 {
		c.Server.AllowOrigins = []string{"*"}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if err := c.Session.validate(); err != nil {
		return err
	}

	if c.Ingest.ChunksPerSec < 0 {
		return fmt.Errorf("ingest.chunks_per_sec must be >= 0, got %v", c.Ingest.ChunksPerSec)
	}
	if c.Ingest.ChunksPerSec == 0 {
		c.Ingest.ChunksPerSec = 30
	}

	// Env tem precedência sobre o YAML para manter paridade com o deploy
	// original (MAYLA_API_BASE).
	if env := os.Getenv("MAYLA_API_BASE"); env != "" {
		c.Mayla.APIBase = env
	}
	if c.Mayla.APIBase == "" {
		c.Mayla.APIBase = defaultMaylaBase
	}
	c.Mayla.APIBase = strings.TrimRight(c.Mayla.APIBase, "/")
	if c.Mayla.Timeout <= 0 {
		c.Mayla.Timeout = 15 * time.Second
	}

	if err := c.Ops.validate(); err != nil {
		return err
	}

	return nil
}

func (s *SessionDefaults) validate() error {
	if s.CaptureSeconds == 0 {
		s.CaptureSeconds = 25
	}
	if s.TargetFPS == 0 {
		s.TargetFPS = 8
	}
	if s.Resolution == "" {
		s.Resolution = "640x360"
	}
	if s.JPEGQuality == 0 {
		s.JPEGQuality = 0.5
	}
	if s.ROIRefreshInterval == 0 {
		s.ROIRefreshInterval = 3
	}
	if s.TTLSec == 0 {
		s.TTLSec = 180
	}
	if s.MaxFrames == 0 {
		s.MaxFrames = 400
	}
	if s.MaxBytesMB == 0 {
		s.MaxBytesMB = 20
	}
	if s.MaxChunkSize == 0 {
		s.MaxChunkSize = 10
	}
	if s.MaxFrameBytes == 0 {
		s.MaxFrameBytes = 300_000
	}
	if s.FaceDetectMin == 0 {
		s.FaceDetectMin = 0.7
	}
	if s.SNRGood == 0 {
		s.SNRGood = 0.6
	}
	if s.SNRPoor == 0 {
		s.SNRPoor = 0.3
	}

	for name, v := range map[string]int{
		"session.capture_seconds":      s.CaptureSeconds,
		"session.target_fps":           s.TargetFPS,
		"session.roi_refresh_interval": s.ROIRefreshInterval,
		"session.ttl_sec":              s.TTLSec,
		"session.max_frames":           s.MaxFrames,
		"session.max_bytes_mb":         s.MaxBytesMB,
		"session.max_chunk_size":       s.MaxChunkSize,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be >= 1, got %d", name, v)
		}
	}
	if s.MaxFrameBytes < 1 {
		return fmt.Errorf("session.max_frame_bytes must be >= 1, got %d", s.MaxFrameBytes)
	}
	if s.JPEGQuality <= 0 || s.JPEGQuality > 1 {
		return fmt.Errorf("session.jpeg_quality must be in (0,1], got %v", s.JPEGQuality)
	}
	return nil
}

func (o *OpsConfig) validate() error {
	// Quando habilitado, o acesso fica restrito a loopback se nenhum
	// origin é configurado (deny-by-default fora do host).
	if len(o.AllowOrigins) == 0 {
		o.AllowOrigins = []string{"127.0.0.1", "::1"}
	}

	o.ParsedCIDRs = o.ParsedCIDRs[:0]
	for _, origin := range o.AllowOrigins {
		_, cidr, err := net.ParseCIDR(origin)
		if err != nil {
			// Tenta como IP único → converte para /32 ou /128
			ip := net.ParseIP(strings.TrimSpace(origin))
			if ip == nil {
				return fmt.Errorf("ops.allow_origins: %q is not a valid IP or CIDR", origin)
			}
			if ip.To4() != nil {
				_, cidr, _ = net.ParseCIDR(ip.String() + "/32")
			} else {
				_, cidr, _ = net.ParseCIDR(ip.String() + "/128")
			}
		}
		o.ParsedCIDRs = append(o.ParsedCIDRs, cidr)
	}
	return nil
}
