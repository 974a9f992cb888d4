// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

// Package mayla é o proxy fino para a API clínica upstream (login de
// paciente e envio de sinais vitais). Payloads trafegam como vieram:
// o contrato é do upstream, não deste serviço.
package mayla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxUpstreamBody limita quanto do corpo upstream é retido em memória.
const maxUpstreamBody = 1 << 20 // 1MB

// UpstreamError indica resposta >= 400 ou falha de transporte no upstream.
type UpstreamError struct {
	Status int    // 0 quando a falha é de transporte
	Body   string
}

func (e *UpstreamError) Error() string {
	body := e.Body
	if len(body) > 500 {
		body = body[:500]
	}
	return fmt.Sprintf("mayla_api_error status=%d body=%s", e.Status, body)
}

// Client fala com a API Mayla.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// NewClient cria um Client para a origem base (sem barra final).
func NewClient(base string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// PatientLogin encaminha o payload para POST /api/auth/patient/login.
func (c *Client) PatientLogin(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return c.postJSON(ctx, "/api/auth/patient/login", payload, "")
}

// PostVitalSigns encaminha o payload para POST /api/vital-signs com o
// bearer token do paciente.
func (c *Client) PostVitalSigns(ctx context.Context, payload json.RawMessage, bearerToken string) (json.RawMessage, error) {
	return c.postJSON(ctx, "/api/vital-signs", payload, bearerToken)
}

func (c *Client) postJSON(ctx context.Context, path string, payload json.RawMessage, bearer string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &UpstreamError{Body: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("mayla upstream unreachable", "path", path, "error", err)
		return nil, &UpstreamError{Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: err.Error()}
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("mayla upstream error", "path", path, "status", resp.StatusCode)
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	// Corpo não-JSON é embrulhado para manter a resposta sempre JSON.
	if !json.Valid(body) {
		wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
		return wrapped, nil
	}
	return body, nil
}
