// Copyright (c) 2025 Mayla Health. All rights reserved.
// Use of this source code is governed by the license terms
// that can be found in the LICENSE file.

package mayla

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(upstream.URL, 5*time.Second, logger)
}

func TestPatientLogin_PassesPayloadThrough(t *testing.T) {
	var gotBody string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/patient/login" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok"}`))
	})

	resp, err := c.PatientLogin(context.Background(), json.RawMessage(`{"cpf":"123"}`))
	if err != nil {
		t.Fatalf("PatientLogin: %v", err)
	}
	if gotBody != `{"cpf":"123"}` {
		t.Fatalf("upstream body = %q", gotBody)
	}
	var decoded map[string]string
	if err := json.Unmarshal(resp, &decoded); err != nil || decoded["access_token"] != "tok" {
		t.Fatalf("response = %s (%v)", resp, err)
	}
}

func TestPostVitalSigns_SendsBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/vital-signs" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok-123" {
			t.Errorf("authorization = %q", auth)
		}
		w.Write([]byte(`{"ok":true}`))
	})

	if _, err := c.PostVitalSigns(context.Background(), json.RawMessage(`{"bpm":72}`), "tok-123"); err != nil {
		t.Fatalf("PostVitalSigns: %v", err)
	}
}

func TestPostJSON_UpstreamErrorCarriesStatusAndBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"nope"}`))
	})

	_, err := c.PatientLogin(context.Background(), json.RawMessage(`{}`))
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("got %v, want *UpstreamError", err)
	}
	if ue.Status != http.StatusForbidden || ue.Body != `{"error":"nope"}` {
		t.Fatalf("upstream error = %+v", ue)
	}
}

func TestPostJSON_WrapsNonJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>gateway</html>"))
	})

	resp, err := c.PatientLogin(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("PatientLogin: %v", err)
	}
	var wrapped map[string]string
	if err := json.Unmarshal(resp, &wrapped); err != nil {
		t.Fatalf("wrapped body is not JSON: %s", resp)
	}
	if wrapped["raw"] != "<html>gateway</html>" {
		t.Fatalf("raw = %q", wrapped["raw"])
	}
}

func TestPostJSON_TransportFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient("http://127.0.0.1:1", 500*time.Millisecond, logger)

	_, err := c.PatientLogin(context.Background(), json.RawMessage(`{}`))
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("got %v, want *UpstreamError", err)
	}
	if ue.Status != 0 {
		t.Fatalf("transport failure must carry status 0, got %d", ue.Status)
	}
}

func TestUpstreamError_TruncatesLongBody(t *testing.T) {
	e := &UpstreamError{Status: 500, Body: strings.Repeat("x", 2000)}
	if msg := e.Error(); len(msg) > 600 {
		t.Fatalf("error message too long: %d bytes", len(msg))
	}
}
