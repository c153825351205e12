package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhbstable/core/events"
	"nhbstable/services/stabled/auth"
	"nhbstable/services/stabled/journal"
)

const testSecret = "stablectl-test-secret-123456"

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestTokenIssueVerifies(t *testing.T) {
	t.Setenv("STABLED_JWT_SECRET", testSecret)
	subject := "0x00000000000000000000000000000000000A11CE"
	var out bytes.Buffer
	err := runTokenIssue([]string{"-subject", subject, "-scopes", "positions:write, liquidate", "-ttl", "1h"}, &out)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	verifier, err := auth.New(auth.Config{Secret: []byte(testSecret), Issuer: "nhbstable", Audience: "stabled"})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	principal, err := verifier.Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !principal.HasScope(auth.ScopeLiquidate) || principal.HasScope(auth.ScopeAdmin) {
		t.Fatalf("unexpected scopes %v", principal.Scopes())
	}
	if !strings.EqualFold(principal.Address.Hex(), subject) {
		t.Fatalf("subject mismatch: %s", principal.Address.Hex())
	}
}

func TestTokenIssueRejectsUnknownScope(t *testing.T) {
	if _, err := issueToken(testSecret, "nhbstable", "stabled", "0x00000000000000000000000000000000000a11ce", []string{"root"}, time.Hour); err == nil {
		t.Fatalf("expected unknown scope error")
	}
	if got := splitScopes(" admin,, liquidate "); len(got) != 2 || got[0] != "admin" || got[1] != "liquidate" {
		t.Fatalf("unexpected scopes %v", got)
	}
}

func TestFetchPosition(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.URL.Path, "/v1/positions/0x00000000000000000000000000000000000a11ce") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"invalid_request","message":"unknown path"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"debt":"5"}`)
	}))
	defer ts.Close()

	body, err := fetchPosition(context.Background(), ts.Client(), ts.URL+"/", "0x00000000000000000000000000000000000a11ce")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != `{"debt":"5"}` {
		t.Fatalf("unexpected body %s", body)
	}

	if _, err := fetchPosition(context.Background(), ts.Client(), ts.URL, "not-an-address"); err == nil {
		t.Fatalf("expected address error")
	}
}

func TestFetchPositionSurfacesAPIErrors(t *testing.T) {
	client := &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusTooManyRequests,
			Status:     "429 Too Many Requests",
			Body:       io.NopCloser(strings.NewReader(`{"error":"rate_limited","message":"slow down"}`)),
			Header:     make(http.Header),
		}, nil
	})}
	_, err := fetchPosition(context.Background(), client, "http://stabled.local", "0x00000000000000000000000000000000000a11ce")
	if err == nil || !strings.Contains(err.Error(), "rate_limited") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestMarketInitWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.toml")
	var out bytes.Buffer
	if err := runMarketInit([]string{"-path", path}, &out); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out.String(), "2 collateral assets") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if err := runMarketInit([]string{"-path", path}, &out); err == nil {
		t.Fatalf("expected existing file error")
	}
}

func TestJournalVerifyAndExport(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "journal.db")
	j, err := journal.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	bus := events.NewBus()
	bus.AddSink(j)
	bus.Emit(events.StableMinted{})
	bus.Emit(events.StableBurned{})
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var out bytes.Buffer
	if err := runJournalVerify([]string{"-dsn", dsn}, &out); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out.String(), "entries: 2") {
		t.Fatalf("unexpected verify output %q", out.String())
	}

	out.Reset()
	target := filepath.Join(dir, "events.parquet")
	if err := runJournalExport([]string{"-dsn", dsn, "-out", target, "-type", events.TypeStableBurned}, &out); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out.String(), "wrote 1 events") {
		t.Fatalf("unexpected export output %q", out.String())
	}
	data, err := os.ReadFile(target)
	if err != nil || len(data) < 8 || string(data[:4]) != "PAR1" {
		t.Fatalf("unexpected parquet file: %v", err)
	}
}
