package commands

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nexora/kit/config"
)

func loadTestConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := config.Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestProbe_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := loadTestConfig(t, "observe:\n  logging:\n    enabled: false\n")
	var out bytes.Buffer
	err := runProbe(context.Background(), cfg, srv.URL, probeOptions{operation: "probe", count: 2}, &out, io.Discard)
	if err != nil {
		t.Fatalf("probe error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 result lines, got: %q", out.String())
	}
	if !strings.Contains(lines[0], "204 No Content") || !strings.Contains(lines[0], "[breaker closed]") {
		t.Fatalf("unexpected line: %s", lines[0])
	}
}

func TestProbe_ServerErrorsOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := loadTestConfig(t, `
observe:
  logging:
    enabled: false
resilience:
  operations:
    upstream:
      circuit-breaker:
        sliding-window-size: 2
        minimum-number-of-calls: 2
        wait-duration-in-open-state: 1m
      retry:
        enabled: false
`)
	var out bytes.Buffer
	err := runProbe(context.Background(), cfg, srv.URL, probeOptions{operation: "upstream", count: 3}, &out, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "3 of 3 probes failed") {
		t.Fatalf("expected all probes to fail, got %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected the open breaker to stop the third request, server saw %d", got)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if !strings.Contains(lines[0], "502 Bad Gateway") {
		t.Fatalf("expected status in first line, got: %s", lines[0])
	}
	if !strings.Contains(lines[2], "[breaker open]") {
		t.Fatalf("expected open breaker in last line, got: %s", lines[2])
	}
}

func TestProbe_ResolvesHeaderSecrets(t *testing.T) {
	t.Setenv("NEXORA_TEST_PROBE_TOKEN", "s3cr3t")

	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("X-Api-Key"))
	}))
	defer srv.Close()

	cfg := loadTestConfig(t, "observe:\n  logging:\n    enabled: false\n")
	opts := probeOptions{
		operation: "probe",
		count:     1,
		headers:   []string{"X-Api-Key=secretref:env:NEXORA_TEST_PROBE_TOKEN"},
	}
	if err := runProbe(context.Background(), cfg, srv.URL, opts, io.Discard, io.Discard); err != nil {
		t.Fatalf("probe error: %v", err)
	}
	if got.Load() != "s3cr3t" {
		t.Fatalf("header = %v, want resolved secret", got.Load())
	}
}

func TestProbeHeaders_Invalid(t *testing.T) {
	cfg := config.Defaults()
	if _, err := probeHeaders(context.Background(), cfg, []string{"no-separator"}); err == nil {
		t.Fatal("expected error for header without '='")
	}
	if _, err := probeHeaders(context.Background(), cfg, []string{"X-Key=secretref:env:NEXORA_TEST_UNSET_VAR"}); err == nil {
		t.Fatal("expected error for unresolvable secret")
	}
}

func TestProbe_RejectsZeroCount(t *testing.T) {
	err := runProbe(context.Background(), config.Defaults(), "http://127.0.0.1", probeOptions{operation: "probe"}, io.Discard, io.Discard)
	if err == nil {
		t.Fatal("expected error for zero count")
	}
}
