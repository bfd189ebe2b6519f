package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newFakeHealthServer(t *testing.T, ready bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz/liveness", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/healthz/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func runStatusCommand(t *testing.T, args ...string) string {
	t.Helper()
	cmd := NewRootCmd()
	cmd.SetArgs(append([]string{"status"}, args...))

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	return buf.String()
}

func TestStatus_HealthyServer(t *testing.T) {
	server := newFakeHealthServer(t, true)
	output := runStatusCommand(t, "--observability-url", server.URL)

	if !strings.Contains(output, "liveness") || !strings.Contains(output, "readiness") {
		t.Errorf("output missing endpoints: %q", output)
	}
	if strings.Contains(output, "false") {
		t.Errorf("expected all endpoints healthy: %q", output)
	}
}

func TestStatus_NotReady(t *testing.T) {
	server := newFakeHealthServer(t, false)
	output := runStatusCommand(t, "--observability-url", server.URL)

	if !strings.Contains(output, "not ready") {
		t.Errorf("expected not-ready detail: %q", output)
	}
}

func TestStatus_JSONOutput(t *testing.T) {
	server := newFakeHealthServer(t, true)
	output := runStatusCommand(t, "--observability-url", server.URL, "--json")

	var statuses map[string]EndpointStatus
	if err := json.Unmarshal([]byte(output), &statuses); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, output)
	}
	if !statuses["liveness"].Healthy {
		t.Error("expected liveness healthy")
	}
	if !statuses["readiness"].Healthy {
		t.Error("expected readiness healthy")
	}
}

func TestStatus_UnreachableServer(t *testing.T) {
	output := runStatusCommand(t, "--observability-url", "http://127.0.0.1:1", "--json")

	var statuses map[string]EndpointStatus
	if err := json.Unmarshal([]byte(output), &statuses); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if statuses["liveness"].Healthy {
		t.Error("expected liveness unhealthy")
	}
	if statuses["liveness"].Error == "" {
		t.Error("expected an error detail")
	}
}
