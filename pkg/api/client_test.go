package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wingetdash/fleet/internal/httputil"
)

func noRetry() httputil.RetryConfig {
	return httputil.RetryConfig{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
}

func TestFetchTasksSendsKeyAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(APIKeyHeader) != "k1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/api/tasks/host-a" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`[{"id":5,"command":"uninstall_package","payload":"Foo.Bar"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "k1").WithRetry(noRetry())
	tasks, err := c.FetchTasks(context.Background(), "host-a")
	if err != nil {
		t.Fatalf("FetchTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != 5 || tasks[0].Command != CommandUninstallPackage {
		t.Fatalf("tasks = %#v", tasks)
	}
}

func TestReportResultBody(t *testing.T) {
	var got TaskResult
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k").WithRetry(noRetry())
	err := c.ReportResult(context.Background(), TaskResult{TaskID: 9, Status: StatusFailed, Details: "exit 1"})
	if err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if got.TaskID != 9 || got.Status != StatusFailed || got.Details != "exit 1" {
		t.Fatalf("server saw %#v", got)
	}
}

func TestStatusErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"task already failed"}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "k").WithRetry(noRetry()).
		ReportResult(context.Background(), TaskResult{TaskID: 1, Status: StatusCompleted})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusConflict || se.Message != "task already failed" {
		t.Fatalf("status error = %#v", se)
	}
	if errors.Is(err, ErrNetworkUnavailable) || IsUnreachable(err) {
		t.Fatal("a definitive reply is not a network failure")
	}
	if !IsUnreachable(&StatusError{Op: "fetch tasks", StatusCode: http.StatusBadGateway}) {
		t.Fatal("a 5xx reply should count as unreachable")
	}
}

func TestUnreachableIsNetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewClient(addr, "k").WithRetry(noRetry()).FetchTasks(context.Background(), "h")
	if !errors.Is(err, ErrNetworkUnavailable) || !IsUnreachable(err) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
}

func TestDownloadResolvesRelativeURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/bundle/1.0.0" || r.Header.Get(APIKeyHeader) != "k" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("PK-bundle"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	n, err := NewClient(srv.URL, "k").WithRetry(noRetry()).Download(context.Background(), "/api/agent/bundle/1.0.0", &buf)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != int64(len("PK-bundle")) || buf.String() != "PK-bundle" {
		t.Fatalf("downloaded %d bytes: %q", n, buf.String())
	}
}

func TestDownloadRejectsForeignHost(t *testing.T) {
	c := NewClient("https://fleet.example.com", "k")
	if _, err := c.Download(context.Background(), "https://evil.example.net/bundle.zip", &bytes.Buffer{}); err == nil {
		t.Fatal("expected foreign host to be rejected")
	}
}
