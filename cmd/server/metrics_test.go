package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matst80/showoff-agent/internal/server"
)

func newAdmin(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := server.New(server.Config{BaseDomain: "example.test"}, server.NewMemoryState())
	ts := httptest.NewServer(adminHandler(ctx, srv))
	t.Cleanup(func() {
		ts.Close()
		cancel()
		srv.Close()
	})
	return srv, ts
}

func TestReadyz(t *testing.T) {
	srv, ts := newAdmin(t)
	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("before ready: %d", resp.StatusCode)
	}
	srv.Store().SetReady(true)
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("after ready: %d", resp.StatusCode)
	}
	srv.Store().SetClosing(true)
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("closing: %d", resp.StatusCode)
	}
}

func TestStateAPI(t *testing.T) {
	_, ts := newAdmin(t)
	resp, err := http.Get(ts.URL + "/show-off/api/state")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st["sessions"] != float64(0) {
		t.Errorf("sessions = %v", st["sessions"])
	}
	if _, ok := st["listeners"]; !ok {
		t.Errorf("listeners missing: %v", st)
	}
}

func TestDashboard(t *testing.T) {
	_, ts := newAdmin(t)
	resp, err := http.Get(ts.URL + "/show-off/dashboard")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "showoff relay") {
		t.Fatalf("dashboard %d %s", resp.StatusCode, body)
	}
}

func TestCommandEndpoint(t *testing.T) {
	_, ts := newAdmin(t)
	cases := []struct {
		path string
		want int
	}{
		{"/show-off/api/sessions/nope/stop", http.StatusNotFound},
		{"/show-off/api/sessions/nope/explode", http.StatusBadRequest},
	}
	for _, c := range cases {
		resp, err := http.Post(ts.URL+c.path, "text/plain", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != c.want {
			t.Errorf("%s: %d, want %d", c.path, resp.StatusCode, c.want)
		}
	}
	resp, err := http.Get(ts.URL + "/show-off/api/sessions/nope/stop")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET command: %d", resp.StatusCode)
	}
}
