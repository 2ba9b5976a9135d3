package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"nodecollab/internal/models"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestParseOperation(t *testing.T) {
	cases := []struct {
		line string
		want models.OperationType
	}{
		{"create n1 noise 10 20", models.OpNodeCreate},
		{"move n1 -4 2.5", models.OpNodeMove},
		{"delete n1", models.OpNodeDelete},
		{"set n1 scale 0.5", models.OpNodeUpdate},
		{"connect e1 n1:out n2:in", models.OpEdgeConnect},
		{"disconnect e1", models.OpEdgeDisconnect},
	}
	for _, tc := range cases {
		data, err := parseOperation(strings.Fields(tc.line))
		if err != nil {
			t.Fatalf("%q: %v", tc.line, err)
		}
		if data.OperationType() != tc.want {
			t.Fatalf("%q: got %s want %s", tc.line, data.OperationType(), tc.want)
		}
	}

	edge, _ := parseOperation(strings.Fields("connect e1 a:out b:in"))
	if c := edge.(models.EdgeConnect); c.FromNode != "a" || c.FromPort != "out" || c.ToNode != "b" || c.ToPort != "in" {
		t.Fatalf("endpoints not split: %+v", c)
	}

	for _, bad := range []string{"create n1 noise 10", "move n1 x 1", "connect e1 a b", "explode"} {
		if _, err := parseOperation(strings.Fields(bad)); err == nil {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}

func TestSessionsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessions":[{"id":"abc","name":"terrain","host_id":"alice","created_at":"2025-01-02T03:04:05Z"}]}`))
	}))
	defer srv.Close()

	out, err := executeCommand("sessions", "--relay", srv.URL)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "abc") || !strings.Contains(out, "terrain") || !strings.Contains(out, "alice") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestCloseCommandSendsToken(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if gotAuth != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid token"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, err := executeCommand("close", "abc", "--relay", srv.URL, "--token", "secret"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if gotPath != "/api/sessions/abc" {
		t.Fatalf("unexpected path %s", gotPath)
	}

	_, err := executeCommand("close", "abc", "--relay", srv.URL, "--token", "wrong")
	if err == nil || !strings.Contains(err.Error(), "invalid token") {
		t.Fatalf("expected relay error, got %v", err)
	}
}
