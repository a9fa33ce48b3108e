package cmd

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
)

func TestVersionSkipsConfig(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "smartsession version dev") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestBuildCallRequest(t *testing.T) {
	callQuery = []string{"page=2", "tag=a=b"}
	callHeaders = []string{"X-Trace: t-1"}
	callData = `{"name":"x"}`
	callProtected = true
	t.Cleanup(func() {
		callQuery, callHeaders, callData, callProtected = nil, nil, "", false
	})

	req, err := buildCallRequest("post", "/items")
	if err != nil {
		t.Fatalf("buildCallRequest() error = %v", err)
	}
	if req.Method() != http.MethodPost {
		t.Errorf("method = %q", req.Method())
	}
	if got := req.Query().Get("tag"); got != "a=b" {
		t.Errorf("tag = %q, want a=b", got)
	}
	if got := req.Header().Get("X-Trace"); got != "t-1" {
		t.Errorf("X-Trace = %q", got)
	}
	if got := req.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if !req.IsProtected() {
		t.Error("request not protected")
	}
}

func TestBuildCallRequestRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name    string
		query   []string
		headers []string
	}{
		{name: "query without equals", query: []string{"page"}},
		{name: "header without colon", headers: []string{"X-Trace t-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callQuery, callHeaders = tt.query, tt.headers
			t.Cleanup(func() { callQuery, callHeaders = nil, nil })

			if _, err := buildCallRequest("GET", "/items"); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
