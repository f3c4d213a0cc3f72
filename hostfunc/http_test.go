package hostfunc

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPGetBlockedWhenNoHosts(t *testing.T) {
	fn := NewHTTPGet(HTTPConfig{AllowedHosts: nil})
	_, err := fn(context.Background(), map[string]any{"url": "https://example.com"})
	if err == nil || err.Error() != "http not enabled" {
		t.Errorf("expected 'http not enabled', got %v", err)
	}
}

func TestHTTPGetBlockedForUnallowedHost(t *testing.T) {
	fn := NewHTTPGet(HTTPConfig{AllowedHosts: []string{"allowed.com"}})
	_, err := fn(context.Background(), map[string]any{"url": "https://evil.com"})
	if err == nil || err.Error() != "host not allowed: evil.com" {
		t.Errorf("expected 'host not allowed', got %v", err)
	}
}

func TestHTTPGetBypassAttempts(t *testing.T) {
	fn := NewHTTPGet(HTTPConfig{AllowedHosts: []string{"allowed.com"}})

	tests := []struct {
		url  string
		host string
	}{
		{"https://evil.com/?x=allowed.com", "evil.com"},
		{"https://allowed.com.evil.com/", "allowed.com.evil.com"},
		{"https://notallowed.com/", "notallowed.com"},
	}

	for _, tc := range tests {
		_, err := fn(context.Background(), map[string]any{"url": tc.url})
		if err == nil || err.Error() != "host not allowed: "+tc.host {
			t.Errorf("%s: expected host not allowed, got %v", tc.url, err)
		}
	}
}

func TestHTTPGetAllowsExactHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	fn := NewHTTPGet(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	result, err := fn(context.Background(), map[string]any{"url": server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data := result.(map[string]any)
	if data["status"].(int) != 200 {
		t.Errorf("expected status 200, got %v", data["status"])
	}
	if data["body"].(string) != `{"ok": true}` {
		t.Errorf("unexpected body %q", data["body"])
	}
	if data["headers"].(map[string]any)["X-Test"] != "yes" {
		t.Errorf("expected X-Test header, got %v", data["headers"])
	}
}

func TestHTTPRequestPostBodyAndHeaders(t *testing.T) {
	var gotBody, gotHeader, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeader = r.Header.Get("X-Token")
		gotMethod = r.Method
		w.WriteHeader(201)
	}))
	defer server.Close()

	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	result, err := h.Request(context.Background(), map[string]any{
		"method":  "post",
		"url":     server.URL,
		"body":    "payload",
		"headers": map[string]any{"X-Token": "abc"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.(map[string]any)["status"].(int) != 201 {
		t.Errorf("expected 201, got %v", result)
	}
	if gotMethod != "POST" || gotBody != "payload" || gotHeader != "abc" {
		t.Errorf("server saw method=%q body=%q header=%q", gotMethod, gotBody, gotHeader)
	}
}

func TestHTTPResponseBodyLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("z", 1000)))
	}))
	defer server.Close()

	fn := NewHTTPGet(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}, MaxBodySize: 10})
	result, err := fn(context.Background(), map[string]any{"url": server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.(map[string]any)["body"].(string)) != 10 {
		t.Errorf("expected body truncated to 10 bytes")
	}
}

func TestHTTPRejectsRedirectToUnallowedHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://evil.invalid/", http.StatusFound)
	}))
	defer server.Close()

	fn := NewHTTPGet(HTTPConfig{AllowedHosts: []string{"127.0.0.1"}})
	_, err := fn(context.Background(), map[string]any{"url": server.URL})
	if err == nil || !strings.Contains(err.Error(), "redirect to host not allowed") {
		t.Errorf("expected redirect rejection, got %v", err)
	}
}

func TestHTTPArgumentErrors(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowedHosts: []string{"example.com"}, MaxURLLength: 100})

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing url", map[string]any{}, "url required"},
		{"invalid url", map[string]any{"url": "://invalid"}, "invalid url"},
		{"bad scheme", map[string]any{"url": "file:///etc/passwd"}, "scheme must be http or https"},
		{"bad method", map[string]any{"url": "https://example.com", "method": "TRACE"}, "unsupported method: TRACE"},
		{"url too long", map[string]any{"url": "https://example.com/" + strings.Repeat("a", 200)}, "url exceeds max length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Request(context.Background(), tt.args)
			if err == nil || err.Error() != tt.want {
				t.Errorf("expected %q, got %v", tt.want, err)
			}
		})
	}
}

func TestHTTPGetDoesNotMutateArgs(t *testing.T) {
	fn := NewHTTPGet(HTTPConfig{})
	args := map[string]any{"url": "https://example.com"}
	fn(context.Background(), args)
	if _, ok := args["method"]; ok {
		t.Error("Get should not write into the caller's args")
	}
}

func TestIsHostAllowed(t *testing.T) {
	tests := []struct {
		allowed []string
		host    string
		want    bool
	}{
		{[]string{"example.com"}, "example.com", true},
		{[]string{"example.com"}, "api.example.com", true},
		{[]string{"example.com"}, "EXAMPLE.com", true},
		{[]string{"example.com"}, "example.com.evil.com", false},
		{[]string{"::1"}, "::1", true},
		{[]string{"::1"}, "0:0:0:0:0:0:0:1", true},
		{[]string{"::1"}, "::2", false},
		{[]string{"::1"}, "example.com", false},
		{[]string{"example.com"}, "127.0.0.1", false},
		{[]string{"192.168.1.1"}, "192.168.1.1", true},
		{[]string{"192.168.1.1"}, "192.168.1.2", false},
	}

	for _, tc := range tests {
		if got := isHostAllowed(tc.allowed, tc.host); got != tc.want {
			t.Errorf("isHostAllowed(%v, %q) = %v, want %v", tc.allowed, tc.host, got, tc.want)
		}
	}
}
