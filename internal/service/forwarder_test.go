package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"bff-gateway/internal/client"
	"bff-gateway/internal/config"
	"bff-gateway/internal/metrics"
	"bff-gateway/internal/model"
)

func newTestForwarder(t *testing.T, baseURL string, m *metrics.Metrics) *Forwarder {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 10},
		Clusters: map[string]config.ClusterConfig{"api1": {BaseURL: baseURL}},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f, err := NewForwarder(client.NewUpstreamClient(cfg, logger, m), cfg, logger, m)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	return f
}

var api1Route = &model.Route{
	ID:          "api1",
	Match:       "/api1",
	Kind:        model.RouteProxy,
	Cluster:     "api1",
	Policy:      "CookieAuthenticationPolicy",
	StripPrefix: true,
}

func TestForward_AttachesBearerAndPreservesRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/widgets" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/widgets")
		}
		if r.URL.RawQuery != "b=2&a=1" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "b=2&a=1")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok-123")
		}
		if got := r.Header.Get("X-Xsrf-Token"); got != "csrf" {
			t.Errorf("X-Xsrf-Token = %q, want %q", got, "csrf")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"name":"w"}` {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream.URL, nil)
	inbound := http.Header{"X-Xsrf-Token": {"csrf"}, "Content-Type": {"application/json"}}
	pr := &model.ProxyRequest{
		Method:   http.MethodPost,
		Path:     "/api1/widgets",
		RawQuery: "b=2&a=1",
		Header:   inbound,
		Body:     io.NopCloser(strings.NewReader(`{"name":"w"}`)),
	}

	resp, err := f.Forward(context.Background(), api1Route, pr, &model.Session{ID: "s1", Scheme: "Cookies", AccessToken: "tok-123"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if inbound.Get("Authorization") != "" {
		t.Error("inbound header set must not be mutated")
	}
}

func TestForward_MissingCredentialSkipsUpstream(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	m := metrics.New()
	f := newTestForwarder(t, upstream.URL, m)
	pr := &model.ProxyRequest{Method: http.MethodGet, Path: "/api1/widgets", Header: http.Header{}, Body: http.NoBody}

	_, err := f.Forward(context.Background(), api1Route, pr, &model.Session{ID: "s1", Scheme: "Cookies"})
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("error = %v, want ErrMissingCredential", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
	if v := testutil.ToFloat64(m.MissingCredential.WithLabelValues("api1")); v != 1 {
		t.Errorf("missing credential counter = %v, want 1", v)
	}
}

func TestForward_UpstreamUnauthorizedPassedThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream.URL, nil)
	pr := &model.ProxyRequest{Method: http.MethodGet, Path: "/api1/widgets", Header: http.Header{}, Body: http.NoBody}

	resp, err := f.Forward(context.Background(), api1Route, pr, &model.Session{ID: "s1", AccessToken: "expired"})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate to pass through")
	}
}

func TestForward_UnknownCluster(t *testing.T) {
	f := newTestForwarder(t, "https://api1.internal", nil)
	rt := &model.Route{ID: "r", Match: "/x", Kind: model.RouteProxy, Cluster: "nope"}

	_, err := f.Forward(context.Background(), rt, &model.ProxyRequest{Header: http.Header{}}, nil)
	if !errors.Is(err, ErrUnknownCluster) {
		t.Errorf("error = %v, want ErrUnknownCluster", err)
	}
}

func TestForward_TokenFromSameRequestUnderConcurrency(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Echo the token and the caller's marker so the test can pair them.
		_, _ = fmt.Fprintf(w, "%s|%s", r.Header.Get("X-Caller"), r.Header.Get("Authorization"))
	}))
	defer upstream.Close()

	f := newTestForwarder(t, upstream.URL, nil)
	sessions := map[string]*model.Session{
		"alice": {ID: "a", Scheme: "Cookies", AccessToken: "tok-alice"},
		"bob":   {ID: "b", Scheme: "Cookies", AccessToken: "tok-bob"},
	}

	var wg sync.WaitGroup
	for i := range 40 {
		caller := "alice"
		if i%2 == 1 {
			caller = "bob"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pr := &model.ProxyRequest{
				Method: http.MethodGet,
				Path:   "/api1/me",
				Header: http.Header{"X-Caller": {caller}},
				Body:   http.NoBody,
			}
			resp, err := f.Forward(context.Background(), api1Route, pr, sessions[caller])
			if err != nil {
				t.Errorf("Forward() error = %v", err)
				return
			}
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(resp.Body)
			want := caller + "|Bearer tok-" + caller
			if string(body) != want {
				t.Errorf("upstream saw %q, want %q", body, want)
			}
		}()
	}
	wg.Wait()
}

func TestBuildUpstreamURL(t *testing.T) {
	tests := []struct {
		base     string
		path     string
		rawPath  string
		rawQuery string
		want     string
	}{
		{"https://api1.internal", "/widgets", "", "", "https://api1.internal/widgets"},
		{"https://api1.internal/", "/widgets", "", "q=1", "https://api1.internal/widgets?q=1"},
		{"https://api1.internal/v1", "/widgets", "", "", "https://api1.internal/v1/widgets"},
		{"https://api1.internal/v1/", "/", "", "", "https://api1.internal/v1/"},
		{"https://api1.internal", "/", "", "z=1&a=2", "https://api1.internal/?z=1&a=2"},
		{"https://api1.internal", "/a/b", "/a%2Fb", "", "https://api1.internal/a%2Fb"},
		{"https://api1.internal/v1", "/a/b", "/a%2Fb", "", "https://api1.internal/v1/a%2Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.base+tt.path, func(t *testing.T) {
			base, err := url.Parse(tt.base)
			if err != nil {
				t.Fatal(err)
			}
			if got := buildUpstreamURL(base, tt.path, tt.rawPath, tt.rawQuery); got != tt.want {
				t.Errorf("buildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Set-Cookie":        {"upstream=1"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"close, X-Internal"},
		"X-Internal":        {"secret"},
	}

	dst := filterResponseHeaders(src)

	tests := []struct {
		key     string
		wantLen int
	}{
		{"Content-Type", 1},
		{"Set-Cookie", 1},
		{"Transfer-Encoding", 0},
		{"Connection", 0},
		{"X-Internal", 0},
	}
	for _, tt := range tests {
		if got := len(dst.Values(tt.key)); got != tt.wantLen {
			t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
		}
	}
}
