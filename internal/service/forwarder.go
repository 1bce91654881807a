// Package service implements the token-attaching forwarder.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"bff-gateway/internal/client"
	"bff-gateway/internal/config"
	"bff-gateway/internal/middleware"
	"bff-gateway/internal/metrics"
	"bff-gateway/internal/model"
)

var (
	// ErrMissingCredential is returned when the caller's session holds no
	// access token. It indicates a sign-in or store fault, not a client error.
	ErrMissingCredential = errors.New("session has no access token")
	// ErrUnknownCluster is returned when a route names a cluster that is not configured.
	ErrUnknownCluster = errors.New("unknown upstream cluster")
)

// Forwarder dispatches authorized requests to upstream clusters with the
// session's access token attached.
type Forwarder struct {
	client   *client.UpstreamClient
	clusters map[string]*url.URL
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewForwarder creates a Forwarder for the configured clusters.
// The metrics parameter is optional.
func NewForwarder(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Forwarder, error) {
	clusters := make(map[string]*url.URL, len(cfg.Clusters))
	for name, cl := range cfg.Clusters {
		u, err := url.Parse(cl.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse clusters.%s.base_url: %w", name, err)
		}
		clusters[name] = u
	}

	return &Forwarder{
		client:   c,
		clusters: clusters,
		logger:   logger.With("component", "forwarder"),
		metrics:  m,
	}, nil
}

// Forward applies the route's transform pipeline to a copy of pr and sends
// it to the route's cluster. The caller must have authorized the request
// for rt and must pass the session resolved for that same request (nil for
// an anonymous caller on a public route). The caller is responsible for
// closing the response body.
//
// Upstream responses of any status are returned as-is; only transport
// failures produce an error.
func (f *Forwarder) Forward(ctx context.Context, rt *model.Route, pr *model.ProxyRequest, sess *model.Session) (*model.ProxyResponse, error) {
	base, ok := f.clusters[rt.Cluster]
	if !ok {
		return nil, fmt.Errorf("%w: %q (route %s)", ErrUnknownCluster, rt.Cluster, rt.ID)
	}

	out := *pr
	out.Header = cloneHeader(pr.Header)

	if err := Apply(&out, sess, Pipeline(rt)); err != nil {
		if errors.Is(err, ErrMissingCredential) {
			f.logger.Error("missing credential: session has no access token",
				"route", rt.ID,
				"session_id", sess.ID,
			)
			if f.metrics != nil {
				f.metrics.MissingCredential.WithLabelValues(rt.ID).Inc()
			}
		}
		return nil, err
	}

	upstreamURL := buildUpstreamURL(base, out.Path, out.RawPath, out.RawQuery)

	f.logger.Debug("forwarding request",
		"route", rt.ID,
		"cluster", rt.Cluster,
		"method", out.Method,
		"path", out.Path,
	)

	resp, err := f.client.DoStream(ctx, rt.Cluster, out.Method, upstreamURL, out.Header, out.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", rt.Cluster, err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins the cluster base path with path and keeps the
// inbound query string byte for byte. rawPath, when set, is the escaped
// form of path and is sent as is, so "%2F" stays an escaped slash.
func buildUpstreamURL(base *url.URL, path, rawPath, rawQuery string) string {
	u := *base
	u.Path = joinPath(base.Path, path)
	u.RawPath = ""
	if rawPath != "" {
		u.RawPath = joinPath(base.EscapedPath(), rawPath)
	}
	u.RawQuery = rawQuery
	return u.String()
}

func joinPath(a, b string) string {
	switch {
	case a == "" || a == "/":
		return b
	case b == "" || b == "/":
		return a
	default:
		return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
	}
}

// filterResponseHeaders drops hop-by-hop headers from the upstream response.
func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range middleware.HopByHopHeaders() {
		dst.Del(h)
	}
	return dst
}
