// Package model defines shared types for the gateway.
package model

import (
	"io"
	"net/http"
)

// ProxyRequest is the outbound request being built for an upstream cluster.
// Transforms may only rewrite Path, RawPath and Header; Method, RawQuery
// and Body are forwarded as received.
//
// Path is the decoded path. RawPath, when set, is its escaped form as sent
// by the client (see url.URL.RawPath) and is what goes upstream.
type ProxyRequest struct {
	Method   string
	Path     string
	RawPath  string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
