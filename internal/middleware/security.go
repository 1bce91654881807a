// Package middleware provides Echo middleware for logging, metrics and the
// response security policy.
package middleware

import (
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HopByHopHeaders returns the header names a proxy must not forward.
func HopByHopHeaders() []string {
	return append([]string(nil), hopByHopHeaders...)
}

const (
	hstsHeader = "Strict-Transport-Security"
	// hstsMaxAge is one year in seconds.
	hstsMaxAge = "31536000"
)

// Header is a single response header.
type Header struct {
	Name  string
	Value string
}

// SecurityPolicy returns the response headers applied to every response.
// Equal inputs give identical slices. Development differs from production
// only by the absence of Strict-Transport-Security.
func SecurityPolicy(isDevelopment bool, identityProviderOrigin, scriptHash string) []Header {
	csp := strings.Join([]string{
		"object-src 'none'",
		"block-all-mixed-content",
		"img-src 'self' data:",
		"form-action 'self' " + identityProviderOrigin,
		"font-src 'self'",
		"style-src 'self'",
		"base-uri 'self'",
		"frame-ancestors 'none'",
		"script-src 'self' 'sha256-" + scriptHash + "' 'unsafe-eval'",
	}, "; ")

	headers := []Header{
		{"X-Frame-Options", "DENY"},
		{"X-XSS-Protection", "1; mode=block"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "strict-origin-when-cross-origin"},
		{"Cross-Origin-Opener-Policy", "same-origin"},
		{"Cross-Origin-Resource-Policy", "same-origin"},
		{"Cross-Origin-Embedder-Policy", "require-corp"},
		{"Content-Security-Policy", csp},
	}
	if !isDevelopment {
		headers = append(headers, Header{hstsHeader, "max-age=" + hstsMaxAge + "; includeSubDomains"})
	}
	return headers
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from requests and sets headers on every response. Headers are applied
// just before the status line is written, so they replace any value an
// upstream response carried. When headers carry no Strict-Transport-Security
// (development), an upstream's own value is removed as well.
func SecurityHeaders(headers []Header) echo.MiddlewareFunc {
	dropHSTS := !slices.ContainsFunc(headers, func(h Header) bool {
		return strings.EqualFold(h.Name, hstsHeader)
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			res := c.Response()
			res.Before(func() {
				if dropHSTS {
					res.Header().Del(hstsHeader)
				}
				for _, h := range headers {
					res.Header().Set(h.Name, h.Value)
				}
			})
			return next(c)
		}
	}
}
