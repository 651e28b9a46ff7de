package middleware

import (
	"net/http"
	"strconv"
)

// SecurityHeadersConfig configures the headers attached to every response.
// This service serves JSON and websocket upgrades only, so the defaults are
// stricter than a browser-facing app could tolerate.
type SecurityHeadersConfig struct {
	// ContentSecurityPolicy sets Content-Security-Policy. The default
	// forbids loading anything: API responses are data, never documents.
	ContentSecurityPolicy string

	// FrameOptions sets X-Frame-Options. Default: DENY.
	FrameOptions string

	// ContentTypeNosniff sets X-Content-Type-Options: nosniff, so a JSON
	// body echoing user input is never sniffed into an executable type.
	// Default: true.
	ContentTypeNosniff bool

	// ReferrerPolicy sets Referrer-Policy.
	// Default: "no-referrer"; the API never needs to know where a client
	// navigated from, and webhook endpoints certainly don't.
	ReferrerPolicy string

	// HSTSMaxAge sets Strict-Transport-Security max-age in seconds.
	// Set to 0 to disable HSTS (local development over plain HTTP).
	// Default: 31536000 (1 year).
	HSTSMaxAge int

	// HSTSIncludeSubdomains includes subdomains in HSTS. Default: true.
	HSTSIncludeSubdomains bool
}

// DefaultSecurityHeadersConfig returns the production defaults.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		FrameOptions:          "DENY",
		ContentTypeNosniff:    true,
		ReferrerPolicy:        "no-referrer",
		HSTSMaxAge:            31536000,
		HSTSIncludeSubdomains: true,
	}
}

// SecurityHeaders adds security headers to all responses.
func SecurityHeaders(config SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.FrameOptions != "" {
				w.Header().Set("X-Frame-Options", config.FrameOptions)
			}
			if config.ContentTypeNosniff {
				w.Header().Set("X-Content-Type-Options", "nosniff")
			}
			if config.ReferrerPolicy != "" {
				w.Header().Set("Referrer-Policy", config.ReferrerPolicy)
			}
			if config.ContentSecurityPolicy != "" {
				w.Header().Set("Content-Security-Policy", config.ContentSecurityPolicy)
			}
			if config.HSTSMaxAge > 0 {
				hsts := "max-age=" + strconv.Itoa(config.HSTSMaxAge)
				if config.HSTSIncludeSubdomains {
					hsts += "; includeSubDomains"
				}
				w.Header().Set("Strict-Transport-Security", hsts)
			}

			next.ServeHTTP(w, r)
		})
	}
}
