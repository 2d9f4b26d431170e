// Package middleware holds request helpers shared by HTTP handlers.
package middleware

import (
	"net"
	"net/http"
	"strings"
)

// GetRealIP extracts the client IP, preferring proxy headers over the
// connection address.
func GetRealIP(req *http.Request) string {
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	// First entry is the original client.
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	if ip := req.Header.Get("Cf-Connecting-Ip"); ip != "" {
		return ip
	}

	if ip := req.Header.Get("True-Client-Ip"); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}

	return host
}
