package audit

import (
	"net"
	"net/http"
	"strings"
)

const maxUserAgent = 256

// ClientIP returns the first forwarded hop, X-Real-IP, or the remote host.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if hop = strings.TrimSpace(hop); hop != "" {
			return hop
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// UserAgent returns the request user agent, truncated for storage.
func UserAgent(r *http.Request) string {
	if r == nil {
		return ""
	}
	ua := strings.TrimSpace(r.UserAgent())
	if len(ua) > maxUserAgent {
		ua = ua[:maxUserAgent]
	}
	return ua
}
