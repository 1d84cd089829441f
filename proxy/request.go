package proxy

import (
	"net"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/net/http/httpguts"
)

// clientHopHeaders are dropped from client requests before forwarding.
var clientHopHeaders = map[string]bool{
	"host":              true,
	"content-length":    true,
	"transfer-encoding": true,
}

// upstreamHopHeaders are dropped from upstream responses before relaying.
var upstreamHopHeaders = map[string]bool{
	"transfer-encoding": true,
	"connection":        true,
	"keep-alive":        true,
}

// userFromRequest identifies the caller by the first 8 characters of a bearer
// token, or "anonymous".
func userFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		if len(token) > 8 {
			token = token[:8]
		}
		if token != "" {
			return token
		}
	}
	return "anonymous"
}

// sourceIP extracts the peer address without the port.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// isLocalhost reports whether the request originates from the loopback
// interface.
func isLocalhost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// forwardableHeaders copies client headers minus hop-by-hop fields, skipping
// anything that is not a valid header per RFC 7230.
func forwardableHeaders(src http.Header) http.Header {
	ret := http.Header{}
	for name, values := range src {
		if clientHopHeaders[strings.ToLower(name)] {
			continue
		}
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		for _, value := range values {
			if httpguts.ValidHeaderFieldValue(value) {
				ret.Add(name, value)
			}
		}
	}
	return ret
}

// relayHeaders copies upstream response headers minus hop-by-hop fields.
func relayHeaders(dst http.ResponseWriter, src http.Header) {
	for name, values := range src {
		if upstreamHopHeaders[strings.ToLower(name)] {
			continue
		}
		for _, value := range values {
			dst.Header().Add(name, value)
		}
	}
}

// writeJSONError answers status with body {"error": message}.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(map[string]string{"error": message})
	_, _ = w.Write(data)
}

// writeJSON answers status with an arbitrary JSON payload.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(payload)
	_, _ = w.Write(data)
}
