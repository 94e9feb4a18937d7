package runtimeapi

import (
	"net/http"
	"strings"
)

// hopByHopHeaders are meaningful only for a single transport-level connection
// and must not be forwarded by proxies (RFC 9110 Section 7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHopHeaders deletes hop-by-hop headers from h in place,
// including any header named by Connection.
func RemoveHopByHopHeaders(h http.Header) {
	if h == nil {
		return
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
