package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ClientIdentifier derives the limiter key for a request: the client address
// (first X-Forwarded-For hop, then X-Real-IP, then the socket address) joined
// with a short hash of the User-Agent, so distinct clients behind one NAT are
// only lightly conflated.
func ClientIdentifier(r *http.Request) string {
	return Identifier(clientAddress(r), r.UserAgent())
}

// Identifier builds the key from an already extracted address and agent.
func Identifier(address, userAgent string) string {
	sum := xxhash.Sum64String(userAgent)
	return address + "|" + strconv.FormatUint(sum&0xffffffff, 36)
}

func clientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
