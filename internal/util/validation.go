package util

import (
	"net"
	"net/http"
	"regexp"
)

var sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]{8,128}$`)

func IsValidSessionID(s string) bool {
	return sessionIDRegex.MatchString(s)
}

// ClientIP returns the request's remote address without the port. It
// expects chi's RealIP middleware to have applied forwarding headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
