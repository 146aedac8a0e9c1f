package relay

import (
	"net"
	"net/http"
	"strings"
)

// SourceAddr returns the address the guard keys on: the TCP peer host, or,
// when trustProxy is set and the peer is a loopback or private address, the
// first X-Forwarded-For / X-Real-Ip value. Relays commonly sit behind a
// tunnel, where every peer would otherwise share the tunnel's address.
func SourceAddr(r *http.Request, trustProxy bool) string {
	direct, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || direct == "" {
		direct = r.RemoteAddr
	}
	if !trustProxy || !isTrustedProxy(direct) {
		return direct
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		client := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(client) != nil {
			return client
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-Ip")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}
	return direct
}

func isTrustedProxy(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}
