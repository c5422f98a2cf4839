package cluster

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderProxy marks a request already forwarded by a follower.
	HeaderProxy = "X-Matchcore-Proxy"
	// HeaderProxied tags a response relayed from the leader.
	HeaderProxied = "X-Matchcore-Proxied"
	// HeaderRequestID carries the request id across hops.
	HeaderRequestID = "X-Request-Id"
)

var hopRequestHeaders = headerSet(
	"Host", "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length", "Accept-Encoding",
)

var hopResponseHeaders = headerSet(
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length", "Content-Encoding",
)

func headerSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[http.CanonicalHeaderKey(n)] = struct{}{}
	}
	return set
}

// outboundHeaders builds the headers sent to the leader for r.
func outboundHeaders(r *http.Request) http.Header {
	out := make(http.Header, len(r.Header)+5)
	for k, vs := range r.Header {
		if _, deny := hopRequestHeaders[http.CanonicalHeaderKey(k)]; deny || len(vs) == 0 {
			continue
		}
		out.Set(k, strings.Join(vs, ","))
	}

	if out.Get(HeaderRequestID) == "" {
		out.Set(HeaderRequestID, uuid.NewString())
	}
	if ip := remoteIP(r); ip != "" {
		if prior := out.Get("X-Forwarded-For"); prior != "" {
			out.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			out.Set("X-Forwarded-For", ip)
		}
	}
	if out.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if r.TLS != nil {
			proto = "https"
		}
		out.Set("X-Forwarded-Proto", proto)
	}
	if out.Get("X-Forwarded-Host") == "" && r.Host != "" {
		out.Set("X-Forwarded-Host", r.Host)
	}
	out.Set(HeaderProxy, "1")
	return out
}

// copyResponseHeaders copies upstream headers onto dst, minus hop-by-hop ones.
func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, deny := hopResponseHeaders[http.CanonicalHeaderKey(k)]; deny {
			continue
		}
		dst.Del(k)
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
