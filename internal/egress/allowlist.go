// Package egress restricts outbound HTTP to the hosts the user actually
// configured: the model endpoint and the diagram renderer. Anything else
// the process tries to reach is refused at the transport.
package egress

import (
	"net"
	"net/http"
	"strings"

	"drawbridge/internal/llm"
)

// AllowlistRoundTripper enforces a fixed host allowlist. Remote hosts must
// use HTTPS; loopback hosts may use plain HTTP so local model servers
// (Ollama, LM Studio and the like) keep working.
type AllowlistRoundTripper struct {
	Base      http.RoundTripper
	Allowlist map[string]bool
}

// NewAllowlistRoundTripper returns a RoundTripper that enforces a host allowlist.
func NewAllowlistRoundTripper(base http.RoundTripper, hosts []string) *AllowlistRoundTripper {
	allowlist := make(map[string]bool, len(hosts))
	for _, host := range hosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			allowlist[host] = true
		}
	}
	return &AllowlistRoundTripper{Base: base, Allowlist: allowlist}
}

func (rt *AllowlistRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil {
		return nil, llm.ErrEgressBlocked
	}
	host := req.URL.Hostname()
	if host == "" {
		return nil, llm.ErrEgressBlocked
	}
	loopback := isLoopback(host)
	if req.URL.Scheme != "https" && !(req.URL.Scheme == "http" && loopback) {
		return nil, llm.ErrEgressBlocked
	}
	if ip := net.ParseIP(host); ip != nil && !loopback {
		return nil, llm.ErrEgressBlocked
	}
	if !rt.Allowlist[strings.ToLower(host)] {
		return nil, llm.ErrEgressBlocked
	}
	base := rt.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
