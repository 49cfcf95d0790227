package handlerutils

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

func JSON(w http.ResponseWriter, statusCode int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if obj != nil {
		if err := json.NewEncoder(w).Encode(obj); err != nil {
			log.Error().Err(err).Msg("Error encoding JSON response")
		}
	}
}

// clientIPHeaders are consulted in order; proxies in front of the gateway set
// one or more of them.
var clientIPHeaders = []string{
	"X-Forwarded-For",
	"X-Real-IP",
	"Proxy-Client-IP",
	"WL-Proxy-Client-IP",
	"HTTP_CLIENT_IP",
	"HTTP_X_FORWARDED_FOR",
}

// GetClientIP extracts the client IP from the first proxy header that carries
// one, falling back to the peer address.
func GetClientIP(r *http.Request) string {
	for _, name := range clientIPHeaders {
		v := strings.TrimSpace(r.Header.Get(name))
		if v == "" || strings.EqualFold(v, "unknown") {
			continue
		}
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return NormalizeIP(first)
		}
	}

	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return NormalizeIP(ip)
}

// NormalizeIP folds the textual forms of the IPv6 loopback address into "::1".
func NormalizeIP(ip string) string {
	switch ip {
	case "::1", "[::1]", "0:0:0:0:0:0:0:1":
		return "::1"
	}
	return ip
}

// GetBaseURL returns the URL of the request without the path and
// infers the scheme (http or https)
func GetBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
