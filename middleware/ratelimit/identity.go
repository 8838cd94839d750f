package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// Identity é quem está chamando: client id (pode ser vazio) e origem de rede.
type Identity struct {
	ClientID string
	Origin   string
}

type IdentityFunc func(r *http.Request) Identity

type EndpointFunc func(r *http.Request) string

// DefaultIdentityFunc lê o client id do header clientHeader (se configurado)
// e a origem do X-Forwarded-For (se confiável) ou do RemoteAddr.
func DefaultIdentityFunc(clientHeader string, trustXFF bool) IdentityFunc {
	return func(r *http.Request) Identity {
		id := Identity{Origin: OriginAddress(r, trustXFF)}
		if clientHeader != "" {
			id.ClientID = strings.TrimSpace(r.Header.Get(clientHeader))
		}
		return id
	}
}

// OriginAddress devolve o IP de origem da requisição.
func OriginAddress(r *http.Request, trustXFF bool) string {
	if trustXFF {
		// pega o primeiro IP do X-Forwarded-For (cliente original)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	// fallback: RemoteAddr
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// PathEndpoint usa o path da URL como endpoint.
func PathEndpoint(r *http.Request) string {
	return r.URL.Path
}
