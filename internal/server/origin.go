package server

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

const anyOrigin = "*"

// originPolicy decides which browser origins may open the WebSocket
// gateway. It is built once from Config.AllowedOrigins.
type originPolicy struct {
	any     bool
	origins map[string]bool
}

func newOriginPolicy(entries []string) *originPolicy {
	p := &originPolicy{origins: make(map[string]bool, len(entries))}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
		case entry == anyOrigin:
			p.any = true
		default:
			key, err := originKey(entry)
			if err != nil {
				log.Printf("Ignoring allowed origin %q: %v", entry, err)
				continue
			}
			p.origins[key] = true
		}
	}
	return p
}

// originKey reduces an origin to its lower-cased scheme://host form.
func originKey(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errMalformedOrigin
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// check is the gateway's websocket.Upgrader.CheckOrigin. Requests without
// an Origin header only pass under the wildcard.
func (p *originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if p.any {
		return true
	}
	if origin != "" {
		if key, err := originKey(origin); err == nil && p.origins[key] {
			return true
		}
	}

	log.Printf("Rejected WebSocket upgrade from %s with origin %q", r.RemoteAddr, origin)
	return false
}
