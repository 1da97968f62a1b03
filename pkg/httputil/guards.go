package httputil

import "net/http"

// Guards carries the route gates each package applies when it registers its
// routes. Session requires a valid session; Admin requires an admin session.
// A nil gate lets the request through.
type Guards struct {
	Session func(http.Handler) http.Handler
	Admin   func(http.Handler) http.Handler
}

// SessionHandler wraps h with the session gate.
func (g Guards) SessionHandler(h http.HandlerFunc) http.Handler {
	if g.Session == nil {
		return h
	}
	return g.Session(h)
}

// AdminHandler wraps h with the admin gate.
func (g Guards) AdminHandler(h http.HandlerFunc) http.Handler {
	if g.Admin == nil {
		return h
	}
	return g.Admin(h)
}
