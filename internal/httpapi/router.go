// Package httpapi hosts the hub's HTTP surface: a small method router
// and the hook receiver fed by assistant-side lifecycle hooks. Handlers
// register themselves on a Router which the gateway mounts.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Router dispatches by method and path. Paths may contain :param
// segments ("/api/hook/status/:id"); matched values are exposed through
// the standard http.Request PathValue accessor. Routes match in
// registration order, so register static paths before overlapping
// parameterized ones.
type Router struct {
	routes []route
}

type route struct {
	method   string
	segments []string
	handler  http.HandlerFunc
}

// NewRouter returns an empty router.
func NewRouter() *Router { return &Router{} }

// AddRoute registers handler for the given method and path pattern.
func (rt *Router) AddRoute(method, path string, handler http.HandlerFunc) {
	rt.routes = append(rt.routes, route{
		method:   method,
		segments: splitPath(path),
		handler:  handler,
	})
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segs := splitPath(r.URL.Path)
	pathMatched := false
	for _, ro := range rt.routes {
		params, ok := ro.match(segs)
		if !ok {
			continue
		}
		if ro.method != r.Method {
			pathMatched = true
			continue
		}
		for name, value := range params {
			r.SetPathValue(name, value)
		}
		ro.handler(w, r)
		return
	}
	if pathMatched {
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	WriteJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

func (ro route) match(segs []string) (map[string]string, bool) {
	if len(segs) != len(ro.segments) {
		return nil, false
	}
	var params map[string]string
	for i, pat := range ro.segments {
		if strings.HasPrefix(pat, ":") {
			if segs[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[pat[1:]] = segs[i]
			continue
		}
		if pat != segs[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// WriteJSON writes a JSON response body with the given status. Shared by
// every handler package mounting routes on the Router.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
