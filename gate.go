package moltgate

import "strings"

const (
	healthPath  = "/healthz"
	setupPrefix = "/setup"
)

// Route is the outcome of Decide for a single request.
type Route int

const (
	// RouteProxy forwards the request to the backend gateway.
	RouteProxy Route = iota
	// RouteSetupRedirect redirects the client to the setup surface.
	RouteSetupRedirect
	// RouteSetup hands the request to the setup surface handlers.
	RouteSetup
	// RouteHealth answers the liveness check locally.
	RouteHealth
)

func (r Route) String() string {
	switch r {
	case RouteProxy:
		return "proxy"
	case RouteSetupRedirect:
		return "setup_redirect"
	case RouteSetup:
		return "setup"
	case RouteHealth:
		return "health"
	}
	return "unknown"
}

// Decide picks where a request for path goes, given whether the backend is
// configured. It has no side effects.
func Decide(path string, configured bool) Route {
	switch {
	case path == healthPath:
		return RouteHealth
	case isSetupPath(path):
		return RouteSetup
	case !configured:
		return RouteSetupRedirect
	}
	return RouteProxy
}

func isSetupPath(path string) bool {
	return path == setupPrefix || strings.HasPrefix(path, setupPrefix+"/")
}
