package websocket

import (
	"net/http"
	"net/url"

	"github.com/freedomjs/radiatus-providers/protocol"
)

// Route prefixes. Storage and Transport routes exist only for authorized requests.
const (
	prefixStorage    = "Storage-"
	prefixTransport  = "Transport-"
	prefixSocialAuth = "SocialAuth-"
	prefixSocialAnon = "SocialAnon-"
)

// Route is where an upgrade request is delivered.
type Route struct {
	Capability protocol.Capability
	Authorized bool
	// Username is empty for anonymous social connections; the handler names them.
	Username string
	// Key identifies the application handler: capability prefix + origin + path.
	Key string
}

// Authorize reports the capability a request is authorized for. The request is
// authorized only when the secret matches and the capability name is exact;
// everything else is anonymous social.
func Authorize(query url.Values, secret string) (protocol.Capability, bool) {
	if secret == "" || query.Get(protocol.ParamSecret) != secret {
		return protocol.CapabilitySocial, false
	}
	capability, ok := protocol.ParseCapability(query.Get(protocol.ParamCapability))
	if !ok {
		return protocol.CapabilitySocial, false
	}
	return capability, true
}

// RoutingKey builds the application key for a capability.
func RoutingKey(capability protocol.Capability, authorized bool, origin, path string) string {
	app := origin + path
	if !authorized {
		return prefixSocialAnon + app
	}
	switch capability {
	case protocol.CapabilityStorage:
		return prefixStorage + app
	case protocol.CapabilityTransport:
		return prefixTransport + app
	default:
		return prefixSocialAuth + app
	}
}

// ResolveRoute authorizes r and computes its route.
func ResolveRoute(r *http.Request, secret string) Route {
	query := r.URL.Query()
	capability, authorized := Authorize(query, secret)
	route := Route{
		Capability: capability,
		Authorized: authorized,
		Key:        RoutingKey(capability, authorized, r.Header.Get("Origin"), r.URL.Path),
	}
	if authorized {
		route.Username = query.Get(protocol.ParamUsername)
	}
	return route
}
