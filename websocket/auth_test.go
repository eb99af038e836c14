package websocket

import (
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/freedomjs/radiatus-providers/protocol"
)

func TestAuthorize(t *testing.T) {
	testCases := []struct {
		name               string
		secret             string
		query              url.Values
		expectedCapability protocol.Capability
		expectedAuthorized bool
	}{
		{
			name:               "storage",
			secret:             "s3cret",
			query:              url.Values{"radiatusSecret": {"s3cret"}, "freedomAPI": {"storage"}},
			expectedCapability: protocol.CapabilityStorage,
			expectedAuthorized: true,
		},
		{
			name:               "transport",
			secret:             "s3cret",
			query:              url.Values{"radiatusSecret": {"s3cret"}, "freedomAPI": {"transport"}},
			expectedCapability: protocol.CapabilityTransport,
			expectedAuthorized: true,
		},
		{
			name:               "social",
			secret:             "s3cret",
			query:              url.Values{"radiatusSecret": {"s3cret"}, "freedomAPI": {"social"}},
			expectedCapability: protocol.CapabilitySocial,
			expectedAuthorized: true,
		},
		{
			name:               "wrong secret",
			secret:             "s3cret",
			query:              url.Values{"radiatusSecret": {"guess"}, "freedomAPI": {"storage"}},
			expectedCapability: protocol.CapabilitySocial,
		},
		{
			name:               "capability is case sensitive",
			secret:             "s3cret",
			query:              url.Values{"radiatusSecret": {"s3cret"}, "freedomAPI": {"Storage"}},
			expectedCapability: protocol.CapabilitySocial,
		},
		{
			name:               "missing capability",
			secret:             "s3cret",
			query:              url.Values{"radiatusSecret": {"s3cret"}},
			expectedCapability: protocol.CapabilitySocial,
		},
		{
			name:               "no configured secret",
			secret:             "",
			query:              url.Values{"radiatusSecret": {""}, "freedomAPI": {"storage"}},
			expectedCapability: protocol.CapabilitySocial,
		},
		{
			name:               "no parameters",
			secret:             "s3cret",
			query:              url.Values{},
			expectedCapability: protocol.CapabilitySocial,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			capability, authorized := Authorize(tc.query, tc.secret)
			assert.Equal(t, tc.expectedCapability, capability)
			assert.Equal(t, tc.expectedAuthorized, authorized)
		})
	}
}

func TestRoutingKey(t *testing.T) {
	origin, path := "https://a.example", "/provider"
	assert.Equal(t, "Storage-https://a.example/provider", RoutingKey(protocol.CapabilityStorage, true, origin, path))
	assert.Equal(t, "Transport-https://a.example/provider", RoutingKey(protocol.CapabilityTransport, true, origin, path))
	assert.Equal(t, "SocialAuth-https://a.example/provider", RoutingKey(protocol.CapabilitySocial, true, origin, path))
	assert.Equal(t, "SocialAnon-https://a.example/provider", RoutingKey(protocol.CapabilitySocial, false, origin, path))
	assert.Equal(t, "SocialAnon-/provider", RoutingKey(protocol.CapabilitySocial, false, "", path))
}

func TestResolveRoute(t *testing.T) {
	r := httptest.NewRequest("GET", "/app?radiatusUsername=alice&radiatusSecret=s3cret&freedomAPI=storage", nil)
	r.Header.Set("Origin", "https://a.example")
	route := ResolveRoute(r, "s3cret")
	assert.Equal(t, Route{
		Capability: protocol.CapabilityStorage,
		Authorized: true,
		Username:   "alice",
		Key:        "Storage-https://a.example/app",
	}, route)

	// An unauthorized username is ignored; the social handler names the peer.
	r = httptest.NewRequest("GET", "/app?radiatusUsername=alice&radiatusSecret=nope&freedomAPI=storage", nil)
	r.Header.Set("Origin", "https://a.example")
	route = ResolveRoute(r, "s3cret")
	assert.False(t, route.Authorized)
	assert.Empty(t, route.Username)
	assert.Equal(t, "SocialAnon-https://a.example/app", route.Key)
}
