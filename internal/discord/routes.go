package discord

import (
	"time"

	"golang.org/x/time/rate"
)

// RouteClass groups platform endpoints that share a rate limit budget.
type RouteClass string

const (
	RouteMemberLookup RouteClass = "member_lookup"
	RouteMemberJoin   RouteClass = "member_join"
	RouteMemberRoles  RouteClass = "member_roles"
	RouteOAuthToken   RouteClass = "oauth_token"
	RouteCurrentUser  RouteClass = "current_user"
)

// RoutePolicy is the local token bucket applied to a route class before any
// request leaves the process.
type RoutePolicy struct {
	Rate  rate.Limit
	Burst int
}

// DefaultRoutePolicies stay under the platform's published per-route budgets
// so the server-advertised limits are rarely the ones that bite.
var DefaultRoutePolicies = map[RouteClass]RoutePolicy{
	RouteMemberLookup: {Rate: rate.Every(200 * time.Millisecond), Burst: 5},
	RouteMemberJoin:   {Rate: rate.Every(time.Second), Burst: 2},
	RouteMemberRoles:  {Rate: rate.Every(250 * time.Millisecond), Burst: 4},
	RouteOAuthToken:   {Rate: rate.Every(500 * time.Millisecond), Burst: 2},
	RouteCurrentUser:  {Rate: rate.Every(200 * time.Millisecond), Burst: 5},
}

var fallbackRoutePolicy = RoutePolicy{Rate: rate.Every(time.Second), Burst: 1}

func policyFor(policies map[RouteClass]RoutePolicy, route RouteClass) RoutePolicy {
	if p, ok := policies[route]; ok && p.Burst > 0 {
		return p
	}
	if p, ok := DefaultRoutePolicies[route]; ok {
		return p
	}
	return fallbackRoutePolicy
}
