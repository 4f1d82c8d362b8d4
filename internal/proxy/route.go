package proxy

import (
	"fmt"
	"strconv"

	"github.com/slok/sbxd/internal/model"
)

// Route exposes a sandbox port.
// Routed protocols get a host rule on the proxy, tcp and udp ports are only reachable
// through their external port.
type Route struct {
	// Name is stable for a sandbox port.
	Name         string
	SandboxID    string
	Protocol     model.Protocol
	Host         string
	InternalPort int
	ExternalPort int
	// Backend is the address the proxy forwards to.
	Backend string
}

// Routed returns true when the route has a host rule.
func (r Route) Routed() bool { return r.Protocol.Routed() }

// RouteName returns the stable route name of a sandbox port.
func RouteName(sandboxID string, internal int) string {
	return model.ContainerName(sandboxID) + "-" + strconv.Itoa(internal)
}

// routes returns the routes of a sandbox port allocations.
func routes(sb model.Sandbox, domain string) []Route {
	res := make([]Route, 0, len(sb.Ports))
	for _, p := range sb.Ports {
		r := Route{
			Name:         RouteName(sb.ID, p.Internal),
			SandboxID:    sb.ID,
			Protocol:     p.Protocol,
			InternalPort: p.Internal,
			ExternalPort: p.External,
		}
		if p.Protocol.Routed() {
			sub := p.Subdomain
			if sub == "" {
				sub = model.DefaultSubdomain(sb.ID, p.Internal)
			}
			r.Host = sub + "." + domain
			r.Backend = fmt.Sprintf("%s://%s:%d", p.Protocol, sb.ContainerName(), p.Internal)
		} else {
			r.Backend = fmt.Sprintf("%s:%d", sb.ContainerName(), p.Internal)
		}
		res = append(res, r)
	}
	return res
}

// URL returns the public URL of the route.
func (r Route) URL(scheme, domain string) string {
	if r.Routed() {
		return scheme + "://" + r.Host
	}
	return fmt.Sprintf("%s://%s:%d", r.Protocol, domain, r.ExternalPort)
}
