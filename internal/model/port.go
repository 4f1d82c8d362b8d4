package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Protocol is the protocol a sandbox port speaks.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolTCP   Protocol = "tcp"
	ProtocolUDP   Protocol = "udp"
)

// Valid returns true when the protocol is known.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolTCP, ProtocolUDP:
		return true
	}
	return false
}

// Routed returns true when the protocol is exposed with a host based route.
func (p Protocol) Routed() bool { return p == ProtocolHTTP || p == ProtocolHTTPS }

// Transport returns the L4 transport used on the runtime port binding.
func (p Protocol) Transport() string {
	if p == ProtocolUDP {
		return "udp"
	}
	return "tcp"
}

// PortSpec is a port declared by a sandbox.
type PortSpec struct {
	Internal int
	Protocol Protocol
	// External is an explicit external port, 0 means allocate one.
	External int
	// Subdomain for routed protocols, empty means derive one.
	Subdomain string
}

// PortAllocation binds an external port to a sandbox port.
type PortAllocation struct {
	External  int
	Internal  int
	Protocol  Protocol
	SandboxID string
	Subdomain string
}

var subdomainValid = func(s string) bool {
	if len(s) == 0 || len(s) > 63 {
		return false
	}
	for i, c := range s {
		isAlnum := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
		if !isAlnum && (c != '-' || i == 0 || i == len(s)-1) {
			return false
		}
	}
	return true
}

// ParsePortSpec parses a port declaration.
// Supported formats:
//   - "8080" -> internal 8080 over http.
//   - "8080/tcp" -> internal 8080 over tcp.
//   - "15000:8080/tcp" -> explicit external port 15000.
//   - "8080/http@api" -> subdomain "api".
func ParsePortSpec(s string) (PortSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PortSpec{}, fmt.Errorf("port cannot be empty: %w", ErrNotValid)
	}

	spec := PortSpec{Protocol: ProtocolHTTP}
	if rest, sub, ok := strings.Cut(s, "@"); ok {
		spec.Subdomain = strings.TrimSpace(sub)
		s = rest
	}
	if rest, proto, ok := strings.Cut(s, "/"); ok {
		spec.Protocol = Protocol(strings.ToLower(strings.TrimSpace(proto)))
		s = rest
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		port, err := parsePort(parts[0])
		if err != nil {
			return PortSpec{}, err
		}
		spec.Internal = port
	case 2:
		ext, err := parsePort(parts[0])
		if err != nil {
			return PortSpec{}, fmt.Errorf("invalid external port: %w", err)
		}
		in, err := parsePort(parts[1])
		if err != nil {
			return PortSpec{}, fmt.Errorf("invalid internal port: %w", err)
		}
		spec.External = ext
		spec.Internal = in
	default:
		return PortSpec{}, fmt.Errorf("invalid port format %q, expected '[external:]internal[/proto][@subdomain]': %w", s, ErrNotValid)
	}

	if err := spec.Validate(); err != nil {
		return PortSpec{}, err
	}
	return spec, nil
}

// Validate validates the port spec.
func (p PortSpec) Validate() error {
	if p.Internal < 1 || p.Internal > 65535 {
		return fmt.Errorf("internal port %d out of range (1-65535): %w", p.Internal, ErrNotValid)
	}
	if p.External < 0 || p.External > 65535 {
		return fmt.Errorf("external port %d out of range (1-65535): %w", p.External, ErrNotValid)
	}
	if !p.Protocol.Valid() {
		return fmt.Errorf("unknown protocol %q: %w", p.Protocol, ErrNotValid)
	}
	if p.Subdomain != "" {
		if !p.Protocol.Routed() {
			return fmt.Errorf("subdomain is only allowed on http ports: %w", ErrNotValid)
		}
		if !subdomainValid(p.Subdomain) {
			return fmt.Errorf("invalid subdomain %q: %w", p.Subdomain, ErrNotValid)
		}
	}
	return nil
}

// String returns the string representation of the port spec.
func (p PortSpec) String() string {
	s := strconv.Itoa(p.Internal)
	if p.External != 0 {
		s = fmt.Sprintf("%d:%d", p.External, p.Internal)
	}
	s += "/" + string(p.Protocol)
	if p.Subdomain != "" {
		s += "@" + p.Subdomain
	}
	return s
}

func validatePortSpecs(ports []PortSpec) error {
	// Routes and URLs are keyed by internal port, so one port can't be exposed twice
	// even on different transports.
	internal := map[int]bool{}
	external := map[int]bool{}
	subdomains := map[string]bool{}
	for _, p := range ports {
		if err := p.Validate(); err != nil {
			return err
		}
		if internal[p.Internal] {
			return fmt.Errorf("internal port %d declared more than once: %w", p.Internal, ErrNotValid)
		}
		internal[p.Internal] = true
		if p.External != 0 {
			if external[p.External] {
				return fmt.Errorf("external port %d declared more than once: %w", p.External, ErrNotValid)
			}
			external[p.External] = true
		}
		if p.Subdomain != "" {
			if subdomains[p.Subdomain] {
				return fmt.Errorf("subdomain %q declared more than once: %w", p.Subdomain, ErrNotValid)
			}
			subdomains[p.Subdomain] = true
		}
	}
	return nil
}

func parsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, ErrNotValid)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535): %w", port, ErrNotValid)
	}
	return port, nil
}

// DefaultSubdomain returns the subdomain derived for a routed sandbox port.
func DefaultSubdomain(sandboxID string, internal int) string {
	id := lowerASCII(sandboxID)
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return fmt.Sprintf("s-%d-%s", internal, id)
}
