package proxy

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// TLSOptionsName is the name of the TLS options shared by the sandbox routers.
const TLSOptionsName = "sbxd"

// DynamicConfig is the traefik dynamic configuration for the sandbox routes.
type DynamicConfig struct {
	HTTP *HTTPConfig `yaml:"http,omitempty"`
	TLS  *TLSConfig  `yaml:"tls,omitempty"`
}

type HTTPConfig struct {
	Routers  map[string]Router  `yaml:"routers"`
	Services map[string]Service `yaml:"services"`
}

type Router struct {
	Rule        string     `yaml:"rule"`
	EntryPoints []string   `yaml:"entryPoints"`
	Service     string     `yaml:"service"`
	TLS         *RouterTLS `yaml:"tls,omitempty"`
}

type RouterTLS struct {
	CertResolver string `yaml:"certResolver,omitempty"`
	Options      string `yaml:"options,omitempty"`
}

type Service struct {
	LoadBalancer LoadBalancer `yaml:"loadBalancer"`
}

type LoadBalancer struct {
	Servers []Server `yaml:"servers"`
}

type Server struct {
	URL string `yaml:"url"`
}

type TLSConfig struct {
	Options map[string]TLSOptions `yaml:"options"`
}

type TLSOptions struct {
	MinVersion   string   `yaml:"minVersion,omitempty"`
	CipherSuites []string `yaml:"cipherSuites,omitempty"`
}

// traefikSettings are the proxy wide settings applied to every route.
type traefikSettings struct {
	scheme       string
	entryPoint   string
	certResolver string
	minVersion   string
	ciphers      []string
}

// dynamicConfig renders the routed routes. Non routed routes have no proxy configuration.
func dynamicConfig(rs []Route, s traefikSettings) *DynamicConfig {
	cfg := &DynamicConfig{
		HTTP: &HTTPConfig{
			Routers:  map[string]Router{},
			Services: map[string]Service{},
		},
	}

	tls := s.scheme == "https"
	for _, r := range rs {
		if !r.Routed() {
			continue
		}

		router := Router{
			Rule:        fmt.Sprintf("Host(`%s`)", r.Host),
			EntryPoints: []string{s.entryPoint},
			Service:     r.Name,
		}
		if tls {
			router.TLS = &RouterTLS{CertResolver: s.certResolver, Options: TLSOptionsName}
		}
		cfg.HTTP.Routers[r.Name] = router
		cfg.HTTP.Services[r.Name] = Service{LoadBalancer: LoadBalancer{Servers: []Server{{URL: r.Backend}}}}
	}

	if tls {
		cfg.TLS = &TLSConfig{Options: map[string]TLSOptions{
			TLSOptionsName: {MinVersion: s.minVersion, CipherSuites: slices.Clone(s.ciphers)},
		}}
	}

	return cfg
}

// kvPairs flattens the configuration into the traefik KV provider layout.
func kvPairs(root string, cfg *DynamicConfig) map[string]string {
	kv := map[string]string{}
	if cfg.HTTP != nil {
		for name, r := range cfg.HTTP.Routers {
			p := root + "/http/routers/" + name + "/"
			kv[p+"rule"] = r.Rule
			kv[p+"service"] = r.Service
			for i, ep := range r.EntryPoints {
				kv[p+"entrypoints/"+strconv.Itoa(i)] = ep
			}
			if r.TLS != nil {
				if r.TLS.CertResolver != "" {
					kv[p+"tls/certresolver"] = r.TLS.CertResolver
				}
				if r.TLS.Options != "" {
					kv[p+"tls/options"] = r.TLS.Options
				}
			}
		}
		for name, s := range cfg.HTTP.Services {
			p := root + "/http/services/" + name + "/loadbalancer/servers/"
			for i, srv := range s.LoadBalancer.Servers {
				kv[p+strconv.Itoa(i)+"/url"] = srv.URL
			}
		}
	}

	if cfg.TLS != nil {
		for _, name := range slices.Sorted(maps.Keys(cfg.TLS.Options)) {
			o := cfg.TLS.Options[name]
			p := root + "/tls/options/" + name + "/"
			if o.MinVersion != "" {
				kv[p+"minversion"] = o.MinVersion
			}
			for i, c := range o.CipherSuites {
				kv[p+"ciphersuites/"+strconv.Itoa(i)] = c
			}
		}
	}

	return kv
}
