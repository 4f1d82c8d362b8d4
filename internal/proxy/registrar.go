package proxy

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
)

// RegistrarConfig is the configuration for the proxy registrar.
type RegistrarConfig struct {
	Provider Provider
	// Domain is the base domain of the sandbox hosts.
	Domain string
	// Scheme of the public URLs, https routes get TLS.
	Scheme        string
	EntryPoint    string
	CertResolver  string
	MinTLSVersion string
	CipherSuites  []string
	// MaxRetries is the number of retries of a failed apply.
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       log.Logger
}

func (c *RegistrarConfig) defaults() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}

	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}

	if c.Scheme == "" {
		c.Scheme = "https"
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("unknown scheme %q", c.Scheme)
	}

	if c.EntryPoint == "" {
		c.EntryPoint = "websecure"
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries can't be negative")
	}

	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "proxy.Registrar"})

	return nil
}

// Registrar keeps the route table of every sandbox and publishes it on the proxy.
// A sandbox routes are applied all together or not at all.
type Registrar struct {
	mu           sync.Mutex
	routes       map[string][]Route
	provider     Provider
	domain       string
	scheme       string
	settings     traefikSettings
	maxRetries   int
	retryBackoff time.Duration
	logger       log.Logger
}

// NewRegistrar returns a new registrar.
func NewRegistrar(cfg RegistrarConfig) (*Registrar, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Registrar{
		routes:   map[string][]Route{},
		provider: cfg.Provider,
		domain:   cfg.Domain,
		scheme:   cfg.Scheme,
		settings: traefikSettings{
			scheme:       cfg.Scheme,
			entryPoint:   cfg.EntryPoint,
			certResolver: cfg.CertResolver,
			minVersion:   cfg.MinTLSVersion,
			ciphers:      slices.Clone(cfg.CipherSuites),
		},
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       cfg.Logger,
	}, nil
}

// Routes returns the routes a sandbox would publish.
func (r *Registrar) Routes(sb model.Sandbox) []Route {
	return routes(sb, r.domain)
}

// Publish sets the routes of a sandbox, replacing the previous ones.
// Publishing the same routes again is a no-op.
func (r *Registrar) Publish(ctx context.Context, sb model.Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs := routes(sb, r.domain)
	if slices.Equal(rs, r.routes[sb.ID]) {
		return nil
	}

	for id, other := range r.routes {
		if id == sb.ID {
			continue
		}
		for _, o := range other {
			for _, n := range rs {
				if n.Routed() && o.Host == n.Host {
					return fmt.Errorf("host %s already routed to sandbox %s: %w", n.Host, id, model.ErrAlreadyExists)
				}
			}
		}
	}

	next := maps.Clone(r.routes)
	next[sb.ID] = rs
	if len(rs) == 0 {
		delete(next, sb.ID)
	}
	if err := r.apply(ctx, next); err != nil {
		return err
	}
	r.routes = next
	r.logger.Infof("Published %d routes for sandbox %s", len(rs), sb.ID)

	return nil
}

// Withdraw removes every route of a sandbox, withdrawing an unknown sandbox is a no-op.
func (r *Registrar) Withdraw(ctx context.Context, sandboxID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[sandboxID]; !ok {
		return nil
	}

	next := maps.Clone(r.routes)
	delete(next, sandboxID)
	if err := r.apply(ctx, next); err != nil {
		return err
	}
	r.routes = next
	r.logger.Infof("Withdrawn routes of sandbox %s", sandboxID)

	return nil
}

// Restore replaces the whole route table with the routes of the sandboxes and publishes it.
func (r *Registrar) Restore(ctx context.Context, sbs []model.Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := map[string][]Route{}
	for _, sb := range sbs {
		if rs := routes(sb, r.domain); len(rs) > 0 {
			next[sb.ID] = rs
		}
	}
	if err := r.apply(ctx, next); err != nil {
		return err
	}
	r.routes = next
	r.logger.Infof("Restored routes of %d sandboxes", len(next))

	return nil
}

// Published returns the published routes of a sandbox.
func (r *Registrar) Published(sandboxID string) []Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.routes[sandboxID])
}

// All returns every published route sorted by name.
func (r *Registrar) All() []Route {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []Route
	for _, rs := range r.routes {
		res = append(res, rs...)
	}
	slices.SortFunc(res, func(a, b Route) int { return cmp.Compare(a.Name, b.Name) })
	return res
}

// URLs returns the public URL of each sandbox port by internal port.
func (r *Registrar) URLs(sb model.Sandbox) map[int]string {
	res := map[int]string{}
	for _, rt := range routes(sb, r.domain) {
		res[rt.InternalPort] = rt.URL(r.scheme, r.domain)
	}
	return res
}

func (r *Registrar) apply(ctx context.Context, table map[string][]Route) error {
	var all []Route
	for _, id := range slices.Sorted(maps.Keys(table)) {
		all = append(all, table[id]...)
	}
	cfg := dynamicConfig(all, r.settings)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryBackoff
	b.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := r.provider.Apply(ctx, cfg)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if err != nil {
			r.logger.Warningf("Proxy apply attempt %d failed: %s", attempts, err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxRetries)), ctx))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %w", model.ErrProxyPublish, err)
		}
		return fmt.Errorf("failed after %d attempts: %w: %w", attempts, model.ErrProxyPublish, err)
	}

	return nil
}
