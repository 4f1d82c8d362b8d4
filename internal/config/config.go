package config

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/slok/sbxd/internal/model"
)

// Memory is a byte quantity configured with unit strings like "512m".
type Memory int64

// ProxyProvider selects where the routing configuration is published.
type ProxyProvider string

const (
	ProxyProviderFile  ProxyProvider = "file"
	ProxyProviderRedis ProxyProvider = "redis"
)

// Config is the engine configuration, it is parsed once and never mutated.
type Config struct {
	PortRangeStart       int   `env:"SANDBOX_PORT_RANGE_START"        envDefault:"10000"`
	PortRangeEnd         int   `env:"SANDBOX_PORT_RANGE_END"          envDefault:"20000"`
	ReservedPorts        []int `env:"SANDBOX_RESERVED_PORTS"          envDefault:"22,80,443,2375,2376,2377,2378,2379,2380,3375"`
	BlockedPorts         []int `env:"SANDBOX_BLOCKED_PORTS"           envDefault:"22,80,443"`
	MaxContainersPerUser int   `env:"SANDBOX_MAX_CONTAINERS_PER_USER" envDefault:"10"`

	DefaultCPU     float64       `env:"SANDBOX_DEFAULT_CPU"     envDefault:"1.0"`
	DefaultMemory  Memory        `env:"SANDBOX_DEFAULT_MEMORY"  envDefault:"512m"`
	DefaultTimeout time.Duration `env:"SANDBOX_DEFAULT_TIMEOUT" envDefault:"3600s"`
	MaxCPU         float64       `env:"SANDBOX_DOCKER_MAX_CPU"    envDefault:"8"`
	MaxMemory      Memory        `env:"SANDBOX_DOCKER_MAX_MEMORY" envDefault:"16g"`

	MonitorInterval        time.Duration `env:"SANDBOX_MONITOR_INTERVAL"         envDefault:"10s"`
	MonitorCPUThreshold    float64       `env:"SANDBOX_MONITOR_CPU_THRESHOLD"    envDefault:"90"`
	MonitorMemoryThreshold float64       `env:"SANDBOX_MONITOR_MEMORY_THRESHOLD" envDefault:"90"`
	MonitorDiskThreshold   float64       `env:"SANDBOX_MONITOR_DISK_THRESHOLD"   envDefault:"90"`
	MonitorStatsTimeout    time.Duration `env:"SANDBOX_MONITOR_STATS_TIMEOUT"    envDefault:"5s"`
	MonitorMaxFailures     int           `env:"SANDBOX_MONITOR_MAX_FAILURES"     envDefault:"3"`
	MonitorAlertCooldown   time.Duration `env:"SANDBOX_MONITOR_ALERT_COOLDOWN"   envDefault:"0s"`
	// DiskBudget is the writable layer size that counts as 100% disk usage.
	DiskBudget Memory `env:"SANDBOX_DISK_BUDGET" envDefault:"10g"`

	CleanupInterval    time.Duration `env:"SANDBOX_CLEANUP_INTERVAL"     envDefault:"300s"`
	MaxContainerAge    time.Duration `env:"SANDBOX_MAX_CONTAINER_AGE"    envDefault:"86400s"`
	InactiveTimeout    time.Duration `env:"SANDBOX_INACTIVE_TIMEOUT"     envDefault:"3600s"`
	AutoCleanupEnabled bool          `env:"SANDBOX_AUTO_CLEANUP_ENABLED" envDefault:"true"`
	CleanupDeleteRate  float64       `env:"SANDBOX_CLEANUP_DELETE_RATE"  envDefault:"5"`

	EnableGPU            bool   `env:"SANDBOX_ENABLE_GPU"             envDefault:"false"`
	EnableNetwork        bool   `env:"SANDBOX_ENABLE_NETWORK"         envDefault:"true"`
	NetworkIsolation     bool   `env:"SANDBOX_NETWORK_ISOLATION"      envDefault:"true"`
	DockerDefaultNetwork string `env:"SANDBOX_DOCKER_DEFAULT_NETWORK" envDefault:"traefik-net"`
	VolumesRoot          string `env:"SANDBOX_VOLUMES_ROOT"           envDefault:"/var/lib/sandbox/volumes"`

	Domain               string        `env:"SANDBOX_DOMAIN"                  envDefault:"sandbox.local"`
	DomainScheme         string        `env:"SANDBOX_DOMAIN_SCHEME"           envDefault:"https"`
	TraefikEntrypoint    string        `env:"SANDBOX_TRAEFIK_ENTRYPOINT"      envDefault:"websecure"`
	TraefikCertResolver  string        `env:"SANDBOX_TRAEFIK_CERT_RESOLVER"   envDefault:"letsencrypt"`
	TraefikSSLMinVersion string        `env:"SANDBOX_TRAEFIK_SSL_MIN_VERSION" envDefault:"VersionTLS12"`
	TraefikSSLCiphers    []string      `env:"SANDBOX_TRAEFIK_SSL_CIPHERS"     envDefault:"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"`
	ProxyProvider        ProxyProvider `env:"SANDBOX_PROXY_PROVIDER"          envDefault:"file"`
	ProxyFile            string        `env:"SANDBOX_PROXY_FILE"              envDefault:"/etc/traefik/dynamic/sandboxes.yml"`
	ProxyRedisAddr       string        `env:"SANDBOX_PROXY_REDIS_ADDR"`
	ProxyRedisRootKey    string        `env:"SANDBOX_PROXY_REDIS_ROOT_KEY"    envDefault:"traefik"`
	ProxyPublishRetries  int           `env:"SANDBOX_PROXY_PUBLISH_RETRIES"   envDefault:"3"`

	RuntimeTimeout      time.Duration `env:"SANDBOX_RUNTIME_TIMEOUT"       envDefault:"30s"`
	RuntimeMaxRetries   int           `env:"SANDBOX_RUNTIME_MAX_RETRIES"   envDefault:"3"`
	RuntimeRetryBackoff time.Duration `env:"SANDBOX_RUNTIME_RETRY_BACKOFF" envDefault:"200ms"`
	StopTimeout         time.Duration `env:"SANDBOX_STOP_TIMEOUT"          envDefault:"10s"`
	OperationTimeout    time.Duration `env:"SANDBOX_OPERATION_TIMEOUT"     envDefault:"2m"`
	ImageCacheTTL       time.Duration `env:"SANDBOX_IMAGE_CACHE_TTL"       envDefault:"10m"`
}

// Load parses the configuration from the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFromMap parses the configuration from a key/value map, unset keys take their defaults.
func LoadFromMap(vars map[string]string) (Config, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	opts.FuncMap = map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(Memory(0)): parseMemory,
	}
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("could not parse config: %w: %w", model.ErrNotValid, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func parseMemory(s string) (any, error) {
	b, err := model.ParseMemory(s)
	if err != nil {
		return nil, err
	}
	return Memory(b), nil
}

// Validate checks the configuration is coherent.
func (c Config) Validate() error {
	switch {
	case c.PortRangeStart < 1 || c.PortRangeEnd > 65536:
		return fmt.Errorf("port range [%d, %d) out of bounds: %w", c.PortRangeStart, c.PortRangeEnd, model.ErrNotValid)
	case c.PortRangeStart >= c.PortRangeEnd:
		return fmt.Errorf("port range start %d must be lower than end %d: %w", c.PortRangeStart, c.PortRangeEnd, model.ErrNotValid)
	case c.MaxContainersPerUser < 1:
		return fmt.Errorf("max containers per user must be positive: %w", model.ErrNotValid)
	case c.DefaultCPU <= 0 || c.MaxCPU <= 0:
		return fmt.Errorf("cpu defaults must be positive: %w", model.ErrNotValid)
	case c.DefaultCPU > c.MaxCPU:
		return fmt.Errorf("default cpu exceeds max cpu: %w", model.ErrNotValid)
	case c.DefaultMemory > c.MaxMemory:
		return fmt.Errorf("default memory exceeds max memory: %w", model.ErrNotValid)
	case c.MonitorInterval <= 0 || c.CleanupInterval <= 0:
		return fmt.Errorf("worker intervals must be positive: %w", model.ErrNotValid)
	case c.MonitorStatsTimeout <= 0 || c.RuntimeTimeout <= 0 || c.OperationTimeout <= 0:
		return fmt.Errorf("timeouts must be positive: %w", model.ErrNotValid)
	case c.MonitorMaxFailures < 1:
		return fmt.Errorf("monitor max failures must be positive: %w", model.ErrNotValid)
	case c.RuntimeMaxRetries < 0 || c.ProxyPublishRetries < 0:
		return fmt.Errorf("retries can't be negative: %w", model.ErrNotValid)
	case c.CleanupDeleteRate <= 0:
		return fmt.Errorf("cleanup delete rate must be positive: %w", model.ErrNotValid)
	case c.DiskBudget <= 0:
		return fmt.Errorf("disk budget must be positive: %w", model.ErrNotValid)
	case c.VolumesRoot == "":
		return fmt.Errorf("volumes root is required: %w", model.ErrNotValid)
	case c.Domain == "":
		return fmt.Errorf("domain is required: %w", model.ErrNotValid)
	case c.DomainScheme != "http" && c.DomainScheme != "https":
		return fmt.Errorf("domain scheme must be http or https: %w", model.ErrNotValid)
	}

	for _, t := range []float64{c.MonitorCPUThreshold, c.MonitorMemoryThreshold, c.MonitorDiskThreshold} {
		if t <= 0 || t > 100 {
			return fmt.Errorf("monitor thresholds must be in (0, 100]: %w", model.ErrNotValid)
		}
	}

	switch c.ProxyProvider {
	case ProxyProviderFile:
		if c.ProxyFile == "" {
			return fmt.Errorf("proxy file is required with the file provider: %w", model.ErrNotValid)
		}
	case ProxyProviderRedis:
		if c.ProxyRedisAddr == "" {
			return fmt.Errorf("redis address is required with the redis provider: %w", model.ErrNotValid)
		}
	default:
		return fmt.Errorf("unknown proxy provider %q: %w", c.ProxyProvider, model.ErrNotValid)
	}

	return nil
}

// Limits returns the bounds sandbox specs are validated against.
func (c Config) Limits() model.Limits {
	return model.Limits{
		MaxCPU:         c.MaxCPU,
		MaxMemoryBytes: int64(c.MaxMemory),
		GPUEnabled:     c.EnableGPU,
		NetworkEnabled: c.EnableNetwork,
	}
}

// ExcludedPorts returns the reserved and blocked ports together.
func (c Config) ExcludedPorts() []int {
	ports := slices.Concat(c.ReservedPorts, c.BlockedPorts)
	slices.Sort(ports)
	return slices.Compact(ports)
}

// DefaultResources returns the resources applied when a create request omits them.
func (c Config) DefaultResources() model.Resources {
	return model.Resources{
		CPU:         c.DefaultCPU,
		MemoryBytes: int64(c.DefaultMemory),
		Timeout:     c.DefaultTimeout,
	}
}
