package port

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
)

// AllocatorConfig is the configuration for the port allocator.
type AllocatorConfig struct {
	// Start is the first port of the range (inclusive).
	Start int
	// End is the last port of the range (exclusive).
	End int
	// Excluded are the reserved and blocked ports that are never handed out.
	Excluded []int
	Logger   log.Logger
}

func (c *AllocatorConfig) defaults() error {
	if c.Start < 1 || c.End > 65536 || c.Start >= c.End {
		return fmt.Errorf("invalid port range [%d, %d)", c.Start, c.End)
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "port.Allocator"})

	return nil
}

// Allocator hands out external ports from a fixed range.
// Ports are tracked in a bitset indexed by port - start.
type Allocator struct {
	start    int
	size     uint
	used     *bitset.BitSet
	excluded *bitset.BitSet
	mu       sync.Mutex
	logger   log.Logger
}

// NewAllocator returns a new port allocator.
func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	size := uint(cfg.End - cfg.Start)
	a := &Allocator{
		start:    cfg.Start,
		size:     size,
		used:     bitset.New(size),
		excluded: bitset.New(size),
		logger:   cfg.Logger,
	}
	for _, p := range cfg.Excluded {
		if idx, ok := a.index(p); ok {
			a.excluded.Set(idx)
		}
	}

	return a, nil
}

func (a *Allocator) index(port int) (uint, bool) {
	if port < a.start || port >= a.start+int(a.size) {
		return 0, false
	}
	return uint(port - a.start), true
}

// Allocate returns count free ports for a protocol. Either all of them are claimed or none.
// Every protocol shares the same range.
func (a *Allocator) Allocate(count int, protocol model.Protocol) ([]int, error) {
	if count < 0 {
		return nil, fmt.Errorf("port count can't be negative: %w", model.ErrNotValid)
	}
	if !protocol.Valid() {
		return nil, fmt.Errorf("unknown protocol %q: %w", protocol, model.ErrNotValid)
	}
	if count == 0 {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	taken := a.used.Union(a.excluded)
	ports := make([]int, 0, count)
	idx := uint(0)
	for len(ports) < count {
		free, ok := taken.NextClear(idx)
		if !ok || free >= a.size {
			return nil, fmt.Errorf("requested %d %s ports, %d available: %w", count, protocol, len(ports), model.ErrExhausted)
		}
		ports = append(ports, a.start+int(free))
		idx = free + 1
	}

	for _, p := range ports {
		a.used.Set(uint(p - a.start))
	}
	a.logger.Debugf("allocated %s ports %v", protocol, ports)

	return ports, nil
}

// Validate checks that the ports could ever be reserved: inside the range, not excluded and
// not repeated. It doesn't check if they are currently allocated.
func (a *Allocator) Validate(ports ...int) error {
	seen := map[int]bool{}
	for _, p := range ports {
		idx, ok := a.index(p)
		if !ok {
			return fmt.Errorf("port %d out of range [%d, %d): %w", p, a.start, a.start+int(a.size), model.ErrNotValid)
		}
		if seen[p] {
			return fmt.Errorf("port %d requested twice: %w", p, model.ErrNotValid)
		}
		seen[p] = true
		if a.excluded.Test(idx) {
			return fmt.Errorf("port %d is reserved: %w", p, model.ErrNotValid)
		}
	}
	return nil
}

// Reserve claims specific ports. Either all of them are claimed or none.
func (a *Allocator) Reserve(ports ...int) error {
	if err := a.Validate(ports...); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range ports {
		if a.used.Test(uint(p - a.start)) {
			return fmt.Errorf("port %d already allocated: %w", p, model.ErrAlreadyExists)
		}
	}

	for _, p := range ports {
		a.used.Set(uint(p - a.start))
	}

	return nil
}

// Release frees ports, releasing a free port is a no-op.
func (a *Allocator) Release(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range ports {
		if idx, ok := a.index(p); ok {
			a.used.Clear(idx)
		}
	}
	if len(ports) > 0 {
		a.logger.Debugf("released ports %v", ports)
	}
}

// InUse returns true if the port is currently allocated.
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.index(port)
	return ok && a.used.Test(idx)
}

// Available returns the number of ports that can still be allocated.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return int(a.size - a.used.Union(a.excluded).Count())
}
