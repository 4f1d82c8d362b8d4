package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/registry"
)

// Orchestrator is the part of the orchestrator the cleanup worker uses.
type Orchestrator interface {
	List(f registry.ListFilter) []model.Sandbox
	Delete(ctx context.Context, id string) error
}

// WorkerConfig is the configuration for the cleanup worker.
type WorkerConfig struct {
	Orchestrator Orchestrator
	Interval     time.Duration
	// MaxAge is the maximum life of a sandbox since its creation, zero disables it.
	MaxAge time.Duration
	// InactiveTimeout is the maximum time without activity, zero disables it.
	InactiveTimeout time.Duration
	// Disabled turns the worker off.
	Disabled bool
	// DeleteRate is the maximum deletions per second.
	DeleteRate float64
	Logger     log.Logger
	Now        func() time.Time
}

func (c *WorkerConfig) defaults() error {
	if c.Orchestrator == nil {
		return fmt.Errorf("orchestrator is required")
	}

	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}

	if c.MaxAge < 0 || c.InactiveTimeout < 0 {
		return fmt.Errorf("max age and inactive timeout can't be negative")
	}

	if c.DeleteRate <= 0 {
		c.DeleteRate = 5
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "cleanup.Worker"})

	return nil
}

// Worker periodically deletes the sandboxes that are too old, inactive, out of time or in
// error, always through the orchestrator.
type Worker struct {
	orch     Orchestrator
	interval time.Duration
	maxAge   time.Duration
	inactive time.Duration
	disabled bool
	limiter  *rate.Limiter
	logger   log.Logger
	now      func() time.Time
}

// NewWorker returns a new cleanup worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		orch:     cfg.Orchestrator,
		interval: cfg.Interval,
		maxAge:   cfg.MaxAge,
		inactive: cfg.InactiveTimeout,
		disabled: cfg.Disabled,
		limiter:  rate.NewLimiter(rate.Limit(cfg.DeleteRate), 1),
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// Run runs the worker until the context is done. A disabled worker only waits.
func (w *Worker) Run(ctx context.Context) error {
	if w.disabled {
		w.logger.Infof("Cleanup worker disabled")
		<-ctx.Done()
		return nil
	}

	w.logger.Infof("Cleanup worker started (interval: %s, max age: %s, inactive timeout: %s)", w.interval, w.maxAge, w.inactive)
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Infof("Cleanup worker stopped")
			return nil
		case <-t.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep deletes the expired sandboxes and returns how many were deleted. A failed deletion
// doesn't stop the rest.
func (w *Worker) Sweep(ctx context.Context) int {
	deleted := 0
	for _, sb := range w.orch.List(registry.ListFilter{}) {
		reason := w.expired(sb)
		if reason == "" {
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			w.logger.Debugf("Cleanup sweep interrupted: %s", err)
			break
		}

		err := w.orch.Delete(ctx, sb.ID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			w.logger.Warningf("could not delete sandbox %s (%s): %s", sb.ID, reason, err)
			continue
		}
		deleted++
		w.logger.Infof("Sandbox %s deleted: %s", sb.ID, reason)
	}

	return deleted
}

// expired returns why a sandbox must be deleted, empty when it must be kept.
func (w *Worker) expired(sb model.Sandbox) string {
	if sb.State.Terminal() || sb.State.Transient() {
		return ""
	}

	now := w.now()
	switch {
	case w.maxAge > 0 && now.Sub(sb.CreatedAt) > w.maxAge:
		return fmt.Sprintf("older than %s", w.maxAge)
	case w.inactive > 0 && now.Sub(sb.LastActiveAt) > w.inactive:
		return fmt.Sprintf("inactive for more than %s", w.inactive)
	case sb.State == model.SandboxStateRunning && sb.Spec.Resources.Timeout > 0 && sb.StartedAt != nil && now.Sub(*sb.StartedAt) > sb.Spec.Resources.Timeout:
		return fmt.Sprintf("timeout of %s reached", sb.Spec.Resources.Timeout)
	}

	return ""
}
