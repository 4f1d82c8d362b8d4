package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/sync/errgroup"

	"github.com/slok/sbxd/internal/log"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/registry"
)

// Orchestrator is the part of the orchestrator the monitor uses.
type Orchestrator interface {
	List(f registry.ListFilter) []model.Sandbox
	MarkError(ctx context.Context, id, detail string) error
}

// StatsGetter samples a container resource usage.
type StatsGetter interface {
	Stats(ctx context.Context, containerID string) (*model.ResourceUsage, error)
}

// AlertSink receives the threshold alerts.
type AlertSink interface {
	Alert(ctx context.Context, a model.Alert)
}

// AlertSinkFunc is a helper to use functions as AlertSink.
type AlertSinkFunc func(ctx context.Context, a model.Alert)

// Alert satisfies AlertSink interface.
func (f AlertSinkFunc) Alert(ctx context.Context, a model.Alert) { f(ctx, a) }

// Thresholds are the usage percents above which an alert is raised.
type Thresholds struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// WorkerConfig is the configuration for the monitor worker.
type WorkerConfig struct {
	Orchestrator Orchestrator
	Stats        StatsGetter
	Thresholds   Thresholds
	Interval     time.Duration
	// StatsTimeout bounds each sandbox stats sample.
	StatsTimeout time.Duration
	// MaxFailures is the number of consecutive failed samples that moves a sandbox to error.
	MaxFailures int
	// AlertCooldown silences repeated alerts of the same subject and metric, zero disables it.
	AlertCooldown time.Duration
	// HostStats is optional, when set the host is checked on each tick too.
	HostStats     HostStatsFunc
	Concurrency   int
	AlertSink     AlertSink
	MeterProvider metric.MeterProvider
	Logger        log.Logger
	Now           func() time.Time
}

func (c *WorkerConfig) defaults() error {
	if c.Orchestrator == nil {
		return fmt.Errorf("orchestrator is required")
	}

	if c.Stats == nil {
		return fmt.Errorf("stats getter is required")
	}

	for _, t := range []float64{c.Thresholds.CPU, c.Thresholds.Memory, c.Thresholds.Disk} {
		if t <= 0 {
			return fmt.Errorf("thresholds must be positive")
		}
	}

	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}

	if c.StatsTimeout <= 0 {
		c.StatsTimeout = 5 * time.Second
	}

	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}

	if c.AlertCooldown < 0 {
		return fmt.Errorf("alert cooldown can't be negative")
	}

	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}

	if c.MeterProvider == nil {
		c.MeterProvider = noop.NewMeterProvider()
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "monitor.Worker"})

	if c.AlertSink == nil {
		c.AlertSink = LogAlertSink(c.Logger)
	}

	return nil
}

// LogAlertSink returns a sink that logs the alerts.
func LogAlertSink(logger log.Logger) AlertSink {
	return AlertSinkFunc(func(_ context.Context, a model.Alert) {
		logger.Warningf("Resource alert on %s: %s at %s%% (threshold %s%%)",
			a.Subject(), a.Metric, humanize.FtoaWithDigits(a.Value, 2), humanize.FtoaWithDigits(a.Threshold, 2))
	})
}

// Worker polls the resource usage of the running sandboxes and raises alerts when a
// threshold is exceeded.
type Worker struct {
	orch        Orchestrator
	stats       StatsGetter
	thresholds  Thresholds
	interval    time.Duration
	statsTO     time.Duration
	maxFailures int
	host        HostStatsFunc
	concurrency int
	sink        AlertSink
	cooldown    *ttlcache.Cache[string, struct{}]
	rec         *recorder
	logger      log.Logger
	now         func() time.Time

	mu       sync.Mutex
	failures map[string]int
}

// NewWorker returns a new monitor worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	rec, err := newRecorder(cfg.MeterProvider)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		orch:        cfg.Orchestrator,
		stats:       cfg.Stats,
		thresholds:  cfg.Thresholds,
		interval:    cfg.Interval,
		statsTO:     cfg.StatsTimeout,
		maxFailures: cfg.MaxFailures,
		host:        cfg.HostStats,
		concurrency: cfg.Concurrency,
		sink:        cfg.AlertSink,
		rec:         rec,
		logger:      cfg.Logger,
		now:         cfg.Now,
		failures:    map[string]int{},
	}
	if cfg.AlertCooldown > 0 {
		w.cooldown = ttlcache.New(
			ttlcache.WithTTL[string, struct{}](cfg.AlertCooldown),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
	}

	return w, nil
}

// Run runs the worker until the context is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Infof("Monitor worker started (interval: %s)", w.interval)
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Infof("Monitor worker stopped")
			return nil
		case <-t.C:
			w.Tick(ctx)
		}
	}
}

// Tick checks every running sandbox once, and the host when configured.
func (w *Worker) Tick(ctx context.Context) {
	sbs := w.orch.List(registry.ListFilter{States: []model.SandboxState{model.SandboxStateRunning}})
	w.forget(sbs)

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, sb := range sbs {
		g.Go(func() error {
			w.checkSandbox(ctx, sb)
			return nil
		})
	}
	if w.host != nil {
		g.Go(func() error {
			w.checkHost(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (w *Worker) checkSandbox(ctx context.Context, sb model.Sandbox) {
	sctx, cancel := context.WithTimeout(ctx, w.statsTO)
	defer cancel()

	u, err := w.stats.Stats(sctx, sb.ContainerID)
	if err != nil {
		w.rec.recordFailure(ctx, sb.ID)
		n := w.failed(sb.ID)
		w.logger.Warningf("could not get stats of sandbox %s (%d/%d): %s", sb.ID, n, w.maxFailures, err)
		if n < w.maxFailures {
			return
		}

		detail := fmt.Sprintf("resource stats failed %d consecutive times: %s", n, err)
		if err := w.orch.MarkError(ctx, sb.ID, detail); err != nil {
			w.logger.Errorf("could not mark sandbox %s as errored: %s", sb.ID, err)
			return
		}
		w.reset(sb.ID)
		return
	}
	w.reset(sb.ID)

	u.SandboxID = sb.ID
	w.rec.recordUsage(ctx, sb.ID, *u)
	w.evaluate(ctx, sb.ID, *u)
}

func (w *Worker) checkHost(ctx context.Context) {
	u, err := w.host(ctx)
	if err != nil {
		w.logger.Warningf("could not get host stats: %s", err)
		return
	}

	w.rec.recordUsage(ctx, "system", *u)
	w.evaluate(ctx, "", *u)
}

// evaluate raises one alert per metric above its threshold.
func (w *Worker) evaluate(ctx context.Context, sandboxID string, u model.ResourceUsage) {
	checks := []struct {
		metric    model.Metric
		value     float64
		threshold float64
	}{
		{model.MetricCPU, u.CPUPercent, w.thresholds.CPU},
		{model.MetricMemory, u.MemoryPercent, w.thresholds.Memory},
		{model.MetricDisk, u.DiskPercent, w.thresholds.Disk},
	}

	for _, c := range checks {
		if c.value <= c.threshold {
			continue
		}

		a := model.Alert{
			SandboxID: sandboxID,
			Metric:    c.metric,
			Value:     c.value,
			Threshold: c.threshold,
			At:        w.now().UTC(),
		}
		if w.coolingDown(a) {
			continue
		}
		w.rec.recordAlert(ctx, a)
		w.sink.Alert(ctx, a)
	}
}

func (w *Worker) coolingDown(a model.Alert) bool {
	if w.cooldown == nil {
		return false
	}

	key := a.Subject() + "/" + string(a.Metric)
	if w.cooldown.Get(key) != nil {
		return true
	}
	w.cooldown.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func (w *Worker) failed(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[id]++
	return w.failures[id]
}

func (w *Worker) reset(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.failures, id)
}

// forget drops the failure counters of sandboxes that are not running anymore.
func (w *Worker) forget(running []model.Sandbox) {
	ids := make(map[string]struct{}, len(running))
	for _, sb := range running {
		ids[sb.ID] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.failures {
		if _, ok := ids[id]; !ok {
			delete(w.failures, id)
		}
	}
}
