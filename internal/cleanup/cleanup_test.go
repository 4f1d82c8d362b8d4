package cleanup_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/sbxd/internal/cleanup"
	"github.com/slok/sbxd/internal/model"
	"github.com/slok/sbxd/internal/registry"
)

type fakeOrchestrator struct {
	mu      sync.Mutex
	sbs     []model.Sandbox
	deleted []string
	fail    map[string]error
}

func (f *fakeOrchestrator) List(_ registry.ListFilter) []model.Sandbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sbs)
}

func (f *fakeOrchestrator) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	f.sbs = slices.DeleteFunc(f.sbs, func(sb model.Sandbox) bool { return sb.ID == id })
	return nil
}

func (f *fakeOrchestrator) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := slices.Clone(f.deleted)
	slices.Sort(res)
	return res
}

var now = time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

func ago(d time.Duration) time.Time { return now.Add(-d) }

func sandbox(id string, created, active time.Duration) model.Sandbox {
	started := ago(created)
	return model.Sandbox{
		ID:           id,
		State:        model.SandboxStateRunning,
		CreatedAt:    ago(created),
		LastActiveAt: ago(active),
		StartedAt:    &started,
	}
}

func TestWorkerSweep(t *testing.T) {
	tests := map[string]struct {
		sbs        []model.Sandbox
		fail       map[string]error
		expDeleted []string
	}{
		"A sandbox older than the max age should be deleted.": {
			sbs: []model.Sandbox{
				sandbox("old", 86401*time.Second, time.Second),
				sandbox("young", 86399*time.Second, time.Second),
			},
			expDeleted: []string{"old"},
		},

		"A sandbox inactive for longer than the timeout should be deleted.": {
			sbs: []model.Sandbox{
				sandbox("stale", 2*time.Hour, 3601*time.Second),
				sandbox("active", 2*time.Hour, 3599*time.Second),
			},
			expDeleted: []string{"stale"},
		},

		"A running sandbox past its timeout should be deleted.": {
			sbs: func() []model.Sandbox {
				sb := sandbox("timed", 10*time.Minute, time.Second)
				sb.Spec.Resources.Timeout = 5 * time.Minute
				sb2 := sandbox("untimed", 10*time.Minute, time.Second)
				stopped := sandbox("stopped", 10*time.Minute, time.Second)
				stopped.State = model.SandboxStateStopped
				stopped.Spec.Resources.Timeout = 5 * time.Minute
				return []model.Sandbox{sb, sb2, stopped}
			}(),
			expDeleted: []string{"timed"},
		},

		"Sandboxes in error should only be deleted by age or inactivity.": {
			sbs: func() []model.Sandbox {
				errored := sandbox("errored", time.Minute, time.Second)
				errored.State = model.SandboxStateError
				errored.Spec.Resources.Timeout = time.Second
				old := sandbox("old-errored", 48*time.Hour, time.Second)
				old.State = model.SandboxStateError
				idle := sandbox("idle-errored", 2*time.Hour, 2*time.Hour)
				idle.State = model.SandboxStateError
				return []model.Sandbox{errored, old, idle}
			}(),
			expDeleted: []string{"idle-errored", "old-errored"},
		},

		"Transient sandboxes should be kept.": {
			sbs: func() []model.Sandbox {
				creating := sandbox("creating", 48*time.Hour, 48*time.Hour)
				creating.State = model.SandboxStateCreating
				return []model.Sandbox{creating}
			}(),
		},

		"A failed deletion should not stop the sweep.": {
			sbs: []model.Sandbox{
				sandbox("a", 48*time.Hour, time.Second),
				sandbox("b", 48*time.Hour, time.Second),
			},
			fail:       map[string]error{"a": model.ErrRuntimeTimeout},
			expDeleted: []string{"b"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			orch := &fakeOrchestrator{sbs: test.sbs, fail: test.fail}
			w, err := cleanup.NewWorker(cleanup.WorkerConfig{
				Orchestrator:    orch,
				MaxAge:          86400 * time.Second,
				InactiveTimeout: 3600 * time.Second,
				DeleteRate:      1000,
				Now:             func() time.Time { return now },
			})
			require.NoError(t, err)

			n := w.Sweep(context.TODO())

			assert.Equal(t, test.expDeleted, orch.got())
			assert.Equal(t, len(test.expDeleted), n)
		})
	}
}

func TestWorkerRun(t *testing.T) {
	tests := map[string]struct {
		disabled   bool
		expDeleted []string
	}{
		"An enabled worker should sweep periodically.": {
			expDeleted: []string{"old"},
		},
		"A disabled worker should never sweep.": {
			disabled: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			orch := &fakeOrchestrator{sbs: []model.Sandbox{sandbox("old", 48*time.Hour, time.Second)}}
			w, err := cleanup.NewWorker(cleanup.WorkerConfig{
				Orchestrator: orch,
				Interval:     5 * time.Millisecond,
				MaxAge:       24 * time.Hour,
				Disabled:     test.disabled,
				DeleteRate:   1000,
				Now:          func() time.Time { return now },
			})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error)
			go func() { done <- w.Run(ctx) }()

			time.Sleep(50 * time.Millisecond)
			cancel()
			assert.NoError(t, <-done)
			assert.Equal(t, test.expDeleted, orch.got())
		})
	}
}
