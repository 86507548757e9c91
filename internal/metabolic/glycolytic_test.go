package metabolic

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestAllocateResources(t *testing.T) {
	g := NewGlycolyticCycle(zap.NewNop())

	alloc := g.AllocateResources(0.9, 0.0)
	if math.Abs(alloc["cpu"]-1.9) > 1e-9 {
		t.Errorf("cpu = %f, want 1.9", alloc["cpu"])
	}
	if math.Abs(alloc["memory"]-0.8) > 1e-9 {
		t.Errorf("memory = %f, want 0.8", alloc["memory"])
	}
	if math.Abs(alloc["io"]-0.6) > 1e-9 {
		t.Errorf("io = %f, want 0.6", alloc["io"])
	}

	// Under full load the base allocation halves.
	alloc = g.AllocateResources(0.0, 1.0)
	if math.Abs(alloc["cpu"]-0.5) > 1e-9 {
		t.Errorf("cpu under load = %f, want 0.5", alloc["cpu"])
	}

	// The last allocation is cached for telemetry reads.
	cached := g.ResourceAllocation()
	if math.Abs(cached["io"]-0.3) > 1e-9 {
		t.Errorf("cached io = %f, want 0.3", cached["io"])
	}
}

func TestQueueOrderedByPriorityComplexityRatio(t *testing.T) {
	g := NewGlycolyticCycle(zap.NewNop())

	// All workers busy so the balancer sorts but assigns nothing.
	g.mu.Lock()
	for _, w := range g.workers {
		w.busy = true
	}
	g.mu.Unlock()

	g.SubmitTask(&Task{TaskID: "low", Priority: 1, Complexity: 4})
	g.SubmitTask(&Task{TaskID: "high", Priority: 8, Complexity: 2})
	g.SubmitTask(&Task{TaskID: "mid", Priority: 3, Complexity: 2})
	g.SubmitTask(&Task{TaskID: "mid-tie", Priority: 6, Complexity: 4}) // same ratio as mid, later insertion

	g.balanceLoad(context.Background())

	g.mu.RLock()
	defer g.mu.RUnlock()
	got := make([]string, len(g.queue))
	for i, task := range g.queue {
		got[i] = task.TaskID
	}
	want := []string{"high", "mid", "mid-tie", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue order = %v, want %v", got, want)
		}
	}
}

func TestWorkerReleasedOnTaskPanic(t *testing.T) {
	g := NewGlycolyticCycle(zap.NewNop())

	g.SubmitTask(&Task{
		TaskID: "boom",
		Run:    func(ctx context.Context) error { panic("exploded") },
	})
	g.tickOnce(context.Background())

	waitFor(t, time.Second, func() bool {
		g.mu.RLock()
		defer g.mu.RUnlock()
		for _, w := range g.workers {
			if w.busy {
				return false
			}
		}
		return g.failed == 1
	})

	g.updateMetrics()
	if m := g.Metrics(); m.ErrorRate != 1.0 {
		t.Errorf("error rate = %f, want 1.0", m.ErrorRate)
	}
}

func TestWorkerReleasedOnTaskError(t *testing.T) {
	g := NewGlycolyticCycle(zap.NewNop())

	g.SubmitTask(&Task{
		TaskID: "fails",
		Run:    func(ctx context.Context) error { return errors.New("nope") },
	})
	g.tickOnce(context.Background())

	waitFor(t, time.Second, func() bool {
		g.mu.RLock()
		defer g.mu.RUnlock()
		return g.failed == 1
	})
}

func TestAutoScaleUpUnderSustainedLoad(t *testing.T) {
	g := NewGlycolyticCycle(zap.NewNop())
	floor := g.Floor()

	release := make(chan struct{})
	var wg sync.WaitGroup
	block := func(ctx context.Context) error {
		<-release
		return nil
	}

	// Enough blocking tasks to keep every worker busy through repeated
	// balancer ticks.
	for i := 0; i < 40; i++ {
		wg.Add(1)
		g.SubmitTask(&Task{
			TaskID:     "blocker",
			Priority:   float64(i + 1),
			Complexity: 1,
			Run: func(ctx context.Context) error {
				defer wg.Done()
				return block(ctx)
			},
		})
	}

	for i := 0; i < 40; i++ {
		g.tickOnce(context.Background())
	}

	if got := g.WorkerCount(); got > maxWorkers {
		t.Fatalf("worker count %d exceeds cap %d", got, maxWorkers)
	}
	if got := g.WorkerCount(); got <= floor && floor < maxWorkers {
		t.Fatalf("pool did not scale up: %d workers (floor %d)", got, floor)
	}

	close(release)
	waitFor(t, 5*time.Second, func() bool {
		g.tickOnce(context.Background())
		return g.PendingTasks() == 0
	})
	wg.Wait()

	// With everything idle the pool drains back to the floor, one worker
	// per tick, never below it.
	waitFor(t, 5*time.Second, func() bool {
		g.tickOnce(context.Background())
		return g.WorkerCount() == floor
	})
}

func TestScaleDownNeverRemovesBusyWorker(t *testing.T) {
	g := NewGlycolyticCycle(zap.NewNop())

	g.mu.Lock()
	// Grow past the floor, then mark every original worker busy.
	extra := g.newWorker()
	g.workers = append(g.workers, extra)
	for _, w := range g.workers {
		if w.id != extra.id {
			w.busy = true
		}
	}
	g.load = 0.0 // force the scale-down branch
	g.mu.Unlock()

	g.scaleWorkers()

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, w := range g.workers {
		if w.id == extra.id {
			t.Fatal("idle worker should have been removed before any busy one")
		}
		if !w.busy {
			t.Fatal("a busy worker was removed")
		}
	}
}

func TestPerformanceScoreEMA(t *testing.T) {
	g := NewGlycolyticCycle(zap.NewNop())

	g.mu.Lock()
	w := g.workers[0]
	w.busy = true
	id := w.id
	g.mu.Unlock()

	g.releaseWorker(id, 2.0, false)

	g.mu.RLock()
	defer g.mu.RUnlock()
	want := 1.0*0.9 + 0.1/2.0
	if math.Abs(w.performanceScore-want) > 1e-9 {
		t.Errorf("score = %f, want %f", w.performanceScore, want)
	}
	if w.busy {
		t.Error("worker still busy after release")
	}
}
