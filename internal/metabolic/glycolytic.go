// Package metabolic implements the three-stage resource-management
// subsystem behind the decision pipeline: a self-scaling work scheduler
// (glycolytic cycle), a TTL-bounded partial-result cache (lactate cycle)
// and a background pattern synthesizer (dreaming module). Each component
// owns its state exclusively and exposes narrow read accessors; consumers
// treat everything they read here as best-effort telemetry.
package metabolic

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	maxWorkers         = 32
	balancerInterval   = 100 * time.Millisecond
	scaleUpThreshold   = 0.8
	scaleDownThreshold = 0.3
	maxJitter          = 0.2
)

// Task is a unit of schedulable work. Run is optional: when nil the
// scheduler simulates the estimated duration instead of doing real work.
type Task struct {
	TaskID              string
	StreamID            string
	Complexity          float64
	Priority            float64
	ResourceRequirement float64
	EstimatedTime       float64 // seconds
	CreatedAt           time.Time
	Run                 func(ctx context.Context) error
}

type workerState struct {
	id               string
	busy             bool
	currentTask      string
	performanceScore float64
	resourceUsage    float64
}

// SchedulerMetrics aggregates worker performance.
type SchedulerMetrics struct {
	Throughput         float64 `json:"throughput"`
	ResourceEfficiency float64 `json:"resource_efficiency"`
	ErrorRate          float64 `json:"error_rate"`
	TasksCompleted     int64   `json:"tasks_completed"`
	TasksFailed        int64   `json:"tasks_failed"`
}

// GlycolyticCycle is the high-throughput scheduler. A fixed-period
// balancer assigns queued tasks to idle workers by priority/complexity
// ratio and scales the pool between the core-count floor and 32.
type GlycolyticCycle struct {
	mu         sync.RWMutex
	workers    []*workerState
	queue      []*Task
	allocation map[string]float64
	load       float64
	metrics    SchedulerMetrics
	completed  int64
	failed     int64

	floor  int
	nextID int

	cancel context.CancelFunc
	logger *zap.Logger
}

// NewGlycolyticCycle creates the scheduler with one worker per host CPU
// core, clamped to [1, 32]. The floor never drops below the initial size.
func NewGlycolyticCycle(logger *zap.Logger) *GlycolyticCycle {
	floor := runtime.NumCPU()
	if floor < 1 {
		floor = 1
	}
	if floor > maxWorkers {
		floor = maxWorkers
	}

	g := &GlycolyticCycle{
		allocation: make(map[string]float64),
		floor:      floor,
		logger:     logger,
	}
	for i := 0; i < floor; i++ {
		g.workers = append(g.workers, g.newWorker())
	}
	return g
}

func (g *GlycolyticCycle) newWorker() *workerState {
	w := &workerState{
		id:               fmt.Sprintf("worker_%d", g.nextID),
		performanceScore: 1.0,
	}
	g.nextID++
	return w
}

// Start begins the balancer loop in a background goroutine.
func (g *GlycolyticCycle) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.loop(ctx)
	g.logger.Info("glycolytic cycle started",
		zap.Int("workers", g.floor),
		zap.Duration("interval", balancerInterval))
}

// Stop halts the balancer loop. In-flight task executions run to completion.
func (g *GlycolyticCycle) Stop() {
	if g.cancel != nil {
		g.cancel()
		g.logger.Info("glycolytic cycle stopped")
	}
}

func (g *GlycolyticCycle) loop(ctx context.Context) {
	ticker := time.NewTicker(balancerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.balanceLoad(ctx)
			g.updateMetrics()
			g.scaleWorkers()
		}
	}
}

// SubmitTask queues a task for execution. Order of execution is governed
// by priority/complexity ratio, not submission order.
func (g *GlycolyticCycle) SubmitTask(task *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	g.queue = append(g.queue, task)
}

// balanceLoad assigns the highest-ratio pending tasks to idle workers.
// Stable sort keeps insertion order as the tie-break.
func (g *GlycolyticCycle) balanceLoad(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sort.SliceStable(g.queue, func(i, j int) bool {
		return g.queue[i].ratio() > g.queue[j].ratio()
	})

	for _, w := range g.workers {
		if len(g.queue) == 0 {
			break
		}
		if w.busy {
			continue
		}
		task := g.queue[0]
		g.queue = g.queue[1:]

		w.busy = true
		w.currentTask = task.TaskID
		w.resourceUsage = task.ResourceRequirement

		go g.processTask(ctx, w.id, task)
	}
}

func (t *Task) ratio() float64 {
	if t.Complexity == 0 {
		return t.Priority
	}
	return t.Priority / t.Complexity
}

// processTask executes one task and always releases its worker, even when
// the task panics or errors.
func (g *GlycolyticCycle) processTask(ctx context.Context, workerID string, task *Task) {
	start := time.Now()
	var failed bool

	defer func() {
		if r := recover(); r != nil {
			failed = true
			g.logger.Error("task panicked",
				zap.String("task", task.TaskID),
				zap.Any("panic", r))
		}
		g.releaseWorker(workerID, time.Since(start).Seconds(), failed)
	}()

	if task.Run != nil {
		if err := task.Run(ctx); err != nil {
			failed = true
			g.logger.Warn("task failed",
				zap.String("task", task.TaskID),
				zap.Error(err))
		}
		return
	}

	// Simulated execution: estimated duration plus bounded jitter.
	processing := task.EstimatedTime * (1.0 + rand.Float64()*maxJitter)
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(processing * float64(time.Second))):
	}
}

func (g *GlycolyticCycle) releaseWorker(workerID string, processingTime float64, failed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if failed {
		g.failed++
	} else {
		g.completed++
	}

	for _, w := range g.workers {
		if w.id != workerID {
			continue
		}
		w.busy = false
		w.currentTask = ""
		w.resourceUsage = 0
		if processingTime > 0 {
			w.performanceScore = w.performanceScore*0.9 + 0.1/processingTime
		}
		return
	}
	// Worker was scaled away while the task ran; nothing left to free.
}

func (g *GlycolyticCycle) updateMetrics() {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := len(g.workers)
	if total == 0 {
		return
	}
	busy := 0
	scoreSum := 0.0
	for _, w := range g.workers {
		if w.busy {
			busy++
		}
		scoreSum += w.performanceScore
	}

	g.load = float64(busy) / float64(total)
	g.metrics.Throughput = scoreSum / float64(total)
	g.metrics.ResourceEfficiency = g.load
	g.metrics.TasksCompleted = g.completed
	g.metrics.TasksFailed = g.failed
	if g.completed+g.failed > 0 {
		g.metrics.ErrorRate = float64(g.failed) / float64(g.completed+g.failed)
	}
}

// scaleWorkers grows the pool one worker at a time under sustained load
// and shrinks it back toward the floor when idle. Busy workers are never
// removed.
func (g *GlycolyticCycle) scaleWorkers() {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.load > scaleUpThreshold && len(g.workers) < maxWorkers:
		w := g.newWorker()
		g.workers = append(g.workers, w)
		g.logger.Debug("scaled up", zap.Int("workers", len(g.workers)))
	case g.load < scaleDownThreshold && len(g.workers) > g.floor:
		for i, w := range g.workers {
			if !w.busy {
				g.workers = append(g.workers[:i], g.workers[i+1:]...)
				g.logger.Debug("scaled down", zap.Int("workers", len(g.workers)))
				break
			}
		}
	}
}

// AllocateResources computes the cpu/memory/io share vector for one
// context. Pure computation apart from caching the result for telemetry.
func (g *GlycolyticCycle) AllocateResources(confidenceLevel, glycolyticLoad float64) map[string]float64 {
	base := 1.0 / (1.0 + glycolyticLoad)
	allocation := map[string]float64{
		"cpu":    base * (1.0 + confidenceLevel),
		"memory": base * 0.8,
		"io":     base * 0.6,
	}

	g.mu.Lock()
	g.allocation = allocation
	g.mu.Unlock()

	return allocation
}

// CurrentLoad returns the busy-worker fraction.
func (g *GlycolyticCycle) CurrentLoad() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.load
}

// ResourceAllocation returns a copy of the most recent allocation vector.
func (g *GlycolyticCycle) ResourceAllocation() map[string]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]float64, len(g.allocation))
	for k, v := range g.allocation {
		out[k] = v
	}
	return out
}

// Metrics returns a snapshot of aggregate scheduler metrics.
func (g *GlycolyticCycle) Metrics() SchedulerMetrics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.metrics
}

// WorkerCount returns the current pool size.
func (g *GlycolyticCycle) WorkerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.workers)
}

// PendingTasks returns the queued task count.
func (g *GlycolyticCycle) PendingTasks() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.queue)
}

// Floor returns the minimum pool size (initial core count).
func (g *GlycolyticCycle) Floor() int {
	return g.floor
}

// tickOnce runs one balancer iteration synchronously. Test hook.
func (g *GlycolyticCycle) tickOnce(ctx context.Context) {
	g.balanceLoad(ctx)
	g.updateMetrics()
	g.scaleWorkers()
}
