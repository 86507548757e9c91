package metabolic

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sweepInterval = 30 * time.Second
	partialTTL    = time.Hour
)

// PartialResult is a cached low-confidence decision. It lives until the
// background sweep finds its age past the TTL.
type PartialResult struct {
	ResultID             string          `json:"result_id"`
	TaskID               string          `json:"task_id"`
	CompletionPercentage float64         `json:"completion_percentage"`
	PartialData          json.RawMessage `json:"partial_data"`
	Confidence           float64         `json:"confidence"`
	CreatedAt            time.Time       `json:"created_at"`
	TTL                  time.Duration   `json:"ttl"`
}

// LactateCycle caches incomplete decisions and exposes an aggregate
// pressure signal derived from the backlog.
type LactateCycle struct {
	mu           sync.RWMutex
	results      map[string]*PartialResult
	lactateLevel float64
	ttl          time.Duration

	cancel context.CancelFunc
	logger *zap.Logger
}

// NewLactateCycle creates the cache. A non-positive ttl falls back to
// the one-hour default.
func NewLactateCycle(ttl time.Duration, logger *zap.Logger) *LactateCycle {
	if ttl <= 0 {
		ttl = partialTTL
	}
	return &LactateCycle{
		results: make(map[string]*PartialResult),
		ttl:     ttl,
		logger:  logger,
	}
}

// Start begins the periodic sweep loop.
func (l *LactateCycle) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.loop(ctx)
	l.logger.Info("lactate cycle started", zap.Duration("sweep", sweepInterval))
}

// Stop halts the sweep loop.
func (l *LactateCycle) Stop() {
	if l.cancel != nil {
		l.cancel()
		l.logger.Info("lactate cycle stopped")
	}
}

func (l *LactateCycle) loop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(time.Now())
		}
	}
}

// Sweep removes entries whose age is at or past their TTL, then
// recomputes the lactate level: incomplete count / (1 + mean completion),
// zero when the cache is empty.
func (l *LactateCycle) Sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, r := range l.results {
		if now.Sub(r.CreatedAt) >= r.TTL {
			delete(l.results, id)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("expired partial results", zap.Int("removed", removed))
	}

	if len(l.results) == 0 {
		l.lactateLevel = 0
		return
	}

	total := 0.0
	for _, r := range l.results {
		total += r.CompletionPercentage
	}
	mean := total / float64(len(l.results))
	l.lactateLevel = float64(len(l.results)) / (1.0 + mean)
}

// Store archives a low-confidence decision payload under a fresh result
// id. Completion is the confidence expressed as a percentage; entries
// live for the cycle's configured TTL.
func (l *LactateCycle) Store(sourceID string, confidence float64, payload json.RawMessage) *PartialResult {
	r := &PartialResult{
		ResultID:             uuid.New().String(),
		TaskID:               sourceID,
		CompletionPercentage: confidence * 100.0,
		PartialData:          payload,
		Confidence:           confidence,
		CreatedAt:            time.Now(),
		TTL:                  l.ttl,
	}

	l.mu.Lock()
	l.results[r.ResultID] = r
	l.mu.Unlock()

	return r
}

// Retrieve returns the first entry matching the source task/decision id,
// or nil when absent.
func (l *LactateCycle) Retrieve(taskID string) *PartialResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.results {
		if r.TaskID == taskID {
			return r
		}
	}
	return nil
}

// RecoverFromIncomplete returns every entry whose source id contains the
// stream id. Substring matching is a best-effort, approximate join, not
// an exact index.
func (l *LactateCycle) RecoverFromIncomplete(streamID string) []*PartialResult {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*PartialResult
	for _, r := range l.results {
		if strings.Contains(r.TaskID, streamID) {
			out = append(out, r)
		}
	}
	return out
}

// LactateLevel returns the aggregate pressure signal.
func (l *LactateCycle) LactateLevel() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lactateLevel
}

// Size returns the number of cached entries.
func (l *LactateCycle) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.results)
}
