package security

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DetectorStats tracks execution counts and latency per detector.
type DetectorStats struct {
	TotalExecutions int64
	TotalDetections int64
	TotalErrors     int64
	AverageLatency  time.Duration
	LastExecuted    time.Time
}

// EventSink receives detection summaries for persistence and
// alerting. Implementations must not block the caller.
type EventSink interface {
	RecordDetections(in *Input, results []Result)
}

// KillFunc terminates an in-flight stream for the given request.
type KillFunc func(reason string)

// Config tunes the engine.
type Config struct {
	Enabled      bool
	Policy       Policy
	SyncTimeout  time.Duration // combined budget for inline detectors
	AsyncTimeout time.Duration
	Workers      int
}

// Engine runs registered detectors over requests and responses and
// converts their findings into enforcement decisions.
type Engine struct {
	mu        sync.RWMutex
	cfg       Config
	logger    *zap.Logger
	sink      EventSink
	detectors map[string]Detector
	syncDets  []Detector
	asyncDets []Detector
	stats     map[string]*DetectorStats

	sem chan struct{}
}

func NewEngine(cfg Config, sink EventSink, logger *zap.Logger) *Engine {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 100 * time.Millisecond
	}
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger.Named("security"),
		sink:      sink,
		detectors: make(map[string]Detector),
		stats:     make(map[string]*DetectorStats),
		sem:       make(chan struct{}, cfg.Workers),
	}
}

// Register adds a detector. Sync and async detectors are kept in
// separate priority-ordered lists.
func (e *Engine) Register(d Detector) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := d.Name()
	if _, exists := e.detectors[name]; exists {
		return fmt.Errorf("detector %s already registered", name)
	}
	e.detectors[name] = d
	e.stats[name] = &DetectorStats{}

	switch d.Mode() {
	case ModeSync:
		e.syncDets = insertByPriority(e.syncDets, d)
	case ModeAsync:
		e.asyncDets = insertByPriority(e.asyncDets, d)
	}

	e.logger.Info("registered detector",
		zap.String("name", name),
		zap.String("threat_type", d.ThreatType()),
		zap.Int("priority", d.Priority()))
	return nil
}

func insertByPriority(list []Detector, d Detector) []Detector {
	list = append(list, d)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority() < list[j].Priority() })
	return list
}

// AnalyzeRequest runs the sync detectors inline and fans the async
// ones out in the background. The returned summary carries the
// decision for the inline findings only; async findings arrive at the
// event sink (and the kill callback, when one is given) later.
func (e *Engine) AnalyzeRequest(ctx context.Context, in *Input) *Summary {
	return e.analyze(ctx, in, nil)
}

// AnalyzeResponse is AnalyzeRequest for (possibly partial) upstream
// output. kill may be nil for unary responses.
func (e *Engine) AnalyzeResponse(ctx context.Context, in *Input, kill KillFunc) *Summary {
	in.IsResponse = true
	return e.analyze(ctx, in, kill)
}

func (e *Engine) analyze(ctx context.Context, in *Input, kill KillFunc) *Summary {
	if !e.cfg.Enabled {
		return Summarize(nil)
	}
	if in.At.IsZero() {
		in.At = time.Now()
	}

	e.mu.RLock()
	syncDets := append([]Detector(nil), e.syncDets...)
	asyncDets := append([]Detector(nil), e.asyncDets...)
	e.mu.RUnlock()

	results := e.runSync(ctx, syncDets, in)
	e.spawnAsync(asyncDets, in, kill)

	summary := Summarize(results)
	Decide(summary, e.cfg.Policy)
	if summary.Detected() && e.sink != nil {
		e.sink.RecordDetections(in, summary.Results)
	}
	return summary
}

// runSync executes detectors on the bounded pool under the combined
// sync deadline. A detector that errors or overruns contributes
// nothing, it never fails the request.
func (e *Engine) runSync(ctx context.Context, dets []Detector, in *Input) []Result {
	if len(dets) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SyncTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)
	for _, d := range dets {
		if !d.Enabled() {
			continue
		}
		wg.Add(1)
		go func(d Detector) {
			defer wg.Done()
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				return
			}
			found := e.runOne(ctx, d, in)
			if len(found) > 0 {
				mu.Lock()
				results = append(results, found...)
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()
	return results
}

// spawnAsync runs off-path detectors with their own timeout. Their
// findings are recorded through the sink, and a critical block-level
// finding triggers the kill callback when one was provided.
func (e *Engine) spawnAsync(dets []Detector, in *Input, kill KillFunc) {
	for _, d := range dets {
		if !d.Enabled() {
			continue
		}
		go func(d Detector) {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AsyncTimeout)
			defer cancel()

			found := e.runOne(ctx, d, in)
			if len(found) == 0 {
				return
			}
			summary := Summarize(found)
			Decide(summary, e.cfg.Policy)
			if e.sink != nil {
				e.sink.RecordDetections(in, summary.Results)
			}
			if kill != nil && (summary.HasAction(ActionKill) || summary.HasAction(ActionBlock)) {
				kill(fmt.Sprintf("%s:%s", d.Name(), summary.ThreatTypeList()[0]))
			}
		}(d)
	}
}

func (e *Engine) runOne(ctx context.Context, d Detector, in *Input) []Result {
	start := time.Now()
	found, err := d.Detect(ctx, in)
	elapsed := time.Since(start)
	e.updateStats(d.Name(), elapsed, len(found), err)

	if err != nil {
		e.logger.Warn("detector failed",
			zap.String("detector", d.Name()),
			zap.String("request_id", in.RequestID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil
	}
	return found
}

func (e *Engine) updateStats(name string, elapsed time.Duration, detections int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stats[name]
	if st == nil {
		st = &DetectorStats{}
		e.stats[name] = st
	}
	st.TotalExecutions++
	st.TotalDetections += int64(detections)
	if err != nil {
		st.TotalErrors++
	}
	st.LastExecuted = time.Now()
	if st.TotalExecutions == 1 {
		st.AverageLatency = elapsed
	} else {
		st.AverageLatency = time.Duration(
			(int64(st.AverageLatency)*(st.TotalExecutions-1) + int64(elapsed)) / st.TotalExecutions)
	}
}

// Stats returns a copy of per-detector execution statistics.
func (e *Engine) Stats() map[string]DetectorStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]DetectorStats, len(e.stats))
	for name, st := range e.stats {
		out[name] = *st
	}
	return out
}

// Enabled reports whether analysis runs at all.
func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// PolicyMode exposes the configured enforcement posture.
func (e *Engine) PolicyMode() PolicyMode { return e.cfg.Policy.Mode }
