package stats

import (
	"cmp"
	"math"
	"slices"
	"sort"
	"sync"
	"time"
)

// Stage names with a latency mean and ring.
const (
	StageSTT         = "stt"
	StageTTS         = "tts"
	StageInteraction = "interaction"
	StageRouteLocal  = "route.local"
	StageRouteRemote = "route.remote"
)

// Counter names.
const (
	CounterInteractions = "interactions.total"
	CounterSuccessful   = "interactions.successful"
	CounterFailed       = "interactions.failed"
	CounterWakeEvents   = "wake.events"
	CounterWakeDropped  = "wake.dropped"
)

// DefaultWindow is the number of latency samples retained per stage.
const DefaultWindow = 100

var (
	defaultStages   = []string{StageSTT, StageTTS, StageInteraction, StageRouteLocal, StageRouteRemote}
	defaultCounters = []string{CounterInteractions, CounterSuccessful, CounterFailed, CounterWakeEvents, CounterWakeDropped}
)

// Aggregator collects per-stage latencies and named counters.
// Stages and counters not in the default sets are created on first use.
type Aggregator struct {
	mu       sync.Mutex
	window   int
	stages   map[string]*stage
	counters map[string]int64
	started  time.Time
}

type stage struct {
	mean RunningMean
	ring latencyBuffer
}

// NewAggregator creates an Aggregator retaining window latency samples per
// stage. A window <= 0 uses DefaultWindow.
func NewAggregator(window int) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	a := &Aggregator{window: window}
	a.reset()
	return a
}

func (a *Aggregator) reset() {
	a.stages = make(map[string]*stage, len(defaultStages))
	for _, name := range defaultStages {
		a.stages[name] = &stage{ring: newLatencyBuffer(a.window)}
	}
	a.counters = make(map[string]int64, len(defaultCounters))
	for _, name := range defaultCounters {
		a.counters[name] = 0
	}
	a.started = time.Now()
}

// Observe records a latency sample for the named stage.
func (a *Aggregator) Observe(name string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stages[name]
	if !ok {
		s = &stage{ring: newLatencyBuffer(a.window)}
		a.stages[name] = s
	}
	s.mean.Add(d.Seconds())
	s.ring.add(d)
}

// Incr increments the named counter by one.
func (a *Aggregator) Incr(name string) { a.Add(name, 1) }

// Add increments the named counter by n. Negative n is ignored so counters
// stay monotonic.
func (a *Aggregator) Add(name string, n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counters[name] += n
}

// Counter returns the current value of the named counter.
func (a *Aggregator) Counter(name string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[name]
}

// Mean returns the running mean latency of the named stage.
func (a *Aggregator) Mean(name string) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stages[name]
	if !ok {
		return 0
	}
	return seconds(s.mean.Mean())
}

// Reset clears every stage and counter.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

// LatencyPercentiles holds p50 and p95 values for a latency stage.
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
}

// StageSnapshot describes one stage.
type StageSnapshot struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	LatencyPercentiles
}

// Snapshot is a point-in-time view of the aggregator.
type Snapshot struct {
	Since    time.Time        `json:"since"`
	Stages   []StageSnapshot  `json:"stages"`
	Counters map[string]int64 `json:"counters"`
}

// Stage returns the snapshot of the named stage, if present.
func (s Snapshot) Stage(name string) (StageSnapshot, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageSnapshot{}, false
}

// SuccessRate returns successful / total interactions, or 0 with no
// interactions.
func (s Snapshot) SuccessRate() float64 {
	total := s.Counters[CounterInteractions]
	if total == 0 {
		return 0
	}
	return float64(s.Counters[CounterSuccessful]) / float64(total)
}

// Snapshot returns every stage (sorted by name) and counter.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Since:    a.started,
		Stages:   make([]StageSnapshot, 0, len(a.stages)),
		Counters: make(map[string]int64, len(a.counters)),
	}
	for name, s := range a.stages {
		snap.Stages = append(snap.Stages, StageSnapshot{
			Name:               name,
			Count:              s.mean.Count(),
			Mean:               seconds(s.mean.Mean()),
			LatencyPercentiles: s.ring.percentiles(),
		})
	}
	slices.SortFunc(snap.Stages, func(x, y StageSnapshot) int {
		return cmp.Compare(x.Name, y.Name)
	})
	for name, v := range a.counters {
		snap.Counters[name] = v
	}
	return snap
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{
		data: make([]time.Duration, size),
		size: size,
	}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos >= lb.size {
		lb.pos = 0
		lb.full = true
	}
}

func (lb *latencyBuffer) percentiles() LatencyPercentiles {
	n := lb.pos
	if lb.full {
		n = lb.size
	}
	if n == 0 {
		return LatencyPercentiles{}
	}

	sorted := make([]time.Duration, n)
	copy(sorted, lb.data[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencyPercentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
	}
}

// percentile returns the nearest-rank value at p (0.0-1.0) of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}
