package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Aggregate is one of the three indexed counter aggregates: three
// monotonically non-decreasing integers, updated atomically.
type Aggregate struct {
	InputTokens  int64
	OutputTokens int64
	Requests     int64
}

// Snapshot is a read copy of an Aggregate, safe to marshal.
type Snapshot struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Requests     int64 `json:"requests"`
}

func (a *Aggregate) add(input, output int64) {
	atomic.AddInt64(&a.InputTokens, input)
	atomic.AddInt64(&a.OutputTokens, output)
	atomic.AddInt64(&a.Requests, 1)
}

func (a *Aggregate) snapshot() Snapshot {
	return Snapshot{
		InputTokens:  atomic.LoadInt64(&a.InputTokens),
		OutputTokens: atomic.LoadInt64(&a.OutputTokens),
		Requests:     atomic.LoadInt64(&a.Requests),
	}
}

// Accountant is the Usage Accountant: per-credential, per-model, and
// global counters of input/output/request totals. Global counters are
// atomic integers; the two indexed maps are guarded by a single
// reader-writer lock. Insertion is behind the write side; updates to
// existing entries use atomic arithmetic on their fields and require only
// the read side (double-checked creation).
type Accountant struct {
	global Aggregate

	mu      sync.RWMutex
	byCred  map[string]*Aggregate
	byModel map[string]*Aggregate
}

// NewAccountant constructs an empty Accountant.
func NewAccountant() *Accountant {
	return &Accountant{
		byCred:  map[string]*Aggregate{},
		byModel: map[string]*Aggregate{},
	}
}

// Record atomically adds inputTokens/outputTokens to the global,
// per-credential, and per-model aggregates and increments each
// aggregate's request counter by one. Aggregates absent from the index
// are created at zero, then updated.
func (a *Accountant) Record(credID, model string, inputTokens, outputTokens int64) {
	a.global.add(inputTokens, outputTokens)
	a.aggregateFor(&a.byCred, credID).add(inputTokens, outputTokens)
	a.aggregateFor(&a.byModel, model).add(inputTokens, outputTokens)
}

// RecordLatency appends d to cred's rolling latency window (samples are
// converted to milliseconds when stats are read); called by the pipeline
// immediately after every upstream attempt completes.
func (a *Accountant) RecordLatency(cred *Credential, d time.Duration) {
	cred.recordLatency(d)
}

func (a *Accountant) aggregateFor(index *map[string]*Aggregate, key string) *Aggregate {
	a.mu.RLock()
	agg, ok := (*index)[key]
	a.mu.RUnlock()
	if ok {
		return agg
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if agg, ok := (*index)[key]; ok {
		return agg
	}
	agg = &Aggregate{}
	(*index)[key] = agg
	return agg
}

// Summary is the structural snapshot returned by summary().
type Summary struct {
	Global  Snapshot            `json:"global"`
	ByCred  map[string]Snapshot `json:"by_credential"`
	ByModel map[string]Snapshot `json:"by_model"`
}

// Summary returns a structural snapshot with a global block and the two
// indexed maps.
func (a *Accountant) Summary() Summary {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byCred := make(map[string]Snapshot, len(a.byCred))
	for k, v := range a.byCred {
		byCred[k] = v.snapshot()
	}
	byModel := make(map[string]Snapshot, len(a.byModel))
	for k, v := range a.byModel {
		byModel[k] = v.snapshot()
	}
	return Summary{
		Global:  a.global.snapshot(),
		ByCred:  byCred,
		ByModel: byModel,
	}
}

// EstimateInputTokens approximates prompt tokens when the upstream's
// reported count is unavailable before the call completes.
func EstimateInputTokens(text string, imageCount int) int64 {
	estimate := len(text)/4 + 300*imageCount
	if estimate < 1 {
		estimate = 1
	}
	return int64(estimate)
}

// latencyMeanStdDev computes the mean and (sample, N-1) standard deviation
// of samples using gonum/stat. It returns (0, 0) for no samples and
// (mean, 0) for a single sample.
func latencyMeanStdDev(samples []float64) (mean, stddev float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	mean = stat.Mean(samples, nil)
	if len(samples) < 2 {
		return mean, 0
	}
	stddev = stat.StdDev(samples, nil)
	return mean, stddev
}
