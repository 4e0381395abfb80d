package dispatch

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// latencyWindow is how many recent task latencies the in-memory stats keep.
const latencyWindow = 100

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tasks_total",
			Help: "Per-conversation tasks by outcome.",
		},
		[]string{"outcome"},
	)

	failedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_failed_total",
		Help: "Tasks that consumed a batch but produced no delivered reply.",
	})

	timedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_timed_out_total",
		Help: "Tasks aborted by the task timeout.",
	})

	errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_errors_total",
		Help: "Errors raised while scanning or processing conversations.",
	})

	responsesGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_responses_generated_total",
		Help: "Replies produced by the responder.",
	})

	scanTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_scan_ticks_total",
		Help: "Scan loop iterations.",
	})

	dueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_due_conversations",
		Help: "Conversations found due by the last scan.",
	})

	inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_tasks_inflight",
		Help: "Tasks currently running.",
	})

	taskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_task_duration_seconds",
		Help:    "Duration of tasks that consumed a batch.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		tasksTotal, failedTotal, timedOut, errorsTotal, responsesGenerated,
		scanTicks, dueGauge, inflight, taskDuration,
	)
}

// Snapshot is a point-in-time copy of the dispatcher counters.
type Snapshot struct {
	Processed          int64     `json:"processed"`
	Failed             int64     `json:"failed"`
	TimedOut           int64     `json:"timed_out"`
	ResponsesGenerated int64     `json:"responses_generated"`
	ErrorsTotal        int64     `json:"errors_total"`
	ScanTicks          int64     `json:"scan_ticks"`
	LastScanAt         time.Time `json:"last_scan_at"`
	AvgLatencyMS       float64   `json:"avg_latency_ms"`
	MinLatencyMS       float64   `json:"min_latency_ms"`
	MaxLatencyMS       float64   `json:"max_latency_ms"`
	SuccessRate        float64   `json:"success_rate"`
}

// Metrics returns the current counters.
func (d *Dispatcher) Metrics() Snapshot { return d.stats.snapshot() }

type stats struct {
	mu        sync.Mutex
	snap      Snapshot
	latencies []time.Duration
	next      int
}

func newStats() *stats {
	return &stats{latencies: make([]time.Duration, 0, latencyWindow)}
}

func (s *stats) scan(at time.Time) {
	s.mu.Lock()
	s.snap.ScanTicks++
	s.snap.LastScanAt = at
	s.mu.Unlock()
}

func (s *stats) processed(d time.Duration) {
	s.mu.Lock()
	s.snap.Processed++
	s.observe(d)
	s.mu.Unlock()
}

func (s *stats) failed(d time.Duration) {
	s.mu.Lock()
	s.snap.Failed++
	s.observe(d)
	s.mu.Unlock()
}

func (s *stats) timedOut(d time.Duration) {
	s.mu.Lock()
	s.snap.TimedOut++
	s.snap.ErrorsTotal++
	s.observe(d)
	s.mu.Unlock()
}

func (s *stats) response() {
	s.mu.Lock()
	s.snap.ResponsesGenerated++
	s.mu.Unlock()
}

func (s *stats) errored() {
	s.mu.Lock()
	s.snap.ErrorsTotal++
	s.mu.Unlock()
}

// observe adds a latency to the ring. Callers hold mu.
func (s *stats) observe(d time.Duration) {
	if len(s.latencies) < latencyWindow {
		s.latencies = append(s.latencies, d)
		return
	}
	s.latencies[s.next] = d
	s.next = (s.next + 1) % latencyWindow
}

func (s *stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.snap
	if n := len(s.latencies); n > 0 {
		var sum time.Duration
		lo, hi := time.Duration(math.MaxInt64), time.Duration(0)
		for _, l := range s.latencies {
			sum += l
			lo = min(lo, l)
			hi = max(hi, l)
		}
		out.AvgLatencyMS = ms(sum / time.Duration(n))
		out.MinLatencyMS = ms(lo)
		out.MaxLatencyMS = ms(hi)
	}
	if total := out.Processed + out.Failed; total > 0 {
		out.SuccessRate = float64(out.Processed) / float64(total)
	} else {
		out.SuccessRate = 1
	}
	return out
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
