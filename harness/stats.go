package harness

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/sirupsen/logrus"
)

// maxResponseMillis is the top of the histogram range. Larger values are recorded as this.
const maxResponseMillis = int64(time.Hour / time.Millisecond)

// Snapshot is the aggregated view of one request name. Times are in milliseconds.
type Snapshot struct {
	RequestType string
	Name        string
	Requests    int64
	Failures    int64
	Mean        float64
	P50         int64
	P90         int64
	P99         int64
	Max         int64
}

type entry struct {
	requestType string
	hist        *hdrhistogram.Histogram
	failures    int64
}

// Stats aggregates response times per request name across all users.
type Stats struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *logrus.Entry
}

func NewStats(logger *logrus.Entry) *Stats {
	return &Stats{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

func (s *Stats) OnEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	en, ok := s.entries[e.Name]
	if !ok {
		en = &entry{
			requestType: e.RequestType,
			hist:        hdrhistogram.New(1, maxResponseMillis, 3),
		}
		s.entries[e.Name] = en
	}
	if !e.Success {
		en.failures++
		return
	}
	v := int64(e.ResponseTimeMillis)
	if v > maxResponseMillis {
		v = maxResponseMillis
	}
	if v < 0 {
		v = 0
	}
	if err := en.hist.RecordValue(v); err != nil {
		s.logger.Warnf("Could not record %d ms for %s: %s", v, e.Name, err)
	}
}

// Get returns the snapshot for one request name.
func (s *Stats) Get(name string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	en, ok := s.entries[name]
	if !ok {
		return Snapshot{}, false
	}
	return en.snapshot(name), true
}

// Snapshot returns all request names, sorted.
func (s *Stats) Snapshot() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.entries))
	for name, en := range s.entries {
		out = append(out, en.snapshot(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (en *entry) snapshot(name string) Snapshot {
	count := en.hist.TotalCount()
	return Snapshot{
		RequestType: en.requestType,
		Name:        name,
		Requests:    count + en.failures,
		Failures:    en.failures,
		Mean:        en.hist.Mean(),
		P50:         en.hist.ValueAtQuantile(50),
		P90:         en.hist.ValueAtQuantile(90),
		P99:         en.hist.ValueAtQuantile(99),
		Max:         en.hist.Max(),
	}
}

// Report logs one line per request name.
func (s *Stats) Report() {
	for _, snap := range s.Snapshot() {
		s.logger.Infof("%s %s: %d reqs, %d fails, avg %.1f ms, p50 %d ms, p90 %d ms, p99 %d ms, max %d ms",
			snap.RequestType, snap.Name, snap.Requests, snap.Failures, snap.Mean, snap.P50, snap.P90, snap.P99, snap.Max)
	}
}

// RunReporter calls Report every interval until the context is cancelled.
func (s *Stats) RunReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Report()
		}
	}
}
