// Package report aggregates the event stream into an end-of-run summary.
package report

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/tdigest"

	"github.com/whep-bench/whepbench/internal/bench"
	"github.com/whep-bench/whepbench/internal/whep"
)

const (
	compression = 100
	maxReasons  = 10
)

// series is a t-digest plus the exact aggregates the digest cannot give.
type series struct {
	digest *tdigest.TDigest
	count  int
	sum    float64
	max    float64
}

func newSeries() *series {
	return &series{digest: tdigest.NewWithCompression(compression)}
}

func (s *series) add(x float64) {
	s.digest.Add(x, 1)
	s.count++
	s.sum += x
	if s.count == 1 || x > s.max {
		s.max = x
	}
}

func (s *series) quantiles() Quantiles {
	if s.count == 0 {
		return Quantiles{}
	}
	return Quantiles{
		Count: s.count,
		Mean:  s.sum / float64(s.count),
		P50:   s.digest.Quantile(0.50),
		P90:   s.digest.Quantile(0.90),
		P99:   s.digest.Quantile(0.99),
		Max:   s.max,
	}
}

// Collector is a bench.Observer that builds the run summary. Summary may be
// called concurrently with Observe.
type Collector struct {
	mu sync.Mutex

	runID     string
	target    string
	plan      bench.Plan
	startedAt time.Time
	endedAt   time.Time

	started   map[int]time.Time
	connected map[int]bool
	ended     map[int]bool

	total     int
	nConnect  int
	nOK       int
	nFailed   int
	failures  map[string]int
	reasons   map[string]int
	connectMs *series
	recvKbps  *series
	sendKbps  *series
	rttMs     *series
	lossPct   *series
}

func NewCollector(target string, plan bench.Plan) *Collector {
	return &Collector{
		runID:     uuid.NewString(),
		target:    target,
		plan:      plan,
		startedAt: time.Now(),
		started:   make(map[int]time.Time),
		connected: make(map[int]bool),
		ended:     make(map[int]bool),
		failures:  make(map[string]int),
		reasons:   make(map[string]int),
		connectMs: newSeries(),
		recvKbps:  newSeries(),
		sendKbps:  newSeries(),
		rttMs:     newSeries(),
		lossPct:   newSeries(),
	}
}

func (c *Collector) RunID() string { return c.runID }

func (c *Collector) Observe(ev bench.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case bench.EventConnecting:
		c.started[ev.SessionID] = ev.At
		c.total++

	case bench.EventConnected:
		if c.connected[ev.SessionID] {
			return
		}
		c.connected[ev.SessionID] = true
		c.nConnect++
		if at, ok := c.started[ev.SessionID]; ok {
			c.connectMs.add(float64(ev.At.Sub(at)) / float64(time.Millisecond))
		}

	case bench.EventStats:
		c.recvKbps.add(float64(ev.Stats.RecvKbps))
		c.sendKbps.add(float64(ev.Stats.SendKbps))
		if ev.Stats.RttMs > 0 {
			c.rttMs.add(float64(ev.Stats.RttMs))
		}
		c.lossPct.add(float64(ev.Stats.Lost) * 100)

	case bench.EventDisconnected:
		if c.ended[ev.SessionID] {
			return
		}
		c.ended[ev.SessionID] = true
		c.endedAt = ev.At
		if ev.Err == nil {
			c.nOK++
			return
		}
		c.nFailed++
		c.failures[whep.Class(ev.Err)]++
		c.reasons[ev.Err.Error()]++
	}
}

// Finish stamps the end of the run.
func (c *Collector) Finish(at time.Time) {
	c.mu.Lock()
	c.endedAt = at
	c.mu.Unlock()
}

// Summary returns the aggregates observed so far.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	end := c.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	s := Summary{
		RunID:      c.runID,
		Target:     c.target,
		Plan:       c.plan,
		StartedAt:  c.startedAt,
		EndedAt:    end,
		Duration:   end.Sub(c.startedAt).Round(time.Millisecond).String(),
		Sessions:   c.total,
		Connected:  c.nConnect,
		Completed:  c.nOK,
		Failed:     c.nFailed,
		Active:     c.total - c.nOK - c.nFailed,
		Failures:   make(map[string]int, len(c.failures)),
		ConnectMs:  c.connectMs.quantiles(),
		RecvKbps:   c.recvKbps.quantiles(),
		SendKbps:   c.sendKbps.quantiles(),
		RttMs:      c.rttMs.quantiles(),
		LossPct:    c.lossPct.quantiles(),
		TopReasons: topReasons(c.reasons, maxReasons),
	}
	if c.total > 0 {
		s.ConnectRate = math.Round(float64(c.nConnect)/float64(c.total)*1000) / 10
	}
	for k, v := range c.failures {
		s.Failures[k] = v
	}
	return s
}

func topReasons(reasons map[string]int, n int) []Reason {
	out := make([]Reason, 0, len(reasons))
	for msg, count := range reasons {
		out = append(out, Reason{Message: msg, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
