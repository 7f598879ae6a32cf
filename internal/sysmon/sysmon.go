// Package sysmon samples the load generator's own resource usage so an
// overloaded harness is visible next to the numbers it produces.
package sysmon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is one reading of this process.
type Sample struct {
	At         time.Time `json:"at"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Threads    int32     `json:"threads"`
	Goroutines int       `json:"goroutines"`
}

type Monitor struct {
	proc     *process.Process
	interval time.Duration
	logger   *slog.Logger

	lastErrLog time.Time
	errCount   int
}

func New(interval time.Duration, logger *slog.Logger) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect own process: %w", err)
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Monitor{proc: proc, interval: interval, logger: logger}
	// Prime the CPU baseline so the first tick reports a real delta.
	_, _ = proc.Percent(0)
	return m, nil
}

// Sample reads the current values. CPU is measured since the previous call.
func (m *Monitor) Sample() (Sample, error) {
	s := Sample{At: time.Now(), Goroutines: runtime.NumGoroutine()}

	cpu, err := m.proc.Percent(0)
	if err != nil {
		return s, fmt.Errorf("cpu percent: %w", err)
	}
	s.CPUPercent = cpu

	mem, err := m.proc.MemoryInfo()
	if err != nil {
		return s, fmt.Errorf("memory info: %w", err)
	}
	s.RSSBytes = mem.RSS

	if threads, err := m.proc.NumThreads(); err == nil {
		s.Threads = threads
	}
	return s, nil
}

// Run samples every interval until ctx is done and hands each sample to
// every sink.
func (m *Monitor) Run(ctx context.Context, sinks ...func(Sample)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s, err := m.Sample()
			if err != nil {
				m.logError(err)
				continue
			}
			for _, sink := range sinks {
				sink(s)
			}
		}
	}
}

// logError reports sampling failures at most once per 10 seconds.
func (m *Monitor) logError(err error) {
	m.errCount++
	now := time.Now()
	if m.lastErrLog.IsZero() || now.Sub(m.lastErrLog) >= 10*time.Second {
		m.logger.Warn("sysmon sample failed", "err", err, "failures", m.errCount)
		m.errCount = 0
		m.lastErrLog = now
	}
}
