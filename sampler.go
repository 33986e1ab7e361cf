//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: _examples/ja7ad-consumption/pkg/system/proc/proc.go
//

package agentobserve

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const samplerDefaultInterval = 2 * time.Second

// SamplerThresholds sets the alert bounds a [Sampler] checks against
// each sample. A zero threshold disables the corresponding check.
type SamplerThresholds struct {
	CPUPercent float64
	RSSBytes   uint64
}

// Sampler is an interval-driven event source reading /proc for CPU and
// memory usage of a target pid and its recursively-discovered children.
// CPU percent is a delta against the previous sample; the first sample
// for a pid always emits 0.
type Sampler struct {
	// Interval between samples. Zero selects the 2 s default.
	Interval time.Duration

	// Thresholds optionally sets alert: true on events crossing a bound;
	// it never blocks emission.
	Thresholds SamplerThresholds

	// Clock converts probe timestamps to wall-clock time.
	Clock *BootClock

	// Logger is the [SLogger] to use.
	Logger SLogger

	procRoot string
	prev     map[int]cpuSample
}

type cpuSample struct {
	utime, stime uint64
	at           time.Time
}

// NewSampler returns a [*Sampler] reading from /proc.
func NewSampler(clock *BootClock, logger SLogger) *Sampler {
	return &Sampler{
		Interval: samplerDefaultInterval,
		Clock:    clock,
		Logger:   logger,
		procRoot: "/proc",
		prev:     make(map[int]cpuSample),
	}
}

func (s *Sampler) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return samplerDefaultInterval
}

// Run samples targetPID and its children every Interval, pushing one
// [Event] per sampled process (plus one system-wide event) to out,
// until ctx is done.
func (s *Sampler) Run(ctx context.Context, targetPID int, out chan<- Event) error {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sampleOnce(ctx, targetPID, out)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context, targetPID int, out chan<- Event) {
	pids := append([]int{targetPID}, s.discoverChildren(targetPID)...)
	now := time.Now()
	for _, pid := range pids {
		ev, ok := s.sampleProcess(pid, now)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
	if ev, ok := s.sampleSystem(now); ok {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
}

func (s *Sampler) sampleProcess(pid int, now time.Time) (Event, bool) {
	utime, stime, minflt, majflt, err := s.readProcStat(pid)
	if err != nil {
		return Event{}, false
	}
	rss, _ := s.readProcRSS(pid)

	cpuPercent := 0.0
	if prev, ok := s.prev[pid]; ok {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 {
			deltaTicks := float64((utime + stime) - (prev.utime + prev.stime))
			cpuPercent = 100 * deltaTicks / float64(clockTicks()) / elapsed
		}
	}
	s.prev[pid] = cpuSample{utime: utime, stime: stime, at: now}

	alert := (s.Thresholds.CPUPercent > 0 && cpuPercent > s.Thresholds.CPUPercent) ||
		(s.Thresholds.RSSBytes > 0 && rss > s.Thresholds.RSSBytes)

	ev := NewEvent(uint64(now.UnixNano()), "system", pid, "", map[string]any{
		"type":        "system_metrics",
		"cpu_percent": cpuPercent,
		"rss_bytes":   rss,
		"minflt":      minflt,
		"majflt":      majflt,
	})
	if alert {
		ev.Data["alert"] = true
	}
	return ev, true
}

func (s *Sampler) sampleSystem(now time.Time) (Event, bool) {
	active, total, err := s.readSystemCPU()
	if err != nil {
		return Event{}, false
	}
	return NewEvent(uint64(now.UnixNano()), "system", 0, "", map[string]any{
		"type":         "system_wide",
		"cpu_active":   active,
		"cpu_total":    total,
	}), true
}

func (s *Sampler) discoverChildren(pid int) []int {
	matches, _ := filepath.Glob(fmt.Sprintf("%s/%d/task/*/children", s.procRoot, pid))
	set := map[int]struct{}{}
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(raw)) {
			if childPID, err := strconv.Atoi(field); err == nil {
				set[childPID] = struct{}{}
			}
		}
	}
	children := make([]int, 0, len(set))
	for childPID := range set {
		children = append(children, childPID)
		children = append(children, s.discoverChildren(childPID)...)
	}
	return children
}

// readProcStat parses /proc/<pid>/stat, skipping everything up to and
// including the last ") " so the parenthesized comm field (which may
// itself contain spaces or parens) cannot desynchronize field indices.
func (s *Sampler) readProcStat(pid int) (utime, stime, minflt, majflt uint64, err error) {
	f, openErr := os.Open(fmt.Sprintf("%s/%d/stat", s.procRoot, pid))
	if openErr != nil {
		return 0, 0, 0, 0, openErr
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, 0, 0, fmt.Errorf("agentobserve: empty /proc/%d/stat", pid)
	}
	line := scanner.Text()
	idx := strings.LastIndex(line, ") ")
	if idx < 0 {
		return 0, 0, 0, 0, fmt.Errorf("agentobserve: malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(line[idx+2:])
	get := func(i int) uint64 {
		if i >= len(fields) {
			return 0
		}
		v, _ := strconv.ParseUint(fields[i], 10, 64)
		return v
	}
	minflt = get(7)
	majflt = get(9)
	utime = get(11)
	stime = get(12)
	return utime, stime, minflt, majflt, nil
}

// readProcRSS prefers smaps_rollup (kernel 4.14+); falls back to statm.
func (s *Sampler) readProcRSS(pid int) (uint64, error) {
	if f, err := os.Open(fmt.Sprintf("%s/%d/smaps_rollup", s.procRoot, pid)); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if !strings.HasPrefix(scanner.Text(), "Rss:") {
				continue
			}
			fields := strings.Fields(scanner.Text())
			if len(fields) >= 2 {
				kb, _ := strconv.ParseUint(fields[1], 10, 64)
				return kb * 1024, nil
			}
		}
	}
	raw, err := os.ReadFile(fmt.Sprintf("%s/%d/statm", s.procRoot, pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return 0, fmt.Errorf("agentobserve: malformed /proc/%d/statm", pid)
	}
	pages, _ := strconv.ParseUint(fields[1], 10, 64)
	return pages * uint64(os.Getpagesize()), nil
}

func (s *Sampler) readSystemCPU() (active, total uint64, err error) {
	f, openErr := os.Open(fmt.Sprintf("%s/stat", s.procRoot))
	if openErr != nil {
		return 0, 0, openErr
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		if len(fields) < 8 {
			return 0, 0, fmt.Errorf("agentobserve: malformed cpu line in /proc/stat")
		}
		vals := make([]uint64, 0, len(fields)-1)
		for _, field := range fields[1:] {
			v, _ := strconv.ParseUint(field, 10, 64)
			vals = append(vals, v)
		}
		active = vals[0] + vals[1] + vals[2] + vals[5] + vals[6] + vals[7]
		total = active + vals[3] + vals[4]
		return active, total, nil
	}
	return 0, 0, fmt.Errorf("agentobserve: no cpu line in /proc/stat")
}

// clockTicks returns jiffies per second, honoring CLK_TCK for testing.
func clockTicks() int {
	if v, err := strconv.Atoi(os.Getenv("CLK_TCK")); err == nil && v > 0 {
		return v
	}
	return 100
}
