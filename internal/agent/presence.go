package agent

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PresenceSample is one observation of the operator and host.
type PresenceSample struct {
	IdleSeconds   int64
	CPUPercent    float64
	MemoryPercent float64
	LocalHour     int
	LocalMinute   int
	Weekend       bool
	LateNight     bool
}

// PresenceMonitor estimates operator presence from interaction recency
// and best-effort host load. Operator messages are the only interaction
// signal the backend sees; desktop idle detection belongs to the UI.
type PresenceMonitor struct {
	mu              sync.Mutex
	lastInteraction time.Time
	started         time.Time

	// prevIdle/prevTotal carry CPU counters between samples.
	prevIdle  uint64
	prevTotal uint64
}

// NewPresenceMonitor returns a monitor with the clock started now.
func NewPresenceMonitor() *PresenceMonitor {
	now := time.Now()
	return &PresenceMonitor{started: now, lastInteraction: now}
}

// RecordInteraction marks operator activity (an inbound message).
func (m *PresenceMonitor) RecordInteraction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastInteraction = time.Now()
}

// Sample captures the current presence estimate.
func (m *PresenceMonitor) Sample() PresenceSample {
	m.mu.Lock()
	last := m.lastInteraction
	m.mu.Unlock()

	now := time.Now()
	sample := PresenceSample{
		IdleSeconds: int64(now.Sub(last).Seconds()),
		LocalHour:   now.Hour(),
		LocalMinute: now.Minute(),
		Weekend:     now.Weekday() == time.Saturday || now.Weekday() == time.Sunday,
		LateNight:   now.Hour() < 6,
	}
	sample.CPUPercent = m.sampleCPU()
	sample.MemoryPercent = sampleMemory()
	return sample
}

// UserStateLevel buckets presence into the levels that drive the
// adaptive tick: attending, active, present, away, dormant.
func UserStateLevel(s PresenceSample) string {
	switch {
	case s.IdleSeconds < 30:
		return "attending"
	case s.IdleSeconds < 120:
		return "active"
	case s.IdleSeconds < 900:
		return "present"
	case s.IdleSeconds < 3600:
		return "away"
	default:
		return "dormant"
	}
}

// sampleCPU reads /proc/stat deltas; zero on other platforms or errors.
func (m *PresenceMonitor) sampleCPU() float64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0
	}

	var total, idle uint64
	for i, raw := range fields[1:] {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prevTotal, prevIdle := m.prevTotal, m.prevIdle
	m.prevTotal, m.prevIdle = total, idle
	// First sample has no baseline.
	if prevTotal == 0 || total <= prevTotal {
		return 0
	}
	dTotal := total - prevTotal
	dIdle := idle - prevIdle
	return 100.0 * float64(dTotal-dIdle) / float64(dTotal)
}

// sampleMemory reads /proc/meminfo; zero on other platforms or errors.
func sampleMemory() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0
	}
	return 100.0 * (total - available) / total
}
