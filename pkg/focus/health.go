package focus

import (
	"sync"
	"time"
)

// Health is the outcome of a health probe, in the shape the admin HTTP
// layer serves: 200 healthy, 503 transient trouble, 500 hard failure.
type Health struct {
	Success     bool   `json:"success"`
	Sticky      bool   `json:"sticky"`
	HardFailure bool   `json:"hardFailure"`
	Code        int    `json:"code"`
	Message     string `json:"message,omitempty"`
}

type healthState struct {
	mutex sync.Mutex
	// hardFailure is sticky: once set the process reports 500 until restart.
	hardFailure bool
	message     string
}

// RecordHardFailure latches an unrecoverable condition into the health
// report.
func (m *Manager) RecordHardFailure(message string) {
	m.health.mutex.Lock()
	defer m.health.mutex.Unlock()
	if !m.health.hardFailure {
		m.health.hardFailure = true
		m.health.message = message
		m.logger.WithField("message", message).Error("Hard failure recorded")
	}
}

// GetHealth evaluates the current health: a latched hard failure wins, then
// bridge availability.
func (m *Manager) GetHealth() Health {
	m.health.mutex.Lock()
	hard, message := m.health.hardFailure, m.health.message
	m.health.mutex.Unlock()

	if hard {
		return Health{Sticky: true, HardFailure: true, Code: 500, Message: message}
	}
	if m.catalog.OperationalCount() == 0 {
		return Health{Code: 503, Message: "no operational bridges"}
	}
	return Health{Success: true, Code: 200}
}

// Stats is the aggregate snapshot for the admin layer.
type Stats struct {
	Conferences        int                        `json:"conferences"`
	Participants       int                        `json:"participants"`
	LargestConference  int                        `json:"largestConference"`
	BridgesOperational int                        `json:"bridgesOperational"`
	BridgesTotal       int                        `json:"bridgesTotal"`
	Workers            map[string]WorkerPoolStats `json:"workers,omitempty"`
	UptimeSeconds      int64                      `json:"uptimeSeconds"`
	HealthCode         int                        `json:"healthCode"`
	Version            string                     `json:"version,omitempty"`
}

// WorkerPoolStats is the size of one auxiliary worker pool.
type WorkerPoolStats struct {
	Total int `json:"total"`
	Idle  int `json:"idle"`
}

// WorkerCounter reports the population of one worker pool; the brewery
// detectors implement it.
type WorkerCounter interface {
	Counts() (total, idle int)
}

// SetWorkerPools replaces the advertised worker pools, keyed by pool name.
// Called whenever the detectors are (re)started.
func (m *Manager) SetWorkerPools(pools map[string]WorkerCounter) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.workerPools = pools
}

// GetStats aggregates counts over all conferences, the bridge catalog and
// the worker pools.
func (m *Manager) GetStats() Stats {
	stats := Stats{
		BridgesOperational: m.catalog.OperationalCount(),
		BridgesTotal:       m.catalog.Count(),
		UptimeSeconds:      int64(time.Since(m.startedAt).Seconds()),
		HealthCode:         m.GetHealth().Code,
	}

	m.mutex.Lock()
	pools := m.workerPools
	m.mutex.Unlock()
	if len(pools) > 0 {
		stats.Workers = make(map[string]WorkerPoolStats, len(pools))
		for name, pool := range pools {
			total, idle := pool.Counts()
			stats.Workers[name] = WorkerPoolStats{Total: total, Idle: idle}
		}
	}
	for _, c := range m.snapshot() {
		stats.Conferences++
		population := c.Population()
		stats.Participants += population
		if population > stats.LargestConference {
			stats.LargestConference = population
		}
	}
	return stats
}

// DebugState collects per-conference snapshots. With full set, participant
// detail is included.
func (m *Manager) DebugState(full bool, room string) map[string]interface{} {
	out := map[string]interface{}{
		"stats":  m.GetStats(),
		"health": m.GetHealth(),
	}

	conferences := make(map[string]interface{})
	for _, c := range m.snapshot() {
		if room != "" && c.Room().String() != room {
			continue
		}
		conferences[c.Room().String()] = c.DebugState(full || room != "")
	}
	out["conferences"] = conferences
	return out
}
