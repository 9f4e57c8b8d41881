package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shardfleet/shardfleet-scheduler/internal/config"
	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
)

// Store keeps a bounded per-device sample history. Samples older than the
// retention window are evicted on ingest, so memory stays proportional to
// fleet size times window length regardless of uptime.
type Store struct {
	retention time.Duration

	mu      sync.RWMutex
	samples map[string][]domain.MetricSample
}

func NewStore(cfg config.TelemetryConfig) *Store {
	return &Store{
		retention: cfg.Retention,
		samples:   make(map[string][]domain.MetricSample),
	}
}

// Ingest appends one sample and evicts expired history for the device.
// Eviction is relative to the newest sample's timestamp, not wall time, so
// replayed traces age consistently in tests.
func (s *Store) Ingest(sample domain.MetricSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.samples[sample.DeviceID], sample)
	cutoff := sample.Timestamp.Add(-s.retention)
	start := 0
	for start < len(history)-1 && history[start].Timestamp.Before(cutoff) {
		start++
	}
	s.samples[sample.DeviceID] = history[start:]
}

// Latest returns the most recent sample for a device.
func (s *Store) Latest(deviceID string) (domain.MetricSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.samples[deviceID]
	if len(history) == 0 {
		return domain.MetricSample{}, false
	}
	return history[len(history)-1], true
}

// History returns a copy of the retained samples for a device, oldest
// first.
func (s *Store) History(deviceID string) []domain.MetricSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.samples[deviceID]
	out := make([]domain.MetricSample, len(history))
	copy(out, history)
	return out
}

// DeviceIDs returns every device with retained samples, sorted.
func (s *Store) DeviceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.samples))
	for id := range s.samples {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Forget drops a device's history, e.g. after removal from the fleet.
func (s *Store) Forget(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, deviceID)
}

// AveragePower returns the mean power draw over the retained window.
func (s *Store) AveragePower(deviceID string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.samples[deviceID]
	if len(history) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, sample := range history {
		sum += sample.PowerWatts
	}
	return sum / float64(len(history)), true
}

// ThermalSample satisfies the thermal executor's Sampler contract from the
// newest retained sample.
func (s *Store) ThermalSample(deviceID string) (float64, float64, error) {
	sample, ok := s.Latest(deviceID)
	if !ok {
		return 0, 0, fmt.Errorf("no samples retained for device %s", deviceID)
	}
	return sample.TemperatureC, sample.PowerWatts, nil
}
