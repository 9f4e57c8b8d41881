package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shardfleet/shardfleet-scheduler/internal/domain"
)

var (
	ErrDeviceNotFound   = errors.New("device not found in registry")
	ErrWorkloadNotFound = errors.New("workload has no reservations")
	ErrDevicePaused     = errors.New("device is paused for cooling")
)

// CapacityError reports a reservation that does not fit a device.
type CapacityError struct {
	DeviceID    string
	RequestedMB uint64
	AvailableMB uint64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("device %s: requested %dMB exceeds available %dMB",
		e.DeviceID, e.RequestedMB, e.AvailableMB)
}

// DeviceState is a device fact plus the registry's own bookkeeping,
// as seen in a snapshot.
type DeviceState struct {
	domain.Device
	Paused     bool   `json:"paused"`
	ReservedMB uint64 `json:"reserved_mb"`
}

// FreeMemoryMB is the memory a new reservation may still claim.
func (d DeviceState) FreeMemoryMB() uint64 {
	if d.ReservedMB >= d.MemoryAvailableMB {
		return 0
	}
	return d.MemoryAvailableMB - d.ReservedMB
}

// Snapshot is an immutable view of the fleet taken at one instant. The
// placement solver searches over a snapshot, never over live state.
type Snapshot struct {
	TakenAt time.Time
	Devices []DeviceState // sorted by device id
}

// Device returns the state for an id, or false.
func (s *Snapshot) Device(id string) (DeviceState, bool) {
	for _, d := range s.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceState{}, false
}

// Eligible returns non-paused devices.
func (s *Snapshot) Eligible() []DeviceState {
	out := make([]DeviceState, 0, len(s.Devices))
	for _, d := range s.Devices {
		if !d.Paused {
			out = append(out, d)
		}
	}
	return out
}

type deviceEntry struct {
	mu         sync.Mutex
	device     domain.Device
	paused     bool
	reservedMB uint64
}

// Registry tracks the live device fleet: discovery upserts, telemetry
// mutation, thermal pause flags and per-workload capacity reservations.
// Map membership is guarded by the registry lock; field updates take the
// per-device lock so ingestion for different devices never serializes.
type Registry struct {
	mu           sync.RWMutex
	devices      map[string]*deviceEntry
	reservations map[string]map[string]uint64 // workload id -> device id -> MB
}

func NewRegistry() *Registry {
	return &Registry{
		devices:      make(map[string]*deviceEntry),
		reservations: make(map[string]map[string]uint64),
	}
}

// UpsertDevice registers a discovered device or refreshes its static facts.
// Pause state and reservations survive rediscovery.
func (r *Registry) UpsertDevice(d domain.Device) {
	if d.MemoryAvailableMB > d.MemoryTotalMB {
		d.MemoryAvailableMB = d.MemoryTotalMB
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.devices[d.ID]; ok {
		entry.mu.Lock()
		entry.device = d
		entry.mu.Unlock()
		return
	}
	r.devices[d.ID] = &deviceEntry{device: d}
}

// ApplySample folds a telemetry sample into the device's live facts.
func (r *Registry) ApplySample(s domain.MetricSample) error {
	r.mu.RLock()
	entry, ok := r.devices[s.DeviceID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, s.DeviceID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	d := &entry.device
	if s.MemoryTotalMB > 0 {
		d.MemoryTotalMB = s.MemoryTotalMB
	}
	if s.MemoryUsedMB <= d.MemoryTotalMB {
		d.MemoryAvailableMB = d.MemoryTotalMB - s.MemoryUsedMB
	} else {
		d.MemoryAvailableMB = 0
	}
	if s.ClockMHz > 0 {
		d.ClockMHz = s.ClockMHz
	}
	d.PowerWatts = s.PowerWatts
	if !s.Timestamp.IsZero() {
		d.LastSeen = s.Timestamp
	} else {
		d.LastSeen = time.Now()
	}
	return nil
}

// SetPaused flips a device's thermal eligibility. Paused devices are
// excluded from every placement domain until resumed.
func (r *Registry) SetPaused(deviceID string, paused bool) error {
	r.mu.RLock()
	entry, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	entry.mu.Lock()
	entry.paused = paused
	entry.mu.Unlock()
	return nil
}

// Remove drops a device entirely, e.g. after a fatal thermal breach.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, deviceID)
}

// ExpireStale removes devices whose telemetry is older than timeout and
// returns their ids.
func (r *Registry) ExpireStale(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, entry := range r.devices {
		entry.mu.Lock()
		stale := entry.device.LastSeen.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			delete(r.devices, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns an immutable, id-sorted copy of the fleet.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{
		TakenAt: time.Now(),
		Devices: make([]DeviceState, 0, len(r.devices)),
	}
	for _, entry := range r.devices {
		entry.mu.Lock()
		snap.Devices = append(snap.Devices, DeviceState{
			Device:     entry.device,
			Paused:     entry.paused,
			ReservedMB: entry.reservedMB,
		})
		entry.mu.Unlock()
	}
	sort.Slice(snap.Devices, func(i, j int) bool {
		return snap.Devices[i].ID < snap.Devices[j].ID
	})
	return snap
}

// Reserve commits a workload's memory usage all-or-nothing. Every device
// must exist, be unpaused and have room; otherwise nothing is reserved and
// the failing constraint is returned. This is the commit-time re-validation
// for placements solved against a possibly stale snapshot.
func (r *Registry) Reserve(workloadID string, usage map[string]uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reservations[workloadID]; ok {
		return fmt.Errorf("workload %s already has reservations", workloadID)
	}

	// Validate everything before touching any entry
	for deviceID, mb := range usage {
		entry, ok := r.devices[deviceID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}
		entry.mu.Lock()
		paused := entry.paused
		free := uint64(0)
		if entry.device.MemoryAvailableMB > entry.reservedMB {
			free = entry.device.MemoryAvailableMB - entry.reservedMB
		}
		entry.mu.Unlock()

		if paused {
			return fmt.Errorf("%w: %s", ErrDevicePaused, deviceID)
		}
		if mb > free {
			return &CapacityError{DeviceID: deviceID, RequestedMB: mb, AvailableMB: free}
		}
	}

	reserved := make(map[string]uint64, len(usage))
	for deviceID, mb := range usage {
		entry := r.devices[deviceID]
		entry.mu.Lock()
		entry.reservedMB += mb
		entry.mu.Unlock()
		reserved[deviceID] = mb
	}
	r.reservations[workloadID] = reserved
	return nil
}

// Release tears a workload down, returning all of its reserved capacity.
func (r *Registry) Release(workloadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reserved, ok := r.reservations[workloadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkloadNotFound, workloadID)
	}
	for deviceID, mb := range reserved {
		entry, ok := r.devices[deviceID]
		if !ok {
			continue // device already removed
		}
		entry.mu.Lock()
		if entry.reservedMB >= mb {
			entry.reservedMB -= mb
		} else {
			entry.reservedMB = 0
		}
		entry.mu.Unlock()
	}
	delete(r.reservations, workloadID)
	return nil
}

// WorkloadsOn lists workloads holding capacity on a device, sorted.
func (r *Registry) WorkloadsOn(deviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for workloadID, reserved := range r.reservations {
		if _, ok := reserved[deviceID]; ok {
			out = append(out, workloadID)
		}
	}
	sort.Strings(out)
	return out
}

// DeviceCount returns the number of registered devices.
func (r *Registry) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
