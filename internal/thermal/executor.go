package thermal

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shardfleet/shardfleet-scheduler/internal/config"
)

// State of a device under thermal control.
type State string

const (
	StateActive           State = "active"
	StateReducedPrecision State = "reduced_precision"
	StatePaused           State = "paused"
)

// reducedPrecisionTriggerC is the operating margin below which precision
// reduction is attempted before a full pause.
const reducedPrecisionTriggerC = 10.0

var ErrThermalLimitExceeded = errors.New("measured temperature breached hard thermal limit")

// Sampler provides the current temperature and power draw for a device.
// Implemented by the telemetry layer; mocked in tests.
type Sampler interface {
	ThermalSample(deviceID string) (tempC, powerW float64, err error)
}

// Callbacks is the contract the work-executing collaborator implements.
// OnReducePrecision receives a ratio in (0,1]; 1.0 restores full precision.
// Nil callbacks are skipped: without OnReducePrecision the executor goes
// straight from Active to Paused.
type Callbacks struct {
	OnPause           func(deviceID string)
	OnResume          func(deviceID string)
	OnReducePrecision func(deviceID string, ratio float64)
	OnFatal           func(deviceID string, tempC float64)
}

type reading struct {
	at     time.Time
	tempC  float64
	powerW float64
}

// Status is a copy of an executor's current view, safe to hand out.
type Status struct {
	DeviceID      string    `json:"device_id"`
	State         State     `json:"state"`
	TemperatureC  float64   `json:"temperature_c"`
	PredictedC    float64   `json:"predicted_c"`
	MarginC       float64   `json:"margin_c"`
	LimitExceeded bool      `json:"limit_exceeded"`
	LastUpdate    time.Time `json:"last_update"`
}

// Executor runs thermal control for one device: it consumes temperature
// samples, predicts the near-future temperature with the RC model, and
// pauses, resumes or reduces precision ahead of the hard limit. One
// executor goroutine per device; executors never block each other.
type Executor struct {
	deviceID  string
	cfg       config.ThermalConfig
	model     Model
	sampler   Sampler
	callbacks Callbacks

	mu               sync.Mutex
	state            State
	history          []reading
	current          float64
	predicted        float64
	limitExceeded    bool
	precisionReduced bool
	lastUpdate       time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewExecutor(deviceID string, cfg config.ThermalConfig, sampler Sampler, callbacks Callbacks) *Executor {
	return &Executor{
		deviceID:  deviceID,
		cfg:       cfg,
		model:     NewModel(cfg),
		sampler:   sampler,
		callbacks: callbacks,
		state:     StateActive,
		current:   cfg.AmbientC,
		predicted: cfg.AmbientC,
		stopCh:    make(chan struct{}),
	}
}

func (e *Executor) DeviceID() string { return e.deviceID }

// Run samples on the configured interval until the context is cancelled or
// Stop is called.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			tempC, powerW, err := e.sampler.ThermalSample(e.deviceID)
			if err != nil {
				log.Printf("thermal: sample failed for %s: %v", e.deviceID, err)
				continue
			}
			e.Observe(time.Now(), tempC, powerW)
		}
	}
}

// Stop terminates the monitor loop.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Observe folds one measurement into the state machine. Exported so tests
// and push-style telemetry can drive the executor directly.
func (e *Executor) Observe(at time.Time, tempC, powerW float64) {
	e.mu.Lock()

	e.history = append(e.history, reading{at: at, tempC: tempC, powerW: powerW})
	cutoff := at.Add(-e.cfg.HistoryWindow)
	for len(e.history) > 0 && e.history[0].at.Before(cutoff) {
		e.history = e.history[1:]
	}

	e.current = tempC
	e.lastUpdate = at
	e.predicted = e.model.Predict(tempC, powerW, e.cfg.PredictionHorizon.Seconds(), e.cfg.AmbientC)

	margin := e.cfg.HardLimitC - tempC
	predictedMargin := e.cfg.HardLimitC - e.predicted
	operatingMargin := e.cfg.SafeOperatingMaxC - tempC

	var fire []func()

	if tempC >= e.cfg.HardLimitC && !e.limitExceeded {
		// Fatal for this device, not the cluster
		e.limitExceeded = true
		if e.state != StatePaused {
			e.state = StatePaused
			fire = append(fire, e.pauseFns()...)
		}
		if cb := e.callbacks.OnFatal; cb != nil {
			id := e.deviceID
			fire = append(fire, func() { cb(id, tempC) })
		}
		log.Printf("thermal: %s measured %.1fC at or above hard limit %.1fC", e.deviceID, tempC, e.cfg.HardLimitC)
	} else {
		switch e.state {
		case StatePaused:
			// Resume only on the measured reading, and only past the looser
			// resume margin, so pause/resume cannot oscillate at one
			// temperature.
			if !e.limitExceeded && margin > e.cfg.ResumeMarginC {
				e.state = StateActive
				fire = append(fire, e.resumeFns()...)
				// A pause entered from ReducedPrecision left the collaborator
				// at a lowered ratio; resuming restores full precision
				if e.precisionReduced {
					e.precisionReduced = false
					if cb := e.callbacks.OnReducePrecision; cb != nil {
						id := e.deviceID
						fire = append(fire, func() { cb(id, 1.0) })
					}
				}
				log.Printf("thermal: %s cooled to %.1fC, resuming", e.deviceID, tempC)
			}

		default:
			if predictedMargin < e.cfg.PauseMarginC || margin < e.cfg.PauseMarginC {
				e.state = StatePaused
				fire = append(fire, e.pauseFns()...)
				log.Printf("thermal: %s at %.1fC (predicted %.1fC) approaching limit %.1fC, pausing",
					e.deviceID, tempC, e.predicted, e.cfg.HardLimitC)
			} else if e.state == StateActive &&
				operatingMargin < reducedPrecisionTriggerC &&
				e.predicted > e.cfg.SafeOperatingMaxC &&
				e.callbacks.OnReducePrecision != nil {
				ratio := math.Min(1.0, math.Max(0.0, operatingMargin/reducedPrecisionTriggerC))
				e.state = StateReducedPrecision
				e.precisionReduced = true
				cb := e.callbacks.OnReducePrecision
				id := e.deviceID
				fire = append(fire, func() { cb(id, ratio) })
				log.Printf("thermal: %s reducing precision to %.0f%%", e.deviceID, ratio*100)
			} else if e.state == StateReducedPrecision &&
				operatingMargin >= reducedPrecisionTriggerC &&
				e.predicted <= e.cfg.SafeOperatingMaxC {
				e.state = StateActive
				e.precisionReduced = false
				if cb := e.callbacks.OnReducePrecision; cb != nil {
					id := e.deviceID
					fire = append(fire, func() { cb(id, 1.0) })
				}
				log.Printf("thermal: %s back in safe range, restoring precision", e.deviceID)
			}
		}
	}

	e.mu.Unlock()

	// Callbacks run outside the lock so a collaborator may call back into
	// Status without deadlocking
	for _, f := range fire {
		f()
	}
}

func (e *Executor) pauseFns() []func() {
	if cb := e.callbacks.OnPause; cb != nil {
		id := e.deviceID
		return []func(){func() { cb(id) }}
	}
	return nil
}

func (e *Executor) resumeFns() []func() {
	if cb := e.callbacks.OnResume; cb != nil {
		id := e.deviceID
		return []func(){func() { cb(id) }}
	}
	return nil
}

// Status returns a copy of the current thermal view.
func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		DeviceID:      e.deviceID,
		State:         e.state,
		TemperatureC:  e.current,
		PredictedC:    e.predicted,
		MarginC:       e.cfg.HardLimitC - e.current,
		LimitExceeded: e.limitExceeded,
		LastUpdate:    e.lastUpdate,
	}
}

// Err returns ErrThermalLimitExceeded once the hard limit was breached.
func (e *Executor) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.limitExceeded {
		return ErrThermalLimitExceeded
	}
	return nil
}

// Overview aggregates executors for fleet-wide thermal observability.
type Overview struct {
	mu        sync.RWMutex
	executors map[string]*Executor
}

func NewOverview() *Overview {
	return &Overview{executors: make(map[string]*Executor)}
}

func (o *Overview) Register(e *Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executors[e.DeviceID()] = e
}

func (o *Overview) Unregister(deviceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.executors, deviceID)
}

// Executor returns the executor for a device, if registered.
func (o *Overview) Executor(deviceID string) (*Executor, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.executors[deviceID]
	return e, ok
}

// Statuses returns the thermal view of every registered device.
func (o *Overview) Statuses() map[string]Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]Status, len(o.executors))
	for id, e := range o.executors {
		out[id] = e.Status()
	}
	return out
}

// Hottest returns the device with the highest current temperature.
func (o *Overview) Hottest() (string, float64) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	hottest := ""
	max := math.Inf(-1)
	for id, e := range o.executors {
		if s := e.Status(); s.TemperatureC > max {
			hottest, max = id, s.TemperatureC
		}
	}
	if hottest == "" {
		return "", 0
	}
	return hottest, max
}
