package thermal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardfleet/shardfleet-scheduler/internal/config"
)

// MockSampler implements Sampler for testing
type MockSampler struct {
	mu     sync.Mutex
	tempC  float64
	powerW float64
	err    error
}

func (m *MockSampler) Set(tempC, powerW float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempC, m.powerW = tempC, powerW
}

func (m *MockSampler) ThermalSample(deviceID string) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tempC, m.powerW, m.err
}

type transitionLog struct {
	mu      sync.Mutex
	pauses  int
	resumes int
	ratios  []float64
	fatals  int
}

func (l *transitionLog) callbacks() Callbacks {
	return Callbacks{
		OnPause: func(string) {
			l.mu.Lock()
			l.pauses++
			l.mu.Unlock()
		},
		OnResume: func(string) {
			l.mu.Lock()
			l.resumes++
			l.mu.Unlock()
		},
		OnReducePrecision: func(_ string, ratio float64) {
			l.mu.Lock()
			l.ratios = append(l.ratios, ratio)
			l.mu.Unlock()
		},
		OnFatal: func(string, float64) {
			l.mu.Lock()
			l.fatals++
			l.mu.Unlock()
		},
	}
}

func newTestExecutor(t *testing.T, cb Callbacks) *Executor {
	t.Helper()
	return NewExecutor("dev-1", config.Default().Thermal, &MockSampler{}, cb)
}

func TestObserve_PausesOnPrediction(t *testing.T) {
	var tl transitionLog
	e := newTestExecutor(t, tl.callbacks())

	// Measured margin is 7C (above the 5C pause margin) but the forward
	// prediction at 2kW crosses it: controller must act ahead of the limit.
	e.Observe(time.Now(), 78, 2000)

	st := e.Status()
	assert.Equal(t, StatePaused, st.State)
	assert.Greater(t, st.PredictedC, 80.0)
	assert.Equal(t, 1, tl.pauses)
	assert.Equal(t, 0, tl.fatals)
}

func TestObserve_PausesOnMeasuredMargin(t *testing.T) {
	var tl transitionLog
	e := newTestExecutor(t, tl.callbacks())

	// Cooling prediction, but the measured margin is already inside 5C
	e.Observe(time.Now(), 81, 0)

	assert.Equal(t, StatePaused, e.Status().State)
	assert.Equal(t, 1, tl.pauses)
}

func TestObserve_HysteresisOnResume(t *testing.T) {
	var tl transitionLog
	e := newTestExecutor(t, tl.callbacks())

	now := time.Now()
	e.Observe(now, 81, 0) // pause at margin 4
	require.Equal(t, StatePaused, e.Status().State)

	// Below the pause threshold but not past the resume margin: stay paused
	e.Observe(now.Add(time.Second), 78, 0)
	assert.Equal(t, StatePaused, e.Status().State)
	e.Observe(now.Add(2*time.Second), 76, 0)
	assert.Equal(t, StatePaused, e.Status().State)

	// Margin 11 exceeds the 10C resume margin
	e.Observe(now.Add(3*time.Second), 74, 0)
	assert.Equal(t, StateActive, e.Status().State)

	assert.Equal(t, 1, tl.pauses)
	assert.Equal(t, 1, tl.resumes)
}

func TestObserve_NoOscillationAtOneTemperature(t *testing.T) {
	var tl transitionLog
	e := newTestExecutor(t, tl.callbacks())

	now := time.Now()
	e.Observe(now, 81, 0)
	// 77C is under the pause threshold and under the resume threshold:
	// repeating it must not flap the state
	for i := 1; i <= 10; i++ {
		e.Observe(now.Add(time.Duration(i)*time.Second), 77, 0)
	}

	assert.Equal(t, StatePaused, e.Status().State)
	assert.Equal(t, 1, tl.pauses)
	assert.Equal(t, 0, tl.resumes)
}

func TestObserve_ReducedPrecisionBeforePause(t *testing.T) {
	var tl transitionLog
	e := newTestExecutor(t, tl.callbacks())

	// 68C: operating margin 7C, prediction heads past the 75C safe max but
	// stays clear of the pause threshold
	e.Observe(time.Now(), 68, 2000)

	st := e.Status()
	assert.Equal(t, StateReducedPrecision, st.State)
	require.Len(t, tl.ratios, 1)
	assert.InDelta(t, 0.7, tl.ratios[0], 0.01)
	assert.Equal(t, 0, tl.pauses)
}

func TestObserve_RestoresPrecisionWhenSafe(t *testing.T) {
	var tl transitionLog
	e := newTestExecutor(t, tl.callbacks())

	now := time.Now()
	e.Observe(now, 68, 2000)
	require.Equal(t, StateReducedPrecision, e.Status().State)

	// Cooled well clear of the safe max with power backed off
	e.Observe(now.Add(time.Second), 60, 100)

	assert.Equal(t, StateActive, e.Status().State)
	require.Len(t, tl.ratios, 2)
	assert.Equal(t, 1.0, tl.ratios[1])
}

func TestObserve_ResumeAfterReducedPrecisionRestoresFullPrecision(t *testing.T) {
	var tl transitionLog
	e := newTestExecutor(t, tl.callbacks())

	now := time.Now()
	e.Observe(now, 68, 2000)
	require.Equal(t, StateReducedPrecision, e.Status().State)

	// Heats into a pause while still at reduced precision, then cools past
	// the resume margin: the collaborator must come back at full precision,
	// not stay at the lowered ratio forever
	e.Observe(now.Add(time.Second), 81, 0)
	require.Equal(t, StatePaused, e.Status().State)

	e.Observe(now.Add(2*time.Second), 74, 0)
	assert.Equal(t, StateActive, e.Status().State)
	assert.Equal(t, 1, tl.resumes)
	require.Len(t, tl.ratios, 2)
	assert.InDelta(t, 0.7, tl.ratios[0], 0.01)
	assert.Equal(t, 1.0, tl.ratios[1])
}

func TestObserve_SkipsReducedPrecisionWithoutCallback(t *testing.T) {
	e := newTestExecutor(t, Callbacks{})

	e.Observe(time.Now(), 68, 2000)
	assert.Equal(t, StateActive, e.Status().State)
}

func TestObserve_HardLimitIsFatalAndLatched(t *testing.T) {
	var tl transitionLog
	e := newTestExecutor(t, tl.callbacks())

	now := time.Now()
	e.Observe(now, 86, 500)

	st := e.Status()
	assert.Equal(t, StatePaused, st.State)
	assert.True(t, st.LimitExceeded)
	assert.Equal(t, 1, tl.fatals)
	assert.ErrorIs(t, e.Err(), ErrThermalLimitExceeded)

	// Cooling far below the resume margin must not revive a fatal device
	e.Observe(now.Add(time.Minute), 40, 0)
	assert.Equal(t, StatePaused, e.Status().State)
	assert.Equal(t, 0, tl.resumes)
}

func TestRun_SamplesOnInterval(t *testing.T) {
	sampler := &MockSampler{}
	sampler.Set(55, 200)

	cfg := config.Default().Thermal
	cfg.MonitorInterval = 10 * time.Millisecond
	e := NewExecutor("dev-1", cfg, sampler, Callbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return e.Status().TemperatureC == 55
	}, time.Second, 5*time.Millisecond)

	e.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor did not stop")
	}
}

func TestOverview_Hottest(t *testing.T) {
	o := NewOverview()

	cool := NewExecutor("dev-cool", config.Default().Thermal, &MockSampler{}, Callbacks{})
	hot := NewExecutor("dev-hot", config.Default().Thermal, &MockSampler{}, Callbacks{})
	now := time.Now()
	cool.Observe(now, 45, 100)
	hot.Observe(now, 72, 300)

	o.Register(cool)
	o.Register(hot)

	id, temp := o.Hottest()
	assert.Equal(t, "dev-hot", id)
	assert.Equal(t, 72.0, temp)

	statuses := o.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, StateActive, statuses["dev-cool"].State)

	o.Unregister("dev-hot")
	id, _ = o.Hottest()
	assert.Equal(t, "dev-cool", id)
}
