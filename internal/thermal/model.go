package thermal

import (
	"math"

	"github.com/shardfleet/shardfleet-scheduler/internal/config"
)

// Model is a first-order RC thermal model. Temperature approaches a steady
// state of ambient + power * (Rjc + Rca) exponentially with the configured
// time constant; with no power applied it decays toward ambient the same
// way. The executor acts on this forward prediction, not only the current
// reading, because reactive pausing arrives too late on fast-heating
// devices.
type Model struct {
	TimeConstantSec         float64
	JunctionResistanceKW    float64
	CaseAmbientResistanceKW float64
}

func NewModel(cfg config.ThermalConfig) Model {
	return Model{
		TimeConstantSec:         cfg.TimeConstantSec,
		JunctionResistanceKW:    cfg.JunctionResistanceKW,
		CaseAmbientResistanceKW: cfg.CaseAmbientResistanceKW,
	}
}

// Predict returns the temperature expected after duration seconds at the
// given sustained power draw.
func (m Model) Predict(currentC, powerW, durationSec, ambientC float64) float64 {
	if durationSec <= 0 || m.TimeConstantSec <= 0 {
		return currentC
	}
	f := 1 - math.Exp(-durationSec/m.TimeConstantSec)

	if powerW <= 0 {
		// Cooling toward ambient
		return currentC - (currentC-ambientC)*f
	}

	steady := ambientC + powerW*(m.JunctionResistanceKW+m.CaseAmbientResistanceKW)
	return currentC + (steady-currentC)*f
}

// PowerForTarget inverts Predict: the sustained power draw that would land
// the device at targetC after duration seconds. Used to plan precision
// reduction. Never negative.
func (m Model) PowerForTarget(currentC, targetC, durationSec, ambientC float64) float64 {
	if durationSec <= 0 || m.TimeConstantSec <= 0 {
		return 0
	}
	f := 1 - math.Exp(-durationSec/m.TimeConstantSec)
	if f <= 0 {
		return 0
	}
	r := m.JunctionResistanceKW + m.CaseAmbientResistanceKW
	if r <= 0 {
		return 0
	}
	p := ((targetC-currentC)/f + currentC - ambientC) / r
	return math.Max(0, p)
}
