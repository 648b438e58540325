package control

import (
	"fmt"
	"time"

	"github.com/CodedInternet/goinserter/onboard/predict"
)

// MonitorConfig tunes the panic monitor. Defaults follow the device
// config; see onboard.InserterConfig.
type MonitorConfig struct {
	DeviationSigmas       float64       // threshold multiplier on fit sigma
	DeviationFloor        float64       // µm, lower bound on the threshold
	ConsecutiveDeviations int           // samples beyond threshold before panic
	ConsecutiveFaults     int           // fault samples in a row before panic
	StaleAfter            time.Duration // max age of the last valid sample
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		DeviationSigmas:       5,
		DeviationFloor:        150,
		ConsecutiveDeviations: 2,
		ConsecutiveFaults:     3,
		StaleAfter:            50 * time.Millisecond,
	}
}

// Monitor watches arriving surface samples for anomalous motion. It is
// armed only while the needle position matters (OutOfBrainCalibrated and
// InBrain); the controller resets it across calibrations.
type Monitor struct {
	cfg MonitorConfig

	deviations int
	faults     int
	lastGood   time.Time
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	return &Monitor{cfg: cfg}
}

// Reset clears the counters and restarts the staleness clock from now.
func (m *Monitor) Reset(now time.Time) {
	m.deviations = 0
	m.faults = 0
	m.lastGood = now
}

// Observe evaluates one arriving sample against the active prediction.
// Returns a non-empty reason when panic must be raised. A nil prediction
// suspends deviation checking but fault counting still runs.
func (m *Monitor) Observe(s predict.Sample, p *predict.Prediction) (reason string) {
	if s.Fault() {
		m.faults++
		if m.faults >= m.cfg.ConsecutiveFaults {
			return fmt.Sprintf("%d consecutive sensor faults", m.faults)
		}
		return ""
	}

	m.faults = 0
	m.lastGood = s.RequestedAt

	if p == nil {
		m.deviations = 0
		return ""
	}

	threshold := m.cfg.DeviationSigmas * p.Sigma
	if threshold < m.cfg.DeviationFloor {
		threshold = m.cfg.DeviationFloor
	}

	diff := float64(s.Distance) - p.At(s.RequestedAt)
	if diff < 0 {
		diff = -diff
	}

	if diff > threshold {
		m.deviations++
		if m.deviations >= m.cfg.ConsecutiveDeviations {
			return fmt.Sprintf("surface deviated %.0fµm from prediction (threshold %.0fµm)", diff, threshold)
		}
		return ""
	}

	m.deviations = 0
	return ""
}

// CheckStale reports whether the monitor has gone too long without a valid
// sample.
func (m *Monitor) CheckStale(now time.Time) (reason string) {
	if m.lastGood.IsZero() {
		return ""
	}
	if age := now.Sub(m.lastGood); age > m.cfg.StaleAfter {
		return fmt.Sprintf("no valid surface sample for %s", age.Round(time.Millisecond))
	}
	return ""
}
