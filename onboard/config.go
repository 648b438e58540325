package onboard

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/CodedInternet/goinserter/onboard/control"
	"gopkg.in/yaml.v2"
)

// InserterConfig is the on-disk device configuration. Durations are
// milliseconds, distances microns, matching the API surface; the control
// package converts to its internal representations.
type InserterConfig struct {
	Version   int             `yaml:"version"`
	Robot     RobotConfig     `yaml:"robot"`
	Control   ControlConfig   `yaml:"control"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

type RobotConfig struct {
	Addr            string `yaml:"addr"`
	MoveDeadlineMS  int    `yaml:"move_deadline_ms"`
	StateDeadlineMS int    `yaml:"state_deadline_ms"`
	OctDeadlineMS   int    `yaml:"oct_deadline_ms"`
}

type ControlConfig struct {
	SurfacePollMS int `yaml:"surface_poll_ms"`
	RobotPollMS   int `yaml:"robot_poll_ms"`

	SampleWindowMinMS int     `yaml:"sample_window_min_ms"`
	SampleWindowMaxMS int     `yaml:"sample_window_max_ms"`
	InsertWindowMS    int     `yaml:"insert_window_ms"`
	MinSamples        int     `yaml:"min_samples"`
	SigmaBoundUM      float64 `yaml:"sigma_bound_um"`

	PremoveMarginUM int64 `yaml:"premove_margin_um"`
	CalibObserveMS  int   `yaml:"calib_observe_ms"`

	DeviationSigmas       float64 `yaml:"deviation_sigmas"`
	DeviationFloorUM      float64 `yaml:"deviation_floor_um"`
	ConsecutiveDeviations int     `yaml:"consecutive_deviations"`
	ConsecutiveFaults     int     `yaml:"consecutive_faults"`
	SampleStaleMS         int     `yaml:"sample_stale_ms"`

	DwellLimitMS int     `yaml:"dwell_limit_ms"`
	NeedleAccel  float64 `yaml:"needle_accel_um_ms2"`
	MaxTravelUM  int64   `yaml:"max_travel_um"`
	MaxDepthUM   int64   `yaml:"max_depth_um"`

	MinTriggerSlope  float64 `yaml:"min_trigger_slope_um_ms"`
	MinTriggerWaitMS int     `yaml:"min_trigger_wait_ms"`
}

type SimulatorConfig struct {
	Enabled bool `yaml:"enabled"`

	BaseUM int64   `yaml:"base_um"`
	Amp1UM float64 `yaml:"amp1_um"`
	Freq1  float64 `yaml:"freq1_hz"`
	Amp2UM float64 `yaml:"amp2_um"`
	Freq2  float64 `yaml:"freq2_hz"`

	DistanceErrorRate float64 `yaml:"distance_error_rate"`
	MoveErrorRate     float64 `yaml:"move_error_rate"`
	OctLatencyMS      int     `yaml:"oct_latency_ms"`

	Seed int64 `yaml:"seed"`
}

// LoadConfig reads and validates a device configuration file.
func LoadConfig(filename string) (config InserterConfig, err error) {
	yamlFile, err := ioutil.ReadFile(filename)
	if err != nil {
		return config, fmt.Errorf("unable to read config file: %v", err)
	}

	if err = yaml.Unmarshal(yamlFile, &config); err != nil {
		return config, fmt.Errorf("unable to unmarshal config: %v", err)
	}

	if err = config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

func (c InserterConfig) Validate() error {
	switch c.Version {
	case 1:
	default:
		return fmt.Errorf("unable to work with config version %d", c.Version)
	}

	if !c.Simulator.Enabled && c.Robot.Addr == "" {
		return fmt.Errorf("robot.addr is required unless the simulator is enabled")
	}

	cc := c.Control
	if cc.SampleWindowMinMS < 0 || cc.SampleWindowMaxMS < 0 {
		return fmt.Errorf("sample window bounds must be positive")
	}
	if cc.SampleWindowMinMS > 0 && cc.SampleWindowMaxMS > 0 && cc.SampleWindowMinMS >= cc.SampleWindowMaxMS {
		return fmt.Errorf("sample_window_min_ms must be below sample_window_max_ms")
	}
	if cc.NeedleAccel < 0 {
		return fmt.Errorf("needle_accel_um_ms2 must be positive")
	}

	return nil
}

// Build maps the on-disk tuning onto the control package configuration.
// Zero values fall back to the control defaults so a sparse file works.
func (c ControlConfig) Build() control.Config {
	cfg := control.DefaultConfig()

	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	if c.SurfacePollMS > 0 {
		cfg.SurfacePollPeriod = ms(c.SurfacePollMS)
	}
	if c.RobotPollMS > 0 {
		cfg.RobotPollPeriod = ms(c.RobotPollMS)
	}
	if c.SampleWindowMinMS > 0 {
		cfg.Fit.MinSpan = ms(c.SampleWindowMinMS)
	}
	if c.SampleWindowMaxMS > 0 {
		cfg.Fit.MaxSpan = ms(c.SampleWindowMaxMS)
		cfg.Fit.MaxAge = ms(c.SampleWindowMaxMS)
	}
	if c.InsertWindowMS > 0 {
		cfg.InsertFitMaxAge = ms(c.InsertWindowMS)
	}
	if c.MinSamples > 0 {
		cfg.Fit.MinSamples = c.MinSamples
	}
	if c.SigmaBoundUM > 0 {
		cfg.Fit.SigmaBound = c.SigmaBoundUM
	}
	if c.PremoveMarginUM > 0 {
		cfg.PremoveMargin = c.PremoveMarginUM
	}
	if c.CalibObserveMS > 0 {
		cfg.CalibObserve = ms(c.CalibObserveMS)
	}
	if c.DeviationSigmas > 0 {
		cfg.Monitor.DeviationSigmas = c.DeviationSigmas
	}
	if c.DeviationFloorUM > 0 {
		cfg.Monitor.DeviationFloor = c.DeviationFloorUM
	}
	if c.ConsecutiveDeviations > 0 {
		cfg.Monitor.ConsecutiveDeviations = c.ConsecutiveDeviations
	}
	if c.ConsecutiveFaults > 0 {
		cfg.Monitor.ConsecutiveFaults = c.ConsecutiveFaults
	}
	if c.SampleStaleMS > 0 {
		cfg.Monitor.StaleAfter = ms(c.SampleStaleMS)
	}
	if c.DwellLimitMS > 0 {
		cfg.DwellLimit = ms(c.DwellLimitMS)
	}
	if c.NeedleAccel > 0 {
		cfg.NeedleAccel = c.NeedleAccel
	}
	if c.MaxTravelUM > 0 {
		cfg.MaxTravel = c.MaxTravelUM
	}
	if c.MaxDepthUM > 0 {
		cfg.MaxDepth = c.MaxDepthUM
	}
	if c.MinTriggerSlope > 0 {
		cfg.MinTriggerSlope = c.MinTriggerSlope
	}
	if c.MinTriggerWaitMS > 0 {
		cfg.MinTriggerWait = time.Duration(c.MinTriggerWaitMS) * time.Millisecond
	}

	return cfg
}
