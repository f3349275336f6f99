package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fallguard/internal/detector"
	"fallguard/internal/i2c"
	"fallguard/internal/sensors/icm20948"
)

type IMUConfig struct {
	I2CBus  int
	IMUAddr uint16
	RangeG  int
	RateHz  int
}

// IMUStatus is reported on the diagnostics page.
type IMUStatus struct {
	Detected     bool      `json:"detected"`
	RateHz       float64   `json:"rate_hz"`
	Samples      uint64    `json:"samples"`
	ReadErrors   uint64    `json:"read_errors"`
	Reinits      uint64    `json:"reinits"`
	LastError    string    `json:"last_error,omitempty"`
	LastSampleAt time.Time `json:"last_sample_at,omitempty"`
}

type accelReader interface {
	Read() (icm20948.Sample, error)
	RateHz() float64
}

// openFunc returns a ready accelerometer and a function releasing it.
type openFunc func(cfg IMUConfig) (accelReader, func() error, error)

// IMUSource polls an ICM-20948 on a Linux I2C bus. Timestamps are
// milliseconds on the monotonic clock since Run started.
type IMUSource struct {
	cfg    IMUConfig
	logger *zap.Logger
	open   openFunc
	now    func() time.Time

	mu   sync.RWMutex
	stat IMUStatus
}

const (
	imuReinitAfterFailures = 10
	imuReinitBackoff       = 2 * time.Second
	imuErrorLogEvery       = 5 * time.Second
)

func NewIMUSource(cfg IMUConfig, logger *zap.Logger) *IMUSource {
	if cfg.I2CBus == 0 {
		cfg.I2CBus = 1
	}
	if cfg.IMUAddr == 0 {
		cfg.IMUAddr = icm20948.DefaultAddress()
	}
	if cfg.RangeG == 0 {
		cfg.RangeG = int(icm20948.Range8G)
	}
	if cfg.RateHz <= 0 {
		cfg.RateHz = 60
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IMUSource{cfg: cfg, logger: logger.Named("imu"), open: openICM20948, now: time.Now}
}

func openICM20948(cfg IMUConfig) (accelReader, func() error, error) {
	bus, err := i2c.Open(i2c.BusPath(cfg.I2CBus))
	if err != nil {
		return nil, nil, err
	}
	dev, err := icm20948.New(bus.Dev(cfg.IMUAddr), icm20948.Options{Range: icm20948.Range(cfg.RangeG), RateHz: cfg.RateHz})
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	return dev, bus.Close, nil
}

func (s *IMUSource) Status() IMUStatus {
	if s == nil {
		return IMUStatus{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stat
}

func (s *IMUSource) Run(ctx context.Context, emit func(detector.Sample)) error {
	if s == nil {
		return errors.New("motion: imu source is nil")
	}
	if emit == nil {
		return errors.New("motion: emit is nil")
	}

	dev, closeDev, err := s.open(s.cfg)
	if err != nil {
		s.setErr(fmt.Sprintf("imu init: %v", err), false)
		return fmt.Errorf("motion: imu init: %w", err)
	}
	defer func() { _ = closeDev() }()

	s.mu.Lock()
	s.stat.Detected = true
	s.stat.RateHz = dev.RateHz()
	s.stat.LastError = ""
	s.mu.Unlock()
	s.logger.Info("imu started",
		zap.Int("i2c_bus", s.cfg.I2CBus),
		zap.Uint16("addr", s.cfg.IMUAddr),
		zap.Int("range_g", s.cfg.RangeG),
		zap.Float64("rate_hz", dev.RateHz()),
	)

	period := time.Second / time.Duration(s.cfg.RateHz)
	tick := time.NewTicker(period)
	defer tick.Stop()

	start := s.now()
	var failures int
	var lastReinit, lastErrLog time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}

		r, err := dev.Read()
		if err != nil {
			failures++
			s.setErr(err.Error(), true)
			now := s.now()
			if now.Sub(lastErrLog) >= imuErrorLogEvery {
				s.logger.Warn("imu read failed", zap.Error(err), zap.Int("consecutive", failures))
				lastErrLog = now
			}
			// Best-effort recovery for a sensor that stopped answering.
			if failures >= imuReinitAfterFailures && now.Sub(lastReinit) >= imuReinitBackoff {
				lastReinit = now
				if d, c, reErr := s.open(s.cfg); reErr == nil {
					_ = closeDev()
					dev, closeDev = d, c
					failures = 0
					s.mu.Lock()
					s.stat.Reinits++
					s.mu.Unlock()
					s.logger.Info("imu reinitialized")
				} else {
					s.setErr(fmt.Sprintf("imu reinit: %v", reErr), false)
				}
			}
			continue
		}
		failures = 0

		s.mu.Lock()
		s.stat.Samples++
		s.stat.LastSampleAt = r.Time
		s.stat.LastError = ""
		s.mu.Unlock()

		emit(detector.Sample{X: r.Ax, Y: r.Ay, Z: r.Az, TimestampMs: r.Time.Sub(start).Milliseconds()})
	}
}

func (s *IMUSource) setErr(msg string, readErr bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stat.LastError = msg
	if readErr {
		s.stat.ReadErrors++
	}
}
