package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fallguard/internal/alarm"
	"fallguard/internal/config"
	"fallguard/internal/detector"
	"fallguard/internal/metrics"
	"fallguard/internal/monitor"
	"fallguard/internal/motion"
	"fallguard/internal/replay"
	"fallguard/internal/sim"
	"fallguard/internal/web"
)

const shutdownTimeout = 5 * time.Second

// service is the live process: one sample source, one monitor, the alarm
// dispatcher and the diagnostics server.
type service struct {
	cfg    config.Config
	logger *zap.Logger

	metrics    *metrics.Metrics
	telemetry  *web.TelemetryBroadcaster
	dispatcher *alarm.Dispatcher
	recorder   *replay.Recorder
	push       *motion.PushSource
	monitor    *monitor.Monitor
	deps       web.Deps

	serve func(ctx context.Context, addr string, d web.Deps, logger *zap.Logger) error
}

func settingsFromConfig(cfg config.Config) monitor.Settings {
	return monitor.Settings{
		Enabled:      cfg.Detector.IsEnabled(),
		Sensitivity:  detector.Sensitivity(cfg.Detector.Sensitivity),
		LowPowerMode: cfg.Detector.LowPowerMode,
	}
}

func newService(ctx context.Context, cfg config.Config, configPath string, logs *web.LogBuffer, logger *zap.Logger) (*service, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	src, push, err := buildSource(c.Source, logger)
	if err != nil {
		return nil, err
	}

	s := &service{
		cfg:       c,
		logger:    logger,
		metrics:   metrics.New(),
		telemetry: web.NewTelemetryBroadcaster(c.Web.HistorySize, 100*time.Millisecond),
		push:      push,
		serve: func(ctx context.Context, addr string, d web.Deps, logger *zap.Logger) error {
			return web.Serve(ctx, addr, web.Handler(d), logger)
		},
	}

	sinks := buildSinks(ctx, c, logger)
	s.dispatcher = alarm.NewDispatcher(sinks, alarm.DispatcherOptions{
		QueueSize: c.Alarm.QueueSize,
		Retries:   *c.Alarm.Retries,
		Timeout:   c.Alarm.Timeout,
		Backoff:   c.Alarm.Backoff,
		Observer:  s.metrics,
	}, logger)

	opts := monitor.Options{
		Source:    src,
		Settings:  settingsFromConfig(c),
		DeviceID:  c.DeviceID,
		Alarms:    s.dispatcher,
		Metrics:   s.metrics,
		Observers: []monitor.Observer{s.telemetry},
		Logger:    logger,
	}
	if c.Record.Enable {
		w, err := replay.CreateWriter(c.Record.Path)
		if err != nil {
			s.closeAlarms()
			return nil, fmt.Errorf("record: %w", err)
		}
		s.recorder = replay.NewRecorder(w, 1024, logger)
		opts.Recorder = s.recorder
		logger.Info("recording samples", zap.String("path", c.Record.Path))
	}

	m, err := monitor.New(opts)
	if err != nil {
		s.closeRecorder()
		s.closeAlarms()
		return nil, err
	}
	s.monitor = m
	s.metrics.WatchDetector(m.Detector().Telemetry)

	deps := web.Deps{
		Service:    serviceName,
		DeviceID:   c.DeviceID,
		SourceKind: c.Source.Kind,
		Status:     web.MonitorStatus{M: m},
		Telemetry:  s.telemetry,
		Settings:   web.SettingsStore{ConfigPath: configPath, Apply: s.applyConfig, Logger: logger},
		Logs:       logs,
		Alarms:     s.dispatcher,
		Metrics:    s.metrics.Handler(),
	}
	if push != nil {
		deps.Ingest = push
	}
	s.deps = deps
	return s, nil
}

// applyConfig makes the runtime-adjustable settings of next effective.
func (s *service) applyConfig(next config.Config) error {
	if next.Source.Kind != s.cfg.Source.Kind {
		return fmt.Errorf("source.kind requires restart")
	}
	if next.Web.Listen != s.cfg.Web.Listen {
		return fmt.Errorf("web.listen requires restart")
	}
	s.monitor.Apply(settingsFromConfig(next))
	s.cfg.Detector = next.Detector
	return nil
}

// buildSource returns the configured sample source. The PushSource is
// non-nil only for the http source.
func buildSource(c config.SourceConfig, logger *zap.Logger) (motion.Source, *motion.PushSource, error) {
	switch c.Kind {
	case config.SourceIMU:
		return motion.NewIMUSource(motion.IMUConfig{
			I2CBus:  c.IMU.I2CBus,
			IMUAddr: uint16(c.IMU.Addr),
			RangeG:  c.IMU.RangeG,
			RateHz:  c.IMU.RateHz,
		}, logger), nil, nil
	case config.SourceReplay:
		rs, err := replay.NewFileSource(c.Replay.Path, c.Replay.Speed, c.Replay.Loop)
		if err != nil {
			return nil, nil, fmt.Errorf("source.replay: %w", err)
		}
		return rs, nil, nil
	case config.SourceSim:
		sc, err := loadScenario(c.Sim.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("source.sim: %w", err)
		}
		return sim.NewSource(sc, c.Sim.Realtime, c.Sim.Loop), nil, nil
	case config.SourceHTTP:
		// Clients may stop sending right after an impact, so the stillness
		// window runs on the wall clock.
		p := motion.NewPushSource(1024, false)
		return p, p, nil
	}
	return nil, nil, fmt.Errorf("unsupported source.kind %q", c.Kind)
}

// loadScenario accepts a scenario YAML path or "builtin:<name>".
func loadScenario(path string) (*sim.Scenario, error) {
	path = strings.TrimSpace(path)
	if name, ok := strings.CutPrefix(path, "builtin:"); ok {
		return sim.Builtin(name)
	}
	script, err := sim.LoadScenarioScript(path)
	if err != nil {
		return nil, err
	}
	return sim.NewScenario(script)
}

// buildSinks always includes the log sink. A sink that fails to initialize
// is skipped so the detector keeps running.
func buildSinks(ctx context.Context, c config.Config, logger *zap.Logger) []alarm.Sink {
	sinks := []alarm.Sink{alarm.NewLogSink(logger)}
	a := c.Alarm

	if a.MQTT.Enable {
		sink, err := alarm.NewMQTTSink(alarm.MQTTOptions{
			Broker:         a.MQTT.Broker,
			ClientID:       a.MQTT.ClientID,
			Username:       a.MQTT.Username,
			Password:       a.MQTT.Password,
			TopicPrefix:    a.MQTT.TopicPrefix,
			QoS:            byte(*a.MQTT.QoS),
			Retained:       a.MQTT.Retained,
			ConnectTimeout: a.Timeout,
		}, logger)
		if err != nil {
			logger.Error("mqtt alarm sink init failed", zap.String("broker", a.MQTT.Broker), zap.Error(err))
		} else {
			sinks = append(sinks, alarm.OnlyKinds(sink, alarm.ParseKinds(a.MQTT.Kinds)...))
		}
	}
	if a.Redis.Enable {
		sink, err := alarm.NewStreamSink(ctx, a.Redis.Addr, a.Redis.Password, a.Redis.DB, a.Redis.Stream, a.Redis.MaxLen)
		if err != nil {
			logger.Error("redis alarm sink init failed", zap.String("addr", a.Redis.Addr), zap.Error(err))
		} else {
			sinks = append(sinks, alarm.OnlyKinds(sink, alarm.ParseKinds(a.Redis.Kinds)...))
		}
	}
	if a.UDP.Enable {
		sink, err := alarm.NewUDPSink(a.UDP.Dest)
		if err != nil {
			logger.Error("udp alarm sink init failed", zap.String("dest", a.UDP.Dest), zap.Error(err))
		} else {
			sinks = append(sinks, alarm.OnlyKinds(sink, alarm.ParseKinds(a.UDP.Kinds)...))
		}
	}
	if a.Buzzer.Enable {
		sink, err := alarm.NewBuzzerSink(a.Buzzer.Pin, alarm.BuzzerPattern{
			Pulses: a.Buzzer.Pulses,
			On:     a.Buzzer.On,
			Off:    a.Buzzer.Off,
		})
		if err != nil {
			logger.Error("buzzer alarm sink init failed", zap.Int("pin", a.Buzzer.Pin), zap.Error(err))
		} else {
			sinks = append(sinks, alarm.OnlyKinds(sink, alarm.ParseKinds(a.Buzzer.Kinds)...))
		}
	}
	return sinks
}

// Run starts detection and serves the diagnostics API until ctx is done,
// then shuts everything down in dependency order.
func (s *service) Run(ctx context.Context) error {
	s.monitor.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.serve(ctx, s.cfg.Web.Listen, s.deps, s.logger)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		<-serveErr
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("web: %w", err)
		}
	}
	return errors.Join(runErr, s.shutdown())
}

func (s *service) shutdown() error {
	s.monitor.Stop()
	rerr := s.closeRecorder()
	aerr := s.closeAlarms()
	return errors.Join(rerr, aerr)
}

func (s *service) closeRecorder() error {
	if s.recorder == nil {
		return nil
	}
	err := s.recorder.Close()
	s.recorder = nil
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return nil
}

func (s *service) closeAlarms() error {
	if s.dispatcher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.dispatcher.Close(ctx)
	s.dispatcher = nil
	return err
}
