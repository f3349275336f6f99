package alarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topics are <TopicPrefix>/<device_id>/<kind>.
	TopicPrefix    string
	QoS            byte
	Retained       bool
	ConnectTimeout time.Duration
}

// publisher is the subset of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes events as JSON to an MQTT broker.
type MQTTSink struct {
	client publisher
	opts   MQTTOptions
	logger *zap.Logger
}

// NewMQTTSink connects to the broker. Reconnects are handled by the client.
func NewMQTTSink(opts MQTTOptions, logger *zap.Logger) (*MQTTSink, error) {
	if strings.TrimSpace(opts.Broker) == "" {
		return nil, fmt.Errorf("alarm: mqtt broker is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("mqtt")

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetCleanSession(true)
	co.SetConnectTimeout(opts.ConnectTimeout)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	co.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", opts.Broker))
	})

	client := mqtt.NewClient(co)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("alarm: mqtt connect to %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("alarm: mqtt connect to %s: %w", opts.Broker, err)
	}
	return newMQTTSink(client, opts, logger), nil
}

func newMQTTSink(client publisher, opts MQTTOptions, logger *zap.Logger) *MQTTSink {
	opts.TopicPrefix = strings.Trim(opts.TopicPrefix, "/")
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "fallguard"
	}
	return &MQTTSink{client: client, opts: opts, logger: logger}
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Topic(ev Event) string {
	device := ev.DeviceID
	if device == "" {
		device = "unknown"
	}
	return s.opts.TopicPrefix + "/" + device + "/" + string(ev.Kind)
}

func (s *MQTTSink) Send(ctx context.Context, ev Event) error {
	payload, err := ev.JSON()
	if err != nil {
		return err
	}
	topic := s.Topic(ev)
	token := s.client.Publish(topic, s.opts.QoS, s.opts.Retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("alarm: mqtt publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("alarm: mqtt publish to %s: %w", topic, err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
