package streamer

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTStreamer publishes each sample as a tab separated text line.
// Publishing never waits for broker acknowledgement.
type MQTTStreamer struct {
	spec   string
	broker string
	topic  string
	opts   MQTTOptions
	board  string

	mu     sync.Mutex
	client mqtt.Client
	line   []byte
}

func newMQTTStreamer(spec, broker, topic string, opts Options) *MQTTStreamer {
	return &MQTTStreamer{spec: spec, broker: broker, topic: topic, opts: opts.MQTT, board: opts.Board}
}

func (s *MQTTStreamer) Spec() string { return s.spec }
func (s *MQTTStreamer) Kind() string { return schemeMQTT }

func (s *MQTTStreamer) Init(ctx context.Context) error {
	clientID := s.opts.ClientID
	if clientID == "" {
		clientID = "boardkit"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.broker)
	opts.SetClientID(fmt.Sprintf("%s-%s-%d", clientID, s.board, time.Now().UnixNano()))
	opts.SetUsername(s.opts.Username)
	opts.SetPassword(s.opts.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()

	timeout := mqttConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return s.connectError(fmt.Errorf("connection timeout"))
	}
	if err := token.Error(); err != nil {
		return s.connectError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = client
	return nil
}

func (s *MQTTStreamer) connectError(err error) error {
	return errors.New(errors.Join(errcode.InvalidArguments, err)).
		Component("streamer").
		Category(errors.CategoryMQTT).
		Context("broker", s.broker).
		Build()
}

// Stream queues a publish. Errors reported by an already completed token are returned.
func (s *MQTTStreamer) Stream(sample []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return fmt.Errorf("mqtt streamer %s is closed", s.spec)
	}
	if !s.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt broker %s not connected", s.broker)
	}
	s.line = formatLine(s.line[:0], sample)
	payload := make([]byte, len(s.line))
	copy(payload, s.line)

	token := s.client.Publish(s.topic, s.opts.QoS, false, payload)
	if token.WaitTimeout(0) {
		return token.Error()
	}
	return nil
}

func (s *MQTTStreamer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect(250)
		s.client = nil
	}
	return nil
}
