// Copyright 2021 Ewout Prangsma
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Author Ewout Prangsma
//

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqttapi "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/binkynet/ServoWorker/pkg/service"
	"github.com/binkynet/ServoWorker/pkg/service/objects"
)

const (
	mqttPublishTimeout = time.Millisecond * 200
	mqttConnectTimeout = time.Second * 10
	mqttQos            = 0
)

// Config of the MQTT command source.
type Config struct {
	// Broker address, e.g. tcp://localhost:1883
	Broker      string
	TopicPrefix string
	ClientID    string
	UserName    string
	Password    string
}

// Executor runs commands received over MQTT.
type Executor interface {
	ExecuteLine(ctx context.Context, line string) (service.State, error)
	States() service.State
	Subscribe(cb func(objects.ServoState)) context.CancelFunc
}

// Service receives commands over MQTT and publishes servo states.
//
// Topics:
//
//	<prefix>/command          full command line, e.g. "angle pan 45"
//	<prefix>/<servo>/set      value for the servo, e.g. "45", or "speed 50", "stop"
//	<prefix>/<servo>/state    (published, retained) JSON state of the servo
//	<prefix>/error            (published) JSON description of a failed command
//	<prefix>/log              (published) JSON log records
type Service struct {
	Config
	log      zerolog.Logger
	executor Executor

	mutex  sync.Mutex
	client mqttapi.Client
}

type commandError struct {
	Command string `json:"command"`
	Error   string `json:"error"`
}

// NewService creates an MQTT command source.
func NewService(cfg Config, executor Executor, log zerolog.Logger) (*Service, error) {
	if cfg.Broker == "" {
		return nil, errors.New("broker is required")
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		return nil, errors.New("topic prefix is required")
	}
	return &Service{
		Config:   cfg,
		log:      log.With().Str("component", "mqtt").Logger(),
		executor: executor,
	}, nil
}

// Run connects to the broker and handles messages until the given
// context is canceled.
func (s *Service) Run(ctx context.Context) error {
	opts := mqttapi.NewClientOptions().
		AddBroker(s.Broker).
		SetClientID(s.ClientID).
		SetUsername(s.UserName).
		SetPassword(s.Password)
	opts.SetKeepAlive(2 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetDefaultPublishHandler(func(c mqttapi.Client, m mqttapi.Message) {
		// Ignore messages when no subscription match
	})
	opts.SetOnConnectHandler(func(c mqttapi.Client) {
		s.log.Info().Str("broker", s.Broker).Msg("Connected to MQTT broker")
		s.subscribe(ctx, c)
		s.publishAllStates()
	})

	client := mqttapi.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(mqttConnectTimeout) {
		return errors.Errorf("timeout connecting to mqtt broker %s", s.Broker)
	} else if err := token.Error(); err != nil {
		return errors.Wrapf(err, "failed to connect to mqtt broker %s", s.Broker)
	}
	s.mutex.Lock()
	s.client = client
	s.mutex.Unlock()
	defer func() {
		s.mutex.Lock()
		s.client = nil
		s.mutex.Unlock()
		client.Disconnect(250)
		s.log.Debug().Msg("Disconnected from MQTT broker")
	}()
	s.publishAllStates()

	cancel := s.executor.Subscribe(s.onStateChanged)
	defer cancel()

	<-ctx.Done()
	return nil
}

// Publish a JSON encoded payload to the given topic.
func (s *Service) Publish(ctx context.Context, topic string, payload interface{}) error {
	return s.publish(topic, payload, false)
}

func (s *Service) publish(topic string, payload interface{}, retained bool) error {
	s.mutex.Lock()
	client := s.client
	s.mutex.Unlock()
	if client == nil {
		return errors.New("not connected")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}
	token := client.Publish(topic, mqttQos, retained, encoded)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("failed to deliver MQTT message to %s in time", topic)
	}
	return token.Error()
}

// subscribe to the command topics.
func (s *Service) subscribe(ctx context.Context, c mqttapi.Client) {
	handler := func(c mqttapi.Client, m mqttapi.Message) {
		s.handleMessage(ctx, m.Topic(), m.Payload())
	}
	for _, topic := range []string{s.commandTopic(), s.TopicPrefix + "/+/set"} {
		if token := c.Subscribe(topic, mqttQos, handler); token.Wait() && token.Error() != nil {
			s.log.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe")
		}
	}
}

// handleMessage executes the command carried by a message.
func (s *Service) handleMessage(ctx context.Context, topic string, payload []byte) {
	line, ok := s.CommandForMessage(topic, string(payload))
	if !ok {
		return
	}
	if _, err := s.executor.ExecuteLine(ctx, line); err != nil {
		s.log.Warn().Err(err).Str("command", line).Msg("MQTT command failed")
		if err := s.publish(s.TopicPrefix+"/error", commandError{Command: line, Error: err.Error()}, false); err != nil {
			s.log.Debug().Err(err).Msg("Failed to publish command error")
		}
	}
}

// CommandForMessage converts a message into a command line.
// Returns false when the topic is not a command topic.
func (s *Service) CommandForMessage(topic, payload string) (string, bool) {
	payload = strings.TrimSpace(payload)
	if topic == s.commandTopic() {
		return payload, true
	}
	rest := strings.TrimPrefix(topic, s.TopicPrefix+"/")
	if rest == topic || !strings.HasSuffix(rest, "/set") {
		return "", false
	}
	servo := strings.TrimSuffix(rest, "/set")
	if servo == "" || strings.Contains(servo, "/") {
		return "", false
	}
	fields := strings.Fields(payload)
	if len(fields) == 1 {
		if _, err := strconv.ParseFloat(fields[0], 64); err == nil {
			return fmt.Sprintf("%s %s %s", service.CommandSet, servo, fields[0]), true
		}
	}
	if len(fields) == 0 {
		return "", false
	}
	// <kind> [values...] for the servo of the topic
	return strings.Join(append([]string{fields[0], servo}, fields[1:]...), " "), true
}

func (s *Service) commandTopic() string {
	return s.TopicPrefix + "/command"
}

// LogTopic returns the topic log records are published on.
func (s *Service) LogTopic() string {
	return s.TopicPrefix + "/log"
}

// StateTopic returns the topic the state of the servo with given name is published on.
func (s *Service) StateTopic(servo string) string {
	return s.TopicPrefix + "/" + servo + "/state"
}

func (s *Service) onStateChanged(state objects.ServoState) {
	if err := s.publish(s.StateTopic(state.Name), state, true); err != nil {
		s.log.Debug().Err(err).Str("servo", state.Name).Msg("Failed to publish servo state")
	}
}

func (s *Service) publishAllStates() {
	for _, state := range s.executor.States().Servos {
		s.onStateChanged(state)
	}
}
