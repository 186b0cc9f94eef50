package mqtt

import (
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/campusiot/relayd/internal/broadcast"
	"github.com/campusiot/relayd/internal/eventbus"
	"github.com/campusiot/relayd/internal/ledger"
)

// Publisher sends one MQTT message
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Sink forwards bus notifications to MQTT
type Sink struct {
	pub    Publisher
	topics Topics
	qos    byte
	log    zerolog.Logger
}

// NewSink creates a sink publishing under topics
func NewSink(pub Publisher, topics Topics, qos byte) *Sink {
	return &Sink{
		pub:    pub,
		topics: topics,
		qos:    qos,
		log:    log.With().Str("component", "mqtt").Logger(),
	}
}

// Subscribe registers the sink's handlers on the bus
func (s *Sink) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.TopicStateChanged, s.Handle)
	bus.Subscribe(eventbus.TopicAlert, s.Handle)
	bus.Subscribe(eventbus.TopicPresence, s.Handle)
}

// Handle publishes one event. State and presence are retained so late
// subscribers see the latest snapshot; alerts are not.
func (s *Sink) Handle(e eventbus.Event) {
	var (
		topic    string
		retained bool
	)
	switch p := e.Payload.(type) {
	case broadcast.StateChanged:
		if p.Device == nil {
			return
		}
		topic, retained = s.topics.DeviceState(p.Device.ID), true
	case broadcast.PresenceChanged:
		topic, retained = s.topics.DevicePresence(p.DeviceID), true
	case ledger.Alert:
		topic = s.topics.Alert(p.DeviceID)
	default:
		s.log.Debug().Str("event_type", string(e.Type)).Msg("Ignoring event")
		return
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("Failed to encode payload")
		return
	}
	if err := s.pub.Publish(topic, payload, s.qos, retained); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Msg("Failed to publish")
		return
	}
	s.log.Debug().Str("topic", topic).Bool("retained", retained).Msg("Published")
}
