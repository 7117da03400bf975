package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gr-butler/irrigation/moisturelog"
	logger "github.com/sirupsen/logrus"
)

var ErrUnknownCommand = errors.New("unknown command topic")

const (
	topicMoisture     = "moisture"
	topicWatering     = "watering"
	topicAlert        = "alert"
	topicAutoWatering = "auto_watering"
	topicHistory      = "history"

	topicSet = "set/"

	qos          = 1
	mqttTimeout  = 10 * time.Second
	disconnectMs = 250
)

type MQTTOpts struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

// publisher is the part of mqtt.Client the reporter needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes state under <prefix>/... and takes commands from
// <prefix>/set/....
type MQTT struct {
	client mqtt.Client
	pub    publisher
	prefix string
}

// NewMQTT connects to the broker. When cmd is not nil the command topics
// are subscribed on every (re)connect.
func NewMQTT(o MQTTOpts, cmd Commander) (*MQTT, error) {
	m := &MQTT{prefix: strings.TrimSuffix(o.Prefix, "/")}

	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetUsername(o.Username).
		SetPassword(o.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Errorf("MQTT connection lost [%v]", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			logger.Infof("MQTT connected to [%v]", o.Broker)
			if cmd != nil {
				m.subscribe(c, cmd)
			}
		})

	m.client = mqtt.NewClient(opts)
	m.pub = m.client
	tok := m.client.Connect()
	if !tok.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out", o.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", o.Broker, err)
	}
	return m, nil
}

func (m *MQTT) Close() {
	if m.client != nil {
		m.client.Disconnect(disconnectMs)
	}
}

func (m *MQTT) subscribe(c mqtt.Client, cmd Commander) {
	filter := m.topic(topicSet + "#")
	tok := c.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := m.HandleCommand(cmd, msg.Topic(), msg.Payload()); err != nil {
			logger.Errorf("MQTT command [%v] rejected [%v]", msg.Topic(), err)
		}
	})
	if tok.WaitTimeout(mqttTimeout) && tok.Error() != nil {
		logger.Errorf("MQTT subscribe [%v] failed [%v]", filter, tok.Error())
	}
}

// HandleCommand applies one command message.
func (m *MQTT) HandleCommand(cmd Commander, topic string, payload []byte) error {
	name := strings.TrimPrefix(topic, m.topic(topicSet))
	if name == topic {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, topic)
	}
	value := strings.TrimSpace(string(payload))
	logger.Infof("MQTT command [%v] = [%v]", name, value)

	switch name {
	case "auto_watering":
		on, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("auto_watering %q: %w", value, err)
		}
		cmd.SetAutoWatering(on)
	case "water":
		seconds := 0
		if value != "" {
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("water %q: %w", value, err)
			}
			seconds = n
		}
		return cmd.TriggerManualWater(seconds)
	case "sample":
		cmd.TriggerManualSample()
	case "history":
		cmd.DumpHistory()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, topic)
	}
	return nil
}

func (m *MQTT) topic(name string) string {
	return m.prefix + "/" + name
}

func (m *MQTT) publish(name string, retained bool, payload interface{}) {
	t := m.topic(name)
	tok := m.pub.Publish(t, qos, retained, payload)
	go func() {
		if tok.WaitTimeout(mqttTimeout) && tok.Error() != nil {
			logger.Errorf("MQTT publish [%v] failed [%v]", t, tok.Error())
		}
	}()
}

func (m *MQTT) ReportMoisture(p uint8) {
	m.publish(topicMoisture, true, strconv.Itoa(int(p)))
}

func (m *MQTT) ReportWateringStatus(status string) {
	m.publish(topicWatering, true, status)
}

func (m *MQTT) RaiseAlert(msg string) {
	m.publish(topicAlert, false, msg)
}

func (m *MQTT) ReportAutoWatering(on bool) {
	m.publish(topicAutoWatering, true, strconv.FormatBool(on))
}

func (m *MQTT) ReportHistory(h moisturelog.History) {
	js, err := json.Marshal(h.Entries())
	if err != nil {
		logger.Errorf("JSON error [%v]", err)
		return
	}
	m.publish(topicHistory, false, js)
}
