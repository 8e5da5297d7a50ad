package iface

import (
	"crypto/rand"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/embeddedlink/epacket-go/pkg/epacket"
)

const mqttPublishTimeout = 5 * time.Second

// MQTT is a broker-backed IP interface used as the cloud backhaul on
// gateway devices. Frames are carried opaque in message payloads; the
// broker provides no security, so the frame encryption is the only
// protection, same as any radio path.
type MQTT struct {
	Base
	brokerURL string
	username  string
	password  string
	txTopic   string
	rxTopic   string
	client    mqtt.Client
	rx        chan []byte
}

func NewMQTT(name, brokerURL, username, password, txTopic, rxTopic string,
	mtu int, crypto *epacket.Crypto) *MQTT {
	m := &MQTT{
		brokerURL: brokerURL,
		username:  username,
		password:  password,
		txTopic:   txTopic,
		rxTopic:   rxTopic,
		rx:        make(chan []byte, 16),
	}
	m.init(name, mtu, crypto)
	m.setSelf(m)
	return m
}

func (m *MQTT) Start() error {
	randomID := make([]byte, 4)
	_, _ = rand.Read(randomID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.brokerURL)
	opts.SetUsername(m.username)
	opts.SetPassword(m.password)
	opts.SetClientID(fmt.Sprintf("epacket-%s-%x", m.name, randomID))
	opts.SetOrderMatters(true)

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("MQTT connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connect failed: %w", err)
	}

	token = m.client.Subscribe(m.rxTopic, 1, m.handleMessage)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("MQTT subscribe timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT subscribe failed: %w", err)
	}

	m.setOnline(true)
	m.startSendLoop(m.send)
	go m.receiveLoop()
	return nil
}

func (m *MQTT) Stop() {
	m.setOnline(false)
	m.shutdown()
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(1000)
	}
}

func (m *MQTT) send(frame []byte) error {
	if !m.IsOnline() {
		return ErrOffline
	}
	token := m.client.Publish(m.txTopic, 1, false, frame)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("MQTT publish timed out")
	}
	return token.Error()
}

func (m *MQTT) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	select {
	case m.rx <- payload:
	default:
		// Receive queue full, frame dropped. The RPC layer recovers via
		// its own acknowledgement path.
	}
}

// receiveLoop serialises broker callbacks onto the interface's own
// processing loop so arrival order is preserved.
func (m *MQTT) receiveLoop() {
	for {
		select {
		case <-m.stop:
			return
		case frame := <-m.rx:
			m.ProcessIncoming(frame)
		case <-time.After(time.Second):
			if m.wdog != nil {
				m.wdog.Feed()
			}
		}
	}
}
