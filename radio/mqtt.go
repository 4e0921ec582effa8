package radio

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"meshgate/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTTransport carries radio frames over an MQTT broker, the usual bridge
// arrangement when the physical radio head is a separate box: the head
// publishes node frames on <prefix>/<gw>/up/<pipe> and subscribes to
// <prefix>/<gw>/dn/<pipe>.
type MQTTTransport struct {
	cfg     *config.RadioConfig
	gateway string
	conn    mqtt.Client
	frames  chan Frame

	mu     sync.Mutex
	closed bool
}

// NewMQTTTransport creates the broker-backed transport.
func NewMQTTTransport(cfg *config.RadioConfig, gatewayID string) *MQTTTransport {
	return &MQTTTransport{
		cfg:     cfg,
		gateway: gatewayID,
		frames:  make(chan Frame, 64),
	}
}

// MTU returns the configured frame budget.
func (t *MQTTTransport) MTU() int {
	if t.cfg.MTU > 0 {
		return t.cfg.MTU
	}
	return DefaultMTU
}

func (t *MQTTTransport) upTopic() string {
	return fmt.Sprintf("%s/%s/up/+", t.cfg.MQTT.TopicPrefix, t.gateway)
}

func (t *MQTTTransport) dnTopic(pipe uint8) string {
	return fmt.Sprintf("%s/%s/dn/%d", t.cfg.MQTT.TopicPrefix, t.gateway, pipe)
}

// Start connects to the broker and subscribes to the uplink topics.
func (t *MQTTTransport) Start() error {
	broker := fmt.Sprintf("tcp://%s:%d", t.cfg.MQTT.Broker, t.cfg.MQTT.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(t.cfg.MQTT.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	t.conn = client

	token = client.Subscribe(t.upTopic(), 1, func(_ mqtt.Client, msg mqtt.Message) {
		t.handleUp(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	log.Printf("radio: mqtt transport up (broker=%s)", broker)
	return nil
}

func (t *MQTTTransport) handleUp(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	pipeStr := parts[len(parts)-1]
	pipe, err := strconv.ParseUint(pipeStr, 10, 8)
	if err != nil {
		log.Printf("radio: bad up topic %q", topic)
		return
	}
	data := append([]byte(nil), payload...)
	select {
	case t.frames <- Frame{Pipe: uint8(pipe), Data: data}:
	default:
		// Inbound buffer full: the frame is lost, exactly as it would be
		// on the air. The request layer's retries cover it.
		log.Printf("radio: dropping frame for pipe %d (buffer full)", pipe)
	}
}

// Send publishes one frame to the node's downlink topic.
func (t *MQTTTransport) Send(f Frame) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	conn := t.conn
	t.mu.Unlock()

	if conn == nil || !conn.IsConnected() {
		return fmt.Errorf("radio: mqtt not connected")
	}
	token := conn.Publish(t.dnTopic(f.Pipe), 1, false, f.Data)
	token.Wait()
	return token.Error()
}

// Frames returns the inbound frame channel.
func (t *MQTTTransport) Frames() <-chan Frame {
	return t.frames
}

// Stop disconnects from the broker.
func (t *MQTTTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.conn != nil {
		t.conn.Disconnect(250)
	}
}
