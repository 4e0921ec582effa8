package uplink

import (
	"log"
	"os"
	"sync"
	"time"

	"meshgate/protocol"
)

// Heartbeater sends gw.register on startup and gw.heartbeat periodically.
type Heartbeater struct {
	client    *Client
	gatewayID string
	version   string
	topic     string
	interval  time.Duration
	nodeCount func() int
	startTime time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHeartbeater creates a heartbeater for the gateway identity. nodeCount
// supplies the live node count included in each heartbeat.
func NewHeartbeater(client *Client, gatewayID, version, topic string, interval time.Duration, nodeCount func() int) *Heartbeater {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Heartbeater{
		client:    client,
		gatewayID: gatewayID,
		version:   version,
		topic:     topic,
		interval:  interval,
		nodeCount: nodeCount,
		stopCh:    make(chan struct{}),
	}
}

// Start sends the initial registration and begins the heartbeat loop.
func (h *Heartbeater) Start() {
	h.startTime = time.Now()
	h.sendRegister()
	go h.loop()
}

// Stop halts the heartbeat loop.
func (h *Heartbeater) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Heartbeater) addr() protocol.Address {
	return protocol.Address{Role: protocol.RoleGateway, Gateway: h.gatewayID}
}

func (h *Heartbeater) sendRegister() {
	hostname, _ := os.Hostname()
	env, err := protocol.NewEnvelope(
		protocol.TypeGatewayRegister,
		h.addr(),
		protocol.Address{Role: protocol.RoleFleet},
		&protocol.GatewayRegister{
			Gateway:  h.gatewayID,
			Hostname: hostname,
			Version:  h.version,
		},
	)
	if err != nil {
		log.Printf("heartbeater: build register: %v", err)
		return
	}
	if err := h.client.PublishEnvelope(h.topic, env); err != nil {
		log.Printf("heartbeater: send register: %v", err)
	} else {
		log.Printf("heartbeater: sent gw.register (gw=%s)", h.gatewayID)
	}
}

func (h *Heartbeater) sendHeartbeat() {
	env, err := protocol.NewEnvelope(
		protocol.TypeGatewayHeartbeat,
		h.addr(),
		protocol.Address{Role: protocol.RoleFleet},
		&protocol.GatewayHeartbeat{
			Gateway: h.gatewayID,
			Uptime:  int64(time.Since(h.startTime).Seconds()),
			Nodes:   h.nodeCount(),
		},
	)
	if err != nil {
		log.Printf("heartbeater: build heartbeat: %v", err)
		return
	}
	if err := h.client.PublishEnvelope(h.topic, env); err != nil {
		log.Printf("heartbeater: send heartbeat: %v", err)
	}
}

func (h *Heartbeater) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}
