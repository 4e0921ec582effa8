package protocol

// NodeAnnounce is sent by a node on the join pipe when it boots or has lost
// its pipe assignment.
type NodeAnnounce struct {
	Serial   string `json:"serial"`
	Firmware string `json:"fw,omitempty"`
}

// NodeKeepalive refreshes a node's liveness on its assigned pipe.
type NodeKeepalive struct {
	Serial string `json:"serial"`
}

// NodeAssign is the gateway's reply to an announce, carrying the pipe the
// node must use for subsequent traffic.
type NodeAssign struct {
	Serial string `json:"serial"`
	Pipe   uint8  `json:"pipe"`
}

// NodeReset instructs a node to drop its pipe assignment and re-announce.
type NodeReset struct {
	Serial string `json:"serial,omitempty"`
}

// NodeBootOK is the boot confirmation beacon a node sends after starting a
// newly activated image and passing its self check.
type NodeBootOK struct {
	Serial   string `json:"serial"`
	Firmware string `json:"fw"`
}

// StatusQuery requests a status report from the gateway or a node.
type StatusQuery struct{}

// StatusReport describes the responding device.
type StatusReport struct {
	Serial   string `json:"serial"`
	Role     string `json:"role"`
	Firmware string `json:"fw"`
	UptimeS  int64  `json:"uptime_s"`
	Nodes    int    `json:"nodes,omitempty"`
}

// NodeTable lists the nodes currently known to the gateway.
type NodeTable struct {
	Gateway string           `json:"gw"`
	Nodes   []NodeTableEntry `json:"nodes"`
}

// NodeTableEntry is one row of a NodeTable.
type NodeTableEntry struct {
	Serial   string `json:"serial"`
	Pipe     uint8  `json:"pipe"`
	State    string `json:"state"`
	LastSeen string `json:"last_seen"`
	Failures int    `json:"failures"`
	Firmware string `json:"fw,omitempty"`
	InFlight int    `json:"in_flight"`
}

// FlashRead requests a bounded read-back from the staging or active region.
type FlashRead struct {
	Region string `json:"region"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// FlashData carries read-back flash contents.
type FlashData struct {
	Region string `json:"region"`
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// UpdateBegin opens a firmware update session.
type UpdateBegin struct {
	Target   string `json:"target"`           // TargetSelf or TargetNode
	Serial   string `json:"serial,omitempty"` // node serial when Target == TargetNode
	Length   int64  `json:"length"`
	Firmware string `json:"fw,omitempty"` // version string of the staged image
}

// UpdateChunk carries one piece of the firmware image. CRC is the CRC-32
// (IEEE) of Data, checked on arrival before anything touches flash.
type UpdateChunk struct {
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
	CRC    uint32 `json:"crc"`
}

// UpdateFinalize closes staging and requests verification. Digest is the
// hex BLAKE2b-256 of the full image.
type UpdateFinalize struct {
	Digest string `json:"digest"`
}

// UpdateCancel aborts the in-flight update session.
type UpdateCancel struct{}

// UpdateStatusQuery requests an UpdateReport for the current session.
type UpdateStatusQuery struct{}

// UpdateReport describes an update session's progress or terminal outcome.
type UpdateReport struct {
	Session  string `json:"session,omitempty"`
	Target   string `json:"target,omitempty"`
	Serial   string `json:"serial,omitempty"`
	State    string `json:"state"`
	Written  int64  `json:"written"`
	Length   int64  `json:"length"`
	Reason   string `json:"reason,omitempty"` // set for Aborted
	Firmware string `json:"fw,omitempty"`
}

// Ack is the generic success reply for commands with no other response body.
type Ack struct {
	Detail string `json:"detail,omitempty"`
}

// ErrorReport is the structured failure reply.
type ErrorReport struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// GatewayRegister announces the gateway to the fleet backend on startup.
type GatewayRegister struct {
	Gateway  string `json:"gw"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

// GatewayHeartbeat is the periodic fleet uplink heartbeat.
type GatewayHeartbeat struct {
	Gateway string `json:"gw"`
	Uptime  int64  `json:"uptime"`
	Nodes   int    `json:"nodes"`
}
