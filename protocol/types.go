package protocol

// Message type constants for the meshgate protocol. The same envelope shape
// is used on every link: host <-> gateway, gateway <-> node, and the fleet
// uplink, so the router can relay node-bound traffic transparently.
const (
	// Requests (host -> gateway, or relayed gateway -> node)
	TypeStatusQuery    = "status.query"
	TypeNodeList       = "nodes.list"
	TypeFlashRead      = "flash.read"
	TypeUpdateBegin    = "update.begin"
	TypeUpdateChunk    = "update.chunk"
	TypeUpdateFinalize = "update.finalize"
	TypeUpdateCancel   = "update.cancel"
	TypeUpdateStatus   = "update.status"
	TypePing           = "ping"

	// Replies
	TypeStatusReport = "status.report"
	TypeNodeTable    = "nodes.table"
	TypeFlashData    = "flash.data"
	TypeUpdateReport = "update.report"
	TypeAck          = "ack"
	TypeError        = "error"
	TypePong         = "pong"

	// Deferred marker returned to the host for node-bound requests; the
	// terminal reply arrives later correlated by the request id.
	TypeDeferred = "deferred"

	// Node-initiated beacons (radio -> gateway)
	TypeNodeAnnounce  = "node.announce"
	TypeNodeKeepalive = "node.keepalive"
	TypeNodeBootOK    = "node.boot_ok"

	// Gateway -> node control
	TypeNodeAssign = "node.assign"
	TypeNodeReset  = "node.reset"

	// Gateway -> fleet uplink
	TypeGatewayRegister  = "gw.register"
	TypeGatewayHeartbeat = "gw.heartbeat"
)

// Roles for Address.Role.
const (
	RoleHost    = "host"
	RoleGateway = "gateway"
	RoleNode    = "node"
	RoleFleet   = "fleet"
)

// Error kinds carried in ErrorReport. Every command terminates with exactly
// one reply; failures use one of these kinds.
const (
	ErrKindTransport    = "transport"
	ErrKindUnreachable  = "node_unreachable"
	ErrKindBackpressure = "backpressure"
	ErrKindIntegrity    = "integrity"
	ErrKindBusy         = "busy"
	ErrKindBootFailure  = "boot_failure"
	ErrKindBadRequest   = "bad_request"
)

// Update targets for UpdateBegin.Target.
const (
	TargetSelf = "self"
	TargetNode = "node"
)

// Protocol version.
const Version = 1
