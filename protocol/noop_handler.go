package protocol

// NoOpHandler implements MessageHandler with no-op methods.
// Embed this and override only the methods you need.
type NoOpHandler struct{}

func (NoOpHandler) HandleNodeAnnounce(*Envelope, *NodeAnnounce)   {}
func (NoOpHandler) HandleNodeKeepalive(*Envelope, *NodeKeepalive) {}
func (NoOpHandler) HandleNodeBootOK(*Envelope, *NodeBootOK)       {}
func (NoOpHandler) HandleReply(*Envelope)                         {}

// Compile-time check that NoOpHandler implements MessageHandler.
var _ MessageHandler = NoOpHandler{}
