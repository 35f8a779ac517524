package p2p

import (
	"github.com/bftlabs/tmcore/libs/wire"
	ni "github.com/bftlabs/tmcore/p2p/internal/nodeinfo"
	"github.com/bftlabs/tmcore/p2p/internal/nodekey"
	"github.com/bftlabs/tmcore/p2p/transport"
	tcpconn "github.com/bftlabs/tmcore/p2p/transport/tcp/conn"
)

type (
	// ConnState describes the state of a connection.
	ConnState = transport.ConnState
	// SendError is an error emitted by Peer#TrySend.
	//
	// If the send queue is full, Full() returns true.
	SendError = transport.WriteError
	// ID is the unique identifier for a peer.
	ID = nodekey.ID
	// NodeKey is the node key.
	NodeKey = nodekey.NodeKey

	// NodeInfo is the information about a peer.
	NodeInfo = ni.NodeInfo
	// NodeInfoDefault is the default implementation of NodeInfo.
	NodeInfoDefault = ni.Default
	// NodeInfoDefaultOther is the default implementation of NodeInfo for other peers.
	NodeInfoDefaultOther = ni.DefaultOther
	// ProtocolVersion is the protocol version for the software.
	ProtocolVersion = ni.ProtocolVersion

	// ChannelDescriptor describes one gossip channel: its ID, priority,
	// buffering, and the single wire.Message type carried on it.
	ChannelDescriptor = tcpconn.ChannelDescriptor

	// StreamDescriptor is the transport-level view of a channel: its ID and
	// the wire.Message type it carries. ChannelDescriptor satisfies it.
	StreamDescriptor = transport.StreamDescriptor
)

// Envelope contains a message with sender routing info.
type Envelope struct {
	Src       Peer         // sender (empty if outbound)
	Message   wire.Message // message payload
	ChannelID byte
}

// LoadOrGenNodeKey loads a node key from the given path or generates a new one.
func LoadOrGenNodeKey(path string) (*nodekey.NodeKey, error) {
	return nodekey.LoadOrGen(path)
}

// LoadNodeKey loads a node key from the given path.
func LoadNodeKey(path string) (*nodekey.NodeKey, error) {
	return nodekey.Load(path)
}
