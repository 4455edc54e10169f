package p2p

// Message is the generic structure for any data sent between nodes.
type Message struct {
	Type    byte
	Payload []byte
}

// Envelope is a message received from a connected peer.
type Envelope struct {
	Peer string
	Msg  *Message
}

// Broadcaster defines any component that can broadcast messages to the network.
type Broadcaster interface {
	Broadcast(msg *Message) error
}

// Transport is the view of the network the sync engine depends on. Server
// and the in-memory Bus both implement it.
type Transport interface {
	Broadcaster
	SendTo(peer string, msg *Message) error
	Peers() []string
	Inbound() <-chan Envelope
}
