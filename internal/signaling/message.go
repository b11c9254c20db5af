// Package signaling defines the wire types exchanged between peers and the
// relay server during connection setup: offers, answers, ICE candidates,
// and heartbeats.
package signaling

// Action identifies what kind of signaling message this is.
type Action string

const (
	ActionOffer          Action = "offer"
	ActionReconnectOffer Action = "reconnectOffer"
	ActionAnswer         Action = "answer"
	ActionCandidate      Action = "candidate"
	ActionHandleConn     Action = "handleConnection"
	ActionHeartbeat      Action = "heartbeat"
)

// Protocol selects how the relay routes a message.
type Protocol string

const (
	ProtocolOneToAll  Protocol = "oneToAll"
	ProtocolOneToOne  Protocol = "oneToOne"
	ProtocolOneToRoom Protocol = "oneToRoom"
	ProtocolOneToSelf Protocol = "oneToSelf"
)

// Message is the envelope carried over the signaling stream.
type Message struct {
	Action   Action   `json:"action"`
	Data     string   `json:"data,omitempty"`
	Endpoint string   `json:"endpoint,omitempty"`
	From     string   `json:"from"`
	Protocol Protocol `json:"protocol"`
	Room     string   `json:"room"`
}

// IceCandidate is the payload carried in Data for an ActionCandidate
// message, itself JSON-encoded into that string field.
type IceCandidate struct {
	Candidate string  `json:"candidate"`
	SDPMid    *string `json:"sdpMid,omitempty"`
}
