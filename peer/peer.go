package peer

import (
	"encoding/json"
	"time"
)

type State uint8

const (
	StateDiscovered               State = 0
	StateConnecting               State = 1
	StateConnected                State = 2
	StateDiscoveringEndpoints     State = 3
	StateSubscribingNotifications State = 4
	StateNegotiatingPayloadSize   State = 5
	StateSynchronizing            State = 6
	StateReady                    State = 7
	StateDisconnected             State = 8
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "Discovered"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDiscoveringEndpoints:
		return "DiscoveringEndpoints"
	case StateSubscribingNotifications:
		return "SubscribingNotifications"
	case StateNegotiatingPayloadSize:
		return "NegotiatingPayloadSize"
	case StateSynchronizing:
		return "Synchronizing"
	case StateReady:
		return "Ready"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Linked reports whether a transport link exists in this state.
func (s State) Linked() bool {
	return s >= StateConnected && s <= StateReady
}

// Connection is one remote link as tracked by its owning role.
type Connection struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	PayloadSize   uint16    `json:"payloadSize"`
	State         State     `json:"state"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}
