package message

import (
	"github.com/google/uuid"
)

var ServiceUUID = uuid.MustParse("28736e1d-f08a-4c94-b0e1-9e759e353c20")

type Endpoint uint8

const (
	EndpointInvalid   Endpoint = 0
	EndpointBuzz      Endpoint = 1
	EndpointHeartbeat Endpoint = 2
	EndpointSync      Endpoint = 3
	EndpointQuestion  Endpoint = 4
)

var endpointUUIDs = map[Endpoint]uuid.UUID{
	EndpointBuzz:      uuid.MustParse("949cfdcb-38d6-428b-a194-1ad4be9b93d3"),
	EndpointHeartbeat: uuid.MustParse("7063a017-80af-43a5-a16c-dc17f6ead150"),
	EndpointSync:      uuid.MustParse("936478a6-f7b0-4e66-bfab-d483ba2276f3"),
	EndpointQuestion:  uuid.MustParse("677eb45a-935c-4e02-b543-3a3ac6b82852"),
}

// Endpoints lists every endpoint the responder serves, in discovery order.
var Endpoints = []Endpoint{
	EndpointBuzz,
	EndpointHeartbeat,
	EndpointSync,
	EndpointQuestion,
}

func (e Endpoint) String() string {
	switch e {
	case EndpointInvalid:
		return "Invalid"
	case EndpointBuzz:
		return "Buzz"
	case EndpointHeartbeat:
		return "Heartbeat"
	case EndpointSync:
		return "Sync"
	case EndpointQuestion:
		return "Question"
	default:
		return "Unknown"
	}
}

func (e Endpoint) UUID() uuid.UUID {
	return endpointUUIDs[e]
}

// Notifiable reports whether the endpoint pushes values from responder to coordinator.
func (e Endpoint) Notifiable() bool {
	switch e {
	case EndpointBuzz, EndpointHeartbeat, EndpointSync:
		return true
	default:
		return false
	}
}

func EndpointFromUUID(id uuid.UUID) Endpoint {
	for e, u := range endpointUUIDs {
		if u == id {
			return e
		}
	}
	return EndpointInvalid
}
