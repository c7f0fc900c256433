package operation_test

import (
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/operation"
)

func TestEqualIgnoresIdentityFields(t *testing.T) {
	a := write("p1", "hello", nil)
	a.ID = "x"
	b := write("p1", "hello", nil)
	b.ID = "y"

	assert.True(t, operation.Equal(a, b))
	assert.Equal(t, operation.Fingerprint(a), operation.Fingerprint(b))

	c := write("p1", "hellp", nil)
	assert.False(t, operation.Equal(a, c))
	assert.NotEqual(t, operation.Fingerprint(a), operation.Fingerprint(c))

	d := write("p2", "hello", nil)
	assert.False(t, operation.Equal(a, d))
}

func TestEqualAcrossKinds(t *testing.T) {
	read := &operation.EndpointRead{Base: operation.Base{Peer: "p1"}, Endpoint: message.EndpointQuestion}
	assert.False(t, operation.Equal(write("p1", "", nil), read))
	assert.True(t, operation.Equal(nil, nil))
	assert.False(t, operation.Equal(read, nil))

	notify := func(indicate bool) *operation.ServerNotify {
		return &operation.ServerNotify{
			Base:     operation.Base{Peer: "p1"},
			Endpoint: message.EndpointBuzz,
			Value:    []byte{1, 2},
			Indicate: indicate,
		}
	}
	assert.True(t, operation.Equal(notify(true), notify(true)))
	assert.False(t, operation.Equal(notify(true), notify(false)))

	size := func(s uint16) *operation.PayloadSizeRequest {
		return &operation.PayloadSizeRequest{Base: operation.Base{Peer: "p1"}, Size: s}
	}
	assert.True(t, operation.Equal(size(512), size(512)))
	assert.False(t, operation.Equal(size(512), size(185)))
}

func TestEndpointOfOperation(t *testing.T) {
	assert.Equal(t, message.EndpointSync, operation.Endpoint(&operation.SyncRequest{}))
	assert.Equal(t, message.EndpointSync, operation.Endpoint(&operation.SyncResponse{}))
	assert.Equal(t, message.EndpointInvalid, operation.Endpoint(&operation.Connect{}))
	assert.Equal(t, message.EndpointQuestion, operation.Endpoint(write("p1", "", nil)))
}

func TestIDGeneratorFormat(t *testing.T) {
	g := operation.NewIDGenerator(clockwork.NewFakeClock())

	first := g.Next("AA:BB", operation.KindConnect)
	second := g.Next("AA:BB", operation.KindConnect)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, "AA:BB_connect_"))
	assert.True(t, strings.HasSuffix(second, "_2"))
}
