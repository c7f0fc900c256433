package protocol

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/Meander-Cloud/go-transport/tcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-buzzer/arbiter"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/message"
	"github.com/Meander-Cloud/go-buzzer/net/link"
)

func TestFrameOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	logger := zerolog.Nop()
	connState := &ConnState{Conn: client, Descriptor: "pipe"}

	sent := &Frame{
		Notification: &Notification{
			Endpoint: endpointName(message.EndpointBuzz),
			Value:    message.EncodeBuzz(message.Buzz{Timestamp: 1000, Hash: 7}),
			Indicate: true,
		},
	}

	errch := make(chan error, 1)
	go func() {
		errch <- writeFrame(&logger, CentralSenderID, connState, sent)
	}()

	received, err := readFrame(server, CentralSenderID)
	require.NoError(t, err)
	require.NoError(t, <-errch)

	require.NotNil(t, received.Notification)
	assert.Nil(t, received.Hello)
	assert.Equal(t, message.EndpointBuzz, parseEndpoint(received.Notification.Endpoint))
	assert.Equal(t, sent.Notification.Value, received.Notification.Value)
	assert.True(t, received.Notification.Indicate)
}

func TestReadFrameRejectsForeignSender(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	logger := zerolog.Nop()
	connState := &ConnState{Conn: client, Descriptor: "pipe"}

	go writeFrame(&logger, PeripheralSenderID, connState, &Frame{Hello: &Hello{Name: "Alice"}})

	_, err := readFrame(server, CentralSenderID)
	assert.Error(t, err)
}

func TestReadFrameRejectsOversizePayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	header := []byte{protocolPattern, protocolVersion, CentralSenderID, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(header[3:], maxPayloadLen+1)
	go client.Write(header)

	_, err := readFrame(server, CentralSenderID)
	assert.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
	for _, e := range message.Endpoints {
		assert.Equal(t, e, parseEndpoint(endpointName(e)))
	}
	assert.Equal(t, message.EndpointInvalid, parseEndpoint("not-a-uuid"))
}

type linkChange struct {
	peer      string
	status    fault.Status
	connected bool
}

// recordingCentral keeps connection changes; it is only touched on the arbiter goroutine.
type recordingCentral struct {
	changes []linkChange
}

func (r *recordingCentral) ConnectionStateChanged(peerID string, status fault.Status, connected bool) {
	r.changes = append(r.changes, linkChange{peer: peerID, status: status, connected: connected})
}

func (*recordingCentral) PeerDiscovered(link.Discovery)                                {}
func (*recordingCentral) EndpointsDiscovered(string, fault.Status, []message.Endpoint) {}
func (*recordingCentral) SubscribeCompleted(string, message.Endpoint, fault.Status)    {}
func (*recordingCentral) PayloadSizeChanged(string, uint16, fault.Status)              {}
func (*recordingCentral) WriteCompleted(string, message.Endpoint, fault.Status)        {}
func (*recordingCentral) ReadCompleted(string, message.Endpoint, []byte, fault.Status) {}
func (*recordingCentral) NotificationReceived(string, message.Endpoint, []byte)        {}

func newTestArbiter(t *testing.T) *arbiter.Arbiter {
	a := arbiter.NewArbiter(&arbiter.Options{LogPrefix: "test-arbiter"})
	t.Cleanup(a.Shutdown)
	return a
}

func TestTransportRequiresArbiter(t *testing.T) {
	_, err := NewCentral(&CentralOptions{Options: &tcp.Options{LogPrefix: "central"}})
	assert.Error(t, err)

	_, err = NewPeripheral(&PeripheralOptions{Options: &tcp.Options{Address: "127.0.0.1:0", LogPrefix: "peripheral"}})
	assert.Error(t, err)
}

func TestCentralCallbacksRunOnArbiter(t *testing.T) {
	a := newTestArbiter(t)
	c, err := NewCentral(&CentralOptions{Options: &tcp.Options{LogPrefix: "central"}, Arbiter: a})
	require.NoError(t, err)
	h := &recordingCentral{}
	c.SetHandler(h)

	ran := false
	require.NoError(t, a.DispatchWait(func() {
		// an untracked peer still gets its link-down, inline
		assert.NoError(t, c.Disconnect("10.0.0.1:7420"))

		_, err := c.connState("10.0.0.1:7420")
		assert.ErrorIs(t, err, fault.ErrNotFound)
	}))

	// callbacks of a client the central no longer tracks are dropped
	c.dispatch(&client{c: c, peer: "10.0.0.2:7420"}, func() { ran = true })
	require.NoError(t, a.DispatchWait(func() {}))
	assert.False(t, ran)

	require.NoError(t, c.Close())
	require.NoError(t, a.DispatchWait(func() {
		assert.ErrorIs(t, c.Connect("10.0.0.1:7420"), fault.ErrTransportUnavailable)
	}))

	assert.Equal(t, []linkChange{{peer: "10.0.0.1:7420", status: fault.StatusSuccess, connected: false}}, h.changes)
}
