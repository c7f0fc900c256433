// Package protocol carries the endpoint link over a stream connection.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-buzzer/message"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
	helloTimeout     time.Duration = time.Second * 3
)

const (
	headerLen        int    = 7
	typicalBufferLen int    = 1024  // 1 KB
	maxPayloadLen    uint32 = 16384 // 16 KB
	maxValueLen      uint16 = 512
)

const (
	protocolPattern byte = 0x42
	protocolVersion byte = 0x01
)

const (
	PeripheralSenderID byte = 0x01
	CentralSenderID    byte = 0x02
)

// Frame carries exactly one non-nil message.
type Frame struct {
	Hello               *Hello               `msgpack:"hello,omitempty"`
	DiscoverRequest     *DiscoverRequest     `msgpack:"discoverRequest,omitempty"`
	DiscoverResponse    *DiscoverResponse    `msgpack:"discoverResponse,omitempty"`
	SubscribeRequest    *SubscribeRequest    `msgpack:"subscribeRequest,omitempty"`
	SubscribeResponse   *SubscribeResponse   `msgpack:"subscribeResponse,omitempty"`
	PayloadSizeRequest  *PayloadSizeRequest  `msgpack:"payloadSizeRequest,omitempty"`
	PayloadSizeResponse *PayloadSizeResponse `msgpack:"payloadSizeResponse,omitempty"`
	WriteRequest        *WriteRequest        `msgpack:"writeRequest,omitempty"`
	WriteResponse       *WriteResponse       `msgpack:"writeResponse,omitempty"`
	ReadRequest         *ReadRequest         `msgpack:"readRequest,omitempty"`
	ReadResponse        *ReadResponse        `msgpack:"readResponse,omitempty"`
	Notification        *Notification        `msgpack:"notification,omitempty"`
	NotificationAck     *NotificationAck     `msgpack:"notificationAck,omitempty"`
}

type Hello struct {
	Service string `msgpack:"service"`
	Name    string `msgpack:"name"`
}

type DiscoverRequest struct {
	Service string `msgpack:"service"`
}

type DiscoverResponse struct {
	Endpoints []string `msgpack:"endpoints"`
	Status    int32    `msgpack:"status"`
}

type SubscribeRequest struct {
	Endpoint string `msgpack:"endpoint"`
}

type SubscribeResponse struct {
	Endpoint string `msgpack:"endpoint"`
	Status   int32  `msgpack:"status"`
}

type PayloadSizeRequest struct {
	Size uint16 `msgpack:"size"`
}

type PayloadSizeResponse struct {
	Size   uint16 `msgpack:"size"`
	Status int32  `msgpack:"status"`
}

type WriteRequest struct {
	Endpoint string `msgpack:"endpoint"`
	Value    []byte `msgpack:"value"`
}

type WriteResponse struct {
	Endpoint string `msgpack:"endpoint"`
	Status   int32  `msgpack:"status"`
}

type ReadRequest struct {
	Endpoint string `msgpack:"endpoint"`
}

type ReadResponse struct {
	Endpoint string `msgpack:"endpoint"`
	Value    []byte `msgpack:"value"`
	Status   int32  `msgpack:"status"`
}

type Notification struct {
	Endpoint string `msgpack:"endpoint"`
	Value    []byte `msgpack:"value"`
	Indicate bool   `msgpack:"indicate"`
}

type NotificationAck struct {
	Endpoint string `msgpack:"endpoint"`
}

// ConnState is one live connection; writes are serialized by its mutex.
type ConnState struct {
	ConnID     uint32
	Conn       net.Conn
	Descriptor string
	Ready      atomic.Bool

	writeMutex sync.Mutex
}

func endpointName(e message.Endpoint) string {
	return e.UUID().String()
}

func parseEndpoint(s string) message.Endpoint {
	id, err := uuid.Parse(s)
	if err != nil {
		return message.EndpointInvalid
	}
	return message.EndpointFromUUID(id)
}

// writeFrame frames f with the seven byte header and writes it under the
// connection write lock; safe on any goroutine.
func writeFrame(logger *zerolog.Logger, txid byte, connState *ConnState, f *Frame) error {
	buffer := new(bytes.Buffer)
	buffer.Grow(typicalBufferLen)

	// 0 - pre-designated bit pattern indicating valid frame
	// 1 - protocol version
	// 2 - sender id
	// 3,4,5,6 - payload length of type uint32, little endian byte order
	buffer.Write([]byte{protocolPattern, protocolVersion, txid, 0x00, 0x00, 0x00, 0x00})

	err := msgpack.NewEncoder(buffer).Encode(f)
	if err != nil {
		logger.Error().Err(err).Str("conn", connState.Descriptor).Msg("msgpack failed to encode frame")
		return err
	}

	buf := buffer.Bytes()
	payloadLen := uint32(len(buf) - headerLen)
	if payloadLen > maxPayloadLen {
		err = fmt.Errorf("%s: frame payload %d exceeds %d", connState.Descriptor, payloadLen, maxPayloadLen)
		logger.Error().Err(err).Send()
		return err
	}
	binary.LittleEndian.PutUint32(buf[3:headerLen], payloadLen)

	connState.writeMutex.Lock()
	defer connState.writeMutex.Unlock()

	connState.Conn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	n, err := connState.Conn.Write(buf)
	if err != nil {
		logger.Warn().Err(err).Str("conn", connState.Descriptor).Int("len", len(buf)).Msg("failed to write frame")
		return err
	}
	logger.Debug().Str("conn", connState.Descriptor).Int("wrote", n).Hex("header", buf[0:headerLen]).Send()

	return nil
}

// readFrame blocks for the next frame from the expected sender.
func readFrame(conn net.Conn, rxid byte) (*Frame, error) {
	header := make([]byte, headerLen)
	_, err := io.ReadFull(conn, header)
	if err != nil {
		return nil, err
	}

	if header[0] != protocolPattern {
		return nil, fmt.Errorf("invalid protocol pattern in header bytes %X", header)
	}
	if header[1] != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version in header bytes %X", header)
	}
	if header[2] != rxid {
		return nil, fmt.Errorf("unrecognized sender id in header bytes %X", header)
	}

	payloadLen := binary.LittleEndian.Uint32(header[3:headerLen])
	if payloadLen > maxPayloadLen {
		return nil, fmt.Errorf("payloadLen=%d in header bytes %X is too large", payloadLen, header)
	}

	payload := make([]byte, payloadLen)
	_, err = io.ReadFull(conn, payload)
	if err != nil {
		return nil, err
	}

	f := new(Frame)
	err = msgpack.Unmarshal(payload, f)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload bytes %X, err=%w", payload, err)
	}
	return f, nil
}
