package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

const (
	BuzzSize           int = 12
	SyncRequestSize    int = 8
	SyncResponseSize   int = 16
	QuestionHeaderSize int = 16
)

var (
	HeartbeatBeat       = []byte("BEAT")
	HeartbeatDisconnect = []byte("DC")
)

// QuestionHash identifies question text; both roles derive it independently.
func QuestionHash(text string) uint32 {
	return uint32(xxhash.Sum64String(text))
}

type Buzz struct {
	Timestamp int64 // unix nanoseconds, responder clock
	Hash      uint32
}

func EncodeBuzz(b Buzz) []byte {
	buf := make([]byte, BuzzSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(b.Timestamp))
	binary.BigEndian.PutUint32(buf[8:12], b.Hash)
	return buf
}

func DecodeBuzz(value []byte) (Buzz, error) {
	if len(value) != BuzzSize {
		return Buzz{}, fmt.Errorf("invalid buzz length=%d", len(value))
	}
	return Buzz{
		Timestamp: int64(binary.BigEndian.Uint64(value[0:8])),
		Hash:      binary.BigEndian.Uint32(value[8:12]),
	}, nil
}

func EncodeSyncRequest(t0 int64) []byte {
	buf := make([]byte, SyncRequestSize)
	binary.BigEndian.PutUint64(buf, uint64(t0))
	return buf
}

func DecodeSyncRequest(value []byte) (int64, error) {
	if len(value) != SyncRequestSize {
		return 0, fmt.Errorf("invalid sync request length=%d", len(value))
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

type SyncResponse struct {
	T1 int64
	T2 int64
}

func EncodeSyncResponse(r SyncResponse) []byte {
	buf := make([]byte, SyncResponseSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.T1))
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.T2))
	return buf
}

func DecodeSyncResponse(value []byte) (SyncResponse, error) {
	if len(value) != SyncResponseSize {
		return SyncResponse{}, fmt.Errorf("invalid sync response length=%d", len(value))
	}
	return SyncResponse{
		T1: int64(binary.BigEndian.Uint64(value[0:8])),
		T2: int64(binary.BigEndian.Uint64(value[8:16])),
	}, nil
}

// Question is the wire form of a dispatched question; times are unix
// nanoseconds on the receiving responder's clock.
type Question struct {
	StartTime int64
	EndTime   int64
	Text      string
}

func EncodeQuestion(q Question) []byte {
	buf := make([]byte, QuestionHeaderSize+len(q.Text))
	binary.BigEndian.PutUint64(buf[0:8], uint64(q.StartTime))
	binary.BigEndian.PutUint64(buf[8:16], uint64(q.EndTime))
	copy(buf[QuestionHeaderSize:], q.Text)
	return buf
}

func EncodedQuestionSize(text string) int {
	return QuestionHeaderSize + len(text)
}

func DecodeQuestion(value []byte) (Question, error) {
	if len(value) < QuestionHeaderSize {
		return Question{}, fmt.Errorf("invalid question length=%d", len(value))
	}
	text := value[QuestionHeaderSize:]
	if !utf8.Valid(text) {
		return Question{}, fmt.Errorf("question text is not valid utf-8")
	}
	q := Question{
		StartTime: int64(binary.BigEndian.Uint64(value[0:8])),
		EndTime:   int64(binary.BigEndian.Uint64(value[8:16])),
		Text:      string(text),
	}
	if q.EndTime < q.StartTime {
		return Question{}, fmt.Errorf("question endTime=%d precedes startTime=%d", q.EndTime, q.StartTime)
	}
	return q, nil
}

func IsHeartbeatDisconnect(value []byte) bool {
	return bytes.Equal(value, HeartbeatDisconnect)
}
