package event

import (
	"time"

	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/model"
	"github.com/Meander-Cloud/go-buzzer/peer"
)

// Event is the closed set of session events.
type Event interface {
	Type() string
	sealed()
}

type ScanStateChanged struct {
	Scanning bool `json:"scanning"`
}

type PeerDiscovered struct {
	Peer    string `json:"peer"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

type PeerConnected struct {
	Peer string `json:"peer"`
	Name string `json:"name"`
}

type PeerDisconnected struct {
	Peer   string `json:"peer"`
	Reason string `json:"reason"`
}

type PeerStateChanged struct {
	Peer  string     `json:"peer"`
	From  peer.State `json:"from"`
	State peer.State `json:"state"`
}

type PeerReady struct {
	Peer           string        `json:"peer"`
	Offset         time.Duration `json:"offset"`
	RoundTripDelay time.Duration `json:"roundTripDelay"`
}

type SyncCompleted struct {
	Peer           string        `json:"peer"`
	Samples        int           `json:"samples"`
	Succeeded      int           `json:"succeeded"`
	HasEstimate    bool          `json:"hasEstimate"`
	Offset         time.Duration `json:"offset"`
	RoundTripDelay time.Duration `json:"roundTripDelay"`
}

// BuzzReceived carries the buzz time translated to the coordinator clock.
type BuzzReceived struct {
	Peer         string `json:"peer"`
	Timestamp    int64  `json:"timestamp"`
	Hash         uint32 `json:"hash"`
	Synchronized bool   `json:"synchronized"`
}

type HeartbeatReceived struct {
	Peer string    `json:"peer"`
	At   time.Time `json:"at"`
}

type QuestionSent struct {
	Peer      string `json:"peer"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
	Hash      uint32 `json:"hash"`
}

type QuestionSendFailed struct {
	Peer string       `json:"peer"`
	Err  *fault.Error `json:"error"`
}

type AdvertisingStateChanged struct {
	Advertising bool `json:"advertising"`
}

type HostConnected struct {
	Peer string `json:"peer"`
}

type HostDisconnected struct {
	Peer string `json:"peer"`
}

type QuestionReceived struct {
	Text      string `json:"text"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
	Hash      uint32 `json:"hash"`
}

type QuestionActive struct {
	Hash uint32 `json:"hash"`
}

type QuestionClosed struct {
	Hash uint32 `json:"hash"`
}

type BuzzSent struct {
	Timestamp int64  `json:"timestamp"`
	Hash      uint32 `json:"hash"`
}

type RadioStateChanged struct {
	Enabled bool `json:"enabled"`
}

type RoundUpdated struct {
	Round    int             `json:"round"`
	Question *model.Question `json:"question"`
	Active   bool            `json:"active"`
}

type FirstResponder struct {
	Round      int    `json:"round"`
	Peer       string `json:"peer"`
	Timestamp  int64  `json:"timestamp"`
	Contenders int    `json:"contenders"`
}

type PlayerScored struct {
	Peer  string `json:"peer"`
	Delta int    `json:"delta"`
	Score int    `json:"score"`
}

type RoundEnded struct {
	Round  int    `json:"round"`
	Winner string `json:"winner"`
}

type GameOver struct {
	Rounds int `json:"rounds"`
}

type Error struct {
	Err *fault.Error `json:"error"`
}

func (ScanStateChanged) Type() string        { return "ScanStateChanged" }
func (PeerDiscovered) Type() string          { return "PeerDiscovered" }
func (PeerConnected) Type() string           { return "PeerConnected" }
func (PeerDisconnected) Type() string        { return "PeerDisconnected" }
func (PeerStateChanged) Type() string        { return "PeerStateChanged" }
func (PeerReady) Type() string               { return "PeerReady" }
func (SyncCompleted) Type() string           { return "SyncCompleted" }
func (BuzzReceived) Type() string            { return "BuzzReceived" }
func (HeartbeatReceived) Type() string       { return "HeartbeatReceived" }
func (QuestionSent) Type() string            { return "QuestionSent" }
func (QuestionSendFailed) Type() string      { return "QuestionSendFailed" }
func (AdvertisingStateChanged) Type() string { return "AdvertisingStateChanged" }
func (HostConnected) Type() string           { return "HostConnected" }
func (HostDisconnected) Type() string        { return "HostDisconnected" }
func (QuestionReceived) Type() string        { return "QuestionReceived" }
func (QuestionActive) Type() string          { return "QuestionActive" }
func (QuestionClosed) Type() string          { return "QuestionClosed" }
func (BuzzSent) Type() string                { return "BuzzSent" }
func (RadioStateChanged) Type() string       { return "RadioStateChanged" }
func (RoundUpdated) Type() string            { return "RoundUpdated" }
func (FirstResponder) Type() string          { return "FirstResponder" }
func (PlayerScored) Type() string            { return "PlayerScored" }
func (RoundEnded) Type() string              { return "RoundEnded" }
func (GameOver) Type() string                { return "GameOver" }
func (Error) Type() string                   { return "Error" }

func (ScanStateChanged) sealed()        {}
func (PeerDiscovered) sealed()          {}
func (PeerConnected) sealed()           {}
func (PeerDisconnected) sealed()        {}
func (PeerStateChanged) sealed()        {}
func (PeerReady) sealed()               {}
func (SyncCompleted) sealed()           {}
func (BuzzReceived) sealed()            {}
func (HeartbeatReceived) sealed()       {}
func (QuestionSent) sealed()            {}
func (QuestionSendFailed) sealed()      {}
func (AdvertisingStateChanged) sealed() {}
func (HostConnected) sealed()           {}
func (HostDisconnected) sealed()        {}
func (QuestionReceived) sealed()        {}
func (QuestionActive) sealed()          {}
func (QuestionClosed) sealed()          {}
func (BuzzSent) sealed()                {}
func (RadioStateChanged) sealed()       {}
func (RoundUpdated) sealed()            {}
func (FirstResponder) sealed()          {}
func (PlayerScored) sealed()            {}
func (RoundEnded) sealed()              {}
func (GameOver) sealed()                {}
func (Error) sealed()                   {}
