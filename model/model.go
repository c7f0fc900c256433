package model

import (
	"time"

	"github.com/Meander-Cloud/go-buzzer/message"
)

type Question struct {
	Text           string        `msgpack:"text" json:"text"`
	StartDelay     time.Duration `msgpack:"startDelay" json:"startDelay"`
	ActiveDuration time.Duration `msgpack:"activeDuration" json:"activeDuration"`
	Points         int           `msgpack:"points" json:"points"`
}

func (q *Question) Hash() uint32 {
	return message.QuestionHash(q.Text)
}

// DefaultQuestion is used when no bank question is available.
func DefaultQuestion() *Question {
	return &Question{
		Text:           "press the button",
		StartDelay:     time.Millisecond * 4000,
		ActiveDuration: time.Millisecond * 10000000,
		Points:         0,
	}
}

type PlayerRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Score     int    `json:"score"`
	Status    string `json:"status"`
}
