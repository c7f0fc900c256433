// Package questionbank stores trivia questions and hands out random ones
// for new rounds.
package questionbank

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/Meander-Cloud/go-buzzer/model"
)

type Bank interface {
	// FetchRandom returns nil without error when the bank is empty.
	FetchRandom(ctx context.Context) (*model.Question, error)
	Store(ctx context.Context, questions []model.Question) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// MemoryBank keeps questions in process memory.
type MemoryBank struct {
	mutex     sync.Mutex
	questions []model.Question
}

func NewMemoryBank(questions ...model.Question) *MemoryBank {
	return &MemoryBank{
		questions: append([]model.Question(nil), questions...),
	}
}

func (m *MemoryBank) FetchRandom(ctx context.Context) (*model.Question, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.questions) == 0 {
		return nil, nil
	}
	q := m.questions[rand.IntN(len(m.questions))]
	return &q, nil
}

func (m *MemoryBank) Store(ctx context.Context, questions []model.Question) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.questions = append(m.questions, questions...)
	return nil
}

func (m *MemoryBank) Count(ctx context.Context) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.questions), nil
}

func (m *MemoryBank) Close() error {
	return nil
}
