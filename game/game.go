// Package game runs rounds on the host: it picks questions, dispatches them
// through the coordinator, arbitrates buzzes and keeps score.
package game

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Meander-Cloud/go-buzzer/config"
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/group"
	"github.com/Meander-Cloud/go-buzzer/model"
	"github.com/Meander-Cloud/go-buzzer/questionbank"
	"github.com/Meander-Cloud/go-buzzer/session"
)

// QuestionSender dispatches a question to every ready peer.
type QuestionSender interface {
	// caller must be on arbiter goroutine
	SendQuestionSync(q *model.Question) (int, error)
}

type Round struct {
	Number    int             `json:"number"`
	Question  *model.Question `json:"question"`
	Active    bool            `json:"active"`
	Winner    string          `json:"winner"`
	Evaluated bool            `json:"evaluated"`
}

type Game struct {
	s      *session.Session
	t      config.Timing
	log    zerolog.Logger
	sender QuestionSender
	bank   questionbank.Bank
	sub    *event.Subscription
	wg     sync.WaitGroup

	// below state is owned by the arbiter goroutine
	created      bool
	mode         Mode
	round        *Round
	rounds       int
	previousText string
	contenders   []contender
	windowOpen   bool
	playerMap    map[string]*model.PlayerRecord
}

// NewGame subscribes to the session bus; bank may be nil, in which case
// every round uses the default question.
func NewGame(s *session.Session, sender QuestionSender, bank questionbank.Bank) (*Game, error) {
	if s == nil || sender == nil {
		err := fmt.Errorf("game requires session and question sender")
		return nil, err
	}

	g := &Game{
		s:         s,
		t:         s.Timing(),
		log:       s.Logger("game"),
		sender:    sender,
		bank:      bank,
		sub:       s.Bus().Subscribe("game"),
		playerMap: make(map[string]*model.PlayerRecord),
	}

	g.wg.Add(1)
	go g.pump()

	return g, nil
}

// pump forwards bus events onto the arbiter goroutine in publish order.
func (g *Game) pump() {
	defer g.wg.Done()
	for ev := range g.sub.C() {
		err := g.s.Arbiter().Dispatch(
			func() {
				g.handle(ev)
			},
		)
		if err != nil {
			g.log.Warn().Err(err).Str("event", ev.Type()).Msg("failed to dispatch event")
		}
	}
}

// Stop unsubscribes from the bus and cancels a pending decision window.
func (g *Game) Stop() {
	g.sub.Close()
	g.wg.Wait()

	err := g.s.Arbiter().DispatchWait(
		func() {
			// invoked on arbiter goroutine
			g.closeWindow()
		},
	)
	if err != nil {
		g.log.Warn().Err(err).Msg("stop dispatched after arbiter shutdown")
	}
	g.log.Info().Msg("game stopped")
}

func (g *Game) wait(f func() error) error {
	var err error
	dispatchErr := g.s.Arbiter().DispatchWait(
		func() {
			err = f()
		},
	)
	if dispatchErr != nil {
		return dispatchErr
	}
	return err
}

func (g *Game) publish(ev event.Event) {
	g.s.Bus().Publish(ev)
}

func (g *Game) publishError(kind fault.Kind, peerID string, format string, args ...any) *fault.Error {
	e := fault.New(kind, peerID, format, args...)
	g.log.Warn().Err(e).Send()
	g.publish(event.Error{Err: e})
	return e
}

// invoked on arbiter goroutine
func (g *Game) handle(ev event.Event) {
	switch e := ev.(type) {
	case event.PeerDiscovered:
		p := g.player(e.Peer)
		if e.Name != "" {
			p.Name = e.Name
		}
		if !p.Connected {
			p.Status = "discovered"
		}

	case event.PeerConnected:
		p := g.player(e.Peer)
		if e.Name != "" {
			p.Name = e.Name
		}
		p.Connected = true
		p.Status = "connected"

	case event.PeerReady:
		g.player(e.Peer).Status = "ready"

	case event.PeerDisconnected:
		p := g.player(e.Peer)
		p.Connected = false
		p.Status = "disconnected"

	case event.BuzzReceived:
		g.buzzReceived(e)
	}
}

// invoked on arbiter goroutine
func (g *Game) player(peerID string) *model.PlayerRecord {
	p, found := g.playerMap[peerID]
	if !found {
		p = &model.PlayerRecord{
			ID:   peerID,
			Name: peerID,
		}
		g.playerMap[peerID] = p
	}
	return p
}

// CreateGame starts a new game in mode, resetting scores.
func (g *Game) CreateGame(mode Mode) error {
	return g.wait(func() error {
		if g.created {
			return g.publishError(fault.KindAlreadyInProgress, "", "game already created in mode %s", g.mode)
		}

		g.created = true
		g.mode = mode
		g.rounds = 0
		g.previousText = ""
		for _, p := range g.playerMap {
			p.Score = 0
		}

		g.log.Info().Stringer("mode", mode).Int("rounds", mode.Rounds()).Msg("game created")
		return nil
	})
}

// ClearGame abandons the current game without scoring.
func (g *Game) ClearGame() error {
	return g.wait(func() error {
		g.closeWindow()
		g.round = nil
		g.created = false
		g.log.Info().Msg("game cleared")
		return nil
	})
}

// StartRound opens the next round and loads its question in the background.
// RoundUpdated is published once the question is set.
func (g *Game) StartRound() (int, error) {
	var number int
	err := g.wait(func() error {
		if !g.created {
			return g.publishError(fault.KindNotFound, "", "no game created")
		}
		if g.round != nil {
			g.publishError(fault.KindAlreadyInProgress, "", "round %d already started, overwriting", g.round.Number)
			g.closeWindow()
		}

		number = g.rounds + 1
		g.round = &Round{
			Number: number,
			Active: true,
		}
		g.log.Info().Int("round", number).Msg("round started")

		if g.mode == ModeNone {
			g.questionLoaded(number, model.DefaultQuestion())
			return nil
		}

		previous := g.previousText
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			q := g.fetchQuestion(previous)
			err := g.s.Arbiter().Dispatch(
				func() {
					g.questionLoaded(number, q)
				},
			)
			if err != nil {
				g.log.Warn().Err(err).Int("round", number).Msg("failed to deliver loaded question")
			}
		}()
		return nil
	})
	return number, err
}

// fetchQuestion asks the bank for a question different from previous,
// retrying once, and falls back to the default question.
func (g *Game) fetchQuestion(previous string) *model.Question {
	if g.bank == nil {
		return model.DefaultQuestion()
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.t.OperationTimeout)
	defer cancel()

	var q *model.Question
	for attempt := 0; attempt < 2; attempt++ {
		var err error
		q, err = g.bank.FetchRandom(ctx)
		if err != nil {
			g.log.Error().Err(err).Msg("failed to load question, using default")
			return model.DefaultQuestion()
		}
		if q == nil || q.Text != previous {
			break
		}
	}

	if q == nil {
		g.log.Warn().Msg("question bank empty, using default")
		return model.DefaultQuestion()
	}
	return q
}

// invoked on arbiter goroutine
func (g *Game) questionLoaded(number int, q *model.Question) {
	if g.round == nil || g.round.Number != number {
		g.log.Debug().Int("round", number).Msg("discarding question for stale round")
		return
	}

	g.round.Question = q
	g.previousText = q.Text
	g.log.Info().Int("round", number).Uint32("hash", q.Hash()).Str("text", q.Text).Msg("question loaded")
	g.publish(
		event.RoundUpdated{
			Round:    number,
			Question: q,
			Active:   g.round.Active,
		},
	)
}

// SendQuestion dispatches the round question to every ready peer.
func (g *Game) SendQuestion() (int, error) {
	var n int
	err := g.wait(func() error {
		if g.round == nil || g.round.Question == nil {
			return g.publishError(fault.KindNotFound, "", "no round question to send")
		}

		var err error
		n, err = g.sender.SendQuestionSync(g.round.Question)
		return err
	})
	return n, err
}

// EvaluateAnswer scores the round winner once.
func (g *Game) EvaluateAnswer(correct bool) error {
	return g.wait(func() error {
		if g.round == nil || g.round.Winner == "" {
			return g.publishError(fault.KindNotFound, "", "no first responder to evaluate")
		}
		if g.round.Evaluated {
			return g.publishError(fault.KindAlreadyInProgress, g.round.Winner, "round %d already evaluated", g.round.Number)
		}
		g.round.Evaluated = true

		p := g.player(g.round.Winner)
		if correct {
			p.Status = "correct"
		} else {
			p.Status = "wrong"
		}

		if !g.mode.Scored() {
			return nil
		}

		delta := 0
		if correct {
			delta = max(g.round.Question.Points, 1)
		}
		p.Score += delta

		g.log.Info().Str("peer", p.ID).Bool("correct", correct).Int("delta", delta).Int("score", p.Score).Msg("answer evaluated")
		g.publish(
			event.PlayerScored{
				Peer:  p.ID,
				Delta: delta,
				Score: p.Score,
			},
		)
		return nil
	})
}

// EndRound clears per-round state and ends the game once the mode's round
// count is reached.
func (g *Game) EndRound() error {
	return g.wait(func() error {
		if g.round == nil {
			return g.publishError(fault.KindNotFound, "", "no round to end")
		}

		g.closeWindow()
		r := g.round
		g.round = nil
		g.rounds++

		g.log.Info().Int("round", r.Number).Str("winner", r.Winner).Msg("round ended")
		g.publish(
			event.RoundEnded{
				Round:  r.Number,
				Winner: r.Winner,
			},
		)

		limit := g.mode.Rounds()
		if limit > 0 && g.rounds >= limit {
			g.created = false
			g.log.Info().Int("rounds", g.rounds).Msg("game over")
			g.publish(event.GameOver{Rounds: g.rounds})
		}
		return nil
	})
}

// Round returns a copy of the current round.
func (g *Game) Round() (Round, bool) {
	var (
		r     Round
		found bool
	)
	g.s.Arbiter().DispatchWait(func() {
		if g.round != nil {
			r = *g.round
			found = true
		}
	})
	return r, found
}

// Players returns player records sorted by peer id.
func (g *Game) Players() []model.PlayerRecord {
	var players []model.PlayerRecord
	g.s.Arbiter().DispatchWait(func() {
		players = make([]model.PlayerRecord, 0, len(g.playerMap))
		for _, p := range g.playerMap {
			players = append(players, *p)
		}
	})
	sort.Slice(players, func(i, j int) bool {
		return players[i].ID < players[j].ID
	})
	return players
}

// invoked on arbiter goroutine
func (g *Game) closeWindow() {
	if g.windowOpen {
		g.s.Arbiter().ReleaseGroup(group.GroupBuzzWindow)
		g.windowOpen = false
	}
	g.contenders = nil
}
