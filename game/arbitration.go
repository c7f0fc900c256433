package game

import (
	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/fault"
	"github.com/Meander-Cloud/go-buzzer/group"
)

type contender struct {
	peer      string
	timestamp int64
}

// invoked on arbiter goroutine
func (g *Game) buzzReceived(ev event.BuzzReceived) {
	collector := g.s.Metrics()

	switch {
	case !g.created:
		collector.BuzzReceived("rejected")
		g.publishError(fault.KindRejected, ev.Peer, "buzz before game created")
		return
	case g.round == nil || g.round.Question == nil:
		collector.BuzzReceived("rejected")
		g.publishError(fault.KindRejected, ev.Peer, "buzz before round start")
		return
	case !g.round.Active:
		collector.BuzzReceived("rejected")
		g.publishError(fault.KindRejected, ev.Peer, "buzz while round %d inactive", g.round.Number)
		return
	case ev.Hash != g.round.Question.Hash():
		collector.BuzzReceived("stale")
		g.publishError(fault.KindRejected, ev.Peer, "buzz hash %08x does not match question hash %08x", ev.Hash, g.round.Question.Hash())
		return
	}

	for _, c := range g.contenders {
		if c.peer == ev.Peer {
			collector.BuzzReceived("duplicate")
			g.log.Debug().Str("peer", ev.Peer).Msg("ignoring repeated buzz")
			return
		}
	}

	collector.BuzzReceived("accepted")
	g.contenders = append(
		g.contenders,
		contender{
			peer:      ev.Peer,
			timestamp: ev.Timestamp,
		},
	)
	g.log.Info().Str("peer", ev.Peer).Int64("timestamp", ev.Timestamp).Bool("synchronized", ev.Synchronized).Int("contenders", len(g.contenders)).Msg("buzz recorded")

	if g.windowOpen {
		return
	}

	g.windowOpen = true
	g.s.Arbiter().ScheduleTimer(
		group.GroupBuzzWindow,
		true,
		g.t.BuzzWindow,
		g.resolve,
	)
}

// resolve picks the earliest synchronized timestamp; ties go to the earlier arrival.
//
// invoked on arbiter goroutine
func (g *Game) resolve() {
	g.windowOpen = false
	contenders := g.contenders
	g.contenders = nil

	if g.round == nil {
		return
	}
	if len(contenders) == 0 {
		g.publishError(fault.KindNotFound, "", "decision window closed without buzzes")
		return
	}

	winner := contenders[0]
	for _, c := range contenders[1:] {
		if c.timestamp < winner.timestamp {
			winner = c
		}
	}

	g.round.Winner = winner.peer
	g.round.Active = false
	g.player(winner.peer).Status = "buzzed first"

	g.log.Info().Int("round", g.round.Number).Str("peer", winner.peer).Int("contenders", len(contenders)).Msg("first responder")
	g.publish(
		event.FirstResponder{
			Round:      g.round.Number,
			Peer:       winner.peer,
			Timestamp:  winner.timestamp,
			Contenders: len(contenders),
		},
	)
	g.publish(
		event.RoundUpdated{
			Round:    g.round.Number,
			Question: g.round.Question,
			Active:   false,
		},
	)
}
