package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/game"
	"github.com/Meander-Cloud/go-buzzer/model"
	"github.com/Meander-Cloud/go-buzzer/peer"
)

type fakeSnapshot struct {
	players []model.PlayerRecord
	round   *game.Round
}

func (f *fakeSnapshot) Players() []model.PlayerRecord {
	return f.players
}

func (f *fakeSnapshot) Round() (game.Round, bool) {
	if f.round == nil {
		return game.Round{}, false
	}
	return *f.round, true
}

type fakePeers []peer.Connection

func (f fakePeers) Peers() ([]peer.Connection, error) {
	return f, nil
}

func newTestServer(t *testing.T, snapshot *fakeSnapshot) (*httptest.Server, *event.Bus) {
	t.Helper()

	bus := event.NewBus(64, "web-test-bus", nil)
	s := NewServer(
		&Options{
			Bus:       bus,
			Snapshot:  snapshot,
			Peers:     fakePeers{{ID: "p1", Name: "Alice", State: peer.StateReady}},
			Metrics:   http.NotFoundHandler(),
			LogPrefix: "web-test",
		},
	)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		bus.Close()
	})
	return ts, bus
}

func TestJSONViews(t *testing.T) {
	snapshot := &fakeSnapshot{
		players: []model.PlayerRecord{{ID: "p1", Name: "Alice", Connected: true, Score: 3, Status: "ready"}},
	}
	ts, _ := newTestServer(t, snapshot)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/players")
	require.NoError(t, err)
	var players []model.PlayerRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&players))
	resp.Body.Close()
	assert.Equal(t, snapshot.players, players)

	resp, err = http.Get(ts.URL + "/api/round")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	snapshot.round = &game.Round{Number: 2, Active: true}
	resp, err = http.Get(ts.URL + "/api/round")
	require.NoError(t, err)
	var round game.Round
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&round))
	resp.Body.Close()
	assert.Equal(t, 2, round.Number)
	assert.True(t, round.Active)

	resp, err = http.Get(ts.URL + "/api/peers")
	require.NoError(t, err)
	var peers []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	resp.Body.Close()
	require.Len(t, peers, 1)
	assert.Equal(t, "Ready", peers[0]["state"])

	resp, err = http.Post(ts.URL+"/api/players", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	ts, bus := newTestServer(t, &fakeSnapshot{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	type message struct {
		Type  string          `json:"type"`
		Event json.RawMessage `json:"event"`
	}
	msgch := make(chan message, 16)
	go func() {
		for {
			var m message
			err := conn.ReadJSON(&m)
			if err != nil {
				close(msgch)
				return
			}
			msgch <- m
		}
	}()

	// the subscription is taken after the upgrade completes
	ticker := time.NewTicker(time.Millisecond * 10)
	defer ticker.Stop()
	timeout := time.After(time.Second * 2)
	for {
		select {
		case m, ok := <-msgch:
			require.True(t, ok)
			assert.Equal(t, "FirstResponder", m.Type)

			var ev event.FirstResponder
			require.NoError(t, json.Unmarshal(m.Event, &ev))
			assert.Equal(t, "p1", ev.Peer)
			assert.Equal(t, 3, ev.Round)
			return
		case <-ticker.C:
			bus.Publish(event.FirstResponder{Round: 3, Peer: "p1", Timestamp: 1000, Contenders: 2})
		case <-timeout:
			t.Fatal("no event received")
		}
	}
}
