// Package web serves the host's observability feed: prometheus metrics,
// JSON snapshots and a websocket stream of session events.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Meander-Cloud/go-buzzer/event"
	"github.com/Meander-Cloud/go-buzzer/game"
	"github.com/Meander-Cloud/go-buzzer/model"
	"github.com/Meander-Cloud/go-buzzer/peer"
)

const (
	writeWait      time.Duration = time.Second * 10
	shutdownGrace  time.Duration = time.Second * 3
	readBufferLen  int           = 1024
	writeBufferLen int           = 1024
)

// Snapshot supplies the JSON views.
type Snapshot interface {
	Players() []model.PlayerRecord
	Round() (game.Round, bool)
}

type PeerLister interface {
	Peers() ([]peer.Connection, error)
}

type Options struct {
	Address   string
	Bus       *event.Bus
	Snapshot  Snapshot
	Peers     PeerLister
	Metrics   http.Handler
	LogPrefix string
}

type Server struct {
	options  *Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
	http     *http.Server
	wg       sync.WaitGroup
	stopch   chan struct{}
}

// envelope is one websocket message.
type envelope struct {
	Type  string      `json:"type"`
	Event event.Event `json:"event"`
}

func NewServer(options *Options) *Server {
	s := &Server{
		options: options,
		log:     log.With().Str("component", options.LogPrefix).Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferLen,
			WriteBufferSize: writeBufferLen,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		stopch: make(chan struct{}),
	}

	s.http = &http.Server{
		Addr:         options.Address,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/players", s.handlePlayers).Methods("GET")
	r.HandleFunc("/api/round", s.handleRound).Methods("GET")
	r.HandleFunc("/api/peers", s.handlePeers).Methods("GET")
	r.HandleFunc("/ws/events", s.handleEvents)
	if s.options.Metrics != nil {
		r.Handle("/metrics", s.options.Metrics).Methods("GET")
	}
	return r
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	errch := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", s.options.Address).Msg("web feed listening")
		errch <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errch:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error().Err(err).Msg("web feed failed")
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)
	close(s.stopch)
	s.wg.Wait()
	s.log.Info().Msg("web feed stopped")
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.options.Snapshot.Players())
}

func (s *Server) handleRound(w http.ResponseWriter, r *http.Request) {
	round, found := s.options.Snapshot.Round()
	if !found {
		http.Error(w, "no active round", http.StatusNotFound)
		return
	}
	writeJSON(w, round)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.options.Peers == nil {
		writeJSON(w, []peer.Connection{})
		return
	}
	peers, err := s.options.Peers.Peers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, peers)
}

// handleEvents streams every bus event to the websocket client until either
// side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := s.options.Bus.Subscribe("web-" + r.RemoteAddr)
	s.log.Info().Str("remote", r.RemoteAddr).Msg("event stream opened")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		defer sub.Close()

		// reader only notices the close
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, _, err := conn.ReadMessage()
				if err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				s.log.Info().Str("remote", r.RemoteAddr).Msg("event stream closed")
				return
			case <-s.stopch:
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			case ev, ok := <-sub.C():
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteJSON(envelope{Type: ev.Type(), Event: ev})
				if err != nil {
					s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("event stream write failed")
					return
				}
			}
		}
	}()
}
