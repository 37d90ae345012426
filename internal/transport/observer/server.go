package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hearthwake.ai/internal/observerproto"
	"hearthwake.ai/internal/sim/town"
)

// Town is the part of the engine the observer needs. Every method must be
// safe to call from any goroutine.
type Town interface {
	ID() string
	TickDuration() time.Duration
	Latest() *town.Observation
	Submit(ctx context.Context, cmd town.Command) ([]town.Event, error)
}

type Server struct {
	town Town
	log  *log.Logger

	// AllowRemote admits non-loopback clients.
	AllowRemote bool
	// CommandTimeout bounds how long a COMMAND waits for its tick boundary.
	CommandTimeout time.Duration

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[string]*subscriber

	dropped atomic.Uint64
}

type subscriber struct {
	out       chan []byte
	every     atomic.Int64
	omitZones atomic.Bool
}

func NewServer(t Town, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		town:           t,
		log:            logger,
		CommandTimeout: 10 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[string]*subscriber{},
	}
}

// Subscribers reports the number of connected observers.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Dropped reports tick messages discarded for slow observers.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Run polls the town's published observation once per tick and fans new
// ticks out to subscribers until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.town.TickDuration())
	defer ticker.Stop()

	var lastTick uint64
	var sent bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			obs := s.town.Latest()
			if obs == nil || (sent && obs.Tick == lastTick) {
				continue
			}
			lastTick, sent = obs.Tick, true
			s.broadcast(obs)
		}
	}
}

func (s *Server) broadcast(obs *town.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return
	}

	var full, slim []byte
	for _, sub := range s.subs {
		if every := uint64(sub.every.Load()); every > 1 && obs.Tick%every != 0 {
			continue
		}
		var b []byte
		if sub.omitZones.Load() {
			if slim == nil {
				o := *obs
				o.Zones = nil
				slim = encodeTick(&o)
			}
			b = slim
		} else {
			if full == nil {
				full = encodeTick(obs)
			}
			b = full
		}
		select {
		case sub.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func encodeTick(obs *town.Observation) []byte {
	b, _ := json.Marshal(observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Observation:     obs,
	})
	return b
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.admit(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			TownID:          s.town.ID(),
			TickDurationMs:  s.town.TickDuration().Milliseconds(),
		}
		if obs := s.town.Latest(); obs != nil {
			resp.Tick = obs.Tick
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.admit(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		subscr := &subscriber{out: make(chan []byte, 8)}
		applySubscribe(subscr, sub)
		replies := make(chan []byte, 16)

		s.mu.Lock()
		s.subs[sid] = subscr
		s.mu.Unlock()
		s.log.Printf("observer %s connected from %s", sid, r.RemoteAddr)
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
			s.log.Printf("observer %s disconnected", sid)
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				var b []byte
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b = <-replies:
				case b = <-subscr.out:
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					cancel()
					return
				}
			}
		}()

		// Reader loop: SUBSCRIBE updates and COMMANDs.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var base observerproto.BaseMsg
			if err := json.Unmarshal(msg, &base); err != nil || base.ProtocolVersion != observerproto.Version {
				s.reply(ctx, replies, observerproto.ErrorMsg{
					Type: observerproto.TypeError, ProtocolVersion: observerproto.Version, Code: observerproto.ErrProtoBadRequest, Message: "bad message",
				})
				continue
			}
			switch base.Type {
			case observerproto.TypeSubscribe:
				var sub observerproto.SubscribeMsg
				if err := json.Unmarshal(msg, &sub); err == nil {
					applySubscribe(subscr, sub)
				}
			case observerproto.TypeCommand:
				var cm observerproto.CommandMsg
				if err := json.Unmarshal(msg, &cm); err != nil {
					s.reply(ctx, replies, observerproto.ErrorMsg{
						Type: observerproto.TypeError, ProtocolVersion: observerproto.Version, Code: observerproto.ErrProtoBadRequest, Message: "bad command",
					})
					continue
				}
				s.reply(ctx, replies, s.runCommand(ctx, sid, cm))
			default:
				s.reply(ctx, replies, observerproto.ErrorMsg{
					Type: observerproto.TypeError, ProtocolVersion: observerproto.Version, Code: observerproto.ErrProtoBadRequest, Message: "unknown type " + base.Type,
				})
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) runCommand(ctx context.Context, sid string, cm observerproto.CommandMsg) observerproto.CommandResultMsg {
	res := observerproto.CommandResultMsg{
		Type:            observerproto.TypeCommandResult,
		ProtocolVersion: observerproto.Version,
		RequestID:       cm.RequestID,
	}
	cctx, cancel := context.WithTimeout(ctx, s.CommandTimeout)
	defer cancel()
	evs, err := s.town.Submit(cctx, cm.Command)
	if err != nil {
		s.log.Printf("observer %s command %s: %v", sid, cm.Command.Kind, err)
		res.Code = observerproto.CodeFor(err)
		res.Error = err.Error()
		return res
	}
	res.OK = true
	res.Events = evs
	return res
}

func (s *Server) reply(ctx context.Context, replies chan<- []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case replies <- b:
	case <-ctx.Done():
	}
}

func applySubscribe(sub *subscriber, msg observerproto.SubscribeMsg) {
	every := msg.EveryTicks
	if every < 1 {
		every = 1
	}
	if every > 3600 {
		every = 3600
	}
	sub.every.Store(int64(every))
	sub.omitZones.Store(msg.OmitZones)
}

func (s *Server) admit(r *http.Request) bool {
	return s.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
