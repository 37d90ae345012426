package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hearthwake.ai/internal/observerproto"
	"hearthwake.ai/internal/sim/catalogs"
	"hearthwake.ai/internal/sim/town"
	"hearthwake.ai/internal/sim/tuning"
)

func startTown(t *testing.T) (*town.Town, context.CancelFunc) {
	t.Helper()
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	tu := tuning.Defaults()
	tu.TickDurationMs = 5
	tw, err := town.New(town.Config{
		ID:         "obs-town",
		Tuning:     tu,
		Templates:  cats.Zones.Templates(),
		Milestones: cats.Milestones.Defs,
		Tech:       cats.Tech.Nodes,
	})
	if err != nil {
		t.Fatalf("town: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = tw.Run(ctx) }()
	return tw, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var base observerproto.BaseMsg
		if err := json.Unmarshal(msg, &base); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if base.Type == typ {
			return msg
		}
	}
	t.Fatalf("no %s message", typ)
	return nil
}

func TestObserver_StreamsTicksAndRunsCommands(t *testing.T) {
	tw, stopTown := startTown(t)
	defer stopTown()

	s := NewServer(tw, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.WSHandler())
	mux.HandleFunc("/bootstrap", s.BootstrapHandler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bootstrap")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	var boot observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatalf("bootstrap decode: %v", err)
	}
	resp.Body.Close()
	if boot.TownID != "obs-town" || boot.TickDurationMs != 5 || boot.ProtocolVersion != observerproto.Version {
		t.Fatalf("bootstrap: %+v", boot)
	}

	conn := dial(t, srv)
	defer conn.Close()
	if err := conn.WriteJSON(observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var tick observerproto.TickMsg
	if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeTick), &tick); err != nil {
		t.Fatalf("tick decode: %v", err)
	}
	if tick.Observation == nil || tick.Observation.TownID != "obs-town" || len(tick.Observation.Zones) == 0 {
		t.Fatalf("tick: %+v", tick.Observation)
	}

	cmd := observerproto.CommandMsg{
		Type:            observerproto.TypeCommand,
		ProtocolVersion: observerproto.Version,
		RequestID:       "r1",
		Command:         town.Command{Kind: town.CmdRestoreZone, ZoneID: "bell_tower"},
	}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("command: %v", err)
	}
	var res observerproto.CommandResultMsg
	if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeCommandResult), &res); err != nil {
		t.Fatalf("result decode: %v", err)
	}
	if !res.OK || res.RequestID != "r1" || len(res.Events) == 0 || res.Events[0].Kind != town.EventZoneRestored {
		t.Fatalf("result: %+v", res)
	}

	cmd.RequestID = "r2"
	cmd.Command = town.Command{Kind: town.CmdRestoreZone, ZoneID: "atlantis"}
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("command: %v", err)
	}
	res = observerproto.CommandResultMsg{}
	if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeCommandResult), &res); err != nil {
		t.Fatalf("result decode: %v", err)
	}
	if res.OK || res.RequestID != "r2" || res.Code != observerproto.ErrUnknownZone || !strings.Contains(res.Error, "unknown zone") {
		t.Fatalf("failed command result: %+v", res)
	}

	if err := conn.WriteJSON(observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version, OmitZones: true}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	// Messages already queued may still carry zones; a later one must not.
	deadline := time.Now().Add(5 * time.Second)
	for {
		tick = observerproto.TickMsg{}
		if err := json.Unmarshal(readUntil(t, conn, observerproto.TypeTick), &tick); err != nil {
			t.Fatalf("tick decode: %v", err)
		}
		if len(tick.Observation.Zones) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("zones still streamed after omit_zones")
		}
	}
}

func TestObserver_RejectsBadHandshake(t *testing.T) {
	tw, stopTown := startTown(t)
	defer stopTown()

	s := NewServer(tw, nil)
	srv := httptest.NewServer(s.WSHandler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]string{"type": "HELLO", "protocol_version": observerproto.Version}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscriber leaked")
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:4000": true,
		"[::1]:4000":     true,
		"10.0.0.5:4000":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}
