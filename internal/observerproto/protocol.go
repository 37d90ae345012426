package observerproto

import "hearthwake.ai/internal/sim/town"

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe     = "SUBSCRIBE"
	TypeCommand       = "COMMAND"
	TypeTick          = "TICK"
	TypeCommandResult = "COMMAND_RESULT"
	TypeError         = "ERROR"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// EveryTicks thins the stream: only ticks divisible by it are sent.
	EveryTicks int `json:"every_ticks,omitempty"`
	// OmitZones drops the per-zone views from tick messages.
	OmitZones bool `json:"omit_zones,omitempty"`
}

// Client -> Server. A town command; answered with a CommandResultMsg that
// echoes RequestID.
type CommandMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	RequestID       string       `json:"request_id,omitempty"`
	Command         town.Command `json:"command"`
}

// HTTP response for GET /v1/observe/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	TownID          string `json:"town_id"`
	Tick            uint64 `json:"tick"`
	TickDurationMs  int64  `json:"tick_duration_ms"`
}

// Server -> Client. Sent after each observed tick.
type TickMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Observation     *town.Observation `json:"observation"`
}

type CommandResultMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	RequestID       string       `json:"request_id,omitempty"`
	OK              bool         `json:"ok"`
	Code            string       `json:"code,omitempty"`
	Error           string       `json:"error,omitempty"`
	Events          []town.Event `json:"events,omitempty"`
}

type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message"`
}

// BaseMsg is decoded first to route a client message by type.
type BaseMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}
