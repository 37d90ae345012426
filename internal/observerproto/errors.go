package observerproto

import (
	"context"
	"errors"

	"hearthwake.ai/internal/sim/town"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Command layer.
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrUnknownZone = "E_UNKNOWN_ZONE"
	ErrUnknownTmpl = "E_UNKNOWN_TEMPLATE"
	ErrUnknownTech = "E_UNKNOWN_TECH"
	ErrNoResource  = "E_NO_RESOURCE"
	ErrConflict    = "E_CONFLICT"
	ErrBusy        = "E_BUSY"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrUnknownZone:     {},
	ErrUnknownTmpl:     {},
	ErrUnknownTech:     {},
	ErrNoResource:      {},
	ErrConflict:        {},
	ErrBusy:            {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps a command error onto its wire code. A nil error has no code.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, town.ErrUnknownZone):
		return ErrUnknownZone
	case errors.Is(err, town.ErrUnknownTemplate):
		return ErrUnknownTmpl
	case errors.Is(err, town.ErrUnknownTech):
		return ErrUnknownTech
	case errors.Is(err, town.ErrInsufficientEnergy):
		return ErrNoResource
	case errors.Is(err, town.ErrZoneExists):
		return ErrConflict
	case errors.Is(err, town.ErrBadCommand):
		return ErrBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrBusy
	}
	return ErrInternal
}
