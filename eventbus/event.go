package eventbus

import (
	"github.com/google/uuid"
	"github.com/ugorji/go/codec"

	"github.com/risa-org/rfcomm/bdaddr"
)

// EventID identifies one kind of lifecycle event.
type EventID uint

const (
	SessionOpened EventID = iota + 1
	SessionClosed
	DLCOpened
	DLCClosed
	DataLost
)

// AllEvents returns every event id.
func AllEvents() []EventID {
	return []EventID{SessionOpened, SessionClosed, DLCOpened, DLCClosed, DataLost}
}

func (e EventID) String() string {
	switch e {
	case SessionOpened:
		return "session-opened"
	case SessionClosed:
		return "session-closed"
	case DLCOpened:
		return "dlc-opened"
	case DLCClosed:
		return "dlc-closed"
	case DataLost:
		return "data-lost"
	default:
		return "unknown"
	}
}

// SessionEvent is published when a multiplexer session opens or closes.
type SessionEvent struct {
	ID     uuid.UUID   `json:"id"`
	Local  bdaddr.Addr `json:"local"`
	Remote bdaddr.Addr `json:"remote"`
	Reason string      `json:"reason,omitempty"`
}

// DLCEvent is published when a channel opens, closes or drops data.
type DLCEvent struct {
	Session uuid.UUID       `json:"session"`
	DLCI    uint8           `json:"dlci"`
	Local   bdaddr.SockAddr `json:"local"`
	Remote  bdaddr.SockAddr `json:"remote"`
	Bytes   int             `json:"bytes,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// Render encodes an event as a single JSON line keyed by its id,
// e.g. {"dlc-opened":{...}}.
func Render(id EventID, data any) (string, error) {
	h := &codec.JsonHandle{}
	h.TypeInfos = codec.NewTypeInfos([]string{"json"})

	var out []byte
	err := codec.NewEncoderBytes(&out, h).Encode(map[string]any{id.String(): data})
	return string(out), err
}
