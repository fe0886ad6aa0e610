package store

import (
	"time"

	"nuha.dev/trackgw/internal/telemetry"
)

// TelemetryStore persists decoded records. Put is called on the publishing
// goroutine and must not block on I/O.
type TelemetryStore interface {
	Put(ev telemetry.Event)
}

// CommandStore keeps an audit trail of outbound commands and device replies.
type CommandStore interface {
	SaveCommand(device_id string, kind string, command string, delivered bool, t time.Time)
	SaveCommandResponse(device_id string, command_id string, status string, t time.Time)
}
