// Package protocol defines the decoder contract shared by every tracker family
// and the ordered registry that picks a decoder for each framed message.
package protocol

import (
	"errors"
	"strings"
	"time"
)

const (
	StartMarker = '*'
	EndMarker   = '#'
)

var ErrParse = errors.New("parse failure")

type PacketKind int

const (
	KindUnknown PacketKind = iota
	KindGPS
	KindLogin
	KindLBS
	KindWiFi
	KindHeartbeat
	KindCommandResponse
	KindGeneric
)

func (k PacketKind) String() string {
	switch k {
	case KindGPS:
		return "gps"
	case KindLogin:
		return "login"
	case KindLBS:
		return "lbs"
	case KindWiFi:
		return "wifi"
	case KindHeartbeat:
		return "heartbeat"
	case KindCommandResponse:
		return "command_response"
	case KindGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Parser decodes one vendor family. Implementations are stateless and shared
// by every connection.
type Parser interface {
	Name() string
	// CanParse is a structural check only and must not allocate a record.
	CanParse(msg string) bool
	Parse(msg string) (*Record, error)
	BuildFuelCutCommand(deviceID string) string
	BuildEngineOnCommand(deviceID string) string
}

// Clock is injected into parsers so timestamp fallbacks are testable.
type Clock func() time.Time

// Envelope is a message split into its comma separated fields with the
// `*` and `#` markers removed.
type Envelope struct {
	Vendor   string
	DeviceID string
	Token    string
	Fields   []string
}

// Split strips the envelope markers and splits msg into fields. It does not
// validate anything beyond the markers.
func Split(msg string) ([]string, bool) {
	msg = strings.TrimSpace(msg)
	if len(msg) < 2 || msg[0] != StartMarker || msg[len(msg)-1] != EndMarker {
		return nil, false
	}
	return strings.Split(msg[1:len(msg)-1], ","), true
}

func Open(msg string) (Envelope, bool) {
	parts, ok := Split(msg)
	if !ok || len(parts) < 3 {
		return Envelope{}, false
	}
	return Envelope{Vendor: parts[0], DeviceID: parts[1], Token: parts[2], Fields: parts[3:]}, true
}

// Field returns the i-th payload field or "" when absent.
func (e Envelope) Field(i int) string {
	if i < 0 || i >= len(e.Fields) {
		return ""
	}
	return strings.TrimSpace(e.Fields[i])
}

func IsDigits(s string, min, max int) bool {
	if len(s) < min || len(s) > max {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Truncate shortens payloads before they are logged.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
