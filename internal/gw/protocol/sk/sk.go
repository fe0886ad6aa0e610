// Package sk decodes the SK ASCII family (*SK,<id>,<token>,...#).
package sk

import (
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/gw/protocol/status"
	"nuha.dev/trackgw/internal/gw/protocol/units"
)

const (
	Name   = "sk"
	Vendor = "SK"

	TIMESTAMP_FALLBACK = "timestamp_fallback"
)

var errUnknownToken = errors.New("unknown packet token")

type Parser struct {
	now protocol.Clock
	log log.Logger
}

func NewParser() *Parser {
	p := &Parser{now: time.Now}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "sk").Value()
	return p
}

func (p *Parser) WithClock(c protocol.Clock) *Parser {
	p.now = c
	return p
}

func (p *Parser) Name() string {
	return Name
}

func kindOf(token string) protocol.PacketKind {
	switch token {
	case "D1":
		return protocol.KindGPS
	case "LG":
		return protocol.KindLogin
	case "HB":
		return protocol.KindHeartbeat
	case "RP":
		return protocol.KindCommandResponse
	default:
		return protocol.KindUnknown
	}
}

func (p *Parser) CanParse(msg string) bool {
	env, ok := protocol.Open(msg)
	if !ok || env.Vendor != Vendor {
		return false
	}
	return protocol.IsDigits(env.DeviceID, 8, 15) && kindOf(env.Token) != protocol.KindUnknown
}

func (p *Parser) Parse(msg string) (*protocol.Record, error) {
	env, ok := protocol.Open(msg)
	if !ok {
		return nil, errors.New("malformed envelope")
	}
	kind := kindOf(env.Token)
	rec := protocol.NewRecord(env.DeviceID, Name, Vendor, kind)
	switch kind {
	case protocol.KindGPS:
		// HHmmss,A,lat,N,lon,E,knots,course,ddMMyy,status,battery
		rec.ApplyFix(fixAt(env, 1))
		rec.Timestamp = p.timestamp(rec, env.Field(8)+env.Field(0))
		rec.ApplyStatus(status.FamilyB, env.Field(9))
		rec.ApplyBattery(env.Field(10))
	case protocol.KindLogin:
		rec.Timestamp = p.now()
		if v := env.Field(0); v != "" {
			rec.Metadata.Set("firmware", v)
		}
		if v := env.Field(1); v != "" {
			rec.Metadata.Set("iccid", v)
		}
	case protocol.KindHeartbeat:
		// status[,battery][,gsm]
		rec.Timestamp = p.now()
		rec.ApplyStatus(status.FamilyB, env.Field(0))
		rec.ApplyBattery(env.Field(1))
		if gsm, ok := units.Int(env.Field(2)); ok {
			rec.Metadata.Set("gsm", gsm)
		}
	case protocol.KindCommandResponse:
		// cmdId,result,ddMMyyHHmmss<suffix>[,A,lat,N,lon,E,knots,course]
		rec.Metadata.Set(protocol.KeyCommandID, env.Field(0))
		rec.Metadata.Set(protocol.KeyCommandState, env.Field(1))
		rec.Timestamp = p.timestamp(rec, env.Field(2))
		if v := env.Field(3); v == "A" || v == "V" {
			rec.ApplyFix(fixAt(env, 3))
		}
	default:
		return nil, fmt.Errorf("%w %q", errUnknownToken, env.Token)
	}
	return rec, nil
}

func fixAt(env protocol.Envelope, i int) protocol.Fix {
	return protocol.Fix{
		Validity:   env.Field(i),
		Lat:        env.Field(i + 1),
		NS:         env.Field(i + 2),
		Lon:        env.Field(i + 3),
		EW:         env.Field(i + 4),
		SpeedKnots: env.Field(i + 5),
		Course:     env.Field(i + 6),
	}
}

// timestamp reads ddMMyyHHmmss with an optional trailing status suffix.
func (p *Parser) timestamp(rec *protocol.Record, s string) time.Time {
	ts, err := units.CompactTimestamp(s)
	if err != nil {
		p.log.Warn().Str("event", TIMESTAMP_FALLBACK).Str("device_id", rec.DeviceID()).Str("value", s).Msg("")
		return p.now()
	}
	return ts
}

func (p *Parser) BuildFuelCutCommand(deviceID string) string {
	return fmt.Sprintf("*%s,%s,RL,%s,1,0#", Vendor, deviceID, units.Clock(p.now()))
}

func (p *Parser) BuildEngineOnCommand(deviceID string) string {
	return fmt.Sprintf("*%s,%s,RL,%s,0,0#", Vendor, deviceID, units.Clock(p.now()))
}
