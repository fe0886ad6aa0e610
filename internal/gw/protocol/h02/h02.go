// Package h02 decodes the HQ ASCII family (*HQ,<id>,<token>,...#).
package h02

import (
	"fmt"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/gw/protocol/status"
	"nuha.dev/trackgw/internal/gw/protocol/units"
)

const (
	Name   = "h02"
	Vendor = "HQ"

	TIMESTAMP_FALLBACK = "timestamp_fallback"
)

const (
	tokenLogin    = "V0"
	tokenGPS      = "V1"
	tokenResponse = "V4"
	tokenLBS      = "NBR"
	tokenWiFi     = "WIFI"
	tokenHTBT     = "HTBT"
	tokenCommand  = "S20"
)

type Cell struct {
	LAC  int64 `json:"lac"`
	CID  int64 `json:"cid"`
	RSSI int64 `json:"rssi"`
}

type AccessPoint struct {
	MAC  string `json:"mac"`
	RSSI int64  `json:"rssi"`
}

type Parser struct {
	now protocol.Clock
	log log.Logger
}

func NewParser() *Parser {
	p := &Parser{now: time.Now}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "h02").Value()
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
	case tokenGPS:
		return protocol.KindGPS
	case tokenLogin:
		return protocol.KindLogin
	case tokenLBS:
		return protocol.KindLBS
	case tokenWiFi:
		return protocol.KindWiFi
	case tokenHTBT:
		return protocol.KindHeartbeat
	case tokenResponse:
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
	return protocol.IsDigits(env.DeviceID, 10, 15) && kindOf(env.Token) != protocol.KindUnknown
}

func (p *Parser) Parse(msg string) (*protocol.Record, error) {
	env, ok := protocol.Open(msg)
	if !ok {
		return nil, fmt.Errorf("malformed envelope")
	}
	kind := kindOf(env.Token)
	rec := protocol.NewRecord(env.DeviceID, Name, Vendor, kind)
	switch kind {
	case protocol.KindGPS:
		p.gps(rec, env)
	case protocol.KindLogin:
		p.login(rec, env)
	case protocol.KindLBS:
		p.lbs(rec, env)
	case protocol.KindWiFi:
		p.wifi(rec, env)
	case protocol.KindHeartbeat:
		p.heartbeat(rec, env)
	case protocol.KindCommandResponse:
		p.response(rec, env)
	default:
		return nil, fmt.Errorf("unknown packet token %q", env.Token)
	}
	return rec, nil
}

func (p *Parser) timestamp(rec *protocol.Record, date, clock string) {
	ts, err := units.Timestamp(date, clock)
	if err != nil {
		ts = p.now()
		p.log.Warn().Str("event", TIMESTAMP_FALLBACK).Str("device_id", rec.DeviceID()).Str("date", date).Str("time", clock).Msg("")
	}
	rec.Timestamp = ts
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

// V1: HHmmss,A,lat,N,lon,E,knots,course,ddMMyy,status[,mcc,mnc,lac,cid]
func (p *Parser) gps(rec *protocol.Record, env protocol.Envelope) {
	rec.ApplyFix(fixAt(env, 1))
	p.timestamp(rec, env.Field(8), env.Field(0))
	rec.ApplyStatus(status.FamilyA, env.Field(9))
	if len(env.Fields) >= 14 {
		mcc, _ := units.Int(env.Field(10))
		mnc, _ := units.Int(env.Field(11))
		lac, _ := units.Int(env.Field(12))
		cid, _ := units.Int(env.Field(13))
		rec.Metadata.Set("mcc", mcc)
		rec.Metadata.Set("mnc", mnc)
		rec.Metadata.Set("lac", lac)
		rec.Metadata.Set("cid", cid)
	}
}

// V0: [iccid][,firmware]
func (p *Parser) login(rec *protocol.Record, env protocol.Envelope) {
	rec.Timestamp = p.now()
	if v := env.Field(0); v != "" {
		rec.Metadata.Set("iccid", v)
	}
	if v := env.Field(1); v != "" {
		rec.Metadata.Set("firmware", v)
	}
}

// NBR: HHmmss,mcc,mnc,ta,n,(lac,cid,rssi)*n,ddMMyy,status
func (p *Parser) lbs(rec *protocol.Record, env protocol.Envelope) {
	mcc, _ := units.Int(env.Field(1))
	mnc, _ := units.Int(env.Field(2))
	ta, _ := units.Int(env.Field(3))
	rec.Metadata.Set("mcc", mcc)
	rec.Metadata.Set("mnc", mnc)
	rec.Metadata.Set("ta", ta)

	n := count(env.Field(4), len(env.Fields)-7, 3)
	cells := make([]Cell, 0, n)
	for i := 0; i < n; i++ {
		base := 5 + i*3
		lac, _ := units.Int(env.Field(base))
		cid, _ := units.Int(env.Field(base + 1))
		rssi, _ := units.Int(env.Field(base + 2))
		cells = append(cells, Cell{lac, cid, rssi})
	}
	rec.Metadata.Set("cells", cells)
	tail := 5 + n*3
	p.timestamp(rec, env.Field(tail), env.Field(0))
	rec.ApplyStatus(status.FamilyA, env.Field(tail+1))
}

// WIFI: HHmmss,n,(mac,rssi)*n,ddMMyy,status
func (p *Parser) wifi(rec *protocol.Record, env protocol.Envelope) {
	n := count(env.Field(1), len(env.Fields)-4, 2)
	aps := make([]AccessPoint, 0, n)
	for i := 0; i < n; i++ {
		base := 2 + i*2
		rssi, _ := units.Int(env.Field(base + 1))
		aps = append(aps, AccessPoint{env.Field(base), rssi})
	}
	rec.Metadata.Set("wifi", aps)
	tail := 2 + n*2
	p.timestamp(rec, env.Field(tail), env.Field(0))
	rec.ApplyStatus(status.FamilyA, env.Field(tail+1))
}

// HTBT: [batteryHex][,gsm]
func (p *Parser) heartbeat(rec *protocol.Record, env protocol.Envelope) {
	rec.Timestamp = p.now()
	rec.ApplyBattery(env.Field(0))
	if gsm, ok := units.Int(env.Field(1)); ok {
		rec.Metadata.Set("gsm", gsm)
	}
}

// V4: cmdId,cmdStatus,HHmmss then either [ddMMyy] or A,lat,N,lon,E,knots,course,ddMMyy,status
func (p *Parser) response(rec *protocol.Record, env protocol.Envelope) {
	rec.Metadata.Set(protocol.KeyCommandID, env.Field(0))
	rec.Metadata.Set(protocol.KeyCommandState, env.Field(1))
	switch env.Field(3) {
	case "A", "V":
		rec.ApplyFix(fixAt(env, 3))
		p.timestamp(rec, env.Field(10), env.Field(2))
		rec.ApplyStatus(status.FamilyA, env.Field(11))
	default:
		p.timestamp(rec, env.Field(3), env.Field(2))
	}
}

// count bounds a repeated group size by what the message actually carries.
func count(field string, avail int, width int) int {
	n, ok := units.Int(field)
	if !ok || n < 0 {
		return 0
	}
	if avail < 0 {
		avail = 0
	}
	if max := int64(avail / width); n > max {
		n = max
	}
	return int(n)
}

func (p *Parser) BuildFuelCutCommand(deviceID string) string {
	return fmt.Sprintf("*%s,%s,%s,%s,1,3,10,3,5,5,3,5,3,5,3,5#", Vendor, deviceID, tokenCommand, units.Clock(p.now()))
}

func (p *Parser) BuildEngineOnCommand(deviceID string) string {
	return fmt.Sprintf("*%s,%s,%s,%s,0,0#", Vendor, deviceID, tokenCommand, units.Clock(p.now()))
}
