package sk

import (
	"math"
	"testing"
	"time"

	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/gw/protocol/h02"
)

var fixed = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func newTestParser() *Parser {
	return NewParser().WithClock(func() time.Time { return fixed })
}

func TestCanParse(t *testing.T) {
	p := newTestParser()
	if !p.CanParse("*SK,87654321,HB,00000000#") {
		t.Error()
	}
	if p.CanParse("*SK,1234567,HB#") || p.CanParse("*SK,87654321,V1#") || p.CanParse("*HQ,87654321,HB#") {
		t.Error()
	}
}

func TestGPS(t *testing.T) {
	rec, err := newTestParser().Parse("*SK,87654321,D1,083015,A,2237.7514,N,11408.6214,E,6,2,151022,80004000,0190#")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(rec.Latitude-22.62919) > 1e-4 || math.Abs(rec.Longitude-114.14369) > 1e-4 {
		t.Error(rec.Latitude, rec.Longitude)
	}
	if math.Abs(float64(rec.SpeedKmh)-11.112) > 1e-4 {
		t.Error(rec.SpeedKmh)
	}
	if !rec.Timestamp.Equal(time.Date(2022, 10, 15, 8, 30, 15, 0, time.UTC)) {
		t.Error(rec.Timestamp)
	}
	if v, _ := rec.Metadata.Get("sos"); v != true {
		t.Error(v)
	}
	if v, _ := rec.Metadata.Get("fuelCutActive"); v != true {
		t.Error(v)
	}
	if v, _ := rec.Metadata.Get("accOff"); v != false {
		t.Error(v)
	}
	if v, _ := rec.Metadata.Get("batteryLevel"); v != 75 {
		t.Error(v)
	}
	if rec.PacketType() != "gps" || rec.ProtocolName() != Name {
		t.Error()
	}
}

func TestStatusTablesDiffer(t *testing.T) {
	sk, _ := newTestParser().Parse("*SK,87654321,HB,FFFFFBFF#")
	hq, _ := h02.NewParser().Parse("*HQ,1234567890,V1,120000,A,3830.0000,N,00900.0000,E,0,0,010124,FFFFFBFF#")
	if v, _ := sk.Metadata.Get("sos"); v != true {
		t.Error(v)
	}
	if v, _ := hq.Metadata.Get("sos"); v != false {
		t.Error(v)
	}
}

func TestHeartbeatAndLogin(t *testing.T) {
	p := newTestParser()
	rec, _ := p.Parse("*SK,87654321,HB,00000000,0190,18#")
	if rec.PacketType() != "heartbeat" || rec.Positioned || !rec.Timestamp.Equal(fixed) {
		t.Error()
	}
	if v, _ := rec.Metadata.Get("gsm"); v != int64(18) {
		t.Error(v)
	}
	rec, _ = p.Parse("*SK,87654321,LG,SK1.0.3#")
	if rec.PacketType() != "login" || rec.Metadata.String("firmware") != "SK1.0.3" {
		t.Error()
	}
}

func TestCommandResponse(t *testing.T) {
	p := newTestParser()
	rec, _ := p.Parse("*SK,87654321,RP,RL,0,150322083015F0#")
	if rec.Positioned || rec.Metadata.String(protocol.KeyCommandID) != "RL" || rec.Metadata.String(protocol.KeyCommandState) != "0" {
		t.Error(rec)
	}
	if !rec.Timestamp.Equal(time.Date(2022, 3, 15, 8, 30, 15, 0, time.UTC)) {
		t.Error(rec.Timestamp)
	}
	rec, _ = p.Parse("*SK,87654321,RP,RL,0,bad,A,3830.0000,N,00900.0000,E,10,0#")
	if !rec.Positioned || !rec.Timestamp.Equal(fixed) {
		t.Error(rec)
	}
}

func TestCommands(t *testing.T) {
	p := newTestParser()
	if got := p.BuildFuelCutCommand("87654321"); got != "*SK,87654321,RL,070809,1,0#" {
		t.Error(got)
	}
	if got := p.BuildEngineOnCommand("87654321"); got != "*SK,87654321,RL,070809,0,0#" {
		t.Error(got)
	}
}
