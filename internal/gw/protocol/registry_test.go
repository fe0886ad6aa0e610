package protocol

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

type fakeParser struct {
	name      string
	prefix    string
	panicCan  bool
	panicBody bool
	fail      bool
}

func (f *fakeParser) Name() string { return f.name }

func (f *fakeParser) CanParse(msg string) bool {
	if f.panicCan {
		panic("boom")
	}
	return strings.HasPrefix(msg, f.prefix)
}

func (f *fakeParser) Parse(msg string) (*Record, error) {
	if f.panicBody {
		var m map[string]int
		m["x"] = 1
	}
	if f.fail {
		return nil, errors.New("bad")
	}
	return NewRecord("1", f.name, "XX", KindHeartbeat), nil
}

func (f *fakeParser) BuildFuelCutCommand(id string) string  { return "" }
func (f *fakeParser) BuildEngineOnCommand(id string) string { return "" }

func TestFirstMatchWins(t *testing.T) {
	r := NewRegistry(&fakeParser{name: "a", prefix: "*XX"}, &fakeParser{name: "b", prefix: "*XX"})
	rec, err := r.Dispatch("*XX,1,HB#")
	if err != nil || rec.ProtocolName() != "a" {
		t.Error(rec, err)
	}
}

func TestCanParsePanicIsNoMatch(t *testing.T) {
	r := NewRegistry(&fakeParser{name: "a", panicCan: true}, &fakeParser{name: "b", prefix: "*XX"})
	rec, err := r.Dispatch("*XX,1,HB#")
	if err != nil || rec.ProtocolName() != "b" {
		t.Error(rec, err)
	}
}

func TestParsePanicIsParseFailure(t *testing.T) {
	r := NewRegistry(&fakeParser{name: "a", prefix: "*XX", panicBody: true})
	rec, err := r.Dispatch("*XX,1,HB#")
	if rec != nil || !errors.Is(err, ErrParse) {
		t.Error(rec, err)
	}
	r = NewRegistry(&fakeParser{name: "a", prefix: "*XX", fail: true})
	if _, err := r.Dispatch("*XX,1,HB#"); !errors.Is(err, ErrParse) {
		t.Error(err)
	}
}

func TestGenericFallback(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRegistry(&fakeParser{name: "a", prefix: "*XX"})
	r.SetClock(func() time.Time { return now })
	rec, err := r.Dispatch("*ZZ,998877,Q9,abc,,12#")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PacketType() != "generic" || rec.DeviceID() != "998877" || !rec.Timestamp.Equal(now) {
		t.Error(rec.Metadata.Keys())
	}
	want := []string{"ZZ", "998877", "Q9", "abc", "", "12"}
	for i, w := range want {
		if got := rec.Metadata.String("part_" + string(rune('0'+i))); got != w {
			t.Errorf("part_%d = %q want %q", i, got, w)
		}
	}
	if rec.Positioned || rec.Latitude != 0 || rec.Longitude != 0 {
		t.Error()
	}
	for _, k := range []string{KeyDeviceID, KeyProtocolName, KeyProtocolType, KeyPacketType} {
		if _, ok := rec.Metadata.Get(k); !ok {
			t.Error(k)
		}
	}
}

func TestGenericKeepsFieldsVerbatim(t *testing.T) {
	rec := Generic("\r\n*ZZ,998877, spaced ,\ttab\t#", time.Now())
	want := []string{"ZZ", "998877", " spaced ", "\ttab\t"}
	for i, w := range want {
		if got := rec.Metadata.String("part_" + strconv.Itoa(i)); got != w {
			t.Errorf("part_%d = %q want %q", i, got, w)
		}
	}
}

func TestGenericUnknownDevice(t *testing.T) {
	rec := Generic("garbage", time.Now())
	if rec.DeviceID() != UnknownDevice || rec.Metadata.String("part_0") != "garbage" {
		t.Error()
	}
}

func TestMetadataOrder(t *testing.T) {
	m := NewMetadata()
	m.Set("b", 1)
	m.Set("a", "x")
	m.Set("b", 2)
	d, err := json.Marshal(m)
	if err != nil || string(d) != `{"b":2,"a":"x"}` {
		t.Error(string(d), err)
	}
}

func TestOpen(t *testing.T) {
	e, ok := Open("*HQ,123,V1,a,b#")
	if !ok || e.Vendor != "HQ" || e.DeviceID != "123" || e.Token != "V1" || e.Field(1) != "b" || e.Field(5) != "" {
		t.Error(e)
	}
	if _, ok := Open("HQ,123,V1#"); ok {
		t.Error()
	}
}
