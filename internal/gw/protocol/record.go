package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/trackgw/internal/gw/protocol/status"
	"nuha.dev/trackgw/internal/gw/protocol/units"
)

const (
	KeyDeviceID     = "deviceId"
	KeyProtocolName = "protocolName"
	KeyProtocolType = "protocolType"
	KeyPacketType   = "packetType"
	KeyCommandID    = "commandId"
	KeyCommandState = "commandStatus"

	UnknownDevice = "unknown"
)

// RawMessage is one framed message as read off a connection.
type RawMessage struct {
	ConnID     uint64
	Source     string
	ReceivedAt time.Time
	Payload    string
}

// Record is the canonical decode output. Latitude and Longitude are only
// meaningful when Positioned is set.
type Record struct {
	Latitude   float64
	Longitude  float64
	Positioned bool
	SpeedKmh   float32
	Timestamp  time.Time
	Metadata   *Metadata
}

func NewRecord(deviceID, protocolName, protocolType string, kind PacketKind) *Record {
	r := &Record{Metadata: NewMetadata()}
	r.Metadata.Set(KeyDeviceID, deviceID)
	r.Metadata.Set(KeyProtocolName, protocolName)
	r.Metadata.Set(KeyProtocolType, protocolType)
	r.Metadata.Set(KeyPacketType, kind.String())
	return r
}

func (r *Record) DeviceID() string {
	return r.Metadata.String(KeyDeviceID)
}

func (r *Record) PacketType() string {
	return r.Metadata.String(KeyPacketType)
}

func (r *Record) ProtocolName() string {
	return r.Metadata.String(KeyProtocolName)
}

func (r *Record) MarshalObject(e *log.Entry) {
	e.Str("device_id", r.DeviceID()).Str("packet_type", r.PacketType())
	if r.Positioned {
		e.Float64("lat", r.Latitude).Float64("lon", r.Longitude).Float32("speed", r.SpeedKmh)
	}
}

type recordJSON struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Positioned bool      `json:"positioned"`
	SpeedKmh   float32   `json:"speedKmh"`
	Timestamp  time.Time `json:"timestamp"`
	Metadata   *Metadata `json:"metadata"`
}

func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{r.Latitude, r.Longitude, r.Positioned, r.SpeedKmh, r.Timestamp, r.Metadata})
}

// Metadata is a string keyed bag that remembers insertion order.
type Metadata struct {
	keys []string
	vals map[string]interface{}
}

func NewMetadata() *Metadata {
	return &Metadata{keys: make([]string, 0, 8), vals: make(map[string]interface{}, 8)}
}

// Set stores v under k. Re-setting a key keeps its original position.
func (m *Metadata) Set(k string, v interface{}) {
	if _, ok := m.vals[k]; !ok {
		m.keys = append(m.keys, k)
	}
	m.vals[k] = v
}

func (m *Metadata) Get(k string) (interface{}, bool) {
	v, ok := m.vals[k]
	return v, ok
}

func (m *Metadata) String(k string) string {
	v, ok := m.vals[k]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (m *Metadata) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *Metadata) Len() int {
	return len(m.keys)
}

func (m *Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		v, err := json.Marshal(m.vals[k])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *Metadata) MarshalObject(e *log.Entry) {
	for _, k := range m.keys {
		switch v := m.vals[k].(type) {
		case string:
			e.Str(k, v)
		case bool:
			e.Bool(k, v)
		case int:
			e.Int(k, v)
		case int64:
			e.Int64(k, v)
		case float64:
			e.Float64(k, v)
		case []string:
			e.Strs(k, v)
		}
	}
}

// Fix is the A/V, lat, N/S, lon, E/W, speed (knots), course block shared by
// the ASCII families.
type Fix struct {
	Validity   string
	Lat        string
	NS         string
	Lon        string
	EW         string
	SpeedKnots string
	Course     string
}

// ApplyFix fills coordinates and speed from f. A malformed coordinate leaves
// the record unpositioned, a malformed speed or course leaves that field 0.
func (r *Record) ApplyFix(f Fix) {
	lat, okLat := units.Coordinate(f.Lat, f.NS)
	lon, okLon := units.Coordinate(f.Lon, f.EW)
	if okLat && okLon {
		r.Latitude = lat
		r.Longitude = lon
		r.Positioned = true
	}
	knots, _ := units.Float(f.SpeedKnots)
	r.SpeedKmh = float32(units.KnotsToKmh(knots))
	course, _ := units.Float(f.Course)
	r.Metadata.Set("valid", strings.EqualFold(f.Validity, "A"))
	r.Metadata.Set("course", course)
}

// ApplyStatus stores the raw word and every flag of the table.
func (r *Record) ApplyStatus(t *status.Table, word string) {
	if word == "" {
		return
	}
	r.Metadata.Set("status", word)
	t.Each(t.Decode(word), func(name string, on bool) {
		r.Metadata.Set(name, on)
	})
}

// ApplyBattery stores voltage and charge percentage from a hex battery code.
func (r *Record) ApplyBattery(code string) {
	volt, pct, ok := units.Battery(code)
	if !ok {
		return
	}
	r.Metadata.Set("batteryVoltage", volt)
	r.Metadata.Set("batteryLevel", pct)
}
