package pgstore

import (
	"encoding/json"
	"testing"
	"time"

	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/telemetry"
)

func event() telemetry.Event {
	rec := protocol.NewRecord("1234567890", "h02", "HQ", protocol.KindGPS)
	rec.Latitude, rec.Longitude, rec.Positioned, rec.SpeedKmh = 38.5, 9, true, 18.52
	rec.Metadata.Set("sos", false)
	return telemetry.Event{ConnID: 1, ReceivedAt: time.Now(), Record: rec}
}

func TestToRecord(t *testing.T) {
	r := toRecord(event())
	if r.device_id != "1234567890" || r.protocol != "h02" || r.packet_type != "gps" || !r.positioned || r.lat != 38.5 {
		t.Error(r)
	}
	var md map[string]interface{}
	if err := json.Unmarshal([]byte(r.metadata), &md); err != nil || md["sos"] != false {
		t.Error(r.metadata, err)
	}
}

func TestBatching(t *testing.T) {
	st := NewStore(nil, "telemetry", &StoreConfig{BufSize: 3})
	st.Put(event())
	st.Put(event())
	if len(st.flushq) != 0 {
		t.Error()
	}
	st.Put(event())
	if len(st.flushq) != 1 || len(st.wbuf.buf) != 0 || st.wbuf.seq != 1 {
		t.Error(len(st.flushq))
	}
	b := <-st.flushq
	if len(b.buf) != 3 || b.seq != 0 {
		t.Error(b.seq, len(b.buf))
	}
}
