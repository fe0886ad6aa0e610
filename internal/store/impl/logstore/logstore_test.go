package logstore

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/trackgw/internal/gw/protocol"
	"nuha.dev/trackgw/internal/telemetry"
)

func TestPut(t *testing.T) {
	var buf bytes.Buffer
	l := NewStore()
	l.log.Level = log.InfoLevel
	l.log.Writer = &log.IOWriter{Writer: &buf}

	rec := protocol.NewRecord("1234567890", "h02", "HQ", protocol.KindGPS)
	rec.Metadata.Set("course", 45.0)
	l.Put(telemetry.Event{ConnID: 3, ReceivedAt: time.Now(), Record: rec})
	l.SaveCommand("1234567890", "fuel_cut", "*HQ,1234567890,S20,000000,1#", true, time.Now())

	out := buf.String()
	for _, want := range []string{`"module":"logstore"`, `"packetType":"gps"`, `"course":45`, `"kind":"fuel_cut"`} {
		if !strings.Contains(out, want) {
			t.Error(want, out)
		}
	}
}
