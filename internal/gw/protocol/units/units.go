// Package units holds the small conversions shared by the ASCII tracker protocols.
package units

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

const KnotToKmh = 1.852

const (
	BatteryEmptyVolt = 3.4
	BatteryFullVolt  = 4.2
)

var ErrTimestamp = errors.New("invalid ddMMyy/HHmmss timestamp")

// Coordinate converts a DDMM.mmmm (or DDDMM.mmmm) field into decimal degrees,
// negated for the S and W hemispheres.
func Coordinate(value string, hemisphere string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, false
	}
	deg := math.Floor(v / 100)
	min := v - deg*100
	dec := deg + min/60
	switch strings.ToUpper(strings.TrimSpace(hemisphere)) {
	case "S", "W":
		dec = -dec
	}
	return dec, true
}

func KnotsToKmh(knots float64) float64 {
	return knots * KnotToKmh
}

// Float parses a decimal field, 0 when malformed.
func Float(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func Int(s string) (int64, bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Battery decodes a hex battery code expressed in centivolts (e.g. "0190" = 4.00V).
func Battery(code string) (volt float64, percent int, ok bool) {
	raw, err := strconv.ParseUint(strings.TrimSpace(code), 16, 32)
	if err != nil {
		return 0, 0, false
	}
	volt = float64(raw) / 100
	return volt, BatteryPercent(volt), true
}

func BatteryPercent(volt float64) int {
	p := (volt - BatteryEmptyVolt) / (BatteryFullVolt - BatteryEmptyVolt) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(math.Round(p))
}

// Timestamp joins ddMMyy and HHmmss fields into a UTC instant.
func Timestamp(date string, clock string) (time.Time, error) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, ErrTimestamp
	}
	t, err := time.ParseInLocation("020106150405", date+clock[:6], time.UTC)
	if err != nil {
		return time.Time{}, ErrTimestamp
	}
	return t, nil
}

// CompactTimestamp parses ddMMyyHHmmss, ignoring any trailing suffix.
func CompactTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) < 12 {
		return time.Time{}, ErrTimestamp
	}
	return Timestamp(s[:6], s[6:12])
}

// Clock renders t the way devices expect it in outbound commands.
func Clock(t time.Time) string {
	return t.UTC().Format("150405")
}
