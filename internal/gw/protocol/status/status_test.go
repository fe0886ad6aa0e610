package status

import (
	"reflect"
	"testing"
)

func TestFamilyA(t *testing.T) {
	cases := []struct {
		word string
		want []string
	}{
		{"FFFFFFFF", []string{}},
		{"FFFFFBFF", []string{AccOff}},
		// bits 1, 12, 19 cleared
		{"BFF7EFFF", []string{DoorOpen, PowerCut, SOS}},
		{"00000000", []string{AccOff, DoorOpen, FuelCutActive, GeofenceIn, GeofenceOut, LowBattery, Overspeed, PowerCut, SOS, Tamper, Vibration}},
	}
	for _, c := range cases {
		got := FamilyA.Decode(c.word).Active()
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("%s: got %v want %v", c.word, got, c.want)
		}
	}
}

func TestFamilyB(t *testing.T) {
	cases := []struct {
		word string
		want []string
	}{
		{"00000000", []string{}},
		{"80000000", []string{SOS}},
		// bits 2, 16, 17
		{"2000C000", []string{AccOff, FuelCutActive, LowBattery}},
		{"FFFFFBFF", []string{AccOff, DoorOpen, FuelCutActive, GeofenceIn, GeofenceOut, LowBattery, Overspeed, PowerCut, SOS, Tamper, Vibration}},
	}
	for _, c := range cases {
		got := FamilyB.Decode(c.word).Active()
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("%s: got %v want %v", c.word, got, c.want)
		}
	}
}

func TestBadWidth(t *testing.T) {
	for _, w := range []string{"", "FFFF", "FFFFFFFFF", "GGGGGGGG"} {
		s := FamilyA.Decode(w)
		if !s.Empty() || len(s.Active()) != 0 {
			t.Error(w)
		}
		s = FamilyB.Decode(w)
		if !s.Empty() {
			t.Error(w)
		}
	}
}

func TestEach(t *testing.T) {
	n := 0
	FamilyA.Each(FamilyA.Decode("FFFFFBFF"), func(name string, on bool) {
		n++
		if on != (name == AccOff) {
			t.Error(name)
		}
	})
	if n != len(FamilyA.Flags) {
		t.Error(n)
	}
}
