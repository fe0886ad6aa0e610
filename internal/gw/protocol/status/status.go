// Package status decodes the 32 bit hex status word carried by the ASCII tracker protocols.
package status

import (
	"sort"
	"strconv"
	"strings"
)

const WordLen = 8

const (
	DoorOpen      = "doorOpen"
	Vibration     = "vibration"
	FuelCutActive = "fuelCutActive"
	SOS           = "sos"
	Overspeed     = "overspeed"
	GeofenceIn    = "geofenceIn"
	GeofenceOut   = "geofenceOut"
	LowBattery    = "lowBattery"
	PowerCut      = "powerCut"
	AccOff        = "accOff"
	Tamper        = "tamper"
)

// Bit indexes the 32 char binary rendering of the word, 0 being the most significant bit.
type Flag struct {
	Name string
	Bit  int
}

type Table struct {
	Name      string
	ActiveLow bool
	Flags     []Flag
}

// Set is the decoded view of one status word.
type Set struct {
	Binary string
	flags  map[string]bool
}

func (s Set) Has(name string) bool {
	return s.flags[name]
}

func (s Set) Empty() bool {
	return len(s.flags) == 0
}

// Active returns the names of the raised flags, sorted.
func (s Set) Active() []string {
	out := make([]string, 0, len(s.flags))
	for k, v := range s.flags {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Each walks every flag known to the table, raised or not, in table order.
func (t *Table) Each(s Set, fn func(name string, on bool)) {
	if s.Empty() {
		return
	}
	for _, f := range t.Flags {
		fn(f.Name, s.flags[f.Name])
	}
}

// Decode maps a word onto the table. A word that is not exactly eight hex
// characters yields an empty set.
func (t *Table) Decode(word string) Set {
	word = strings.TrimSpace(word)
	if len(word) != WordLen {
		return Set{}
	}
	v, err := strconv.ParseUint(word, 16, 32)
	if err != nil {
		return Set{}
	}
	bin := strconv.FormatUint(v, 2)
	bin = strings.Repeat("0", 32-len(bin)) + bin
	flags := make(map[string]bool, len(t.Flags))
	for _, f := range t.Flags {
		if f.Bit < 0 || f.Bit >= len(bin) {
			continue
		}
		set := bin[f.Bit] == '1'
		if t.ActiveLow {
			set = !set
		}
		flags[f.Name] = set
	}
	return Set{Binary: bin, flags: flags}
}

// FamilyA is the HQ status layout. Bits are active low.
var FamilyA = &Table{
	Name:      "HQ",
	ActiveLow: true,
	Flags: []Flag{
		{DoorOpen, 1},
		{Vibration, 2},
		{FuelCutActive, 5},
		{SOS, 12},
		{Overspeed, 13},
		{GeofenceIn, 14},
		{GeofenceOut, 15},
		{LowBattery, 18},
		{PowerCut, 19},
		{AccOff, 21},
		{Tamper, 24},
	},
}

// FamilyB is the SK status layout. Bits are active high.
var FamilyB = &Table{
	Name:      "SK",
	ActiveLow: false,
	Flags: []Flag{
		{SOS, 0},
		{Overspeed, 1},
		{LowBattery, 2},
		{PowerCut, 3},
		{Vibration, 4},
		{DoorOpen, 5},
		{Tamper, 6},
		{GeofenceIn, 7},
		{GeofenceOut, 8},
		{AccOff, 16},
		{FuelCutActive, 17},
	},
}
