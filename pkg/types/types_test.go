package types

import (
	"math"
	"testing"
)

func TestParseSide(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in      string
		want    Side
		wantErr bool
	}{
		{"long", Long, false},
		{"buy", Long, false},
		{"  Short ", Short, false},
		{"SELL", Short, false},
		{"flat", Flat, false},
		{"sideways", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseSide(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseSide(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseSide(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseOrderAction(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want OrderAction
		ok   bool
	}{
		{"Buy", Buy, true},
		{"B", Buy, true},
		{"1", Buy, true},
		{"long", Buy, true},
		{"Sell", Sell, true},
		{"s", Sell, true},
		{"2", Sell, true},
		{"short", Sell, true},
		{"hold", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseOrderAction(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseOrderAction(%q) = (%v, %v), want (%v, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if Long.Opposite() != Short || Short.Opposite() != Long || Flat.Opposite() != Flat {
		t.Error("Opposite mapping broken")
	}
}

func TestPositionSide(t *testing.T) {
	t.Parallel()
	p := Position{NetPos: 2}
	if p.Side() != Long {
		t.Errorf("Side() = %v, want long", p.Side())
	}
	p.NetPos = -1
	if p.Side() != Short {
		t.Errorf("Side() = %v, want short", p.Side())
	}
	p.NetPos = 0
	if p.Side() != Flat {
		t.Errorf("Side() = %v, want flat", p.Side())
	}
}

func TestRoundToTick(t *testing.T) {
	t.Parallel()
	cases := []struct {
		price float64
		want  float64
	}{
		{21000.0, 21000.0},
		{21000.10, 21000.0},
		{21000.13, 21000.25},
		{21000.24, 21000.25},
		{21000.375, 21000.5},
		{20990.1, 20990.0},
	}
	for _, tc := range cases {
		got := RoundToTick(tc.price, DefaultTickSize)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("RoundToTick(%v) = %v, want %v", tc.price, got, tc.want)
		}
	}
	// Degenerate tick leaves the price alone.
	if got := RoundToTick(21000.13, 0); got != 21000.13 {
		t.Errorf("RoundToTick with zero tick = %v", got)
	}
}

func TestSignalActionIsEntry(t *testing.T) {
	t.Parallel()
	if !ActionPlaceMarket.IsEntry() || !ActionPlaceLimit.IsEntry() {
		t.Error("place actions should be entries")
	}
	for _, a := range []SignalAction{ActionUpdateLimit, ActionCancelLimit, ActionModifyStop, ActionPositionClosed} {
		if a.IsEntry() {
			t.Errorf("%v should not be an entry", a)
		}
	}
}
