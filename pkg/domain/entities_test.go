package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPlateValidate(t *testing.T) {
	good := Plate{Name: "chip-1", Rows: 6, Columns: 8, SpotDiameter: 40, Pitch: 50}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid plate rejected: %v", err)
	}
	bad := []Plate{
		{Rows: 1, Columns: 1, SpotDiameter: 1, Pitch: 1},
		{Name: "x", Rows: 0, Columns: 1, SpotDiameter: 1, Pitch: 1},
		{Name: "x", Rows: 1, Columns: 1, SpotDiameter: 0, Pitch: 1},
		{Name: "x", Rows: 1, Columns: 1, SpotDiameter: 1, Pitch: 0},
		{Name: "x", Rows: 1, Columns: 1, SpotDiameter: 1, Pitch: 1, PitchY: -1},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error for %+v", i, p)
		}
	}
}

func TestPlateContainsAndPitch(t *testing.T) {
	p := Plate{Name: "chip", Rows: 2, Columns: 3, SpotDiameter: 10, Pitch: 20}
	if !p.Contains(Well{Row: 1, Column: 2}) {
		t.Fatalf("expected (1,2) inside 2x3 plate")
	}
	for _, w := range []Well{{-1, 0}, {0, -1}, {2, 0}, {0, 3}} {
		if p.Contains(w) {
			t.Fatalf("expected %v outside plate", w)
		}
	}
	if p.VerticalPitch() != 20 {
		t.Fatalf("vertical pitch should fall back to pitch")
	}
	p.PitchY = 25
	if p.VerticalPitch() != 25 {
		t.Fatalf("explicit vertical pitch ignored")
	}
	if p.WellCount() != 6 {
		t.Fatalf("expected 6 wells, got %d", p.WellCount())
	}
}

func TestWellLess(t *testing.T) {
	if !(Well{0, 5}).Less(Well{1, 0}) {
		t.Fatalf("row must dominate ordering")
	}
	if !(Well{1, 0}).Less(Well{1, 1}) {
		t.Fatalf("column orders within a row")
	}
	if (Well{1, 1}).Less(Well{1, 1}) {
		t.Fatalf("well must not be less than itself")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	w := Well{Row: 9, Column: 0}
	cause := errors.New("constraint failed")
	err := fmt.Errorf("record: %w", &IntegrityError{MeasurementID: 4, Well: &w, Reason: "well outside grid", Err: cause})
	if !IsIntegrity(err) {
		t.Fatalf("expected integrity error to be detected through wrapping")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if msg := err.Error(); !strings.Contains(msg, "(9,0)") || !strings.Contains(msg, "measurement 4") {
		t.Fatalf("error message lacks context: %s", msg)
	}
	nf := fmt.Errorf("get: %w", ErrNotFound{Entity: EntityMeasurement, ID: "12"})
	if !IsNotFound(nf) {
		t.Fatalf("expected not found detection")
	}
	if IsNotFound(err) || IsIntegrity(nf) {
		t.Fatalf("error kinds must not overlap")
	}
}
