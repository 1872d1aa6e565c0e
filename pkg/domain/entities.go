// Package domain defines the persistent entities, quality flags, error
// taxonomy and storage contract shared by the MCR analysis pipeline.
package domain

import (
	"fmt"
	"time"
)

// EntityType identifies the kind of record referenced by errors and logs.
type EntityType string

// Entity identifiers used in ErrNotFound and IntegrityError values.
const (
	EntityDevice      EntityType = "device"
	EntityPlate       EntityType = "plate"
	EntityReagent     EntityType = "reagent"
	EntityMeasurement EntityType = "measurement"
	EntityResult      EntityType = "result"
)

// Device is a physical instrument producing measurements. Immutable once created.
type Device struct {
	ID     int64  `json:"id"`
	Serial string `json:"serial"`
}

// Plate is a physical multi-well carrier (the device "chip") together with
// the nominal spot geometry used to locate its grid.
type Plate struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Rows         int     `json:"rows"`
	Columns      int     `json:"columns"`
	SpotDiameter float64 `json:"spot_diameter"`
	// Pitch is the horizontal center-to-center spacing in pixels.
	Pitch float64 `json:"pitch"`
	// PitchY is the vertical spacing; zero means equal to Pitch.
	PitchY float64 `json:"pitch_y,omitempty"`
	// OriginX and OriginY are the nominal pixel center of well (0,0).
	OriginX float64 `json:"origin_x"`
	OriginY float64 `json:"origin_y"`
}

// VerticalPitch returns PitchY, falling back to Pitch when unset.
func (p Plate) VerticalPitch() float64 {
	if p.PitchY > 0 {
		return p.PitchY
	}
	return p.Pitch
}

// Validate reports whether the plate geometry is usable for grid location.
func (p Plate) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("plate name required")
	case p.Rows <= 0 || p.Columns <= 0:
		return fmt.Errorf("plate %s: rows and columns must be positive (got %dx%d)", p.Name, p.Rows, p.Columns)
	case p.SpotDiameter <= 0:
		return fmt.Errorf("plate %s: spot diameter must be positive", p.Name)
	case p.Pitch <= 0:
		return fmt.Errorf("plate %s: pitch must be positive", p.Name)
	case p.PitchY < 0:
		return fmt.Errorf("plate %s: vertical pitch must not be negative", p.Name)
	}
	return nil
}

// Contains reports whether the well lies inside the plate grid.
func (p Plate) Contains(w Well) bool {
	return w.Row >= 0 && w.Row < p.Rows && w.Column >= 0 && w.Column < p.Columns
}

// WellCount returns rows × columns.
func (p Plate) WellCount() int { return p.Rows * p.Columns }

// Well addresses one (row, column) location on a plate.
type Well struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

func (w Well) String() string { return fmt.Sprintf("(%d,%d)", w.Row, w.Column) }

// Less orders wells row-major.
func (w Well) Less(o Well) bool {
	if w.Row != o.Row {
		return w.Row < o.Row
	}
	return w.Column < o.Column
}

// Reagent is a chemical, antibody or antigen that may be assigned to a well.
type Reagent struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// WellReagent records the reagent assigned to a well for one measurement run.
type WellReagent struct {
	PlateID       int64  `json:"plate_id"`
	MeasurementID int64  `json:"measurement_id"`
	Well          Well   `json:"well"`
	ReagentID     int64  `json:"reagent_id"`
	ReagentName   string `json:"reagent_name,omitempty"`
}

// WellAssignment is an edit request assigning a reagent (by name) to a well.
// A non-zero ReagentID names an already registered reagent and skips the
// lookup by name.
type WellAssignment struct {
	Well      Well   `json:"well"`
	Reagent   string `json:"reagent"`
	ReagentID int64  `json:"reagent_id,omitempty"`
}

// Measurement is one completed analysis of one raw image.
type Measurement struct {
	ID         int64     `json:"id"`
	DeviceID   int64     `json:"device_id"`
	PlateID    int64     `json:"plate_id"`
	Timestamp  time.Time `json:"timestamp"`
	User       string    `json:"user,omitempty"`
	SourcePath string    `json:"source_path"`
	// Exposure is the acquisition exposure time in seconds.
	Exposure    float64 `json:"exposure"`
	ProbeID     string  `json:"probe_id,omitempty"`
	Checksum    string  `json:"checksum"`
	ImageKey    string  `json:"image_key,omitempty"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	BitDepth    int     `json:"bit_depth"`
	Complete    bool    `json:"complete"`
	ChipFailure bool    `json:"chip_failure"`
	Notes       string  `json:"notes,omitempty"`
}

// Result is one spot's extracted value within a measurement.
type Result struct {
	MeasurementID int64 `json:"measurement_id"`
	Well          Well  `json:"well"`
	// Value is nil when the spot was not found.
	Value  *float64     `json:"value"`
	Flags  QualityFlags `json:"quality_flags"`
	PixelX float64      `json:"pixel_x"`
	PixelY float64      `json:"pixel_y"`
	// Valid is the replicate validation verdict, nil when not evaluated.
	Valid *bool `json:"valid,omitempty"`
}

// MeasurementRecord is the read model returned by queries.
type MeasurementRecord struct {
	Measurement
	DeviceSerial string        `json:"device_serial"`
	PlateName    string        `json:"plate_name"`
	Results      []Result      `json:"results"`
	Reagents     []WellReagent `json:"reagents,omitempty"`
}

// MeasurementFilter narrows QueryMeasurements. Zero values match everything.
type MeasurementFilter struct {
	DeviceSerial string
	PlateName    string
	ReagentName  string
	// From is inclusive, To is exclusive.
	From  time.Time
	To    time.Time
	Limit int
}

// Float returns a pointer to v, for building Result values.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
