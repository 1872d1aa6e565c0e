package domain

import "context"

// Store persists the measurement graph and enforces its referential and
// uniqueness invariants transactionally.
type Store interface {
	// UpsertDevice returns the device with the given serial, creating it on first use.
	UpsertDevice(ctx context.Context, serial string) (Device, error)
	// UpsertPlate returns the plate with p.Name, creating it from p on first use.
	// An existing plate is returned as stored.
	UpsertPlate(ctx context.Context, p Plate) (Plate, error)
	// UpsertReagent returns the reagent with the given name, creating it on first use.
	UpsertReagent(ctx context.Context, name string) (Reagent, error)

	// RecordMeasurement persists m and all results atomically.
	RecordMeasurement(ctx context.Context, m Measurement, results []Result) (Measurement, error)
	QueryMeasurements(ctx context.Context, filter MeasurementFilter) ([]MeasurementRecord, error)
	GetMeasurement(ctx context.Context, id int64) (MeasurementRecord, error)
	FindMeasurementByChecksum(ctx context.Context, checksum string) (Measurement, bool, error)
	DeleteMeasurement(ctx context.Context, id int64) (bool, error)
	AssignReagents(ctx context.Context, measurementID int64, assignments []WellAssignment) error

	Close() error
}
