// Package core wires decoding, processing, archiving and persistence into
// measurement imports.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mcranalyzer/internal/blob"
	"mcranalyzer/internal/decoder"
	"mcranalyzer/internal/logging"
	"mcranalyzer/internal/processing"
	"mcranalyzer/pkg/domain"
)

// UnknownDevice is recorded for images that carry no device serial when no
// override is given.
const UnknownDevice = "unknown"

// ImportOptions adjusts how files are interpreted.
type ImportOptions struct {
	// Plate overrides the geometry read from the result sheet. Zero fields
	// keep the sheet's values; a non-empty Name replaces the chip ID.
	Plate *domain.Plate
	// Device is used when the file names no device serial.
	Device string
	User   string
	// Reagents is a well layout assigned to every imported measurement.
	Reagents []domain.WellAssignment
}

// Outcome reports what happened to one decoded measurement.
type Outcome struct {
	Path        string
	Status      string
	Measurement domain.Measurement
	// Reason explains a skip.
	Reason string
	Err    *ImportError
}

// Importer turns measurement files into stored measurements.
type Importer struct {
	Store    domain.Store
	Archive  *blob.Archive
	Decoder  *decoder.Decoder
	Pipeline *processing.Pipeline
	Metrics  *Metrics
	Logger   *logging.Logger
	Options  ImportOptions
}

// NewImporter returns an Importer with default decoding and processing.
func NewImporter(store domain.Store, archive *blob.Archive, log *logging.Logger) *Importer {
	return &Importer{
		Store:    store,
		Archive:  archive,
		Decoder:  &decoder.Decoder{},
		Pipeline: processing.NewPipeline(),
		Logger:   log,
	}
}

func (im *Importer) logger() *logging.Logger {
	if im.Logger == nil {
		return logging.Nop()
	}
	return im.Logger.WithComponent("importer")
}

// Import decodes path and records every measurement it contains. A file
// that cannot be decoded returns an *ImportError; per-measurement failures
// are reported in the outcomes. A nil cache uses a cache scoped to this call.
func (im *Importer) Import(ctx context.Context, cache *RunCache, path string) ([]Outcome, error) {
	if cache == nil {
		cache = NewRunCache(im.Store)
		defer cache.Close()
	}
	log := im.logger().WithRunID(cache.ID()).WithField("path", path)
	started := time.Now()
	decoded, err := im.decodeAll(path)
	if err != nil {
		im.Metrics.observe(StatusFailed, time.Since(started))
		log.WithError(err).Error().Msg("decode failed")
		return nil, &ImportError{Path: path, Err: err}
	}
	outcomes := make([]Outcome, 0, len(decoded))
	for _, dm := range decoded {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out := im.importOne(ctx, cache, path, dm)
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func (im *Importer) importOne(ctx context.Context, cache *RunCache, path string, dm *decoder.Measurement) Outcome {
	started := time.Now()
	log := im.logger().WithRunID(cache.ID()).WithField("path", path).WithField("image", dm.Metadata.ImagePath)
	out := Outcome{Path: path}

	m, flags, err := im.safeRecord(ctx, cache, dm)
	switch {
	case err == nil:
		out.Status = StatusImported
		out.Measurement = m
		im.Metrics.observeFlags(flags)
		log.Info().Int64("measurement_id", m.ID).Bool("complete", m.Complete).Bool("chip_failure", m.ChipFailure).Msg("measurement imported")
	case errors.Is(err, errSkipped), errors.Is(err, domain.ErrDuplicateMeasurement):
		out.Status = StatusSkipped
		out.Measurement = m
		out.Reason = "duplicate image"
		log.Info().Int64("measurement_id", m.ID).Str("checksum", m.Checksum).Msg("measurement already recorded")
	default:
		out.Status = StatusFailed
		out.Err = &ImportError{Path: path, MeasurementID: m.ID, Err: err}
		log.WithError(err).Error().Msg("import failed")
	}
	im.Metrics.observe(out.Status, time.Since(started))
	return out
}

var errSkipped = errors.New("skipped")

// decodeAll and safeRecord turn a panic on malformed input into an error so
// one file cannot stop a batch.
func (im *Importer) decodeAll(path string) (out []*decoder.Measurement, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("decode panicked: %v", r)
		}
	}()
	return im.Decoder.DecodeAll(path)
}

func (im *Importer) safeRecord(ctx context.Context, cache *RunCache, dm *decoder.Measurement) (m domain.Measurement, flags map[domain.QualityFlags]int, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, flags, err = domain.Measurement{}, nil, fmt.Errorf("processing panicked: %v", r)
		}
	}()
	return im.record(ctx, cache, dm)
}

func (im *Importer) record(ctx context.Context, cache *RunCache, dm *decoder.Measurement) (domain.Measurement, map[domain.QualityFlags]int, error) {
	meta := dm.Metadata
	checksum := dm.Image.Checksum()
	existing, found, err := im.Store.FindMeasurementByChecksum(ctx, checksum)
	if err != nil {
		return domain.Measurement{}, nil, fmt.Errorf("check duplicate: %w", err)
	}
	if found {
		return existing, nil, errSkipped
	}

	plate, err := resolvePlate(meta, im.Options.Plate)
	if err != nil {
		return domain.Measurement{}, nil, err
	}
	rs, err := im.Pipeline.Run(dm.Image, processing.GeometryFromPlate(plate))
	if err != nil {
		return domain.Measurement{}, nil, fmt.Errorf("process image: %w", err)
	}

	serial := firstNonEmpty(meta.DeviceSerial, im.Options.Device, UnknownDevice)
	device, err := cache.Device(ctx, serial)
	if err != nil {
		return domain.Measurement{}, nil, fmt.Errorf("register device %s: %w", serial, err)
	}
	stored, err := cache.Plate(ctx, plate)
	if err != nil {
		return domain.Measurement{}, nil, fmt.Errorf("register plate %s: %w", plate.Name, err)
	}
	layout, err := im.resolveLayout(ctx, cache, stored)
	if err != nil {
		return domain.Measurement{}, nil, err
	}

	key, created, err := im.Archive.Save(ctx, checksum, dm.Image, map[string]string{
		"device": serial,
		"plate":  stored.Name,
		"source": meta.SourcePath,
	})
	if err != nil {
		return domain.Measurement{}, nil, err
	}

	failed, notes := meta.ChipFailure()
	m := domain.Measurement{
		DeviceID:    device.ID,
		PlateID:     stored.ID,
		Timestamp:   meta.Timestamp,
		User:        im.Options.User,
		SourcePath:  meta.SourcePath,
		Exposure:    meta.Exposure,
		ProbeID:     meta.ProbeID,
		Checksum:    checksum,
		ImageKey:    key,
		Width:       dm.Image.Width,
		Height:      dm.Image.Height,
		BitDepth:    dm.Image.BitDepth,
		ChipFailure: failed,
		Notes:       notes,
	}
	recorded, err := im.Store.RecordMeasurement(ctx, m, rs.Sorted())
	if errors.Is(err, domain.ErrDuplicateMeasurement) {
		if dup, ok, ferr := im.Store.FindMeasurementByChecksum(ctx, checksum); ferr == nil && ok {
			return dup, nil, err
		}
		return m, nil, err
	}
	if err != nil {
		im.discardImage(ctx, checksum, key, created)
		return domain.Measurement{}, nil, err
	}
	if len(layout) > 0 {
		if err := im.Store.AssignReagents(ctx, recorded.ID, layout); err != nil {
			if _, derr := im.Store.DeleteMeasurement(ctx, recorded.ID); derr != nil {
				im.logger().WithError(derr).Warn().Int64("measurement_id", recorded.ID).Msg("could not roll back measurement")
			}
			im.discardImage(ctx, checksum, key, created)
			return domain.Measurement{ID: recorded.ID}, nil, fmt.Errorf("assign reagents: %w", err)
		}
	}
	return recorded, rs.FlagCounts(), nil
}

// resolveLayout checks the reagent layout against the stored plate and
// resolves reagent names through the run cache.
func (im *Importer) resolveLayout(ctx context.Context, cache *RunCache, plate domain.Plate) ([]domain.WellAssignment, error) {
	if len(im.Options.Reagents) == 0 {
		return nil, nil
	}
	out := make([]domain.WellAssignment, 0, len(im.Options.Reagents))
	for _, a := range im.Options.Reagents {
		w := a.Well
		if !plate.Contains(w) {
			return nil, &domain.IntegrityError{Well: &w, Reason: fmt.Sprintf("reagent layout outside %dx%d grid of plate %s", plate.Rows, plate.Columns, plate.Name)}
		}
		r, err := cache.Reagent(ctx, a.Reagent)
		if err != nil {
			return nil, fmt.Errorf("register reagent %s: %w", a.Reagent, err)
		}
		out = append(out, domain.WellAssignment{Well: w, Reagent: r.Name, ReagentID: r.ID})
	}
	return out, nil
}

// discardImage removes an image archived by a measurement that was not
// stored. Blobs that existed before, or that another measurement with the
// same checksum now references, stay.
func (im *Importer) discardImage(ctx context.Context, checksum, key string, created bool) {
	if !created {
		return
	}
	if _, found, err := im.Store.FindMeasurementByChecksum(ctx, checksum); err != nil || found {
		return
	}
	if _, err := im.Archive.Remove(ctx, key); err != nil {
		im.logger().WithError(err).Warn().Str("key", key).Msg("could not remove orphaned image")
	}
}

// resolvePlate merges the sheet geometry with override and validates it.
func resolvePlate(meta decoder.Metadata, override *domain.Plate) (domain.Plate, error) {
	p := meta.Plate
	if p.Name == "" {
		p.Name = meta.ChipID
	}
	known := meta.GeometryKnown
	if override != nil {
		o := *override
		if strings.TrimSpace(o.Name) != "" {
			p.Name = strings.TrimSpace(o.Name)
		}
		setInt(&p.Rows, o.Rows)
		setInt(&p.Columns, o.Columns)
		setFloat(&p.SpotDiameter, o.SpotDiameter)
		setFloat(&p.OriginX, o.OriginX)
		setFloat(&p.OriginY, o.OriginY)
		if o.Pitch > 0 {
			p.Pitch = o.Pitch
			if o.PitchY == 0 {
				p.PitchY = 0
			}
		}
		setFloat(&p.PitchY, o.PitchY)
		known = p.Validate() == nil
	}
	if !known {
		return domain.Plate{}, fmt.Errorf("no usable grid geometry in %s; supply plate geometry overrides", meta.SourcePath)
	}
	if err := p.Validate(); err != nil {
		return domain.Plate{}, err
	}
	return p, nil
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
