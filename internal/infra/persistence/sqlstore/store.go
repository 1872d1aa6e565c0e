package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mcranalyzer/pkg/domain"
)

const maxUpsertAttempts = 3

// Store implements domain.Store on a database/sql handle.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ domain.Store = (*Store)(nil)

// New wraps db with the given dialect. The caller owns db until Close.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the dialect the store was opened with.
func (s *Store) Dialect() Dialect { return s.dialect }

// Migrate applies the dialect DDL. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range SplitStatements(s.dialect.DDL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s ddl: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// ensure looks a row up by its natural key and inserts it when absent. A
// unique violation on insert means a concurrent writer won; the row is then
// read back instead.
func (s *Store) ensure(ctx context.Context, entity domain.EntityType, key, selectQ, insertQ string, insertArgs ...any) (int64, error) {
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		var id int64
		err := s.db.QueryRowContext(ctx, s.dialect.Rebind(selectQ), key).Scan(&id)
		switch {
		case err == nil:
			return id, nil
		case !errors.Is(err, sql.ErrNoRows):
			return 0, fmt.Errorf("lookup %s %q: %w", entity, key, err)
		}
		err = s.db.QueryRowContext(ctx, s.dialect.Rebind(insertQ), insertArgs...).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !s.dialect.uniqueViolation(err) {
			return 0, fmt.Errorf("insert %s %q: %w", entity, key, err)
		}
	}
	return 0, fmt.Errorf("upsert %s %q: conflict persisted after %d attempts", entity, key, maxUpsertAttempts)
}

// UpsertDevice returns the device with serial, creating it on first use.
func (s *Store) UpsertDevice(ctx context.Context, serial string) (domain.Device, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return domain.Device{}, fmt.Errorf("device serial required")
	}
	id, err := s.ensure(ctx, domain.EntityDevice, serial,
		`SELECT id FROM device WHERE serial = ?`,
		`INSERT INTO device (serial) VALUES (?) RETURNING id`, serial)
	if err != nil {
		return domain.Device{}, err
	}
	return domain.Device{ID: id, Serial: serial}, nil
}

// UpsertReagent returns the reagent called name, creating it on first use.
func (s *Store) UpsertReagent(ctx context.Context, name string) (domain.Reagent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Reagent{}, fmt.Errorf("reagent name required")
	}
	id, err := s.ensure(ctx, domain.EntityReagent, name,
		`SELECT id FROM reagent WHERE name = ?`,
		`INSERT INTO reagent (name) VALUES (?) RETURNING id`, name)
	if err != nil {
		return domain.Reagent{}, err
	}
	return domain.Reagent{ID: id, Name: name}, nil
}

// UpsertPlate returns the plate named p.Name. The geometry of the first
// registration wins; later calls get the stored plate back unchanged.
func (s *Store) UpsertPlate(ctx context.Context, p domain.Plate) (domain.Plate, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return domain.Plate{}, fmt.Errorf("plate name required")
	}
	if existing, err := s.plateByName(ctx, p.Name); err == nil {
		return existing, nil
	} else if !domain.IsNotFound(err) {
		return domain.Plate{}, err
	}
	if err := p.Validate(); err != nil {
		return domain.Plate{}, err
	}
	id, err := s.ensure(ctx, domain.EntityPlate, p.Name,
		`SELECT id FROM plate WHERE name = ?`,
		`INSERT INTO plate (name, "rows", "columns", spot_diameter, pitch, pitch_y, origin_x, origin_y)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.Name, p.Rows, p.Columns, p.SpotDiameter, p.Pitch, p.PitchY, p.OriginX, p.OriginY)
	if err != nil {
		return domain.Plate{}, err
	}
	return s.plateByID(ctx, s.db, id)
}

const plateColumns = `id, name, "rows", "columns", spot_diameter, pitch, pitch_y, origin_x, origin_y`

func scanPlate(row *sql.Row) (domain.Plate, error) {
	var p domain.Plate
	err := row.Scan(&p.ID, &p.Name, &p.Rows, &p.Columns, &p.SpotDiameter, &p.Pitch, &p.PitchY, &p.OriginX, &p.OriginY)
	return p, err
}

func (s *Store) plateByName(ctx context.Context, name string) (domain.Plate, error) {
	p, err := scanPlate(s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+plateColumns+` FROM plate WHERE name = ?`), name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Plate{}, domain.ErrNotFound{Entity: domain.EntityPlate, ID: name}
	}
	if err != nil {
		return domain.Plate{}, fmt.Errorf("load plate %q: %w", name, err)
	}
	return p, nil
}

func (s *Store) plateByID(ctx context.Context, q queryer, id int64) (domain.Plate, error) {
	p, err := scanPlate(q.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+plateColumns+` FROM plate WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Plate{}, domain.ErrNotFound{Entity: domain.EntityPlate, ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return domain.Plate{}, fmt.Errorf("load plate %d: %w", id, err)
	}
	return p, nil
}

// RecordMeasurement validates results against the plate grid and persists
// the measurement with all of its results in one transaction. Any failure
// rolls the whole measurement back.
func (s *Store) RecordMeasurement(ctx context.Context, m domain.Measurement, results []domain.Result) (domain.Measurement, error) {
	if m.Checksum == "" {
		return domain.Measurement{}, fmt.Errorf("record measurement %s: checksum required", m.SourcePath)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		plate, err := s.plateByID(ctx, tx, m.PlateID)
		if domain.IsNotFound(err) {
			return &domain.IntegrityError{Reason: "unknown plate", Err: err}
		}
		if err != nil {
			return err
		}
		var deviceID int64
		err = tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT id FROM device WHERE id = ?`), m.DeviceID).Scan(&deviceID)
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.IntegrityError{Reason: "unknown device", Err: domain.ErrNotFound{Entity: domain.EntityDevice, ID: strconv.FormatInt(m.DeviceID, 10)}}
		}
		if err != nil {
			return fmt.Errorf("load device %d: %w", m.DeviceID, err)
		}

		seen := make(map[domain.Well]struct{}, len(results))
		for i := range results {
			w := results[i].Well
			if !plate.Contains(w) {
				return &domain.IntegrityError{Well: &w, Reason: fmt.Sprintf("outside %dx%d grid of plate %s", plate.Rows, plate.Columns, plate.Name)}
			}
			if _, dup := seen[w]; dup {
				return &domain.IntegrityError{Well: &w, Reason: "duplicate result"}
			}
			if !results[i].Flags.Valid() {
				return &domain.IntegrityError{Well: &w, Reason: fmt.Sprintf("unknown quality flags %d", uint8(results[i].Flags))}
			}
			seen[w] = struct{}{}
		}
		m.Complete = len(seen) == plate.WellCount()
		m.Timestamp = m.Timestamp.UTC()

		err = tx.QueryRowContext(ctx, s.dialect.Rebind(`INSERT INTO measurement
			(device_id, plate_id, timestamp, "user", source_path, exposure, probe_id, checksum, image_key,
			 width, height, bit_depth, complete, chip_failure, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			m.DeviceID, m.PlateID, m.Timestamp.UnixNano(), m.User, m.SourcePath, m.Exposure, m.ProbeID, m.Checksum, m.ImageKey,
			m.Width, m.Height, m.BitDepth, m.Complete, m.ChipFailure, m.Notes,
		).Scan(&m.ID)
		if s.dialect.uniqueViolation(err) {
			return fmt.Errorf("record measurement %s: %w", m.SourcePath, domain.ErrDuplicateMeasurement)
		}
		if err != nil {
			return fmt.Errorf("insert measurement %s: %w", m.SourcePath, err)
		}

		stmt, err := tx.PrepareContext(ctx, s.dialect.Rebind(`INSERT INTO result
			(measurement_id, "row", "column", value, quality_flags, pixel_x, pixel_y, valid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("prepare result insert: %w", err)
		}
		defer stmt.Close()
		for _, r := range results {
			w := r.Well
			if _, err := stmt.ExecContext(ctx, m.ID, w.Row, w.Column, nullFloat(r.Value), int64(r.Flags), r.PixelX, r.PixelY, nullBool(r.Valid)); err != nil {
				if s.dialect.uniqueViolation(err) {
					return &domain.IntegrityError{MeasurementID: m.ID, Well: &w, Reason: "duplicate result", Err: err}
				}
				return &domain.IntegrityError{MeasurementID: m.ID, Well: &w, Reason: "insert result", Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return domain.Measurement{}, err
	}
	return m, nil
}

const measurementSelect = `SELECT m.id, m.device_id, m.plate_id, m.timestamp, m."user", m.source_path, m.exposure,
	m.probe_id, m.checksum, m.image_key, m.width, m.height, m.bit_depth, m.complete, m.chip_failure, m.notes,
	d.serial, p.name
	FROM measurement m
	JOIN device d ON d.id = m.device_id
	JOIN plate p ON p.id = m.plate_id`

func scanRecord(scan func(dest ...any) error) (domain.MeasurementRecord, error) {
	var (
		rec domain.MeasurementRecord
		ts  int64
	)
	m := &rec.Measurement
	err := scan(&m.ID, &m.DeviceID, &m.PlateID, &ts, &m.User, &m.SourcePath, &m.Exposure,
		&m.ProbeID, &m.Checksum, &m.ImageKey, &m.Width, &m.Height, &m.BitDepth, &m.Complete, &m.ChipFailure, &m.Notes,
		&rec.DeviceSerial, &rec.PlateName)
	if err != nil {
		return rec, err
	}
	m.Timestamp = time.Unix(0, ts).UTC()
	return rec, nil
}

// QueryMeasurements returns measurements matching filter ordered by
// timestamp, each with its results and reagent assignments.
func (s *Store) QueryMeasurements(ctx context.Context, filter domain.MeasurementFilter) ([]domain.MeasurementRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.DeviceSerial != "" {
		where = append(where, "d.serial = ?")
		args = append(args, filter.DeviceSerial)
	}
	if filter.PlateName != "" {
		where = append(where, "p.name = ?")
		args = append(args, filter.PlateName)
	}
	if !filter.From.IsZero() {
		where = append(where, "m.timestamp >= ?")
		args = append(args, filter.From.UnixNano())
	}
	if !filter.To.IsZero() {
		where = append(where, "m.timestamp < ?")
		args = append(args, filter.To.UnixNano())
	}
	if filter.ReagentName != "" {
		where = append(where, `EXISTS (SELECT 1 FROM well_reagent wr JOIN reagent r ON r.id = wr.reagent_id
			WHERE wr.measurement_id = m.id AND r.name = ?)`)
		args = append(args, filter.ReagentName)
	}
	query := measurementSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY m.timestamp, m.id"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	var records []domain.MeasurementRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate measurements: %w", err)
	}
	_ = rows.Close()

	// Children are loaded after the cursor is closed; SQLite runs on a single connection.
	for i := range records {
		if err := s.loadChildren(ctx, s.db, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// GetMeasurement returns one measurement with results and reagents.
func (s *Store) GetMeasurement(ctx context.Context, id int64) (domain.MeasurementRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.dialect.Rebind(measurementSelect+" WHERE m.id = ?"), id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MeasurementRecord{}, domain.ErrNotFound{Entity: domain.EntityMeasurement, ID: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return domain.MeasurementRecord{}, fmt.Errorf("load measurement %d: %w", id, err)
	}
	if err := s.loadChildren(ctx, s.db, &rec); err != nil {
		return domain.MeasurementRecord{}, err
	}
	return rec, nil
}

// FindMeasurementByChecksum looks up a measurement by raw image checksum.
func (s *Store) FindMeasurementByChecksum(ctx context.Context, checksum string) (domain.Measurement, bool, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.dialect.Rebind(measurementSelect+" WHERE m.checksum = ?"), checksum).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Measurement{}, false, nil
	}
	if err != nil {
		return domain.Measurement{}, false, fmt.Errorf("find measurement by checksum: %w", err)
	}
	return rec.Measurement, true, nil
}

func (s *Store) loadChildren(ctx context.Context, q queryer, rec *domain.MeasurementRecord) error {
	results, err := s.loadResults(ctx, q, rec.ID)
	if err != nil {
		return err
	}
	rec.Results = results
	reagents, err := s.loadReagents(ctx, q, rec.ID)
	if err != nil {
		return err
	}
	rec.Reagents = reagents
	return nil
}

func (s *Store) loadResults(ctx context.Context, q queryer, measurementID int64) ([]domain.Result, error) {
	rows, err := q.QueryContext(ctx, s.dialect.Rebind(`SELECT "row", "column", value, quality_flags, pixel_x, pixel_y, valid
		FROM result WHERE measurement_id = ? ORDER BY "row", "column"`), measurementID)
	if err != nil {
		return nil, fmt.Errorf("load results of measurement %d: %w", measurementID, err)
	}
	defer rows.Close()
	var out []domain.Result
	for rows.Next() {
		var (
			r     = domain.Result{MeasurementID: measurementID}
			value sql.NullFloat64
			valid sql.NullBool
			flags int64
		)
		if err := rows.Scan(&r.Well.Row, &r.Well.Column, &value, &flags, &r.PixelX, &r.PixelY, &valid); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if value.Valid {
			r.Value = domain.Float(value.Float64)
		}
		if valid.Valid {
			r.Valid = domain.Bool(valid.Bool)
		}
		r.Flags = domain.QualityFlags(flags)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) loadReagents(ctx context.Context, q queryer, measurementID int64) ([]domain.WellReagent, error) {
	rows, err := q.QueryContext(ctx, s.dialect.Rebind(`SELECT wr.plate_id, wr."row", wr."column", wr.reagent_id, r.name
		FROM well_reagent wr JOIN reagent r ON r.id = wr.reagent_id
		WHERE wr.measurement_id = ? ORDER BY wr."row", wr."column"`), measurementID)
	if err != nil {
		return nil, fmt.Errorf("load reagents of measurement %d: %w", measurementID, err)
	}
	defer rows.Close()
	var out []domain.WellReagent
	for rows.Next() {
		wr := domain.WellReagent{MeasurementID: measurementID}
		if err := rows.Scan(&wr.PlateID, &wr.Well.Row, &wr.Well.Column, &wr.ReagentID, &wr.ReagentName); err != nil {
			return nil, fmt.Errorf("scan reagent assignment: %w", err)
		}
		out = append(out, wr)
	}
	return out, rows.Err()
}

// DeleteMeasurement removes a measurement with its results and assignments.
// It reports whether a row was deleted.
func (s *Store) DeleteMeasurement(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM well_reagent WHERE measurement_id = ?`,
			`DELETE FROM result WHERE measurement_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(q), id); err != nil {
				return fmt.Errorf("delete children of measurement %d: %w", id, err)
			}
		}
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM measurement WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete measurement %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete measurement %d: %w", id, err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// AssignReagents sets the reagent of each listed well for one measurement,
// replacing earlier assignments of the same wells. Reagents are created on
// first use.
func (s *Store) AssignReagents(ctx context.Context, measurementID int64, assignments []domain.WellAssignment) error {
	if len(assignments) == 0 {
		return nil
	}
	// Reagents are resolved before the transaction opens; upserts use their
	// own statements on the pool.
	reagents := make(map[string]int64)
	for _, a := range assignments {
		name := strings.TrimSpace(a.Reagent)
		if _, ok := reagents[name]; ok || a.ReagentID != 0 {
			continue
		}
		r, err := s.UpsertReagent(ctx, name)
		if err != nil {
			return err
		}
		reagents[name] = r.ID
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var plateID int64
		err := tx.QueryRowContext(ctx, s.dialect.Rebind(`SELECT plate_id FROM measurement WHERE id = ?`), measurementID).Scan(&plateID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound{Entity: domain.EntityMeasurement, ID: strconv.FormatInt(measurementID, 10)}
		}
		if err != nil {
			return fmt.Errorf("load measurement %d: %w", measurementID, err)
		}
		plate, err := s.plateByID(ctx, tx, plateID)
		if err != nil {
			return err
		}
		for _, a := range assignments {
			w := a.Well
			if !plate.Contains(w) {
				return &domain.IntegrityError{MeasurementID: measurementID, Well: &w, Reason: fmt.Sprintf("outside %dx%d grid of plate %s", plate.Rows, plate.Columns, plate.Name)}
			}
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM well_reagent WHERE measurement_id = ? AND "row" = ? AND "column" = ?`),
				measurementID, w.Row, w.Column); err != nil {
				return fmt.Errorf("clear reagent at %v: %w", w, err)
			}
			if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO well_reagent (plate_id, "row", "column", reagent_id, measurement_id)
				VALUES (?, ?, ?, ?, ?)`), plateID, w.Row, w.Column, reagentID(a, reagents), measurementID); err != nil {
				return &domain.IntegrityError{MeasurementID: measurementID, Well: &w, Reason: "assign reagent", Err: err}
			}
		}
		return nil
	})
}

func reagentID(a domain.WellAssignment, byName map[string]int64) int64 {
	if a.ReagentID != 0 {
		return a.ReagentID
	}
	return byName[strings.TrimSpace(a.Reagent)]
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
