package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mcranalyzer/internal/infra/persistence/sqlite"
	"mcranalyzer/pkg/domain"
)

type fixture struct {
	store  *sqlite.Store
	device domain.Device
	plate  domain.Plate
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := sqlite.NewStore(sqlite.MemoryPath)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	dev, err := store.UpsertDevice(ctx, "MCR-001")
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	plate, err := store.UpsertPlate(ctx, domain.Plate{Name: "chip-2x3", Rows: 2, Columns: 3, SpotDiameter: 20, Pitch: 30, OriginX: 40, OriginY: 40})
	if err != nil {
		t.Fatalf("UpsertPlate: %v", err)
	}
	return fixture{store: store, device: dev, plate: plate}
}

func (f fixture) measurement(checksum string, ts time.Time) domain.Measurement {
	return domain.Measurement{
		DeviceID:   f.device.ID,
		PlateID:    f.plate.ID,
		Timestamp:  ts,
		User:       "lab",
		SourcePath: "/data/" + checksum + ".rslt",
		Exposure:   60,
		ProbeID:    "P-1",
		Checksum:   checksum,
		Width:      160,
		Height:     110,
		BitDepth:   16,
	}
}

func fullResults(p domain.Plate) []domain.Result {
	var out []domain.Result
	for row := 0; row < p.Rows; row++ {
		for col := 0; col < p.Columns; col++ {
			r := domain.Result{
				Well:   domain.Well{Row: row, Column: col},
				Value:  domain.Float(float64(1000*row + 10*col)),
				PixelX: p.OriginX + float64(col)*p.Pitch,
				PixelY: p.OriginY + float64(row)*p.Pitch,
			}
			if row == 1 && col == 2 {
				r.Value = nil
				r.Flags = domain.FlagMissing
			}
			if col == 0 {
				r.Valid = domain.Bool(row == 0)
			}
			out = append(out, r)
		}
	}
	return out
}

func countRows(t *testing.T, f fixture, table string) int {
	t.Helper()
	var n int
	if err := f.store.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestUpsertIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	again, err := f.store.UpsertDevice(ctx, " MCR-001 ")
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if again.ID != f.device.ID {
		t.Fatalf("expected same device id %d, got %d", f.device.ID, again.ID)
	}
	r1, err := f.store.UpsertReagent(ctx, "anti-IgG")
	if err != nil {
		t.Fatalf("UpsertReagent: %v", err)
	}
	r2, err := f.store.UpsertReagent(ctx, "anti-IgG")
	if err != nil {
		t.Fatalf("UpsertReagent: %v", err)
	}
	if r1.ID != r2.ID {
		t.Fatalf("reagent ids differ: %d vs %d", r1.ID, r2.ID)
	}
	if _, err := f.store.UpsertDevice(ctx, "  "); err == nil {
		t.Fatalf("expected empty serial to be rejected")
	}
	if countRows(t, f, "device") != 1 || countRows(t, f, "reagent") != 1 {
		t.Fatalf("expected exactly one device and one reagent row")
	}
}

func TestUpsertPlateKeepsFirstGeometry(t *testing.T) {
	f := newFixture(t)
	got, err := f.store.UpsertPlate(context.Background(), domain.Plate{Name: "chip-2x3", Rows: 8, Columns: 12, SpotDiameter: 5, Pitch: 9})
	if err != nil {
		t.Fatalf("UpsertPlate: %v", err)
	}
	if got != f.plate {
		t.Fatalf("expected stored plate %+v, got %+v", f.plate, got)
	}
	if _, err := f.store.UpsertPlate(context.Background(), domain.Plate{Name: "bad", Rows: 0, Columns: 3, SpotDiameter: 5, Pitch: 9}); err == nil {
		t.Fatalf("expected invalid geometry to be rejected")
	}
}

func TestConcurrentUpsertPlateYieldsOneRow(t *testing.T) {
	f := newFixture(t)
	const workers = 8
	ids := make([]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.store.UpsertPlate(context.Background(), domain.Plate{Name: "shared", Rows: 6, Columns: 8, SpotDiameter: 10, Pitch: 15})
			ids[i], errs[i] = p.ID, err
		}(i)
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got plate id %d, want %d", i, ids[i], ids[0])
		}
	}
	if n := countRows(t, f, "plate"); n != 2 {
		t.Fatalf("expected 2 plates, got %d", n)
	}
}

func TestRecordMeasurementRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 5, 9, 30, 0, 123, time.FixedZone("CET", 3600))
	results := fullResults(f.plate)

	m, err := f.store.RecordMeasurement(ctx, f.measurement("abc", ts), results)
	if err != nil {
		t.Fatalf("RecordMeasurement: %v", err)
	}
	if m.ID == 0 || !m.Complete {
		t.Fatalf("expected persisted complete measurement, got %+v", m)
	}

	rec, err := f.store.GetMeasurement(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMeasurement: %v", err)
	}
	if !rec.Timestamp.Equal(ts) || rec.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp mismatch: %v", rec.Timestamp)
	}
	if rec.DeviceSerial != "MCR-001" || rec.PlateName != "chip-2x3" || rec.Exposure != 60 || rec.User != "lab" {
		t.Fatalf("unexpected record header %+v", rec)
	}
	if len(rec.Results) != f.plate.WellCount() {
		t.Fatalf("expected %d results, got %d", f.plate.WellCount(), len(rec.Results))
	}
	for i, got := range rec.Results {
		want := results[i]
		if got.Well != want.Well || got.Flags != want.Flags || got.PixelX != want.PixelX || got.MeasurementID != m.ID {
			t.Fatalf("result %d: got %+v want %+v", i, got, want)
		}
		if (got.Value == nil) != (want.Value == nil) || (got.Value != nil && *got.Value != *want.Value) {
			t.Fatalf("result %d value mismatch", i)
		}
		if (got.Valid == nil) != (want.Valid == nil) || (got.Valid != nil && *got.Valid != *want.Valid) {
			t.Fatalf("result %d validity mismatch", i)
		}
	}

	found, ok, err := f.store.FindMeasurementByChecksum(ctx, "abc")
	if err != nil || !ok || found.ID != m.ID {
		t.Fatalf("FindMeasurementByChecksum = %+v %v %v", found, ok, err)
	}
	if _, ok, err := f.store.FindMeasurementByChecksum(ctx, "nope"); err != nil || ok {
		t.Fatalf("expected no match, got %v %v", ok, err)
	}
}

func TestRecordMeasurementPartialIsIncomplete(t *testing.T) {
	f := newFixture(t)
	m, err := f.store.RecordMeasurement(context.Background(), f.measurement("partial", time.Now()), fullResults(f.plate)[:4])
	if err != nil {
		t.Fatalf("RecordMeasurement: %v", err)
	}
	if m.Complete {
		t.Fatalf("expected incomplete measurement")
	}
}

func TestRecordMeasurementIntegrityRollsBack(t *testing.T) {
	cases := map[string]func(f fixture) (domain.Measurement, []domain.Result){
		"out of grid": func(f fixture) (domain.Measurement, []domain.Result) {
			rs := fullResults(f.plate)
			rs[3].Well = domain.Well{Row: 2, Column: 0}
			return f.measurement("oob", time.Now()), rs
		},
		"duplicate well": func(f fixture) (domain.Measurement, []domain.Result) {
			rs := fullResults(f.plate)
			rs[1].Well = rs[0].Well
			return f.measurement("dup", time.Now()), rs
		},
		"unknown plate": func(f fixture) (domain.Measurement, []domain.Result) {
			m := f.measurement("plate", time.Now())
			m.PlateID = 999
			return m, fullResults(f.plate)
		},
		"unknown device": func(f fixture) (domain.Measurement, []domain.Result) {
			m := f.measurement("device", time.Now())
			m.DeviceID = 999
			return m, fullResults(f.plate)
		},
		"bad flags": func(f fixture) (domain.Measurement, []domain.Result) {
			rs := fullResults(f.plate)
			rs[0].Flags = domain.QualityFlags(0x80)
			return f.measurement("flags", time.Now()), rs
		},
	}
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			m, rs := build(f)
			_, err := f.store.RecordMeasurement(context.Background(), m, rs)
			var ie *domain.IntegrityError
			if !errors.As(err, &ie) {
				t.Fatalf("expected IntegrityError, got %v", err)
			}
			if countRows(t, f, "measurement") != 0 || countRows(t, f, "result") != 0 {
				t.Fatalf("expected transaction to be rolled back")
			}
		})
	}
}

func TestRecordMeasurementDuplicateChecksum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.RecordMeasurement(ctx, f.measurement("same", time.Now()), fullResults(f.plate)); err != nil {
		t.Fatalf("first RecordMeasurement: %v", err)
	}
	_, err := f.store.RecordMeasurement(ctx, f.measurement("same", time.Now()), fullResults(f.plate))
	if !errors.Is(err, domain.ErrDuplicateMeasurement) {
		t.Fatalf("expected ErrDuplicateMeasurement, got %v", err)
	}
	if countRows(t, f, "measurement") != 1 || countRows(t, f, "result") != f.plate.WellCount() {
		t.Fatalf("duplicate insert left partial rows")
	}
}

func TestQueryMeasurementsFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.store.UpsertDevice(ctx, "MCR-002")
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []int64
	for i := 0; i < 4; i++ {
		m := f.measurement(fmt.Sprintf("q%d", i), base.Add(time.Duration(i)*time.Hour))
		if i%2 == 1 {
			m.DeviceID = other.ID
		}
		saved, err := f.store.RecordMeasurement(ctx, m, fullResults(f.plate))
		if err != nil {
			t.Fatalf("RecordMeasurement %d: %v", i, err)
		}
		ids = append(ids, saved.ID)
	}
	if err := f.store.AssignReagents(ctx, ids[2], []domain.WellAssignment{{Well: domain.Well{Row: 0, Column: 1}, Reagent: "BSA"}}); err != nil {
		t.Fatalf("AssignReagents: %v", err)
	}

	check := func(name string, filter domain.MeasurementFilter, want ...int64) {
		t.Helper()
		recs, err := f.store.QueryMeasurements(ctx, filter)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(recs) != len(want) {
			t.Fatalf("%s: expected %d records, got %d", name, len(want), len(recs))
		}
		for i, rec := range recs {
			if rec.ID != want[i] {
				t.Fatalf("%s: record %d id %d, want %d", name, i, rec.ID, want[i])
			}
			if len(rec.Results) != f.plate.WellCount() {
				t.Fatalf("%s: expected results loaded", name)
			}
		}
	}
	check("all", domain.MeasurementFilter{}, ids...)
	check("device", domain.MeasurementFilter{DeviceSerial: "MCR-002"}, ids[1], ids[3])
	check("plate", domain.MeasurementFilter{PlateName: "chip-2x3", Limit: 2}, ids[0], ids[1])
	check("unknown plate", domain.MeasurementFilter{PlateName: "none"})
	check("range", domain.MeasurementFilter{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)}, ids[1], ids[2])
	check("reagent", domain.MeasurementFilter{ReagentName: "BSA"}, ids[2])

	recs, err := f.store.QueryMeasurements(ctx, domain.MeasurementFilter{ReagentName: "BSA"})
	if err != nil {
		t.Fatalf("QueryMeasurements: %v", err)
	}
	if len(recs[0].Reagents) != 1 || recs[0].Reagents[0].ReagentName != "BSA" || recs[0].Reagents[0].PlateID != f.plate.ID {
		t.Fatalf("unexpected reagents %+v", recs[0].Reagents)
	}
}

func TestAssignReagents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.store.RecordMeasurement(ctx, f.measurement("assign", time.Now()), fullResults(f.plate))
	if err != nil {
		t.Fatalf("RecordMeasurement: %v", err)
	}
	w := domain.Well{Row: 1, Column: 1}
	if err := f.store.AssignReagents(ctx, m.ID, []domain.WellAssignment{{Well: w, Reagent: "first"}}); err != nil {
		t.Fatalf("AssignReagents: %v", err)
	}
	if err := f.store.AssignReagents(ctx, m.ID, []domain.WellAssignment{{Well: w, Reagent: "second"}}); err != nil {
		t.Fatalf("AssignReagents reassign: %v", err)
	}
	rec, err := f.store.GetMeasurement(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMeasurement: %v", err)
	}
	if len(rec.Reagents) != 1 || rec.Reagents[0].ReagentName != "second" || rec.Reagents[0].Well != w {
		t.Fatalf("expected reassignment, got %+v", rec.Reagents)
	}

	err = f.store.AssignReagents(ctx, m.ID, []domain.WellAssignment{{Well: domain.Well{Row: 5, Column: 0}, Reagent: "x"}})
	if !domain.IsIntegrity(err) {
		t.Fatalf("expected IntegrityError for out-of-grid well, got %v", err)
	}
	err = f.store.AssignReagents(ctx, 999, []domain.WellAssignment{{Well: w, Reagent: "x"}})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound for unknown measurement, got %v", err)
	}
}

func TestAssignReagentsByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.store.RecordMeasurement(ctx, f.measurement("assign-id", time.Now()), fullResults(f.plate))
	if err != nil {
		t.Fatalf("RecordMeasurement: %v", err)
	}
	r, err := f.store.UpsertReagent(ctx, "BSA")
	if err != nil {
		t.Fatalf("UpsertReagent: %v", err)
	}
	w := domain.Well{Row: 0, Column: 1}
	if err := f.store.AssignReagents(ctx, m.ID, []domain.WellAssignment{{Well: w, Reagent: "BSA", ReagentID: r.ID}}); err != nil {
		t.Fatalf("AssignReagents: %v", err)
	}
	rec, err := f.store.GetMeasurement(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMeasurement: %v", err)
	}
	if len(rec.Reagents) != 1 || rec.Reagents[0].ReagentID != r.ID || rec.Reagents[0].ReagentName != "BSA" {
		t.Fatalf("unexpected assignment %+v", rec.Reagents)
	}
	err = f.store.AssignReagents(ctx, m.ID, []domain.WellAssignment{{Well: w, Reagent: "ghost", ReagentID: r.ID + 1000}})
	if !domain.IsIntegrity(err) {
		t.Fatalf("expected IntegrityError for unknown reagent id, got %v", err)
	}
}

func TestDeleteMeasurementRemovesChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.store.RecordMeasurement(ctx, f.measurement("del", time.Now()), fullResults(f.plate))
	if err != nil {
		t.Fatalf("RecordMeasurement: %v", err)
	}
	if err := f.store.AssignReagents(ctx, m.ID, []domain.WellAssignment{{Well: domain.Well{}, Reagent: "BSA"}}); err != nil {
		t.Fatalf("AssignReagents: %v", err)
	}
	deleted, err := f.store.DeleteMeasurement(ctx, m.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteMeasurement = %v %v", deleted, err)
	}
	if countRows(t, f, "result") != 0 || countRows(t, f, "well_reagent") != 0 {
		t.Fatalf("expected children removed")
	}
	if _, err := f.store.GetMeasurement(ctx, m.ID); !domain.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	deleted, err = f.store.DeleteMeasurement(ctx, m.ID)
	if err != nil || deleted {
		t.Fatalf("second delete = %v %v", deleted, err)
	}
}
