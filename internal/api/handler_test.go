package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mcranalyzer/internal/blob"
	"mcranalyzer/internal/decoder"
	"mcranalyzer/internal/infra/persistence/sqlite"
	"mcranalyzer/pkg/domain"
)

type fixture struct {
	store   *sqlite.Store
	blobs   blob.Store
	handler *Handler
	server  http.Handler
	id      int64
	key     string
}

func newFixture(t *testing.T, blobs blob.Store) *fixture {
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
	plate, err := store.UpsertPlate(ctx, domain.Plate{Name: "chip-2x2", Rows: 2, Columns: 2, SpotDiameter: 10, Pitch: 20, OriginX: 15, OriginY: 15})
	if err != nil {
		t.Fatalf("UpsertPlate: %v", err)
	}

	archive := blob.NewArchive(blobs)
	img := decoder.NewImage(4, 3, 16)
	img.Set(1, 1, 4242)
	key, _, err := archive.Save(ctx, img.Checksum(), img, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	var results []domain.Result
	for row := 0; row < 2; row++ {
		for col := 0; col < 2; col++ {
			results = append(results, domain.Result{
				Well:   domain.Well{Row: row, Column: col},
				Value:  domain.Float(float64(100 * (row*2 + col + 1))),
				PixelX: float64(15 + 20*col),
				PixelY: float64(15 + 20*row),
			})
		}
	}
	m, err := store.RecordMeasurement(ctx, domain.Measurement{
		DeviceID:   dev.ID,
		PlateID:    plate.ID,
		Timestamp:  time.Date(2021, 3, 4, 9, 15, 0, 0, time.UTC),
		SourcePath: "/data/run.rslt",
		Checksum:   img.Checksum(),
		ImageKey:   key,
		Width:      img.Width,
		Height:     img.Height,
		BitDepth:   16,
	}, results)
	if err != nil {
		t.Fatalf("RecordMeasurement: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "mcr_test_total", Help: "test"}))
	h := NewHandler(store, archive, reg, nil)
	return &fixture{store: store, blobs: blobs, handler: h, server: h.Router(), id: m.ID, key: key}
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func path(id int64, suffix string) string {
	return "/api/v1/measurements/" + strconv.FormatInt(id, 10) + suffix
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t, blob.NewMemory())
	rec := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("health: %d headers %v", rec.Code, rec.Header())
	}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
		t.Fatalf("request ID not echoed: %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, blob.NewMemory())
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mcr_test_total") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func TestListMeasurements(t *testing.T) {
	f := newFixture(t, blob.NewMemory())
	cases := []struct {
		query string
		count int
	}{
		{"", 1},
		{"?device=MCR-001", 1},
		{"?device=MCR-999", 0},
		{"?plate=chip-2x2&limit=5", 1},
		{"?from=2021-03-04T09:00:00Z&to=2021-03-04T10:00:00Z", 1},
		{"?from=2021-03-04T09:15:00.000000001Z", 0},
		{"?reagent=BSA", 0},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodGet, "/api/v1/measurements"+tc.query, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tc.query, rec.Code)
		}
		var body struct {
			Measurements []domain.MeasurementRecord `json:"measurements"`
			Count        int                        `json:"count"`
		}
		decodeBody(t, rec, &body)
		if body.Count != tc.count || len(body.Measurements) != tc.count {
			t.Fatalf("%s: want %d measurements, got %d", tc.query, tc.count, body.Count)
		}
	}
}

func TestListRejectsBadParameters(t *testing.T) {
	f := newFixture(t, blob.NewMemory())
	for _, q := range []string{"?from=yesterday", "?to=2021-13-01", "?limit=-1", "?limit=ten", "?from=2021-03-05T00:00:00Z&to=2021-03-04T00:00:00Z"} {
		rec := f.do(t, http.MethodGet, "/api/v1/measurements"+q, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: want 400, got %d", q, rec.Code)
		}
		var body map[string]string
		decodeBody(t, rec, &body)
		if body["error"] == "" {
			t.Fatalf("%s: missing error message", q)
		}
	}
}

func TestGetMeasurement(t *testing.T) {
	f := newFixture(t, blob.NewMemory())
	rec := f.do(t, http.MethodGet, path(f.id, ""), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	var got domain.MeasurementRecord
	decodeBody(t, rec, &got)
	if got.ID != f.id || got.DeviceSerial != "MCR-001" || len(got.Results) != 4 || !got.Complete {
		t.Fatalf("unexpected record %+v", got)
	}
	if *got.Results[3].Value != 400 {
		t.Fatalf("results not ordered by well: %+v", got.Results)
	}

	if rec := f.do(t, http.MethodGet, path(f.id+100, ""), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing measurement: want 404, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/measurements", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST list: want 405, got %d", rec.Code)
	}
}

func TestAssignReagents(t *testing.T) {
	f := newFixture(t, blob.NewMemory())
	body := `[{"well":{"row":0,"column":0},"reagent":"BSA"},{"well":{"row":1,"column":1},"reagent":"IgG"}]`
	rec := f.do(t, http.MethodPut, path(f.id, "/reagents"), strings.NewReader(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", rec.Code, rec.Body.String())
	}
	var got domain.MeasurementRecord
	decodeBody(t, rec, &got)
	if len(got.Reagents) != 2 || got.Reagents[0].ReagentName != "BSA" {
		t.Fatalf("reagents not assigned: %+v", got.Reagents)
	}
	list := f.do(t, http.MethodGet, "/api/v1/measurements?reagent=IgG", nil)
	if !strings.Contains(list.Body.String(), `"count":1`) {
		t.Fatalf("reagent filter did not match: %s", list.Body.String())
	}

	cases := map[string]struct {
		target string
		body   string
		status int
	}{
		"out of grid":  {path(f.id, "/reagents"), `[{"well":{"row":5,"column":0},"reagent":"BSA"}]`, http.StatusUnprocessableEntity},
		"bad json":     {path(f.id, "/reagents"), `{"well":`, http.StatusBadRequest},
		"empty name":   {path(f.id, "/reagents"), `[{"well":{"row":0,"column":0},"reagent":" "}]`, http.StatusBadRequest},
		"unknown":      {path(f.id+100, "/reagents"), `[]`, http.StatusNotFound},
		"extra fields": {path(f.id, "/reagents"), `[{"well":{"row":0,"column":0},"reagent":"BSA","x":1}]`, http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, tc.target, strings.NewReader(tc.body))
			if rec.Code != tc.status {
				t.Fatalf("want %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestImageStreamsWhenUnsigned(t *testing.T) {
	f := newFixture(t, blob.NewMemory())
	rec := f.do(t, http.MethodGet, path(f.id, "/image"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("image: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != blob.ImageContentType || !bytes.HasPrefix(rec.Body.Bytes(), []byte("P5")) {
		t.Fatalf("unexpected image response %v %q", rec.Header(), rec.Body.Bytes())
	}
	img, err := decoder.ReadImage(rec.Body, ".pgm", 16)
	if err != nil || img.At(1, 1) != 4242 {
		t.Fatalf("streamed image not lossless: %v", err)
	}
}

func TestImageRedirectsWhenSigned(t *testing.T) {
	f := newFixture(t, blob.NewMockS3ForTests())
	rec := f.do(t, http.MethodGet, path(f.id, "/image"), nil)
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("image: want 307, got %d %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); !strings.Contains(loc, f.key) {
		t.Fatalf("redirect %q does not point at %s", loc, f.key)
	}
}

func TestImageMissingArchive(t *testing.T) {
	f := newFixture(t, blob.NewMemory())
	f.handler.Archive = nil
	rec := f.do(t, http.MethodGet, path(f.id, "/image"), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404 without archive, got %d", rec.Code)
	}
}

func TestDeleteMeasurement(t *testing.T) {
	f := newFixture(t, blob.NewMemory())
	rec := f.do(t, http.MethodDelete, path(f.id, ""), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, path(f.id, ""), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted measurement still served: %d", rec.Code)
	}
	if _, err := f.blobs.Head(context.Background(), f.key); err == nil {
		t.Fatalf("archived image not removed")
	}
	if rec := f.do(t, http.MethodDelete, path(f.id, ""), nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: want 404, got %d", rec.Code)
	}
}
