package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mcranalyzer/internal/decoder"
	"mcranalyzer/internal/infra/persistence/sqlite"
	"mcranalyzer/pkg/domain"
)

var geometryFlags = []string{
	"--plate", "chip-2x2", "--rows", "2", "--columns", "2",
	"--spot-diameter", "20", "--pitch", "40", "--origin-x", "30", "--origin-y", "30",
}

func setupEnv(t *testing.T) string {
	t.Helper()
	check, err := sqlite.NewStore(sqlite.MemoryPath)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	_ = check.Close()
	dir := t.TempDir()
	t.Setenv("MCR_STORAGE_DRIVER", "sqlite")
	t.Setenv("MCR_SQLITE_PATH", filepath.Join(dir, "mcr.db"))
	t.Setenv("MCR_BLOB_DRIVER", "fs")
	t.Setenv("MCR_BLOB_FS_ROOT", filepath.Join(dir, "blobs"))
	t.Setenv("MCR_LOG_LEVEL", "error")
	t.Setenv("MCR_LOG_FORMAT", "json")
	t.Setenv("MCR_IMPORT_WORKERS", "2")
	t.Setenv("MCR_IMPORT_USER", "lab")
	return dir
}

func writeImage(t *testing.T, dir, name string, bright uint16) string {
	t.Helper()
	img := decoder.NewImage(100, 100, 16)
	for row := 0; row < 2; row++ {
		for col := 0; col < 2; col++ {
			cx, cy := 30+40*col, 30+40*row
			for dy := -10; dy <= 10; dy++ {
				for dx := -10; dx <= 10; dx++ {
					if dx*dx+dy*dy <= 100 {
						img.Set(cx+dx, cy+dy, bright+uint16(row*2+col)*100)
					}
				}
			}
		}
	}
	var buf bytes.Buffer
	if err := img.EncodePGM(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := cli(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

type importReport struct {
	RunID    string               `json:"run_id"`
	Imported []domain.Measurement `json:"imported"`
	Skipped  []struct {
		Path string `json:"path"`
	} `json:"skipped"`
	Failed []failedEntry `json:"failed"`
}

func importJSON(t *testing.T, args ...string) (int, importReport) {
	t.Helper()
	code, out, stderr := runCLI(t, append([]string{"import", "--json"}, args...)...)
	var rep importReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode report %q (stderr %q): %v", out, stderr, err)
	}
	return code, rep
}

func TestMigrate(t *testing.T) {
	setupEnv(t)
	code, out, stderr := runCLI(t, "migrate")
	if code != 0 || !strings.Contains(out, "schema up to date (sqlite)") {
		t.Fatalf("migrate: code %d out %q err %q", code, out, stderr)
	}
}

func TestImportQueryAssign(t *testing.T) {
	dir := setupEnv(t)
	data := filepath.Join(dir, "data")
	writeImage(t, data, "a.pgm", 1000)
	writeImage(t, data, "b.pgm", 3000)

	code, rep := importJSON(t, append([]string{data, "--device", "MCR-9"}, geometryFlags...)...)
	if code != 0 || len(rep.Imported) != 2 || len(rep.Failed) != 0 || rep.RunID == "" {
		t.Fatalf("import: code %d report %+v", code, rep)
	}
	if rep.Imported[0].User != "lab" {
		t.Fatalf("user not taken from config: %+v", rep.Imported[0])
	}

	code, rep = importJSON(t, append([]string{data}, geometryFlags...)...)
	if code != 0 || len(rep.Imported) != 0 || len(rep.Skipped) != 2 {
		t.Fatalf("re-import: code %d report %+v", code, rep)
	}

	code, out, stderr := runCLI(t, "query", "--device", "MCR-9", "--plate", "chip-2x2", "--limit", "1")
	if code != 0 {
		t.Fatalf("query: %d %s", code, stderr)
	}
	var records []domain.MeasurementRecord
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("decode query: %v", err)
	}
	if len(records) != 1 || len(records[0].Results) != 4 || !records[0].Complete {
		t.Fatalf("unexpected query result %+v", records)
	}
	if v := records[0].Results[3].Value; v == nil || *v != 1300 {
		t.Fatalf("unexpected spot value %v", v)
	}

	id := fmt.Sprint(records[0].ID)
	code, out, stderr = runCLI(t, "assign", id, "0,0=BSA", "1,1=IgG")
	if code != 0 || !strings.Contains(out, "BSA") {
		t.Fatalf("assign: code %d out %q err %q", code, out, stderr)
	}
	code, out, _ = runCLI(t, "query", "--reagent", "IgG")
	if code != 0 || !strings.Contains(out, `"reagent_name": "IgG"`) {
		t.Fatalf("reagent query: code %d out %q", code, out)
	}
	if code, _, stderr = runCLI(t, "assign", id, "5,5=BSA"); code != 1 || !strings.Contains(stderr, "integrity violation") {
		t.Fatalf("out of grid assignment: code %d err %q", code, stderr)
	}
}

func TestImportLayoutMetricsAndPrune(t *testing.T) {
	dir := setupEnv(t)
	data := filepath.Join(dir, "data")
	writeImage(t, data, "a.pgm", 1000)
	writeImage(t, data, "b.pgm", 2000)
	metricsFile := filepath.Join(dir, "import.prom")

	args := append([]string{data, "--reagent", "0,0=BSA", "--reagent", "1,1=anti-IgG", "--metrics-file", metricsFile}, geometryFlags...)
	code, rep := importJSON(t, args...)
	if code != 0 || len(rep.Imported) != 2 {
		t.Fatalf("import: code %d report %+v", code, rep)
	}
	prom, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, want := range []string{
		`mcr_import_measurements_total{status="imported"} 2`,
		`mcr_import_duration_seconds_count 2`,
		`mcr_spot_flags_total{flag="saturated"} 0`,
	} {
		if !strings.Contains(string(prom), want) {
			t.Fatalf("metrics file lacks %q:\n%s", want, prom)
		}
	}

	code, out, _ := runCLI(t, "query", "--reagent", "anti-IgG")
	var records []domain.MeasurementRecord
	if err := json.Unmarshal([]byte(out), &records); code != 0 || err != nil || len(records) != 2 {
		t.Fatalf("layout query: code %d %v %s", code, err, out)
	}
	if len(records[0].Reagents) != 2 {
		t.Fatalf("layout not assigned: %+v", records[0].Reagents)
	}

	code, out, _ = runCLI(t, "prune", "--dry-run")
	var pr struct {
		Scanned int      `json:"scanned"`
		Orphans []string `json:"orphans"`
	}
	if err := json.Unmarshal([]byte(out), &pr); code != 0 || err != nil || pr.Scanned != 2 || len(pr.Orphans) != 0 {
		t.Fatalf("prune: code %d %+v %v", code, pr, err)
	}

	if code, _, stderr := runCLI(t, append([]string{"import", data, "--reagent", "0-0=BSA"}, geometryFlags...)...); code != 1 || !strings.Contains(stderr, "ROW,COLUMN=REAGENT") {
		t.Fatalf("bad layout: code %d %q", code, stderr)
	}
}

func TestImportFailuresExitNonZero(t *testing.T) {
	dir := setupEnv(t)
	data := filepath.Join(dir, "data")
	writeImage(t, data, "good.pgm", 1000)
	if err := os.WriteFile(filepath.Join(data, "bad.pgm"), []byte("P5\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	code, rep := importJSON(t, append([]string{data}, geometryFlags...)...)
	if code != 1 || len(rep.Imported) != 1 || len(rep.Failed) != 1 {
		t.Fatalf("want exit 1 with one failure, got %d %+v", code, rep)
	}
	if !strings.HasSuffix(rep.Failed[0].Path, "bad.pgm") || rep.Failed[0].Error == "" {
		t.Fatalf("failure not reported: %+v", rep.Failed[0])
	}

	// no geometry for a bare image
	other := writeImage(t, filepath.Join(dir, "other"), "c.pgm", 5000)
	code, _, stderr := runCLI(t, "import", other)
	if code != 1 || !strings.Contains(stderr, "geometry") {
		t.Fatalf("want geometry failure, got %d %q", code, stderr)
	}
}

func TestCommandErrors(t *testing.T) {
	setupEnv(t)
	cases := map[string][]string{
		"no import args":  {"import"},
		"missing path":    {"import", filepath.Join(t.TempDir(), "nope")},
		"bad id":          {"assign", "x", "0,0=BSA"},
		"bad assignment":  {"assign", "1", "0-0=BSA"},
		"bad from":        {"query", "--from", "soon"},
		"unknown driver":  {"--storage", "mysql", "migrate"},
		"unknown command": {"frobnicate"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if code, _, _ := runCLI(t, args...); code != 1 {
				t.Fatalf("%v: want exit 1, got %d", args, code)
			}
		})
	}
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"0,1=BSA", " 2 , 3 = anti-IgG "})
	if err != nil {
		t.Fatalf("parseAssignments: %v", err)
	}
	want := []domain.WellAssignment{
		{Well: domain.Well{Row: 0, Column: 1}, Reagent: "BSA"},
		{Well: domain.Well{Row: 2, Column: 3}, Reagent: "anti-IgG"},
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("parseAssignments = %+v", got)
	}
	for _, bad := range []string{"0,1", "0,1=", "a,1=BSA", "0,b=BSA", "01=BSA"} {
		if _, err := parseAssignments([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseFlagTime(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	got, err := parseFlagTime("from", "2021-03-04 10:15", berlin)
	if err != nil || !got.Equal(time.Date(2021, 3, 4, 9, 15, 0, 0, time.UTC)) {
		t.Fatalf("local layout: %v %v", got, err)
	}
	got, err = parseFlagTime("to", "2021-03-04T10:15:00Z", berlin)
	if err != nil || got.Hour() != 10 {
		t.Fatalf("rfc3339: %v %v", got, err)
	}
	if got, err := parseFlagTime("to", "", nil); err != nil || !got.IsZero() {
		t.Fatalf("empty: %v %v", got, err)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	setupEnv(t)
	a := &app{stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}}
	if err := a.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen unavailable: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
}

func TestMainUsesExitFunc(t *testing.T) {
	oldArgs, oldExit := os.Args, exitFunc
	defer func() { os.Args, exitFunc = oldArgs, oldExit }()
	var code = -1
	exitFunc = func(c int) { code = c }
	os.Args = []string{"mcr-analyzer", "--help"}
	main()
	if code != 0 {
		t.Fatalf("help exit code %d", code)
	}
}
