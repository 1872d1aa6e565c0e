package decoder

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mcranalyzer/pkg/domain"
)

// Result sheet keys in the order the device writes them.
const (
	keyDateTime     = "Date/time"
	keyDeviceID     = "Device ID"
	keyProbeID      = "Probe ID"
	keyChipID       = "Chip ID"
	keyImagePGM     = "Result image PGM"
	keyImagePNG     = "Result image PNG"
	keyDarkFrame    = "Dark frame image PGM"
	keyTemperature  = "Temperature ok"
	keyCleanImage   = "Clean image"
	keyThresholds   = "Thresholds"
	keyExposure     = "Exposure time"
	keyColumns      = "X"
	keyRows         = "Y"
	keySpotSize     = "Spot size"
	dateTimeLayout  = "2006-01-02 15:04"
	darkFrameUnused = "Do not store PGM file for dark frame any more"
)

var spotCell = regexp.MustCompile(`^X=(\d+)Y=(\d+)$`)

// ResultSheet is the parsed device result sheet (.rslt).
type ResultSheet struct {
	Timestamp     time.Time
	DeviceID      string
	ProbeID       string
	ChipID        string
	ImagePGM      string
	ImagePNG      string
	DarkFramePGM  string
	TemperatureOK bool
	CleanImage    bool
	Thresholds    []int
	Exposure      float64
	Rows          int
	Columns       int
	// DeviceValues are the per-spot values computed by the device firmware.
	DeviceValues map[domain.Well]int
	SpotSize     int
	// SpotCorners holds the top-left pixel of each spot square, if present.
	SpotCorners map[domain.Well][2]int
}

type sheetReader struct {
	sc   *bufio.Scanner
	line int
}

func (r *sheetReader) next() (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	r.line++
	return strings.TrimRight(r.sc.Text(), "\r"), nil
}

func (r *sheetReader) value(key string) (string, error) {
	line, err := r.next()
	if err != nil {
		return "", fmt.Errorf("expected %q: %w", key, err)
	}
	k, v, ok := strings.Cut(line, ": ")
	if !ok || k != key {
		return "", fmt.Errorf("line %d: expected key %q, got %q", r.line, key, line)
	}
	return strings.TrimSpace(v), nil
}

func (r *sheetReader) intValue(key string) (int, error) {
	v, err := r.value(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("line %d: %s: %w", r.line, key, err)
	}
	return n, nil
}

func (r *sheetReader) skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := r.next(); err != nil {
			return fmt.Errorf("line %d: %w", r.line, err)
		}
	}
	return nil
}

// table reads a header line plus rows lines; the first field of every row
// is a label and the remaining fields must number columns.
func (r *sheetReader) table(rows, columns int, cell func(domain.Well, string) error) error {
	if err := r.skip(1); err != nil {
		return err
	}
	for row := 0; row < rows; row++ {
		line, err := r.next()
		if err != nil {
			return fmt.Errorf("table row %d: %w", row, err)
		}
		fields := strings.Fields(line)
		if len(fields) < 1 || len(fields)-1 != columns {
			return fmt.Errorf("line %d: expected %d columns, got %d", r.line, columns, max(len(fields)-1, 0))
		}
		for col, f := range fields[1:] {
			if err := cell(domain.Well{Row: row, Column: col}, f); err != nil {
				return fmt.Errorf("line %d: %w", r.line, err)
			}
		}
	}
	return nil
}

// ParseResultSheet reads a result sheet; timestamps are interpreted in loc.
func ParseResultSheet(rd io.Reader, loc *time.Location) (*ResultSheet, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &sheetReader{sc: bufio.NewScanner(rd)}
	s := &ResultSheet{}
	v, err := r.value(keyDateTime)
	if err != nil {
		return nil, err
	}
	if s.Timestamp, err = time.ParseInLocation(dateTimeLayout, v, loc); err != nil {
		return nil, fmt.Errorf("%s: %w", keyDateTime, err)
	}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{keyDeviceID, &s.DeviceID},
		{keyProbeID, &s.ProbeID},
		{keyChipID, &s.ChipID},
		{keyImagePGM, &s.ImagePGM},
		{keyImagePNG, &s.ImagePNG},
		{keyDarkFrame, &s.DarkFramePGM},
	} {
		if *f.dst, err = r.value(f.key); err != nil {
			return nil, err
		}
	}
	if s.DarkFramePGM == darkFrameUnused {
		s.DarkFramePGM = ""
	}
	if v, err = r.value(keyTemperature); err != nil {
		return nil, err
	}
	s.TemperatureOK = v == "yes"
	if v, err = r.value(keyCleanImage); err != nil {
		return nil, err
	}
	s.CleanImage = v == "yes"
	if v, err = r.value(keyThresholds); err != nil {
		return nil, err
	}
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keyThresholds, err)
		}
		s.Thresholds = append(s.Thresholds, n)
	}

	line, err := r.next()
	if err != nil {
		return nil, fmt.Errorf("line %d: %w", r.line, err)
	}
	if k, v, ok := strings.Cut(line, ": "); ok && k == keyExposure {
		if s.Exposure, err = strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(v, "s")), 64); err != nil {
			return nil, fmt.Errorf("%s: %w", keyExposure, err)
		}
		if line, err = r.next(); err != nil {
			return nil, fmt.Errorf("line %d: %w", r.line, err)
		}
	}
	if strings.TrimSpace(line) != "" {
		return nil, fmt.Errorf("line %d: expected empty line, got %q", r.line, line)
	}

	if s.Columns, err = r.intValue(keyColumns); err != nil {
		return nil, err
	}
	if s.Rows, err = r.intValue(keyRows); err != nil {
		return nil, err
	}
	if s.Rows <= 0 || s.Columns <= 0 {
		return nil, fmt.Errorf("invalid grid %dx%d", s.Rows, s.Columns)
	}
	if err := r.skip(1); err != nil {
		return nil, err
	}
	s.DeviceValues = make(map[domain.Well]int, s.Rows*s.Columns)
	err = r.table(s.Rows, s.Columns, func(w domain.Well, f string) error {
		n, err := strconv.Atoi(f)
		if err != nil {
			return fmt.Errorf("result %v: %w", w, err)
		}
		s.DeviceValues[w] = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The spot geometry section is absent in older firmware output.
	if err := r.skip(2); err != nil {
		return s, nil
	}
	if s.SpotSize, err = r.intValue(keySpotSize); err != nil {
		return nil, err
	}
	s.SpotCorners = make(map[domain.Well][2]int, s.Rows*s.Columns)
	err = r.table(s.Rows, s.Columns, func(w domain.Well, f string) error {
		m := spotCell.FindStringSubmatch(f)
		if m == nil {
			return fmt.Errorf("spot %v: malformed cell %q", w, f)
		}
		x, _ := strconv.Atoi(m[1])
		y, _ := strconv.Atoi(m[2])
		s.SpotCorners[w] = [2]int{x, y}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Geometry derives the nominal plate geometry from the spot table. ok is
// false when the sheet lacks enough spot positions to infer it.
func (s *ResultSheet) Geometry() (domain.Plate, bool) {
	p := domain.Plate{Name: s.ChipID, Rows: s.Rows, Columns: s.Columns, SpotDiameter: float64(s.SpotSize)}
	if s.SpotSize <= 0 || len(s.SpotCorners) == 0 || s.Rows < 2 || s.Columns < 2 {
		return p, false
	}
	half := float64(s.SpotSize) / 2
	tl := s.SpotCorners[domain.Well{Row: 0, Column: 0}]
	tr := s.SpotCorners[domain.Well{Row: 0, Column: s.Columns - 1}]
	bl := s.SpotCorners[domain.Well{Row: s.Rows - 1, Column: 0}]
	p.OriginX = float64(tl[0]) + half
	p.OriginY = float64(tl[1]) + half
	p.Pitch = float64(tr[0]-tl[0]) / float64(s.Columns-1)
	p.PitchY = float64(bl[1]-tl[1]) / float64(s.Rows-1)
	return p, p.Pitch > 0 && p.PitchY > 0
}
