// Package decoder turns raw MCR measurement files into lossless sample grids
// plus acquisition metadata.
package decoder

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"mcranalyzer/pkg/domain"
)

// Metadata describes how and when an image was acquired.
type Metadata struct {
	Timestamp     time.Time
	DeviceSerial  string
	ProbeID       string
	ChipID        string
	Exposure      float64
	TemperatureOK bool
	CleanImage    bool
	Thresholds    []int
	// Plate carries the grid geometry read from the result sheet;
	// GeometryKnown is false when the sheet did not provide one.
	Plate         domain.Plate
	GeometryKnown bool
	DeviceValues  map[domain.Well]int
	// SourcePath is the file handed to the decoder, ImagePath the file the
	// samples were read from (they differ for result sheets).
	SourcePath string
	ImagePath  string
}

// ChipFailure reports acquisition problems flagged by the device.
func (m Metadata) ChipFailure() (bool, string) {
	var reasons []string
	if !m.TemperatureOK {
		reasons = append(reasons, "temperature not ok")
	}
	if !m.CleanImage {
		reasons = append(reasons, "image not clean")
	}
	return len(reasons) > 0, strings.Join(reasons, "; ")
}

// Measurement is one decoded image with its metadata.
type Measurement struct {
	Image    *Image
	Metadata Metadata
}

// Decoder decodes measurement files. The zero value reads the bit depth from
// the container and interprets result sheet times as UTC.
type Decoder struct {
	// BitDepth is the expected sample depth; 0 accepts the container's depth.
	BitDepth int
	Location *time.Location
}

// Decode reads one measurement using a default Decoder.
func Decode(path string, bitDepth int) (*Measurement, error) {
	return (&Decoder{BitDepth: bitDepth}).Decode(path)
}

// Decode reads one measurement from path.
func (d *Decoder) Decode(path string) (*Measurement, error) {
	if strings.EqualFold(filepath.Ext(path), ".rslt") {
		sheet, err := d.readSheet(path)
		if err != nil {
			return nil, err
		}
		return d.fromSheet(path, sheet, filepath.Join(filepath.Dir(path), sheet.ImagePGM), 0)
	}
	img, err := d.readImage(path)
	if err != nil {
		return nil, err
	}
	meta := Metadata{SourcePath: path, ImagePath: path, TemperatureOK: true, CleanImage: true}
	if st, err := os.Stat(path); err == nil {
		meta.Timestamp = st.ModTime().UTC().Truncate(time.Second)
	}
	return &Measurement{Image: img, Metadata: meta}, nil
}

// DecodeAll reads a measurement file and expands multi-image result sheets:
// when the referenced image is missing, every "<stem>-N.pgm" sibling becomes
// its own measurement, each one second later than the previous in index order.
func (d *Decoder) DecodeAll(path string) ([]*Measurement, error) {
	if !strings.EqualFold(filepath.Ext(path), ".rslt") {
		m, err := d.Decode(path)
		if err != nil {
			return nil, err
		}
		return []*Measurement{m}, nil
	}
	sheet, err := d.readSheet(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	imagePath := filepath.Join(dir, sheet.ImagePGM)
	if _, err := os.Stat(imagePath); err == nil {
		m, err := d.fromSheet(path, sheet, imagePath, 0)
		if err != nil {
			return nil, err
		}
		return []*Measurement{m}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, &DecodeError{Path: imagePath, Reason: "stat image", Err: err}
	}
	siblings, err := multiImageSiblings(imagePath)
	if err != nil {
		return nil, &DecodeError{Path: path, Reason: "list multi-image siblings", Err: err}
	}
	if len(siblings) == 0 {
		return nil, &DecodeError{Path: path, Reason: "referenced image " + sheet.ImagePGM + " not found", Err: fs.ErrNotExist}
	}
	out := make([]*Measurement, 0, len(siblings))
	for i, sib := range siblings {
		m, err := d.fromSheet(path, sheet, sib, time.Duration(i)*time.Second)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// multiImageSiblings lists "<stem>-N.pgm" files next to imagePath ordered by N.
func multiImageSiblings(imagePath string) ([]string, error) {
	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(imagePath), globEscape(stem)+"-*.pgm"))
	if err != nil {
		return nil, err
	}
	type indexed struct {
		path string
		n    int
	}
	var found []indexed
	for _, m := range matches {
		suffix := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), stem+"-"), ".pgm")
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		found = append(found, indexed{m, n})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}

func (d *Decoder) readSheet(path string) (*ResultSheet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Reason: "open result sheet", Err: err}
	}
	defer func() { _ = f.Close() }()
	sheet, err := ParseResultSheet(f, d.Location)
	if err != nil {
		return nil, &DecodeError{Path: path, Reason: "malformed result sheet", Err: err}
	}
	return sheet, nil
}

func (d *Decoder) fromSheet(path string, sheet *ResultSheet, imagePath string, delay time.Duration) (*Measurement, error) {
	img, err := d.readImage(imagePath)
	if err != nil {
		return nil, err
	}
	plate, known := sheet.Geometry()
	meta := Metadata{
		Timestamp:     sheet.Timestamp.Add(delay),
		DeviceSerial:  sheet.DeviceID,
		ProbeID:       sheet.ProbeID,
		ChipID:        sheet.ChipID,
		Exposure:      sheet.Exposure,
		TemperatureOK: sheet.TemperatureOK,
		CleanImage:    sheet.CleanImage,
		Thresholds:    append([]int(nil), sheet.Thresholds...),
		Plate:         plate,
		GeometryKnown: known,
		DeviceValues:  sheet.DeviceValues,
		SourcePath:    path,
		ImagePath:     imagePath,
	}
	return &Measurement{Image: img, Metadata: meta}, nil
}

func (d *Decoder) readImage(path string) (*Image, error) {
	if d.BitDepth < 0 || d.BitDepth > MaxBitDepth {
		return nil, decodeErr(path, nil, "unsupported bit depth %d", d.BitDepth)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Reason: "open image", Err: err}
	}
	defer func() { _ = f.Close() }()
	img, err := ReadImage(f, filepath.Ext(path), d.BitDepth)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Path = path
			return nil, de
		}
		return nil, &DecodeError{Path: path, Reason: "malformed image", Err: err}
	}
	return img, nil
}

// ReadImage decodes a bare image container from r; format is a file
// extension such as ".pgm". Samples wider than bitDepth are rejected.
func ReadImage(r io.Reader, format string, bitDepth int) (*Image, error) {
	var (
		img *Image
		err error
	)
	switch strings.ToLower(format) {
	case ".pgm", ".pnm":
		img, err = decodePNM(r)
	case ".txt":
		img, err = decodeMCRText(r, bitDepth)
	case ".tif", ".tiff":
		img, err = decodeTIFF(r)
	default:
		return nil, fmt.Errorf("unsupported container %q", format)
	}
	if err != nil {
		return nil, err
	}
	if bitDepth > 0 {
		img.BitDepth = bitDepth
	}
	if err := img.validate(""); err != nil {
		return nil, err
	}
	return img, nil
}
