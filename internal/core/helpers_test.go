package core

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"mcranalyzer/internal/blob"
	"mcranalyzer/internal/config"
	"mcranalyzer/internal/decoder"
	"mcranalyzer/pkg/domain"
)

const sheetTemplate = `Date/time: 2021-03-04 10:15
Device ID: MCR-0042
Probe ID: probe-7
Chip ID: chip-2x2
Result image PGM: %s
Result image PNG: image.png
Dark frame image PGM: Do not store PGM file for dark frame any more
Temperature ok: yes
Clean image: %s
Thresholds: 10, 20, 30

X: 2
Y: 2

Results:
A 1000 2000
B 65535 0

Spots
Spot size: 20
Positions
A X=20Y=20 X=60Y=20
B X=20Y=60 X=60Y=60
`

// spot values of the synthetic 2x2 chip: origin (30,30), pitch 40, diameter 20
var spotValues = map[domain.Well]uint16{
	{Row: 0, Column: 0}: 1000,
	{Row: 0, Column: 1}: 2000,
	{Row: 1, Column: 0}: 65535,
	{Row: 1, Column: 1}: 0,
}

func syntheticImage(offset uint16) *decoder.Image {
	img := decoder.NewImage(100, 100, 16)
	for w, v := range spotValues {
		cx, cy := 30+40*w.Column, 30+40*w.Row
		if v != 0 && v != 65535 {
			v += offset
		}
		for dy := -10; dy <= 10; dy++ {
			for dx := -10; dx <= 10; dx++ {
				if dx*dx+dy*dy <= 100 {
					img.Set(cx+dx, cy+dy, v)
				}
			}
		}
	}
	return img
}

func writePGM(t *testing.T, dir, name string, img *decoder.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := img.EncodePGM(&buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return writeFile(t, dir, name, buf.Bytes())
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// writeRun writes a result sheet with its image into dir and returns the
// sheet path.
func writeRun(t *testing.T, dir string, offset uint16, clean bool) string {
	t.Helper()
	writePGM(t, dir, "image.pgm", syntheticImage(offset))
	return writeFile(t, dir, "run.rslt", []byte(sheetText("image.pgm", clean)))
}

func sheetText(image string, clean bool) string {
	cleanValue := "yes"
	if !clean {
		cleanValue = "no"
	}
	return fmt.Sprintf(sheetTemplate, image, cleanValue)
}

func newTestStore(t *testing.T) domain.Store {
	t.Helper()
	store, err := OpenStore(config.StorageConfig{Driver: config.StorageMemory})
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestImporter(t *testing.T) (*Importer, blob.Store) {
	t.Helper()
	blobs := blob.NewMemory()
	im := NewImporter(newTestStore(t), blob.NewArchive(blobs), nil)
	im.Decoder = &decoder.Decoder{BitDepth: 16}
	im.Options.User = "tester"
	return im, blobs
}
