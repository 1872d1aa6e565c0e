package decoder

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
)

// MaxBitDepth is the widest sample the decoder keeps without truncation.
const MaxBitDepth = 16

const (
	// MaxDimension bounds either side of a decoded image.
	MaxDimension = 1 << 15
	// MaxPixels bounds width*height so a forged header cannot force a
	// multi-gigabyte allocation.
	MaxPixels = 1 << 26
)

// checkDimensions rejects header dimensions before anything is allocated.
func checkDimensions(width, height int) error {
	switch {
	case width <= 0 || height <= 0:
		return fmt.Errorf("zero image dimensions %dx%d", width, height)
	case width > MaxDimension || height > MaxDimension:
		return fmt.Errorf("image dimensions %dx%d exceed %d", width, height, MaxDimension)
	case width > math.MaxInt/height || width*height > MaxPixels:
		return fmt.Errorf("image dimensions %dx%d exceed %d pixels", width, height, MaxPixels)
	}
	return nil
}

// Image is a lossless row-major grid of unsigned intensity samples.
type Image struct {
	Width    int
	Height   int
	BitDepth int
	Pix      []uint16
}

// NewImage allocates a zeroed image.
func NewImage(width, height, bitDepth int) *Image {
	return &Image{Width: width, Height: height, BitDepth: bitDepth, Pix: make([]uint16, width*height)}
}

// At returns the sample at (x, y). Callers must stay in bounds.
func (im *Image) At(x, y int) uint16 { return im.Pix[y*im.Width+x] }

// Set stores v at (x, y).
func (im *Image) Set(x, y int, v uint16) { im.Pix[y*im.Width+x] = v }

// In reports whether (x, y) lies inside the image.
func (im *Image) In(x, y int) bool { return x >= 0 && y >= 0 && x < im.Width && y < im.Height }

// Ceiling returns the saturation value for the image bit depth.
func (im *Image) Ceiling() uint16 {
	return uint16(ceilingFor(im.BitDepth))
}

// Checksum returns the hex SHA-256 of the dimensions and samples. Identical
// raw images yield identical checksums regardless of container format.
func (im *Image) Checksum() string {
	h := sha256.New()
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(im.Width))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(im.Height))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(im.BitDepth))
	h.Write(hdr[:])
	buf := make([]byte, 2*len(im.Pix))
	for i, v := range im.Pix {
		binary.BigEndian.PutUint16(buf[2*i:], v)
	}
	h.Write(buf)
	return hex.EncodeToString(h.Sum(nil))
}

// EncodePGM writes the image as binary PGM (P5). Depths above 8 bits use two
// big-endian bytes per sample, so the encoding is lossless.
func (im *Image) EncodePGM(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "P5\n%d %d\n%d\n", im.Width, im.Height, im.Ceiling()); err != nil {
		return err
	}
	if im.BitDepth <= 8 {
		for _, v := range im.Pix {
			if err := bw.WriteByte(byte(v)); err != nil {
				return err
			}
		}
	} else {
		var b [2]byte
		for _, v := range im.Pix {
			binary.BigEndian.PutUint16(b[:], v)
			if _, err := bw.Write(b[:]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// validate checks dimensions and that every sample fits the bit depth.
func (im *Image) validate(path string) error {
	if err := checkDimensions(im.Width, im.Height); err != nil {
		return decodeErr(path, nil, "%s", err.Error())
	}
	if im.BitDepth < 1 || im.BitDepth > MaxBitDepth {
		return decodeErr(path, nil, "unsupported bit depth %d", im.BitDepth)
	}
	if len(im.Pix) != im.Width*im.Height {
		return decodeErr(path, nil, "expected %d samples, got %d", im.Width*im.Height, len(im.Pix))
	}
	ceiling := im.Ceiling()
	for i, v := range im.Pix {
		if v > ceiling {
			return decodeErr(path, nil, "sample %d at (%d,%d) exceeds %d-bit range", v, i%im.Width, i/im.Width, im.BitDepth)
		}
	}
	return nil
}

func ceilingFor(bitDepth int) int { return 1<<uint(bitDepth) - 1 }
