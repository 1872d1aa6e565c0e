package decoder

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// decodeMCRText reads the device's text dump: width line, height line, an
// empty line, then one sample per line starting with the last pixel.
func decodeMCRText(r io.Reader, bitDepth int) (*Image, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	next := func() (string, bool) {
		if !sc.Scan() {
			return "", false
		}
		line++
		return strings.TrimSpace(sc.Text()), true
	}
	header := make([]int, 2)
	for i, name := range []string{"width", "height"} {
		s, ok := next()
		if !ok {
			return nil, fmt.Errorf("missing %s line", name)
		}
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("line %d: invalid %s %q", line, name, s)
		}
		header[i] = v
	}
	if s, ok := next(); !ok || s != "" {
		return nil, fmt.Errorf("line %d: expected empty separator line", line)
	}
	width, height := header[0], header[1]
	if err := checkDimensions(width, height); err != nil {
		return nil, err
	}
	if bitDepth == 0 {
		bitDepth = MaxBitDepth
	}
	img := NewImage(width, height, bitDepth)
	n := len(img.Pix)
	for i := 0; i < n; i++ {
		s, ok := next()
		if !ok {
			return nil, fmt.Errorf("expected %d samples, got %d", n, i)
		}
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid sample %q", line, s)
		}
		img.Pix[n-1-i] = uint16(v)
	}
	for {
		s, ok := next()
		if !ok {
			break
		}
		if s != "" {
			return nil, fmt.Errorf("line %d: trailing data after %d samples", line, n)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return img, nil
}
