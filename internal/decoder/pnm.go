package decoder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strconv"
)

// decodePNM reads a Netpbm graymap: P2 (ASCII) or P5 (binary, one byte per
// sample below maxval 256, else two big-endian bytes).
func decodePNM(r io.Reader) (*Image, error) {
	br := bufio.NewReader(r)
	magic, err := pnmToken(br)
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != "P2" && magic != "P5" {
		return nil, fmt.Errorf("unsupported netpbm magic %q", magic)
	}
	width, err := pnmInt(br, "width")
	if err != nil {
		return nil, err
	}
	height, err := pnmInt(br, "height")
	if err != nil {
		return nil, err
	}
	maxval, err := pnmInt(br, "maxval")
	if err != nil {
		return nil, err
	}
	if maxval < 1 || maxval > 65535 {
		return nil, fmt.Errorf("maxval %d out of range", maxval)
	}
	if err := checkDimensions(width, height); err != nil {
		return nil, err
	}
	img := NewImage(width, height, bits.Len(uint(maxval)))
	if magic == "P2" {
		for i := range img.Pix {
			v, err := pnmInt(br, "sample")
			if err != nil {
				return nil, fmt.Errorf("sample %d: %w", i, err)
			}
			if v > maxval {
				return nil, fmt.Errorf("sample %d value %d exceeds maxval %d", i, v, maxval)
			}
			img.Pix[i] = uint16(v)
		}
		return img, nil
	}
	// P5: exactly one whitespace byte separates maxval from the raster and
	// was consumed by pnmToken.
	if maxval < 256 {
		buf := make([]byte, len(img.Pix))
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("read raster: %w", err)
		}
		for i, b := range buf {
			img.Pix[i] = uint16(b)
		}
		return img, nil
	}
	buf := make([]byte, 2*len(img.Pix))
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, fmt.Errorf("read raster: %w", err)
	}
	for i := range img.Pix {
		v := binary.BigEndian.Uint16(buf[2*i:])
		if int(v) > maxval {
			return nil, fmt.Errorf("sample %d value %d exceeds maxval %d", i, v, maxval)
		}
		img.Pix[i] = v
	}
	return img, nil
}

func pnmInt(br *bufio.Reader, what string) (int, error) {
	tok, err := pnmToken(br)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", what, err)
	}
	v, err := strconv.Atoi(tok)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", what, tok)
	}
	return v, nil
}

// pnmToken returns the next whitespace-delimited token, skipping '#' comments.
// The single whitespace byte terminating the token is consumed.
func pnmToken(br *bufio.Reader) (string, error) {
	var tok []byte
	for {
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(tok) > 0 {
				return string(tok), nil
			}
			if errors.Is(err, io.EOF) {
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		switch {
		case c == '#' && len(tok) == 0:
			if _, err := br.ReadString('\n'); err != nil && !errors.Is(err, io.EOF) {
				return "", err
			}
		case isSpace(c):
			if len(tok) > 0 {
				return string(tok), nil
			}
		default:
			tok = append(tok, c)
		}
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}
