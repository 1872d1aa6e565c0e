package decoder

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"golang.org/x/image/tiff"
)

// decodeTIFF reads an 8 or 16-bit grayscale TIFF without rescaling samples.
func decodeTIFF(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg, err := tiff.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := checkDimensions(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	src, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	switch g := src.(type) {
	case *image.Gray16:
		img := NewImage(b.Dx(), b.Dy(), 16)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				img.Set(x, y, g.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return img, nil
	case *image.Gray:
		img := NewImage(b.Dx(), b.Dy(), 8)
		for y := 0; y < img.Height; y++ {
			for x := 0; x < img.Width; x++ {
				img.Set(x, y, uint16(g.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
		return img, nil
	default:
		if src.ColorModel() == color.Gray16Model || src.ColorModel() == color.GrayModel {
			return nil, fmt.Errorf("unsupported grayscale layout %T", src)
		}
		return nil, fmt.Errorf("unsupported tiff color model %T: only grayscale images are accepted", src.ColorModel())
	}
}
