package pipeline

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

// luma matches color.GrayModel's weighting on 8-bit channels.
func luma(r, g, b uint8) uint8 {
	y := (19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16
	return uint8(y)
}

// decodeFrame writes f into gray and, for colour encodings, rgba. Both must
// already have f's dimensions.
func decodeFrame(f sensor.Frame, gray *image.Gray, rgba *image.RGBA) error {
	if gray.Rect.Dx() != f.Width || gray.Rect.Dy() != f.Height {
		return fmt.Errorf("working buffer is %dx%d, frame is %dx%d",
			gray.Rect.Dx(), gray.Rect.Dy(), f.Width, f.Height)
	}
	bpp := sensor.BytesPerPixel(f.Encoding)
	for y := 0; y < f.Height; y++ {
		src := f.Data[y*f.Width*bpp : (y+1)*f.Width*bpp]
		dst := gray.Pix[y*gray.Stride : y*gray.Stride+f.Width]
		if f.Encoding == sensor.EncodingMono8 {
			copy(dst, src)
			continue
		}
		var crow []uint8
		if rgba != nil {
			crow = rgba.Pix[y*rgba.Stride : y*rgba.Stride+f.Width*4]
		}
		for x := 0; x < f.Width; x++ {
			p := src[x*bpp : x*bpp+bpp]
			r, g, b := p[0], p[1], p[2]
			if f.Encoding == sensor.EncodingBGR8 {
				r, b = b, r
			}
			dst[x] = luma(r, g, b)
			if crow != nil {
				a := uint8(0xff)
				if bpp == 4 {
					a = p[3]
				}
				crow[x*4+0], crow[x*4+1], crow[x*4+2], crow[x*4+3] = r, g, b, a
			}
		}
	}
	return nil
}

func isColor(encoding string) bool {
	return encoding != sensor.EncodingMono8
}

// rescaleFrame decodes f at its native size and scales it into the working
// buffers.
func rescaleFrame(f sensor.Frame, gray *image.Gray, rgba *image.RGBA) error {
	r := image.Rect(0, 0, f.Width, f.Height)
	nativeGray := image.NewGray(r)
	var nativeColor *image.RGBA
	if rgba != nil {
		nativeColor = image.NewRGBA(r)
	}
	if err := decodeFrame(f, nativeGray, nativeColor); err != nil {
		return err
	}
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), nativeGray, r, draw.Src, nil)
	if rgba != nil {
		draw.ApproxBiLinear.Scale(rgba, rgba.Bounds(), nativeColor, r, draw.Src, nil)
	}
	return nil
}

// Preview returns src scaled to width pixels wide, keeping the aspect ratio.
// A width of zero or one at least as wide as src returns a copy.
func Preview(src *image.Gray, width int) *image.Gray {
	b := src.Bounds()
	if width <= 0 || width >= b.Dx() {
		dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Copy(dst, image.Point{}, src, b, draw.Src, nil)
		return dst
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewGray(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
