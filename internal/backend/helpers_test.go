package backend

import (
	"image"

	"github.com/banshee-data/tracking.frontend/internal/sensor"
)

func grayOf(f sensor.Frame) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	copy(img.Pix, f.Data)
	return img
}
