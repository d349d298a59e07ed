package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"mono ok", Frame{Width: 4, Height: 2, Encoding: EncodingMono8, Data: make([]byte, 8)}, false},
		{"rgb ok", Frame{Width: 2, Height: 2, Encoding: EncodingRGB8, Data: make([]byte, 12)}, false},
		{"rgba short", Frame{Width: 2, Height: 2, Encoding: EncodingRGBA8, Data: make([]byte, 12)}, true},
		{"unknown encoding", Frame{Width: 1, Height: 1, Encoding: "yuv422", Data: make([]byte, 2)}, true},
		{"zero size", Frame{Encoding: EncodingMono8}, true},
		{"too wide", Frame{Width: MaxFrameDimension + 1, Height: 1, Encoding: EncodingMono8, Data: make([]byte, MaxFrameDimension+1)}, true},
		{"size overflows", Frame{Width: 1 << 32, Height: 1 << 32, Encoding: EncodingMono8}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPositionVariance(t *testing.T) {
	t.Parallel()

	var p PosePrior
	p.Covariance[0], p.Covariance[7], p.Covariance[14] = 0.1, 0.2, 0.3
	p.Covariance[21] = 5 // rotation block is ignored
	assert.InDelta(t, 0.6, p.PositionVariance(), 1e-12)
}
