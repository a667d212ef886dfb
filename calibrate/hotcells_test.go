package calibrate

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestHotCellsMaskPersistentPixel(t *testing.T) {
	const w, h = 10, 10
	hc := NewHotCells(0.02, zerolog.Nop())
	for f := 0; f < 20; f++ {
		pix := make([]byte, w*h)
		for i := range pix {
			pix[i] = 1
		}
		pix[4*w+3] = 200
		if f == 5 {
			pix[7*w+7] = 250 // a single hit
		}
		hc.Add(pix, w, h)
	}
	assert.Equal(t, 20, hc.Frames())
	assert.Equal(t, 1, hc.Finish())
	assert.True(t, hc.Masked(3, 4))
	assert.False(t, hc.Masked(7, 7))
	assert.False(t, hc.Masked(-1, 0))

	hc.Reset()
	assert.Zero(t, hc.Len())
	assert.False(t, hc.Masked(3, 4))
}

func TestHotCellsNeedsFrames(t *testing.T) {
	hc := NewHotCells(0.02, zerolog.Nop())
	hc.Add([]byte{9, 9, 9, 9}, 2, 2)
	assert.Zero(t, hc.Finish())
	hc.Add([]byte{1, 2}, 2, 2) // short buffer ignored
	assert.Equal(t, 1, hc.Frames())
}
