package reco

import "github.com/crayfis/xbdaq/frame"

// Mask hides pixels from reconstruction.
type Mask interface {
	Masked(x, y int) bool
}

// BuildPixels collects every unmasked pixel above l2, keeping at most
// maxPixels of them. The returned fraction counts all pixels above l2
// relative to the frame size, including those past the cap.
func BuildPixels(f *frame.Frame, l2, maxPixels int, mask Mask) ([]Pixel, float64) {
	pix := f.Pixels()
	w, h := f.Width, f.Height
	if len(pix) < w*h || w*h == 0 {
		return nil, 0
	}

	var out []Pixel
	flagged := 0
	for y := 0; y < h; y++ {
		row := pix[y*w : (y+1)*w]
		for x, v := range row {
			if int(v) <= l2 {
				continue
			}
			if mask != nil && mask.Masked(x, y) {
				continue
			}
			flagged++
			if maxPixels > 0 && len(out) >= maxPixels {
				continue
			}
			out = append(out, Pixel{
				X:       x,
				Y:       y,
				Val:     int(v),
				Avg3:    neighbourhoodAvg(pix, w, h, x, y, 1),
				Avg5:    neighbourhoodAvg(pix, w, h, x, y, 2),
				NearMax: nearMax(pix, w, h, x, y),
			})
		}
	}
	return out, float64(flagged) / float64(w*h)
}

func neighbourhoodAvg(pix []byte, w, h, x, y, r int) float64 {
	sum, n := 0, 0
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			xx, yy := x+dx, y+dy
			if xx < 0 || yy < 0 || xx >= w || yy >= h {
				continue
			}
			sum += int(pix[yy*w+xx])
			n++
		}
	}
	return float64(sum) / float64(n)
}

func nearMax(pix []byte, w, h, x, y int) int {
	m := 0
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			xx, yy := x+dx, y+dy
			if (dx == 0 && dy == 0) || xx < 0 || yy < 0 || xx >= w || yy >= h {
				continue
			}
			if v := int(pix[yy*w+xx]); v > m {
				m = v
			}
		}
	}
	return m
}
