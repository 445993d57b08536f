package tagging

import (
	"math"

	"github.com/fairyhunter13/wildlife-processing/internal/domain"
)

// Rodent split labels.
const (
	TagRodent = "rodent"
	TagRat    = "rat"
	TagMouse  = "mouse"
)

// SplitRodent decides rat vs mouse for a track whose master tag is
// "rodent". Each non-blank position votes once per covered grid cell:
// mass above the cell threshold counts toward rat, otherwise mouse. Cells
// without data are skipped. Ties resolve to mouse.
func SplitRodent(track *domain.Track, thresh *domain.RatThreshold) string {
	grid := float64(thresh.GridSize)
	ratCount, mouseCount := 0, 0
	for _, p := range track.Positions {
		if p.Blank || p.Mass == 0 {
			continue
		}
		x0 := int(math.Floor(p.X / grid))
		x1 := int(math.Floor((p.X + p.Width) / grid))
		y0 := int(math.Floor(p.Y / grid))
		y1 := int(math.Floor((p.Y + p.Height) / grid))
		for y := y0; y <= y1; y++ {
			if y < 0 || y >= len(thresh.Thresholds) {
				continue
			}
			row := thresh.Thresholds[y]
			for x := x0; x <= x1; x++ {
				if x < 0 || x >= len(row) || row[x] == nil {
					continue
				}
				if p.Mass > *row[x] {
					ratCount++
				} else {
					mouseCount++
				}
			}
		}
	}
	if ratCount > mouseCount {
		return TagRat
	}
	return TagMouse
}
